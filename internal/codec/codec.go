// Package codec decodes incoming MIME messages and builds outbound forwards.
package codec

import "strings"

// ForwardMarker is prepended to every outbound Subject and detected on
// intake to break forwarding loops between managed mailboxes. The byte
// sequence (Greek Rho, Latin C, Greek Beta, colon, no-break space) is shared
// with deployed peers and must never change.
const ForwardMarker = "ΡCΒ: "

// XMailer identifies the engine on every outbound message. Deployed peers
// key on the exact string.
const XMailer = "P.E.R.C.E.B.E."

// Attachment is one decoded attachment part. Data holds the raw payload;
// encoding/json renders it as base64, which is the retry-queue on-disk
// representation.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
}

// Message is a parsed incoming message. Header fields hold the values after
// MIME-word decoding; Date keeps the raw header string.
type Message struct {
	From        string       `json:"from"`
	Subject     string       `json:"subject"`
	Date        string       `json:"date"`
	BodyText    string       `json:"body_text"`
	BodyHTML    string       `json:"body_html"`
	Attachments []Attachment `json:"attachments"`
}

// IsForwarded reports whether the message was produced by this engine (or a
// peer) and must not be forwarded again.
func (m *Message) IsForwarded() bool {
	return strings.Contains(m.Subject, ForwardMarker)
}
