package codec

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
)

// wordDecoder decodes RFC 2047 encoded-words with charset support beyond
// UTF-8 (the charset package pulls in the extended tables).
var wordDecoder = mime.WordDecoder{CharsetReader: charset.Reader}

// fallbackDecoder treats any charset as UTF-8. Second pass for headers
// whose declared charset has no table.
var fallbackDecoder = mime.WordDecoder{
	CharsetReader: func(cs string, input io.Reader) (io.Reader, error) {
		return input, nil
	},
}

// DecodeHeader turns a possibly RFC 2047 encoded header value into a plain
// Unicode string. It never fails: an unknown charset is re-decoded as UTF-8
// with invalid sequences replaced, and syntactically broken input passes
// through as-is.
func DecodeHeader(raw string) string {
	decoded, err := wordDecoder.DecodeHeader(raw)
	if err == nil {
		return decoded
	}
	decoded, err = fallbackDecoder.DecodeHeader(raw)
	if err != nil {
		return raw
	}
	return strings.ToValidUTF8(decoded, "�")
}

// TraceFunc receives per-part diagnostics during parsing. Decode errors on
// individual parts are reported here and never abort the whole message.
type TraceFunc func(format string, args ...any)

// Parse decodes a raw RFC 822 message into its forwardable pieces: decoded
// From/Subject headers, the raw Date header, the first text/plain and
// text/html leaves, and every attachment part. A part that fails to decode
// is reported through onError and skipped.
func Parse(raw []byte, onError TraceFunc) (*Message, error) {
	if onError == nil {
		onError = func(string, ...any) {}
	}

	ent, err := message.Read(bytes.NewReader(raw))
	if message.IsUnknownCharset(err) {
		onError("unknown charset in message: %v", err)
	} else if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	msg := &Message{
		From:        DecodeHeader(ent.Header.Get("From")),
		Subject:     DecodeHeader(ent.Header.Get("Subject")),
		Date:        ent.Header.Get("Date"),
		Attachments: []Attachment{},
	}

	walkEntity(ent, msg, onError)
	return msg, nil
}

// walkEntity descends the MIME tree, collecting the first plain and HTML
// bodies and every attachment leaf.
func walkEntity(ent *message.Entity, msg *Message, onError TraceFunc) {
	if mr := ent.MultipartReader(); mr != nil {
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if message.IsUnknownCharset(err) {
				onError("unknown charset in part: %v", err)
			} else if err != nil {
				onError("failed to read multipart section: %v", err)
				break
			}
			walkEntity(part, msg, onError)
		}
		return
	}

	ctype, params, err := ent.Header.ContentType()
	if err != nil {
		ctype = "text/plain"
	}

	disp, dispParams, _ := ent.Header.ContentDisposition()
	if strings.EqualFold(disp, "attachment") {
		data, err := io.ReadAll(ent.Body)
		if err != nil {
			onError("failed to decode attachment %q: %v", dispParams["filename"], err)
			return
		}
		name := dispParams["filename"]
		if name == "" {
			name = params["name"]
		}
		msg.Attachments = append(msg.Attachments, Attachment{
			Filename:    DecodeHeader(name),
			ContentType: ctype,
			Data:        data,
		})
		return
	}

	switch {
	case strings.EqualFold(ctype, "text/plain") && msg.BodyText == "":
		body, err := io.ReadAll(ent.Body)
		if err != nil {
			onError("failed to decode text body: %v", err)
			return
		}
		msg.BodyText = string(body)
	case strings.EqualFold(ctype, "text/html") && msg.BodyHTML == "":
		body, err := io.ReadAll(ent.Body)
		if err != nil {
			onError("failed to decode HTML body: %v", err)
			return
		}
		msg.BodyHTML = string(body)
	}
}
