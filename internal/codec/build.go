package codec

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/textproto"
	"strings"
	"time"
)

// forwardBanner is the text prepended to every forwarded body. Recipients
// see it, so the exact shape is preserved across implementations.
const forwardBanner = "\n\n--- Correo reenviado automáticamente por P.E.R.C.E.B.E. ---\n" +
	"De: %s\n" +
	"Asunto original: %s\n" +
	"Fecha: %s\n" +
	"---------------------------------------------------\n\n"

// BuildForward constructs the complete outbound byte stream for one
// recipient: headers plus a multipart/mixed body wrapping a
// multipart/alternative sub-container and, optionally, the attachments.
// Each call regenerates Date and Message-ID, so a message fanned out to
// several recipients yields distinct transactions.
func BuildForward(smtpUser string, msg *Message, recipient string, includeAttachments bool, now time.Time) ([]byte, error) {
	banner := fmt.Sprintf(forwardBanner, msg.From, msg.Subject, msg.Date)

	var buf bytes.Buffer
	mixed := multipart.NewWriter(&buf)

	fmt.Fprintf(&buf, "From: %s\r\n", smtpUser)
	fmt.Fprintf(&buf, "To: %s\r\n", recipient)
	fmt.Fprintf(&buf, "Subject: %s\r\n", encodeHeader(ForwardMarker+msg.Subject))
	fmt.Fprintf(&buf, "Date: %s\r\n", now.Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "Message-ID: %s\r\n", generateMessageID(smtpUser, now))
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "X-Mailer: %s\r\n", XMailer)
	fmt.Fprintf(&buf, "X-Forwarded-From: %s\r\n", encodeHeader(msg.From))
	fmt.Fprintf(&buf, "X-Original-Date: %s\r\n", msg.Date)
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%s\r\n\r\n", mixed.Boundary())

	altBody, altBoundary, err := buildAlternative(banner, msg)
	if err != nil {
		return nil, err
	}
	altPart, err := mixed.CreatePart(textproto.MIMEHeader{
		"Content-Type": {fmt.Sprintf("multipart/alternative; boundary=%s", altBoundary)},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create alternative part: %w", err)
	}
	if _, err := altPart.Write(altBody); err != nil {
		return nil, fmt.Errorf("failed to write alternative part: %w", err)
	}

	if includeAttachments {
		for _, att := range msg.Attachments {
			if err := attach(mixed, att); err != nil {
				return nil, err
			}
		}
	}

	if err := mixed.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize message: %w", err)
	}
	return buf.Bytes(), nil
}

// buildAlternative renders the text/HTML sub-container. With both bodies
// empty it still emits the banner as the text part, so every forward
// carries the provenance block.
func buildAlternative(banner string, msg *Message) ([]byte, string, error) {
	var buf bytes.Buffer
	alt := multipart.NewWriter(&buf)

	text := normalizeNewlines(msg.BodyText)
	html := msg.BodyHTML

	// The text part is emitted when a text body exists, and also when both
	// bodies are empty: a forward always carries at least the banner.
	if text != "" || html == "" {
		part, err := alt.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {`text/plain; charset="utf-8"`},
			"Content-Transfer-Encoding": {"quoted-printable"},
		})
		if err != nil {
			return nil, "", fmt.Errorf("failed to create text part: %w", err)
		}
		qp := quotedprintable.NewWriter(part)
		if _, err := qp.Write([]byte(banner + text)); err != nil {
			return nil, "", fmt.Errorf("failed to write text part: %w", err)
		}
		if err := qp.Close(); err != nil {
			return nil, "", fmt.Errorf("failed to close text part: %w", err)
		}
	}

	if html != "" {
		if !strings.Contains(strings.ToLower(html), "<html") {
			html = "<html><body>" + html + "</body></html>"
		}
		htmlBanner := strings.ReplaceAll(banner, "\n", "<br>")
		part, err := alt.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {`text/html; charset="utf-8"`},
			"Content-Transfer-Encoding": {"quoted-printable"},
		})
		if err != nil {
			return nil, "", fmt.Errorf("failed to create HTML part: %w", err)
		}
		qp := quotedprintable.NewWriter(part)
		if _, err := qp.Write([]byte(htmlBanner + html)); err != nil {
			return nil, "", fmt.Errorf("failed to write HTML part: %w", err)
		}
		if err := qp.Close(); err != nil {
			return nil, "", fmt.Errorf("failed to close HTML part: %w", err)
		}
	}

	if err := alt.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finalize alternative part: %w", err)
	}
	return buf.Bytes(), alt.Boundary(), nil
}

// attach writes one attachment to the mixed container, base64-encoded with
// 76-column lines.
func attach(mixed *multipart.Writer, att Attachment) error {
	ctype := att.ContentType
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	name := encodeHeader(att.Filename)

	part, err := mixed.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {fmt.Sprintf("%s; name=%q", ctype, name)},
		"Content-Transfer-Encoding": {"base64"},
		"Content-Disposition":       {fmt.Sprintf("attachment; filename=%q", name)},
	})
	if err != nil {
		return fmt.Errorf("failed to create attachment part %q: %w", att.Filename, err)
	}

	enc := base64.NewEncoder(base64.StdEncoding, &lineWrapper{w: part, maxLen: 76})
	if _, err := enc.Write(att.Data); err != nil {
		return fmt.Errorf("failed to encode attachment %q: %w", att.Filename, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to finish attachment %q: %w", att.Filename, err)
	}
	return nil
}

// lineWrapper inserts CRLF after every maxLen bytes written through it.
// Placed under a base64 encoder it yields RFC 2045 76-column body lines.
type lineWrapper struct {
	w      io.Writer
	maxLen int
	col    int
}

func (lw *lineWrapper) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		room := lw.maxLen - lw.col
		if room == 0 {
			if _, err := lw.w.Write([]byte("\r\n")); err != nil {
				return written, err
			}
			lw.col = 0
			room = lw.maxLen
		}
		if room > len(p) {
			room = len(p)
		}
		n, err := lw.w.Write(p[:room])
		written += n
		lw.col += n
		if err != nil {
			return written, err
		}
		p = p[room:]
	}
	return written, nil
}

// encodeHeader Q-encodes a header value when it contains non-ASCII runes.
func encodeHeader(value string) string {
	return mime.QEncoding.Encode("utf-8", value)
}

// normalizeNewlines collapses CRLF and bare CR to LF.
func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

const messageIDAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// generateMessageID builds <{20 random alphanumerics}.{unix}@{domain}>,
// with the domain taken from the sending SMTP user.
func generateMessageID(smtpUser string, now time.Time) string {
	b := make([]byte, 20)
	if _, err := rand.Read(b); err != nil {
		for i := range b {
			b[i] = byte(now.UnixNano() >> (uint(i) % 60))
		}
	}
	for i := range b {
		b[i] = messageIDAlphabet[int(b[i])%len(messageIDAlphabet)]
	}

	domain := "localhost"
	if at := strings.LastIndex(smtpUser, "@"); at >= 0 && at < len(smtpUser)-1 {
		domain = smtpUser[at+1:]
	}
	return fmt.Sprintf("<%s.%d@%s>", b, now.Unix(), domain)
}
