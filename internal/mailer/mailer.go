// Package mailer delivers result reports by email.
package mailer

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/mail"
	"net/textproto"
	"strings"
	"time"
)

// Attachment is a file sent along with a message.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Message is a single email.
type Message struct {
	To          []mail.Address
	Cc          []mail.Address
	Subject     string
	Text        string
	HTML        string
	Attachments []Attachment
}

// HasRecipients reports whether the message has at least one To address.
func (m Message) HasRecipients() bool {
	return len(m.To) > 0
}

// Mailer sends messages.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// LogMailer writes messages to the log instead of sending them.
type LogMailer struct {
	From mail.Address
}

// Send implements Mailer.
func (l LogMailer) Send(_ context.Context, msg Message) error {
	names := make([]string, 0, len(msg.Attachments))
	for _, a := range msg.Attachments {
		names = append(names, a.Filename)
	}
	slog.Info("email (not sent)",
		"from", l.From.String(),
		"to", joinAddresses(msg.To),
		"cc", joinAddresses(msg.Cc),
		"subject", msg.Subject,
		"text_bytes", len(msg.Text),
		"html_bytes", len(msg.HTML),
		"attachments", names,
	)
	return nil
}

// BuildMIME renders msg as an RFC 5322 message. Text and HTML bodies go
// into a multipart/alternative part; attachments, when present, wrap it
// in multipart/mixed.
func BuildMIME(from mail.Address, msg Message, now time.Time) ([]byte, error) {
	var buf bytes.Buffer

	hdr := func(k, v string) { fmt.Fprintf(&buf, "%s: %s\r\n", k, v) }
	hdr("From", from.String())
	hdr("To", joinAddresses(msg.To))
	if len(msg.Cc) > 0 {
		hdr("Cc", joinAddresses(msg.Cc))
	}
	hdr("Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	hdr("Date", now.Format(time.RFC1123Z))
	hdr("MIME-Version", "1.0")

	alt := func(w *multipart.Writer) error {
		if err := writeBody(w, "text/plain; charset=utf-8", msg.Text); err != nil {
			return err
		}
		if msg.HTML != "" {
			if err := writeBody(w, "text/html; charset=utf-8", msg.HTML); err != nil {
				return err
			}
		}
		return w.Close()
	}

	if len(msg.Attachments) == 0 {
		w := multipart.NewWriter(&buf)
		hdr("Content-Type", "multipart/alternative; boundary="+w.Boundary())
		buf.WriteString("\r\n")
		if err := alt(w); err != nil {
			return nil, fmt.Errorf("write body: %w", err)
		}
		return buf.Bytes(), nil
	}

	mixed := multipart.NewWriter(&buf)
	hdr("Content-Type", "multipart/mixed; boundary="+mixed.Boundary())
	buf.WriteString("\r\n")

	var inner bytes.Buffer
	altW := multipart.NewWriter(&inner)
	if err := alt(altW); err != nil {
		return nil, fmt.Errorf("write body: %w", err)
	}
	part, err := mixed.CreatePart(textproto.MIMEHeader{
		"Content-Type": {"multipart/alternative; boundary=" + altW.Boundary()},
	})
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(inner.Bytes()); err != nil {
		return nil, err
	}

	for _, a := range msg.Attachments {
		part, err := mixed.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {a.ContentType},
			"Content-Transfer-Encoding": {"base64"},
			"Content-Disposition":       {mime.FormatMediaType("attachment", map[string]string{"filename": a.Filename})},
		})
		if err != nil {
			return nil, fmt.Errorf("create attachment %s: %w", a.Filename, err)
		}
		if err := writeBase64Lines(part, a.Data); err != nil {
			return nil, fmt.Errorf("write attachment %s: %w", a.Filename, err)
		}
	}
	if err := mixed.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeBody(w *multipart.Writer, contentType, body string) error {
	part, err := w.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {contentType},
		"Content-Transfer-Encoding": {"base64"},
	})
	if err != nil {
		return err
	}
	return writeBase64Lines(part, []byte(body))
}

// writeBase64Lines encodes data in 76-character lines.
func writeBase64Lines(w io.Writer, data []byte) error {
	enc := base64.StdEncoding.EncodeToString(data)
	for len(enc) > 76 {
		if _, err := fmt.Fprintf(w, "%s\r\n", enc[:76]); err != nil {
			return err
		}
		enc = enc[76:]
	}
	_, err := fmt.Fprintf(w, "%s\r\n", enc)
	return err
}

func joinAddresses(addrs []mail.Address) string {
	parts := make([]string, 0, len(addrs))
	for _, a := range addrs {
		parts = append(parts, a.String())
	}
	return strings.Join(parts, ", ")
}

// ParseAddressList parses a comma-separated address list, ignoring blanks.
func ParseAddressList(s string) ([]mail.Address, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	list, err := mail.ParseAddressList(s)
	if err != nil {
		return nil, fmt.Errorf("parse address list %q: %w", s, err)
	}
	addrs := make([]mail.Address, 0, len(list))
	for _, a := range list {
		addrs = append(addrs, *a)
	}
	return addrs, nil
}
