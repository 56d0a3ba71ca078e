package mailer

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/mail"
	"time"

	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// GmailMailer sends through the Gmail API as the impersonated mailbox.
type GmailMailer struct {
	svc  *gmail.Service
	from mail.Address
}

// NewGmail creates a Gmail mailer. The options must carry credentials
// with the gmail.send scope for the from mailbox.
func NewGmail(ctx context.Context, from mail.Address, opts ...option.ClientOption) (*GmailMailer, error) {
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	return &GmailMailer{svc: svc, from: from}, nil
}

// Send implements Mailer.
func (g *GmailMailer) Send(ctx context.Context, msg Message) error {
	raw, err := BuildMIME(g.from, msg, time.Now())
	if err != nil {
		return fmt.Errorf("build message: %w", err)
	}
	sent, err := g.svc.Users.Messages.Send("me", &gmail.Message{
		Raw: base64.URLEncoding.EncodeToString(raw),
	}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("gmail send: %w", err)
	}
	slog.Info("email sent", "backend", "gmail", "id", sent.Id, "to", joinAddresses(msg.To), "subject", msg.Subject)
	return nil
}
