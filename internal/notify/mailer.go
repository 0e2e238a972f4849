// Package notify delivers signer invitation emails. Delivery is best-effort:
// callers log failures and move on, since a signer can always be re-invited.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/wneessen/go-mail"
)

// Invitation is one outbound signing request.
type Invitation struct {
	RecipientName  string
	RecipientEmail string
	DocumentTitle  string
	// SigningURL is the full capability link the recipient opens to sign.
	SigningURL string
	// ExpiresAt is a human-readable expiry notice, already formatted.
	ExpiresAt string
}

// Notifier sends signer invitations.
type Notifier interface {
	SendInvitation(ctx context.Context, inv Invitation) error
}

// SMTPConfig holds SMTP delivery settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPNotifier sends invitations over SMTP.
type SMTPNotifier struct {
	client *mail.Client
	from   string
}

// NewSMTPNotifier creates an SMTP-backed notifier.
func NewSMTPNotifier(cfg SMTPConfig) (*SMTPNotifier, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("smtp host is required")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("smtp from address is required")
	}

	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTLSPortPolicy(mail.TLSOpportunistic),
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}

	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create mail client: %w", err)
	}
	return &SMTPNotifier{client: client, from: cfg.From}, nil
}

// SendInvitation delivers one invitation email.
func (n *SMTPNotifier) SendInvitation(ctx context.Context, inv Invitation) error {
	msg := mail.NewMsg()
	if err := msg.From(n.from); err != nil {
		return fmt.Errorf("invalid from address: %w", err)
	}
	if err := msg.To(inv.RecipientEmail); err != nil {
		return fmt.Errorf("invalid recipient address: %w", err)
	}
	msg.Subject(fmt.Sprintf("Signature requested: %s", inv.DocumentTitle))
	msg.SetBodyString(mail.TypeTextPlain, invitationBody(inv))

	if err := n.client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("failed to send invitation: %w", err)
	}
	return nil
}

func invitationBody(inv Invitation) string {
	body := fmt.Sprintf(
		"Hello %s,\n\nYou have been asked to sign %q.\n\nOpen the link below to review and sign:\n\n%s\n",
		inv.RecipientName, inv.DocumentTitle, inv.SigningURL)
	if inv.ExpiresAt != "" {
		body += fmt.Sprintf("\nThis request expires on %s.\n", inv.ExpiresAt)
	}
	return body
}

// LogNotifier logs invitations instead of sending them. Used in development
// and tests. The zero value is usable.
type LogNotifier struct {
	logger *slog.Logger
	// Sent collects every invitation for test assertions.
	Sent []Invitation
}

// NewLogNotifier creates a logging notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// SendInvitation records the invitation and logs it.
func (n *LogNotifier) SendInvitation(ctx context.Context, inv Invitation) error {
	n.Sent = append(n.Sent, inv)
	logger := n.logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "invitation (log only)",
		"recipient", inv.RecipientEmail,
		"document", inv.DocumentTitle)
	return nil
}
