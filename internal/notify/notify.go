// Package notify sends best-effort publication notifications to BAL editors.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"

	"github.com/bal-adresse/publication-server/internal/baselocale"
)

// Sender is the Notification Sender boundary. Sends are best-effort: the
// sync engine logs failures and carries on.
type Sender interface {
	SendPublication(ctx context.Context, bal *baselocale.BaseLocale, recipients []string) error
}

// SMTPSender delivers notifications through a plain SMTP relay.
type SMTPSender struct {
	addr string
	from string
	auth smtp.Auth
}

var _ Sender = (*SMTPSender)(nil)

// NewSMTPSender creates a sender for the given relay address ("host:port")
// and From address. user may be empty for unauthenticated relays.
func NewSMTPSender(addr, from, user, password, host string) *SMTPSender {
	s := &SMTPSender{addr: addr, from: from}
	if user != "" {
		s.auth = smtp.PlainAuth("", user, password, host)
	}
	return s
}

// SendPublication sends the publication notification for a BaseLocale.
func (s *SMTPSender) SendPublication(
	_ context.Context, bal *baselocale.BaseLocale, recipients []string,
) error {
	if len(recipients) == 0 {
		return nil
	}

	subject := fmt.Sprintf("Votre Base Adresse Locale (commune %s) a été publiée", bal.CodeCommune)
	body := fmt.Sprintf(
		"La Base Adresse Locale de la commune %s a été publiée auprès du dépôt national.\r\n"+
			"Identifiant : %s\r\n",
		bal.CodeCommune, bal.ID)

	msg := strings.Join([]string{
		"From: " + s.from,
		"To: " + strings.Join(recipients, ", "),
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=utf-8",
		"",
		body,
	}, "\r\n")

	if err := smtp.SendMail(s.addr, s.auth, s.from, recipients, []byte(msg)); err != nil {
		return fmt.Errorf("send publication notification: %w", err)
	}
	return nil
}

// LogSender logs notifications instead of delivering them. Used when no
// SMTP relay is configured.
type LogSender struct{}

var _ Sender = (*LogSender)(nil)

// SendPublication logs the notification.
func (LogSender) SendPublication(
	_ context.Context, bal *baselocale.BaseLocale, recipients []string,
) error {
	slog.Info("publication notification (no SMTP relay configured)",
		"bal_id", bal.ID,
		"code_commune", bal.CodeCommune,
		"recipients", len(recipients))
	return nil
}
