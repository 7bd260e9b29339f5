package mailchan

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/wneessen/go-mail"

	"github.com/hearthward/famulus/pkg/memory"
)

const (
	smtpTimeout = 30 * time.Second

	headerInReplyTo  = mail.Header("In-Reply-To")
	headerReferences = mail.Header("References")
)

// outbound describes one message to deliver.
type outbound struct {
	emailType  memory.EmailType
	to         string
	subject    string
	plain      string
	html       string // empty for plain-only mail
	inReplyTo  string
	references []string
	threadID   int64
	mappedUser string
}

// Mailer is the single outbound path: replies, reminders, and the daily
// digest all leave through it, and every attempt lands in the e-mail log.
type Mailer struct {
	store memory.MailStore

	// deliver is swapped by tests; the default speaks SMTP.
	deliver func(ctx context.Context, s *memory.EmailSettings, msg *mail.Msg) error
}

// NewMailer creates a Mailer reading connection settings from the store on
// every send, so admin changes apply without a restart.
func NewMailer(store memory.MailStore) *Mailer {
	m := &Mailer{store: store}
	m.deliver = m.smtpDeliver
	return m
}

// SendReply delivers a threaded reply: multipart plain+HTML with
// In-Reply-To and References preserved.
func (m *Mailer) SendReply(ctx context.Context, out outbound) (int64, error) {
	return m.send(ctx, out)
}

// SendReminder implements the reminder scheduler's sender.
func (m *Mailer) SendReminder(ctx context.Context, to, subject, body string) (int64, error) {
	return m.send(ctx, outbound{emailType: memory.EmailTypeReminder, to: to, subject: subject, plain: body})
}

// SendSummary implements the daily digest's sender.
func (m *Mailer) SendSummary(ctx context.Context, to, subject, plain, html string) (int64, error) {
	return m.send(ctx, outbound{emailType: memory.EmailTypeSummary, to: to, subject: subject, plain: plain, html: html})
}

// AddressFor reverse-resolves a user name to their mapped address.
func (m *Mailer) AddressFor(ctx context.Context, user string) (string, error) {
	mappings, err := m.store.ListMappings(ctx)
	if err != nil {
		return "", fmt.Errorf("mail: list mappings: %w", err)
	}
	for addr, u := range mappings {
		if strings.EqualFold(u, user) {
			return addr, nil
		}
	}
	return "", fmt.Errorf("mail: no address mapped for user %q", user)
}

// Resend re-attempts delivery of a previously failed outbound message using
// its stored body. On success the existing log row flips to success instead
// of growing a new one.
func (m *Mailer) Resend(ctx context.Context, logID int64) error {
	entry, err := m.store.GetEmailLog(ctx, logID)
	if err != nil {
		return fmt.Errorf("mail: load log %d: %w", logID, err)
	}
	if entry.Direction != memory.DirectionSent {
		return fmt.Errorf("mail: log %d is not an outbound message", logID)
	}

	settings, err := m.store.GetEmailSettings(ctx)
	if err != nil {
		return fmt.Errorf("mail: settings: %w", err)
	}
	msg, err := buildMsg(settings, outbound{
		emailType: entry.EmailType,
		to:        entry.To,
		subject:   entry.Subject,
		plain:     entry.FullBody,
	})
	if err != nil {
		return err
	}
	if err := m.deliver(ctx, settings, msg); err != nil {
		return fmt.Errorf("mail: resend %d: %w", logID, err)
	}
	if err := m.store.SetEmailLogStatus(ctx, logID, memory.LogSuccess, ""); err != nil {
		return fmt.Errorf("mail: flip log %d: %w", logID, err)
	}
	slog.Info("resend succeeded", "log_id", logID, "to", entry.To)
	return nil
}

// send delivers one message and logs the outcome. The log id is returned
// even when delivery failed so callers can reference the error row.
func (m *Mailer) send(ctx context.Context, out outbound) (int64, error) {
	settings, err := m.store.GetEmailSettings(ctx)
	if err != nil {
		return 0, fmt.Errorf("mail: settings: %w", err)
	}

	entry := memory.EmailLogEntry{
		Direction:   memory.DirectionSent,
		EmailType:   out.emailType,
		From:        settings.FromAddress,
		To:          out.to,
		Subject:     out.subject,
		BodyPreview: truncatePreview(out.plain),
		FullBody:    out.plain,
		MappedUser:  out.mappedUser,
		ThreadID:    out.threadID,
		Timestamp:   time.Now(),
	}

	msg, buildErr := buildMsg(settings, out)
	sendErr := buildErr
	if sendErr == nil {
		sendErr = m.deliver(ctx, settings, msg)
	}

	if sendErr != nil {
		entry.Status = memory.LogError
		entry.ErrorMessage = sendErr.Error()
	} else {
		entry.Status = memory.LogSuccess
	}

	logID, logErr := m.store.LogEmail(ctx, entry)
	if logErr != nil {
		slog.Error("outbound mail not logged", "to", out.to, "error", logErr)
	}
	if sendErr != nil {
		return logID, fmt.Errorf("mail: send to %s: %w", out.to, sendErr)
	}
	return logID, nil
}

func buildMsg(s *memory.EmailSettings, out outbound) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(s.FromAddress); err != nil {
		return nil, fmt.Errorf("mail: from %q: %w", s.FromAddress, err)
	}
	if err := msg.To(out.to); err != nil {
		return nil, fmt.Errorf("mail: to %q: %w", out.to, err)
	}
	msg.Subject(out.subject)
	msg.SetBodyString(mail.TypeTextPlain, out.plain)
	if out.html != "" {
		msg.AddAlternativeString(mail.TypeTextHTML, out.html)
	}
	if out.inReplyTo != "" {
		msg.SetGenHeader(headerInReplyTo, "<"+strings.Trim(out.inReplyTo, "<>")+">")
	}
	if len(out.references) > 0 {
		refs := make([]string, 0, len(out.references))
		for _, r := range out.references {
			refs = append(refs, "<"+strings.Trim(r, "<>")+">")
		}
		msg.SetGenHeader(headerReferences, strings.Join(refs, " "))
	}
	return msg, nil
}

// smtpDeliver opens an SMTP session per the stored settings and sends msg.
func (m *Mailer) smtpDeliver(ctx context.Context, s *memory.EmailSettings, msg *mail.Msg) error {
	opts := []mail.Option{
		mail.WithPort(s.SMTPPort),
		mail.WithTimeout(smtpTimeout),
	}
	switch {
	case s.SMTPUseSSL:
		opts = append(opts, mail.WithSSL())
	case s.SMTPUseTLS:
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	default:
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}
	if s.SMTPUser != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.SMTPUser),
			mail.WithPassword(s.SMTPPass),
		)
	}

	client, err := mail.NewClient(s.SMTPHost, opts...)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	return client.DialAndSendWithContext(ctx, msg)
}
