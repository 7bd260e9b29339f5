// Package mailchan is the e-mail agent: an IMAP poller that turns unseen
// mail into dialog turns, executes memory/schedule side effects before the
// reply is composed, and answers on-thread through SMTP. Attachments are
// reduced to text previews (vision description, PDF or Word extraction)
// that travel with the turn.
package mailchan

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hearthward/famulus/internal/config"
	"github.com/hearthward/famulus/internal/dialog"
	"github.com/hearthward/famulus/internal/llm"
	"github.com/hearthward/famulus/internal/observe"
	"github.com/hearthward/famulus/internal/prompt"
	"github.com/hearthward/famulus/pkg/memory"
)

// Generator runs completions; vision models describe image attachments
// through the same call. Satisfied by *llm.Client.
type Generator interface {
	Generate(ctx context.Context, req llm.GenerateRequest) (string, error)
}

// EmailResponder runs one e-mail turn with synchronous side effects.
// Satisfied by *dialog.Orchestrator.
type EmailResponder interface {
	RespondEmail(ctx context.Context, req dialog.Request) (string, []memory.EmailAction, error)
}

// inboundMessage is one parsed unseen message.
type inboundMessage struct {
	From        string // sender address, lowercased
	Subject     string
	MessageID   string
	References  []string
	Body        string
	Attachments []rawAttachment
}

// Channel polls the inbox and answers mail.
type Channel struct {
	cfg     config.EmailConfig
	store   memory.MailStore
	dialog  EmailResponder
	mailer  *Mailer
	analyze *analyzer
	now     func() time.Time

	// fetch is swapped by tests; the default speaks IMAP.
	fetch func(ctx context.Context, s *memory.EmailSettings) ([]inboundMessage, error)
}

// New creates the channel. visionModel may be empty to disable image
// description.
func New(cfg config.EmailConfig, store memory.MailStore, d EmailResponder, gen Generator, visionModel string, mailer *Mailer) *Channel {
	c := &Channel{
		cfg:     cfg,
		store:   store,
		dialog:  d,
		mailer:  mailer,
		analyze: &analyzer{gen: gen, visionModel: visionModel},
		now:     time.Now,
	}
	c.fetch = c.imapFetch
	return c
}

// Run polls until ctx is cancelled.
func (c *Channel) Run(ctx context.Context) error {
	interval := c.cfg.PollInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.Poll(ctx); err != nil {
				slog.Warn("mail poll failed", "error", err)
			}
		}
	}
}

// Poll fetches unseen mail and processes each message. One bad message does
// not block the rest; its failure is logged and the next poll retries
// nothing (the message is already seen) except the reply path, which the
// sender's own log row covers.
func (c *Channel) Poll(ctx context.Context) error {
	settings, err := c.store.GetEmailSettings(ctx)
	if err != nil {
		return fmt.Errorf("mail: settings: %w", err)
	}
	if settings.IMAPHost == "" {
		return nil
	}

	messages, err := c.fetch(ctx, settings)
	if err != nil {
		return fmt.Errorf("mail: fetch: %w", err)
	}
	for _, msg := range messages {
		if err := c.process(ctx, settings, msg); err != nil {
			observe.DefaultMetrics().RecordEmail(ctx, "error")
			slog.Error("inbound mail processing failed",
				"from", msg.From, "subject", msg.Subject, "error", err)
			continue
		}
		observe.DefaultMetrics().RecordEmail(ctx, "ok")
	}
	return nil
}

// process runs one inbound message end to end: identity, attachments,
// thread, log, dialog turn with synchronous actions, threaded reply.
func (c *Channel) process(ctx context.Context, settings *memory.EmailSettings, msg inboundMessage) error {
	user, err := c.store.ResolveUser(ctx, msg.From)
	if err != nil || user == "" {
		// Unknown senders still get answered, attributed to their raw
		// address so their memories stay separate.
		slog.Warn("no user mapping for sender", "address", msg.From, "error", err)
		user = msg.From
	}

	metas := make([]memory.AttachmentMeta, 0, len(msg.Attachments))
	for _, att := range msg.Attachments {
		metas = append(metas, c.analyze.analyze(ctx, att))
	}

	thread, err := c.store.GetOrCreateThread(ctx, msg.Subject, NormalizeSubject(msg.Subject), msg.From, user, msg.MessageID)
	if err != nil {
		return fmt.Errorf("thread for %q: %w", msg.Subject, err)
	}

	logID, err := c.store.LogEmail(ctx, memory.EmailLogEntry{
		Direction:   memory.DirectionReceived,
		EmailType:   memory.EmailTypeOther,
		From:        msg.From,
		To:          settings.FromAddress,
		Subject:     msg.Subject,
		BodyPreview: truncatePreview(msg.Body),
		FullBody:    msg.Body,
		Status:      memory.LogSuccess,
		MappedUser:  user,
		ThreadID:    thread.ID,
		Attachments: metas,
		Timestamp:   c.now(),
	})
	if err != nil {
		return fmt.Errorf("log inbound: %w", err)
	}

	if _, err := c.store.AppendThreadMessage(ctx, memory.ThreadMessage{
		ThreadID:   thread.ID,
		EmailLogID: logID,
		Role:       memory.RoleUser,
		Content:    msg.Body,
		Timestamp:  c.now(),
	}); err != nil {
		slog.Warn("thread message not appended", "thread_id", thread.ID, "error", err)
	}

	reply, actions, err := c.dialog.RespondEmail(ctx, dialog.Request{
		User:           user,
		Text:           turnText(msg.Body, metas),
		Channel:        prompt.ChannelEmail,
		ChannelSession: fmt.Sprintf("email-thread-%d", thread.ID),
	})
	if err != nil {
		return fmt.Errorf("dialog turn: %w", err)
	}

	for _, a := range actions {
		a.ThreadID = thread.ID
		a.EmailLogID = logID
		if _, err := c.store.RecordAction(ctx, a); err != nil {
			slog.Warn("action not recorded", "thread_id", thread.ID, "intent", a.Intent, "error", err)
		}
	}

	outLogID, err := c.mailer.SendReply(ctx, outbound{
		emailType:  memory.EmailTypeReply,
		to:         msg.From,
		subject:    replySubject(msg.Subject),
		plain:      reply,
		html:       replyHTML(reply),
		inReplyTo:  msg.MessageID,
		references: append(append([]string(nil), msg.References...), msg.MessageID),
		threadID:   thread.ID,
		mappedUser: user,
	})
	if err != nil {
		// The error log row exists; the admin resend path can retry it.
		return fmt.Errorf("reply: %w", err)
	}

	if _, err := c.store.AppendThreadMessage(ctx, memory.ThreadMessage{
		ThreadID:   thread.ID,
		EmailLogID: outLogID,
		Role:       memory.RoleAssistant,
		Content:    reply,
		Timestamp:  c.now(),
	}); err != nil {
		slog.Warn("thread message not appended", "thread_id", thread.ID, "error", err)
	}

	slog.Info("mail answered", "from", msg.From, "thread_id", thread.ID,
		"actions", len(actions), "reply_log_id", outLogID)
	return nil
}

// turnText is the dialog-facing rendition of the message: body plus one
// labeled block per attachment preview.
func turnText(body string, metas []memory.AttachmentMeta) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(body))
	for _, m := range metas {
		fmt.Fprintf(&b, "\n\n[Attachment %q (%s)]\n%s", m.Filename, m.Type, m.Preview)
	}
	return b.String()
}

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// replyHTML wraps the plain reply in minimal paragraph markup.
func replyHTML(plain string) string {
	var b strings.Builder
	b.WriteString("<html><body>")
	for _, para := range strings.Split(plain, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		b.WriteString("<p>")
		b.WriteString(strings.ReplaceAll(htmlEscaper.Replace(para), "\n", "<br>"))
		b.WriteString("</p>")
	}
	b.WriteString("</body></html>")
	return b.String()
}
