// Package digest sends the daily summary e-mail: the last 24 hours of
// conversation, new memories, schedule changes, and the next week of events,
// condensed by the model. The timer has minute granularity in the configured
// timezone; a model failure logs an error and skips the send entirely rather
// than mailing a broken digest.
package digest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hearthward/famulus/internal/llm"
	"github.com/hearthward/famulus/pkg/memory"
)

const summaryTemperature = 0.4

const summaryPrompt = `Summarize the assistant's last 24 hours for a daily digest e-mail. Be factual and brief; use short paragraphs, no markdown, no salutation.

Conversations:
%s

New memories:
%s

Schedule changes:
%s

Next 7 days:
%s

Digest:`

// Generator produces the digest text. Satisfied by *llm.Client.
type Generator interface {
	Generate(ctx context.Context, req llm.GenerateRequest) (string, error)
}

// Sender delivers the digest through the outbound mail path.
type Sender interface {
	SendSummary(ctx context.Context, to, subject, plain, html string) (int64, error)
}

// Store is the read/bookkeeping surface the digest needs.
type Store interface {
	TurnsSince(ctx context.Context, since time.Time) ([]memory.Turn, error)
	MemoriesSince(ctx context.Context, since time.Time) ([]memory.PersistentMemory, error)
	ScheduleChangedSince(ctx context.Context, since time.Time) ([]memory.ScheduleEvent, error)
	ListSchedule(ctx context.Context, f memory.ScheduleFilter) ([]memory.ScheduleEvent, error)

	GetEmailSettings(ctx context.Context) (*memory.EmailSettings, error)
	SetSummaryLastSent(ctx context.Context, at time.Time) error
	LogEmail(ctx context.Context, e memory.EmailLogEntry) (int64, error)
}

// Scheduler fires the digest when the configured time of day arrives.
type Scheduler struct {
	store  Store
	gen    Generator
	sender Sender
	model  string
	now    func() time.Time
}

// New creates a Scheduler. now may be nil for time.Now.
func New(store Store, gen Generator, sender Sender, model string, now func() time.Time) *Scheduler {
	if now == nil {
		now = time.Now
	}
	return &Scheduler{store: store, gen: gen, sender: sender, model: model, now: now}
}

// Run checks once per minute until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				slog.Warn("daily digest failed", "error", err)
			}
		}
	}
}

// Tick sends the digest if it is due: summaries enabled, local time at or
// past the configured send time, and none sent yet today.
func (s *Scheduler) Tick(ctx context.Context) error {
	settings, err := s.store.GetEmailSettings(ctx)
	if err != nil {
		return fmt.Errorf("digest: settings: %w", err)
	}
	if !settings.SummaryEnabled || settings.SummaryTo == "" {
		return nil
	}

	loc, err := time.LoadLocation(settings.SummaryTimezone)
	if err != nil {
		slog.Warn("digest: invalid timezone, using UTC", "timezone", settings.SummaryTimezone)
		loc = time.UTC
	}
	now := s.now().In(loc)

	if !dueNow(now, settings.SummaryTime, settings.SummaryLastSent) {
		return nil
	}

	return s.send(ctx, settings, now)
}

// Force sends the digest immediately, skipping the schedule gate. Used by
// the admin retry endpoint after a failed attempt.
func (s *Scheduler) Force(ctx context.Context) error {
	settings, err := s.store.GetEmailSettings(ctx)
	if err != nil {
		return fmt.Errorf("digest: settings: %w", err)
	}
	if !settings.SummaryEnabled || settings.SummaryTo == "" {
		return fmt.Errorf("digest: summaries disabled or no recipient configured")
	}
	loc, err := time.LoadLocation(settings.SummaryTimezone)
	if err != nil {
		loc = time.UTC
	}
	return s.send(ctx, settings, s.now().In(loc))
}

// logFailure records the failed attempt so it shows up in the mail log and
// can be retried from the admin surface.
func (s *Scheduler) logFailure(ctx context.Context, settings *memory.EmailSettings, cause error) {
	_, err := s.store.LogEmail(ctx, memory.EmailLogEntry{
		Direction:    memory.DirectionSent,
		EmailType:    memory.EmailTypeSummary,
		To:           settings.SummaryTo,
		Subject:      "Daily digest",
		Status:       memory.LogError,
		ErrorMessage: cause.Error() + " (will be retried)",
		Timestamp:    s.now(),
	})
	if err != nil {
		slog.Error("digest failure not logged", "error", err)
	}
}

// dueNow reports whether the digest should go out: the current minute matches
// the configured "HH:MM" and the last send was before today.
func dueNow(now time.Time, summaryTime string, lastSent *time.Time) bool {
	if now.Format("15:04") != summaryTime {
		return false
	}
	if lastSent == nil {
		return true
	}
	last := lastSent.In(now.Location())
	return last.Year() != now.Year() || last.YearDay() != now.YearDay()
}

func (s *Scheduler) send(ctx context.Context, settings *memory.EmailSettings, now time.Time) error {
	since := now.Add(-24 * time.Hour)

	turns, err := s.store.TurnsSince(ctx, since)
	if err != nil {
		return fmt.Errorf("digest: turns: %w", err)
	}
	memories, err := s.store.MemoriesSince(ctx, since)
	if err != nil {
		return fmt.Errorf("digest: memories: %w", err)
	}
	changed, err := s.store.ScheduleChangedSince(ctx, since)
	if err != nil {
		return fmt.Errorf("digest: schedule changes: %w", err)
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	upcoming, err := s.store.ListSchedule(ctx, memory.ScheduleFilter{
		Start: today,
		End:   today.AddDate(0, 0, 7),
	})
	if err != nil {
		return fmt.Errorf("digest: upcoming: %w", err)
	}

	body, err := s.gen.Generate(ctx, llm.GenerateRequest{
		Model: s.model,
		Prompt: fmt.Sprintf(summaryPrompt,
			renderTurns(turns), renderMemories(memories),
			renderEvents(changed), renderEvents(upcoming)),
		Temperature: summaryTemperature,
	})
	if err != nil {
		// No digest is better than a wrong one. The error row gives the
		// admin surface something to retry.
		s.logFailure(ctx, settings, err)
		return fmt.Errorf("digest: summary generation: %w", err)
	}
	body = strings.TrimSpace(body)
	if body == "" {
		err := fmt.Errorf("digest: summary generation: empty response")
		s.logFailure(ctx, settings, err)
		return err
	}

	subject := "Daily digest — " + now.Format("Monday, January 2")
	if _, err := s.sender.SendSummary(ctx, settings.SummaryTo, subject, body, htmlBody(body)); err != nil {
		return fmt.Errorf("digest: send: %w", err)
	}

	if err := s.store.SetSummaryLastSent(ctx, s.now()); err != nil {
		return fmt.Errorf("digest: record last sent: %w", err)
	}
	slog.Info("daily digest sent", "to", settings.SummaryTo)
	return nil
}

// ───────────────────────── rendering ─────────────────────────

func renderTurns(turns []memory.Turn) string {
	if len(turns) == 0 {
		return "(none)"
	}
	var lines []string
	for _, t := range turns {
		who := t.UserName
		if t.Role == memory.RoleAssistant {
			who = "assistant"
		}
		lines = append(lines, fmt.Sprintf("- %s (%s): %s", who, t.Modality, t.Message))
	}
	return strings.Join(lines, "\n")
}

func renderMemories(mems []memory.PersistentMemory) string {
	if len(mems) == 0 {
		return "(none)"
	}
	var lines []string
	for _, m := range mems {
		lines = append(lines, fmt.Sprintf("- %s [%s]: %s", m.UserName, m.Category, m.Content))
	}
	return strings.Join(lines, "\n")
}

func renderEvents(events []memory.ScheduleEvent) string {
	if len(events) == 0 {
		return "(none)"
	}
	var lines []string
	for _, e := range events {
		when := e.EventDate.Format("Mon Jan 2")
		if e.EventTime != "" {
			when += " " + e.EventTime
		}
		lines = append(lines, fmt.Sprintf("- %s: %s (%s)", when, e.Title, e.UserName))
	}
	return strings.Join(lines, "\n")
}

// htmlBody wraps the plain digest in minimal HTML for the alternative part.
func htmlBody(plain string) string {
	var sb strings.Builder
	sb.WriteString("<html><body>")
	for _, para := range strings.Split(plain, "\n\n") {
		sb.WriteString("<p>")
		sb.WriteString(strings.ReplaceAll(escapeHTML(para), "\n", "<br>"))
		sb.WriteString("</p>")
	}
	sb.WriteString("</body></html>")
	return sb.String()
}

func escapeHTML(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}
