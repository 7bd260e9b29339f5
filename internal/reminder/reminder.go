// Package reminder fires e-mail reminders for calendar events at
// event time minus the configured lead. The loop is idempotent: the sent flag
// flips atomically with the outbound log row, so a crash between scan and
// send never double-notifies.
package reminder

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hearthward/famulus/internal/botcfg"
	"github.com/hearthward/famulus/internal/llm"
	"github.com/hearthward/famulus/pkg/memory"
)

const (
	// scanInterval is how often pending reminders are re-evaluated.
	scanInterval = time.Minute

	// dueWindow is the tolerance around the computed reminder time. A scan
	// that lands a few minutes late still fires; one hours late does not.
	dueWindow = 5 * time.Minute

	// allDayHour is when all-day events notionally start.
	allDayHour = 9
)

const messageTemperature = 0.6

const messagePrompt = `Write a one or two sentence friendly reminder for this calendar event. Mention the title and when it happens. No greeting, no signature, no emoji.

Event: %s
When: %s
Details: %s

Reminder:`

// Generator produces the reminder text. Satisfied by *llm.Client.
type Generator interface {
	Generate(ctx context.Context, req llm.GenerateRequest) (string, error)
}

// Sender delivers the reminder through the outbound mail path and returns the
// send-log row id.
type Sender interface {
	SendReminder(ctx context.Context, to, subject, body string) (int64, error)
}

// Store is the slice of the schedule store the scheduler needs.
type Store interface {
	PendingReminders(ctx context.Context, today time.Time) ([]memory.ScheduleEvent, error)
	MarkReminderSent(ctx context.Context, eventID, logID int64) (bool, error)
}

// Recipients resolves a user name to an e-mail address when the event carries
// none of its own. Satisfied by the mail channel's mapping table.
type Recipients interface {
	AddressFor(ctx context.Context, user string) (string, error)
}

// Scheduler runs the reminder loop.
type Scheduler struct {
	store      Store
	gen        Generator
	sender     Sender
	recipients Recipients
	cfg        *botcfg.Service
	model      string
	now        func() time.Time
}

// New creates a Scheduler. now may be nil for time.Now.
func New(store Store, gen Generator, sender Sender, recipients Recipients, cfg *botcfg.Service, model string, now func() time.Time) *Scheduler {
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		store:      store,
		gen:        gen,
		sender:     sender,
		recipients: recipients,
		cfg:        cfg,
		model:      model,
		now:        now,
	}
}

// Run scans once per minute until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := s.Scan(ctx); err != nil {
				slog.Warn("reminder scan failed", "error", err)
			} else if n > 0 {
				slog.Info("reminders sent", "count", n)
			}
		}
	}
}

// location resolves the configured display timezone, falling back to UTC.
func (s *Scheduler) location(ctx context.Context) *time.Location {
	tz := s.cfg.Get(ctx, botcfg.KeyDisplayTimezone)
	loc, err := time.LoadLocation(tz)
	if err != nil {
		slog.Warn("invalid display timezone, using UTC", "timezone", tz)
		return time.UTC
	}
	return loc
}

// Scan evaluates all pending reminders once and returns how many were sent.
// Per-event failures are logged and skipped; the event stays pending for the
// next scan as long as it is still inside the due window.
func (s *Scheduler) Scan(ctx context.Context) (int, error) {
	loc := s.location(ctx)
	now := s.now().In(loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)

	pending, err := s.store.PendingReminders(ctx, today)
	if err != nil {
		return 0, fmt.Errorf("reminder: pending scan: %w", err)
	}

	sent := 0
	for _, e := range pending {
		eventAt, reminderAt := s.times(ctx, e, loc)
		if !due(now, reminderAt, eventAt) {
			continue
		}
		if err := s.fire(ctx, e, eventAt); err != nil {
			slog.Warn("reminder failed", "event_id", e.ID, "title", e.Title, "error", err)
			continue
		}
		sent++
	}
	return sent, nil
}

// times computes the concrete event datetime and the reminder datetime.
// All-day events notionally start at 09:00 local.
func (s *Scheduler) times(ctx context.Context, e memory.ScheduleEvent, loc *time.Location) (eventAt, reminderAt time.Time) {
	hour, minute := allDayHour, 0
	if e.EventTime != "" {
		fmt.Sscanf(e.EventTime, "%d:%d", &hour, &minute)
	}
	eventAt = time.Date(e.EventDate.Year(), e.EventDate.Month(), e.EventDate.Day(),
		hour, minute, 0, 0, loc)

	lead := e.ReminderLeadMinutes
	if lead <= 0 {
		lead = s.cfg.Int(ctx, botcfg.KeyReminderDefaultLead, 30)
	}
	return eventAt, eventAt.Add(-time.Duration(lead) * time.Minute)
}

// due reports whether now is within the tolerance window around reminderAt
// and still before the event itself.
func due(now, reminderAt, eventAt time.Time) bool {
	if now.After(eventAt) || now.Equal(eventAt) {
		return false
	}
	diff := now.Sub(reminderAt)
	return diff >= -dueWindow && diff <= dueWindow
}

func (s *Scheduler) fire(ctx context.Context, e memory.ScheduleEvent, eventAt time.Time) error {
	to := e.RecipientEmail
	if to == "" {
		addr, err := s.recipients.AddressFor(ctx, e.UserName)
		if err != nil {
			return fmt.Errorf("resolve recipient: %w", err)
		}
		if addr == "" {
			return fmt.Errorf("no e-mail address for user %q", e.UserName)
		}
		to = addr
	}

	body := s.compose(ctx, e, eventAt)
	subject := "Reminder: " + e.Title

	logID, err := s.sender.SendReminder(ctx, to, subject, body)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}

	ok, err := s.store.MarkReminderSent(ctx, e.ID, logID)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	if !ok {
		// Another instance won the race; the mail went out twice but the
		// state is consistent.
		slog.Warn("reminder already marked sent", "event_id", e.ID)
	}
	return nil
}

// compose asks the model for a friendly message, falling back to a plain
// template so an LLM outage never silences a reminder.
func (s *Scheduler) compose(ctx context.Context, e memory.ScheduleEvent, eventAt time.Time) string {
	when := eventAt.Format("Monday, January 2 at 15:04")
	if e.EventTime == "" {
		when = eventAt.Format("Monday, January 2") + " (all day)"
	}

	if s.gen != nil {
		msg, err := s.gen.Generate(ctx, llm.GenerateRequest{
			Model:       s.model,
			Prompt:      fmt.Sprintf(messagePrompt, e.Title, when, e.Description),
			Temperature: messageTemperature,
		})
		if err == nil && strings.TrimSpace(msg) != "" {
			return strings.TrimSpace(msg)
		}
		if err != nil {
			slog.Warn("reminder message synthesis failed, using template", "error", err)
		}
	}
	return fmt.Sprintf("Reminder: %s on %s.", e.Title, when)
}
