package prompt

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/hearthward/famulus/pkg/memory"
)

// scheduleIntentKeywords gate the conditional schedule section on e-mail and
// text turns: without one of these the calendar stays out of the prompt.
var scheduleIntentKeywords = []string{
	"schedule", "calendar", "appointment", "meeting", "event", "events",
	"plans", "agenda", "booked", "busy", "free", "upcoming", "reminder",
	"trip", "flight", "travel",
}

// categoryFilters narrow the conditional view when the turn names a category.
var categoryFilters = map[string][]string{
	"travel":      {"travel", "trip", "flight", "train", "hotel", "vacation"},
	"appointment": {"appointment", "doctor", "dentist", "checkup"},
	"meeting":     {"meeting", "standup", "call", "sync", "1:1"},
	"event":       {"party", "concert", "birthday", "wedding", "dinner"},
}

var reWhenIsMy = regexp.MustCompile(`(?i)when(?:'s| is) my (.+?)[?.!]?$`)

// WhenIsMyQuery detects "when is my <X>" turns. The caller delegates these to
// schedule search instead of a raw listing; the returned string is <X>.
func WhenIsMyQuery(turn string) (string, bool) {
	m := reWhenIsMy.FindStringSubmatch(strings.TrimSpace(turn))
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

// scheduleSection renders the calendar block. Voice channels always see the
// full 30-day view; e-mail and text only when the turn shows schedule intent,
// and then filtered to what was asked about.
func (b *Builder) scheduleSection(ctx context.Context, in Input, now time.Time) string {
	if in.ScheduleOverride != "" {
		return in.ScheduleOverride
	}

	voice := in.Channel == ChannelVoice

	if !voice && !containsFold(in.Turn, scheduleIntentKeywords) {
		return ""
	}

	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	start, end := today, today.AddDate(0, 0, 30)
	if !voice {
		start, end = turnTimeWindow(in.Turn, today)
	}

	events, err := b.store.ListSchedule(ctx, memory.ScheduleFilter{
		UserName: in.User,
		Start:    start,
		End:      end,
	})
	if err != nil {
		slog.Warn("prompt: schedule unavailable", "user", in.User, "error", err)
		return ""
	}

	if !voice {
		events = filterByCategory(events, in.Turn)
	}

	if len(events) == 0 {
		// An explicitly empty view is the guard against invented events.
		return "Schedule: no upcoming events. Do not invent or imply any events."
	}
	return renderGrouped(events, today)
}

// turnTimeWindow narrows the listing window when the turn names one.
func turnTimeWindow(turn string, today time.Time) (time.Time, time.Time) {
	lower := strings.ToLower(turn)
	switch {
	case strings.Contains(lower, "today"):
		return today, today
	case strings.Contains(lower, "tomorrow"):
		t := today.AddDate(0, 0, 1)
		return t, t
	case strings.Contains(lower, "this week"):
		return today, today.AddDate(0, 0, 7-int(today.Weekday()))
	case strings.Contains(lower, "next month"):
		first := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, today.Location()).AddDate(0, 1, 0)
		return first, first.AddDate(0, 1, -1)
	case strings.Contains(lower, "this month"):
		first := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, today.Location())
		return today, first.AddDate(0, 1, -1)
	case strings.Contains(lower, "this quarter"):
		return today, today.AddDate(0, 3, 0)
	}

	// A bare weekday name ("on friday") means that day.
	for name, wd := range map[string]time.Weekday{
		"monday": time.Monday, "tuesday": time.Tuesday, "wednesday": time.Wednesday,
		"thursday": time.Thursday, "friday": time.Friday, "saturday": time.Saturday,
		"sunday": time.Sunday,
	} {
		if strings.Contains(lower, name) {
			days := int(wd-today.Weekday()+7) % 7
			if days == 0 {
				days = 7
			}
			t := today.AddDate(0, 0, days)
			return t, t
		}
	}

	return today, today.AddDate(0, 0, 30)
}

// filterByCategory keeps only events matching a category named in the turn.
// Turns naming no category pass everything through.
func filterByCategory(events []memory.ScheduleEvent, turn string) []memory.ScheduleEvent {
	var terms []string
	for _, words := range categoryFilters {
		if containsFold(turn, words) {
			terms = append(terms, words...)
		}
	}
	if len(terms) == 0 {
		return events
	}

	var out []memory.ScheduleEvent
	for _, e := range events {
		haystack := e.Title + " " + e.Description
		if containsFold(haystack, terms) {
			out = append(out, e)
		}
	}
	return out
}

// renderGrouped writes the today / tomorrow / this week / later view with
// importance markers.
func renderGrouped(events []memory.ScheduleEvent, today time.Time) string {
	tomorrow := today.AddDate(0, 0, 1)
	weekEnd := today.AddDate(0, 0, 7)

	groups := map[string][]string{}
	order := []string{"Today", "Tomorrow", "This week", "Later"}

	for _, e := range events {
		var key string
		switch {
		case e.EventDate.Before(tomorrow):
			key = "Today"
		case e.EventDate.Before(tomorrow.AddDate(0, 0, 1)):
			key = "Tomorrow"
		case e.EventDate.Before(weekEnd):
			key = "This week"
		default:
			key = "Later"
		}
		groups[key] = append(groups[key], renderEvent(e))
	}

	var sb strings.Builder
	sb.WriteString("Schedule (next 30 days):")
	for _, key := range order {
		lines := groups[key]
		if len(lines) == 0 {
			continue
		}
		sb.WriteString("\n" + key + ":\n")
		sb.WriteString(strings.Join(lines, "\n"))
	}
	return sb.String()
}

func renderEvent(e memory.ScheduleEvent) string {
	when := e.EventDate.Format("Mon Jan 2")
	if e.EventTime != "" {
		when += " " + e.EventTime
	} else {
		when += " (all day)"
	}
	line := fmt.Sprintf("- %s: %s", when, e.Title)
	if e.Importance >= 8 {
		line += " [important]"
	}
	if e.Description != "" {
		line += " — " + e.Description
	}
	return line
}

func containsFold(s string, words []string) bool {
	lower := strings.ToLower(s)
	for _, w := range words {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}
