package reminder

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hearthward/famulus/internal/botcfg"
	"github.com/hearthward/famulus/internal/llm"
	"github.com/hearthward/famulus/pkg/memory"
)

type fakeStore struct {
	pending []memory.ScheduleEvent
	marked  []int64
	markLog []int64
}

func (f *fakeStore) PendingReminders(context.Context, time.Time) ([]memory.ScheduleEvent, error) {
	return f.pending, nil
}

func (f *fakeStore) MarkReminderSent(_ context.Context, eventID, logID int64) (bool, error) {
	f.marked = append(f.marked, eventID)
	f.markLog = append(f.markLog, logID)
	return true, nil
}

type fakeSender struct {
	sent []sentMail
	err  error
}

type sentMail struct {
	to, subject, body string
}

func (f *fakeSender) SendReminder(_ context.Context, to, subject, body string) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.sent = append(f.sent, sentMail{to, subject, body})
	return int64(100 + len(f.sent)), nil
}

type fakeRecipients map[string]string

func (f fakeRecipients) AddressFor(_ context.Context, user string) (string, error) {
	return f[user], nil
}

type fakeGen struct {
	output string
	err    error
}

func (g *fakeGen) Generate(context.Context, llm.GenerateRequest) (string, error) {
	return g.output, g.err
}

type mapConfigStore map[string]string

func (m mapConfigStore) GetConfig(_ context.Context, key string) (string, bool, error) {
	v, ok := m[key]
	return v, ok, nil
}
func (m mapConfigStore) SetConfig(_ context.Context, key, value string) error {
	m[key] = value
	return nil
}
func (m mapConfigStore) AllConfig(context.Context) (map[string]string, error) { return m, nil }

// 2025-10-15 14:30 UTC.
var testNow = time.Date(2025, time.October, 15, 14, 30, 0, 0, time.UTC)

func newScheduler(store *fakeStore, gen Generator, sender *fakeSender) *Scheduler {
	cfg := botcfg.New(mapConfigStore{botcfg.KeyDisplayTimezone: "UTC"})
	return New(store, gen, sender, fakeRecipients{"alice": "alice@example.com"}, cfg,
		"test-model", func() time.Time { return testNow })
}

func timedEvent(id int64, clock string, lead int) memory.ScheduleEvent {
	return memory.ScheduleEvent{
		ID: id, UserName: "alice", Title: "dentist",
		EventDate:           time.Date(2025, time.October, 15, 0, 0, 0, 0, time.UTC),
		EventTime:           clock,
		ReminderEnabled:     true,
		ReminderLeadMinutes: lead,
		RecipientEmail:      "alice@example.com",
	}
}

func TestScan_FiresInsideDueWindow(t *testing.T) {
	// Event 15:00, lead 30 min: reminder time is exactly now.
	store := &fakeStore{pending: []memory.ScheduleEvent{timedEvent(1, "15:00", 30)}}
	sender := &fakeSender{}
	s := newScheduler(store, &fakeGen{output: "Heads up, dentist at 3pm!"}, sender)

	n, err := s.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if n != 1 || len(sender.sent) != 1 {
		t.Fatalf("sent = %d (n=%d), want 1", len(sender.sent), n)
	}
	m := sender.sent[0]
	if m.to != "alice@example.com" || m.subject != "Reminder: dentist" {
		t.Errorf("mail = %+v", m)
	}
	if m.body != "Heads up, dentist at 3pm!" {
		t.Errorf("body = %q, want the synthesized message", m.body)
	}
	if len(store.marked) != 1 || store.marked[0] != 1 {
		t.Errorf("marked = %v, want [1]", store.marked)
	}
	if store.markLog[0] != 101 {
		t.Errorf("log id = %d, want the sender's 101", store.markLog[0])
	}
}

func TestScan_SkipsOutsideDueWindow(t *testing.T) {
	store := &fakeStore{pending: []memory.ScheduleEvent{
		timedEvent(1, "16:00", 30), // reminder at 15:30, an hour away
		timedEvent(2, "14:00", 30), // event already passed
	}}
	sender := &fakeSender{}
	s := newScheduler(store, &fakeGen{output: "x"}, sender)

	n, err := s.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if n != 0 || len(sender.sent) != 0 {
		t.Errorf("sent %d reminders, want 0", len(sender.sent))
	}
}

func TestScan_AllDayEventFiresAtNine(t *testing.T) {
	// All-day event fires at 09:00; with the default 30 min lead the reminder
	// time is 08:30.
	e := timedEvent(1, "", 0)
	store := &fakeStore{pending: []memory.ScheduleEvent{e}}
	sender := &fakeSender{}

	cfg := botcfg.New(mapConfigStore{botcfg.KeyDisplayTimezone: "UTC"})
	at := time.Date(2025, time.October, 15, 8, 30, 0, 0, time.UTC)
	s := New(store, &fakeGen{output: "x"}, sender, fakeRecipients{}, cfg,
		"test-model", func() time.Time { return at })

	n, err := s.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if n != 1 {
		t.Fatalf("sent = %d, want 1", n)
	}
}

func TestScan_LLMFailureFallsBackToTemplate(t *testing.T) {
	store := &fakeStore{pending: []memory.ScheduleEvent{timedEvent(1, "15:00", 30)}}
	sender := &fakeSender{}
	s := newScheduler(store, &fakeGen{err: errors.New("model down")}, sender)

	n, err := s.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if n != 1 {
		t.Fatalf("sent = %d, want 1 despite model outage", n)
	}
	body := sender.sent[0].body
	if !strings.Contains(body, "dentist") || !strings.Contains(body, "15:00") {
		t.Errorf("fallback body = %q, want title and time", body)
	}
}

func TestScan_SendFailureLeavesEventPending(t *testing.T) {
	store := &fakeStore{pending: []memory.ScheduleEvent{timedEvent(1, "15:00", 30)}}
	sender := &fakeSender{err: errors.New("smtp down")}
	s := newScheduler(store, &fakeGen{output: "x"}, sender)

	n, err := s.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if n != 0 {
		t.Errorf("n = %d, want 0", n)
	}
	if len(store.marked) != 0 {
		t.Errorf("marked = %v, want none when the send failed", store.marked)
	}
}

func TestScan_ResolvesRecipientFromMappings(t *testing.T) {
	e := timedEvent(1, "15:00", 30)
	e.RecipientEmail = ""
	store := &fakeStore{pending: []memory.ScheduleEvent{e}}
	sender := &fakeSender{}
	s := newScheduler(store, &fakeGen{output: "x"}, sender)

	if _, err := s.Scan(context.Background()); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(sender.sent) != 1 || sender.sent[0].to != "alice@example.com" {
		t.Fatalf("sent = %+v, want mapped address", sender.sent)
	}
}

func TestDue(t *testing.T) {
	reminderAt := time.Date(2025, time.October, 15, 14, 30, 0, 0, time.UTC)
	eventAt := reminderAt.Add(30 * time.Minute)

	cases := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"exactly on time", reminderAt, true},
		{"four minutes late", reminderAt.Add(4 * time.Minute), true},
		{"four minutes early", reminderAt.Add(-4 * time.Minute), true},
		{"six minutes late", reminderAt.Add(6 * time.Minute), false},
		{"six minutes early", reminderAt.Add(-6 * time.Minute), false},
		{"event already started", eventAt, false},
	}
	for _, tc := range cases {
		if got := due(tc.now, reminderAt, eventAt); got != tc.want {
			t.Errorf("%s: due = %v, want %v", tc.name, got, tc.want)
		}
	}
}
