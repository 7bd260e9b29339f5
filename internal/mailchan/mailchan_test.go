package mailchan

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wneessen/go-mail"

	"github.com/hearthward/famulus/internal/config"
	"github.com/hearthward/famulus/internal/dialog"
	"github.com/hearthward/famulus/pkg/memory"
)

// fakeMailStore implements memory.MailStore for channel and sender tests.
type fakeMailStore struct {
	mu        sync.Mutex
	users     map[string]string // address -> user
	threads   map[string]*memory.EmailThread
	nextLog   int64
	logs      map[int64]*memory.EmailLogEntry
	messages  []memory.ThreadMessage
	actions   []memory.EmailAction
	settings  memory.EmailSettings
	statusSet []int64
}

func newFakeMailStore() *fakeMailStore {
	return &fakeMailStore{
		users:   map[string]string{},
		threads: map[string]*memory.EmailThread{},
		logs:    map[int64]*memory.EmailLogEntry{},
		settings: memory.EmailSettings{
			FromAddress: "assistant@example.com",
			IMAPHost:    "imap.example.com",
			SMTPHost:    "smtp.example.com",
			SMTPPort:    587,
		},
	}
}

func (s *fakeMailStore) ResolveUser(_ context.Context, addr string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users[strings.ToLower(addr)], nil
}

func (s *fakeMailStore) UpsertMapping(_ context.Context, addr, user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[strings.ToLower(addr)] = user
	return nil
}

func (s *fakeMailStore) ListMappings(context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.users))
	for k, v := range s.users {
		out[k] = v
	}
	return out, nil
}

func (s *fakeMailStore) GetOrCreateThread(_ context.Context, subject, normalized, userEmail, mappedUser, messageID string) (*memory.EmailThread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := normalized + "\x00" + userEmail
	if th, ok := s.threads[key]; ok {
		th.MessageCount++
		th.LastMessageID = messageID
		return th, nil
	}
	th := &memory.EmailThread{
		ID:                int64(len(s.threads) + 1),
		Subject:           subject,
		NormalizedSubject: normalized,
		UserEmail:         userEmail,
		MappedUser:        mappedUser,
		FirstMessageID:    messageID,
		MessageCount:      1,
	}
	s.threads[key] = th
	return th, nil
}

func (s *fakeMailStore) AppendThreadMessage(_ context.Context, m memory.ThreadMessage) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
	return int64(len(s.messages)), nil
}

func (s *fakeMailStore) ThreadMessages(context.Context, int64, int) ([]memory.ThreadMessage, error) {
	return nil, nil
}

func (s *fakeMailStore) RecordAction(_ context.Context, a memory.EmailAction) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = append(s.actions, a)
	return int64(len(s.actions)), nil
}

func (s *fakeMailStore) ActionsForEmailLog(context.Context, int64) ([]memory.EmailAction, error) {
	return nil, nil
}

func (s *fakeMailStore) LogEmail(_ context.Context, e memory.EmailLogEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextLog++
	e.ID = s.nextLog
	s.logs[e.ID] = &e
	return e.ID, nil
}

func (s *fakeMailStore) GetEmailLog(_ context.Context, id int64) (*memory.EmailLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.logs[id]; ok {
		return e, nil
	}
	return nil, fmt.Errorf("no log %d", id)
}

func (s *fakeMailStore) ListEmailLogs(context.Context, int) ([]memory.EmailLogEntry, error) {
	return nil, nil
}

func (s *fakeMailStore) SetEmailLogStatus(_ context.Context, id int64, status memory.LogStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.logs[id]; ok {
		e.Status = status
		e.ErrorMessage = errMsg
	}
	s.statusSet = append(s.statusSet, id)
	return nil
}

func (s *fakeMailStore) DeleteEmailLog(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.logs, id)
	return nil
}

func (s *fakeMailStore) GetEmailSettings(context.Context) (*memory.EmailSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := s.settings
	return &cp, nil
}

func (s *fakeMailStore) UpdateEmailSettings(_ context.Context, st memory.EmailSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = st
	return nil
}

func (s *fakeMailStore) SetSummaryLastSent(context.Context, time.Time) error { return nil }

func (s *fakeMailStore) logsByType(et memory.EmailType) []*memory.EmailLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*memory.EmailLogEntry
	for i := int64(1); i <= s.nextLog; i++ {
		if e, ok := s.logs[i]; ok && e.EmailType == et {
			out = append(out, e)
		}
	}
	return out
}

type fakeResponder struct {
	reply   string
	actions []memory.EmailAction
	err     error
	last    dialog.Request
}

func (r *fakeResponder) RespondEmail(_ context.Context, req dialog.Request) (string, []memory.EmailAction, error) {
	r.last = req
	return r.reply, r.actions, r.err
}

func testChannel(store *fakeMailStore, responder *fakeResponder, deliverErr error, msgs ...inboundMessage) *Channel {
	mailer := NewMailer(store)
	mailer.deliver = func(context.Context, *memory.EmailSettings, *mail.Msg) error { return deliverErr }

	c := New(config.EmailConfig{}, store, responder, &fakeGen{reply: "an image"}, "llava", mailer)
	c.fetch = func(context.Context, *memory.EmailSettings) ([]inboundMessage, error) {
		return msgs, nil
	}
	return c
}

func TestPoll_AnswersOnThread(t *testing.T) {
	store := newFakeMailStore()
	store.users["alice@example.com"] = "alice"
	responder := &fakeResponder{
		reply: "Done. I added the dentist appointment.",
		actions: []memory.EmailAction{{
			Type:   memory.ActionSchedule,
			Verb:   memory.VerbAdd,
			Intent: "add dentist appointment",
			Status: memory.ActionSuccess,
			Details: map[string]any{
				"event_id": int64(42),
			},
		}},
	}
	c := testChannel(store, responder, nil, inboundMessage{
		From:       "alice@example.com",
		Subject:    "Re: Dentist",
		MessageID:  "msg-2@example.com",
		References: []string{"msg-1@example.com"},
		Body:       "Please add my dentist appointment on Friday at 15:00.",
		Attachments: []rawAttachment{
			{Filename: "referral.bin", MIMEType: "application/octet-stream", Data: []byte{1}},
		},
	})

	if err := c.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	// Thread resolved by normalized subject with the mapped user.
	th, ok := store.threads["Dentist\x00alice@example.com"]
	if !ok {
		t.Fatal("thread not created under normalized subject")
	}
	if th.MappedUser != "alice" {
		t.Errorf("thread mapped user = %q", th.MappedUser)
	}

	// The dialog turn carried the attachment preview and thread session.
	if responder.last.User != "alice" {
		t.Errorf("turn user = %q", responder.last.User)
	}
	if want := fmt.Sprintf("email-thread-%d", th.ID); responder.last.ChannelSession != want {
		t.Errorf("channel session = %q, want %q", responder.last.ChannelSession, want)
	}
	if !strings.Contains(responder.last.Text, "unsupported attachment type") {
		t.Errorf("turn text missing attachment block:\n%s", responder.last.Text)
	}

	// Actions recorded against the inbound log row.
	if len(store.actions) != 1 {
		t.Fatalf("recorded %d actions", len(store.actions))
	}
	if store.actions[0].ThreadID != th.ID || store.actions[0].EmailLogID == 0 {
		t.Errorf("action ids = thread %d, log %d", store.actions[0].ThreadID, store.actions[0].EmailLogID)
	}

	// Outbound reply logged with threading subject.
	replies := store.logsByType(memory.EmailTypeReply)
	if len(replies) != 1 {
		t.Fatalf("logged %d replies", len(replies))
	}
	if replies[0].Subject != "Re: Dentist" {
		t.Errorf("reply subject = %q", replies[0].Subject)
	}
	if replies[0].Status != memory.LogSuccess {
		t.Errorf("reply status = %q", replies[0].Status)
	}

	// Both sides of the exchange landed on the thread.
	if len(store.messages) != 2 ||
		store.messages[0].Role != memory.RoleUser ||
		store.messages[1].Role != memory.RoleAssistant {
		t.Errorf("thread messages = %+v", store.messages)
	}
}

func TestPoll_UnmappedSenderFallsBackToAddress(t *testing.T) {
	store := newFakeMailStore()
	responder := &fakeResponder{reply: "Hello."}
	c := testChannel(store, responder, nil, inboundMessage{
		From:      "stranger@example.com",
		Subject:   "hi",
		MessageID: "m1",
		Body:      "hello there",
	})

	if err := c.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if responder.last.User != "stranger@example.com" {
		t.Errorf("turn user = %q, want raw address", responder.last.User)
	}
}

func TestPoll_SendFailureLeavesErrorRow(t *testing.T) {
	store := newFakeMailStore()
	store.users["alice@example.com"] = "alice"
	responder := &fakeResponder{reply: "Sure."}
	c := testChannel(store, responder, errors.New("smtp down"), inboundMessage{
		From:      "alice@example.com",
		Subject:   "ping",
		MessageID: "m1",
		Body:      "are you there?",
	})

	if err := c.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	replies := store.logsByType(memory.EmailTypeReply)
	if len(replies) != 1 || replies[0].Status != memory.LogError {
		t.Fatalf("reply log = %+v", replies)
	}
	if !strings.Contains(replies[0].ErrorMessage, "smtp down") {
		t.Errorf("error message = %q", replies[0].ErrorMessage)
	}
	// No assistant thread message after a failed send.
	for _, m := range store.messages {
		if m.Role == memory.RoleAssistant {
			t.Error("assistant message appended despite send failure")
		}
	}
}

func TestPoll_SkipsWhenIMAPUnconfigured(t *testing.T) {
	store := newFakeMailStore()
	store.settings.IMAPHost = ""
	fetched := false
	c := testChannel(store, &fakeResponder{}, nil)
	c.fetch = func(context.Context, *memory.EmailSettings) ([]inboundMessage, error) {
		fetched = true
		return nil, nil
	}

	if err := c.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if fetched {
		t.Error("fetched despite missing IMAP host")
	}
}

func TestReplyHTML(t *testing.T) {
	got := replyHTML("Hello & welcome.\n\nSee you <soon>.")
	if !strings.Contains(got, "<p>Hello &amp; welcome.</p>") {
		t.Errorf("html = %q", got)
	}
	if !strings.Contains(got, "&lt;soon&gt;") {
		t.Errorf("html = %q", got)
	}
}
