// Package memory defines the persistence model shared by every channel of the
// assistant: conversation turns, logical sessions, extracted persistent
// memories, calendar events, and the e-mail thread/action/log state.
//
// The model is split into focused interfaces so channel code depends only on
// what it touches:
//
//   - [TurnStore]: the time-ordered conversation log with semantic recall.
//   - [SessionStore]: logical session rows and idle sweeping.
//   - [MemoryStore]: deduplicated persistent memories and consolidation.
//   - [ScheduleStore]: deduplicated calendar events and reminder bookkeeping.
//   - [MailStore]: e-mail threads, per-message action records, and the log.
//
// The Memory Store exclusively owns all persistence; no other component
// mutates the database directly. Every implementation must be safe for
// concurrent use.
package memory

import (
	"context"
	"time"
)

// TurnStore is the conversation log. Turns are returned in chronological
// order unless otherwise specified.
type TurnStore interface {
	// SaveTurn appends a turn and returns its id. The turn becomes visible to
	// RecentTurns as soon as the insert commits; an assistant turn must be
	// saved strictly after the user turn it answers within the same logical
	// session.
	SaveTurn(ctx context.Context, t Turn) (int64, error)

	// AttachEmbedding stores the embedding for a previously saved turn.
	// Used by the asynchronous embedding path.
	AttachEmbedding(ctx context.Context, id int64, embedding []float32) error

	// RecentTurns returns up to limit most-recent turns of the given logical
	// session, oldest first.
	RecentTurns(ctx context.Context, sessionID string, limit int) ([]Turn, error)

	// SemanticRecall returns up to limit turns of the user ranked by cosine
	// similarity to the query embedding, excluding the given session and any
	// turn whose topic is resolved. Turns below minSimilarity are dropped.
	SemanticRecall(ctx context.Context, user string, embedding []float32, excludeSessionID string, limit int, minSimilarity float64) ([]RecalledTurn, error)

	// TurnsSince returns all turns recorded at or after since, oldest first.
	// Used by the daily digest.
	TurnsSince(ctx context.Context, since time.Time) ([]Turn, error)

	// ListTurns returns the most-recent turns for a user (all sessions),
	// newest first. Used by the admin surface.
	ListTurns(ctx context.Context, user string, limit int) ([]Turn, error)
}

// SessionStore persists logical session rows. Session identity resolution
// and the in-memory fast path live in the session manager; this interface is
// the durable half.
type SessionStore interface {
	// InsertSession creates a new session row.
	InsertSession(ctx context.Context, s Session) error

	// GetSession returns the session row, or (nil, nil) when absent.
	GetSession(ctx context.Context, sessionID string) (*Session, error)

	// ActiveSession returns the user's current active session, or (nil, nil)
	// when the user has none. At most one session per user is active at a
	// time; resolution must reuse it regardless of which channel the turn
	// arrives on.
	ActiveSession(ctx context.Context, user string) (*Session, error)

	// ReactivatableSession returns the user's most recent idle session whose
	// last activity is after cutoff, or (nil, nil) when none qualifies.
	ReactivatableSession(ctx context.Context, user string, cutoff time.Time) (*Session, error)

	// SetSessionState transitions a session to the given state.
	SetSessionState(ctx context.Context, sessionID string, state SessionState) error

	// TouchSession updates last_activity to now and increments message_count.
	TouchSession(ctx context.Context, sessionID string) error

	// SweepIdle marks every active session with last_activity before cutoff
	// as idle and returns how many rows changed.
	SweepIdle(ctx context.Context, cutoff time.Time) (int, error)
}

// MemoryStore persists extracted memories with dedup and consolidation.
type MemoryStore interface {
	// SavePersistentMemory writes m subject to the dedup rules:
	//
	// Schedule category with a date: an exact (user, category, event_date,
	// event_time) match is reused (importance raised when the new value is
	// higher); otherwise a ±3-day window of same-category rows is scanned and
	// a Jaccard word overlap of content > 0.6 suppresses the write.
	//
	// Other categories: an exact (user, category, content) match is reused.
	//
	// Duplicate detection and the subsequent insert share one transaction.
	SavePersistentMemory(ctx context.Context, m PersistentMemory) (SaveOutcome, error)

	// ActiveMemories returns the user's active memories (consolidated-history
	// summaries included) ordered by importance descending, then recency.
	ActiveMemories(ctx context.Context, user string, limit int) ([]PersistentMemory, error)

	// MemoriesSince returns active memories extracted at or after since.
	MemoriesSince(ctx context.Context, since time.Time) ([]PersistentMemory, error)

	// UpdateMemory overwrites content/importance/tags of a memory row.
	UpdateMemory(ctx context.Context, id int64, content string, importance int, tags []string) (bool, error)

	// DeleteMemory soft-deletes a memory (active=false).
	DeleteMemory(ctx context.Context, id int64) (bool, error)

	// ConsolidateBefore groups each user's unconsolidated turns older than
	// cutoff into chunks of at most 15, obtains a structured summary for each
	// chunk via summarize, stores the summary as a consolidated-history
	// memory with importance 7, deletes the originals, and writes one
	// consolidation log row. Users with fewer than five qualifying turns are
	// skipped. When user is non-empty only that user is consolidated.
	ConsolidateBefore(ctx context.Context, user string, cutoff time.Time, summarize func(ctx context.Context, turns []Turn) (string, error)) (ConsolidationResult, error)
}

// ScheduleStore persists calendar events with dedup and reminder bookkeeping.
type ScheduleStore interface {
	// SaveScheduleEvent writes e subject to dedup: an active row with the
	// same (user, title, event_date) is reused, merging a missing event_time
	// or description and raising importance when the new value is higher.
	// Duplicate detection and the insert share one transaction.
	SaveScheduleEvent(ctx context.Context, e ScheduleEvent) (SaveOutcome, error)

	// GetScheduleEvent returns the event row, or (nil, nil) when absent.
	GetScheduleEvent(ctx context.Context, id int64) (*ScheduleEvent, error)

	// UpdateScheduleEvent applies the non-nil fields of u. Returns false when
	// the event does not exist or is inactive.
	UpdateScheduleEvent(ctx context.Context, id int64, u ScheduleEventUpdate) (bool, error)

	// DeleteScheduleEvent soft-deletes the event (active=false).
	DeleteScheduleEvent(ctx context.Context, id int64) (bool, error)

	// ListSchedule returns active events matching the filter, ordered by
	// event_date then event_time.
	ListSchedule(ctx context.Context, f ScheduleFilter) ([]ScheduleEvent, error)

	// SearchTitlesFTS runs the store's native full-text query over event
	// titles. Used only as the diagnostic verification tier of schedule
	// search.
	SearchTitlesFTS(ctx context.Context, user, query string) ([]ScheduleEvent, error)

	// PendingReminders returns active events with reminders enabled, not yet
	// sent, and an event date of today or later.
	PendingReminders(ctx context.Context, today time.Time) ([]ScheduleEvent, error)

	// MarkReminderSent flips reminder_sent atomically with the given outbound
	// log row id; a second call for the same event reports false.
	MarkReminderSent(ctx context.Context, eventID int64, logID int64) (bool, error)

	// ScheduleChangedSince returns active events created or updated at or
	// after since. Used by the daily digest.
	ScheduleChangedSince(ctx context.Context, since time.Time) ([]ScheduleEvent, error)
}

// MailStore persists the e-mail channel state: threads, thread messages,
// per-message action records, the send/receive log, sender mappings, and the
// single-row mail settings.
type MailStore interface {
	// ResolveUser maps a sender address (case-insensitive) to a canonical
	// user name. Returns "" when no mapping exists.
	ResolveUser(ctx context.Context, emailAddr string) (string, error)

	// UpsertMapping creates or replaces an address → user mapping.
	UpsertMapping(ctx context.Context, emailAddr, user string) error

	// ListMappings returns all mappings as address → user.
	ListMappings(ctx context.Context) (map[string]string, error)

	// GetOrCreateThread resolves a thread by (normalizedSubject, userEmail),
	// creating it when absent, and updates last_message_id and message_count.
	GetOrCreateThread(ctx context.Context, subject, normalizedSubject, userEmail, mappedUser, messageID string) (*EmailThread, error)

	// AppendThreadMessage adds one message to a thread.
	AppendThreadMessage(ctx context.Context, m ThreadMessage) (int64, error)

	// ThreadMessages returns the thread's messages in chronological order.
	ThreadMessages(ctx context.Context, threadID int64, limit int) ([]ThreadMessage, error)

	// RecordAction logs one attempted side effect for an inbound message.
	RecordAction(ctx context.Context, a EmailAction) (int64, error)

	// ActionsForEmailLog returns the actions recorded for one inbound log row.
	ActionsForEmailLog(ctx context.Context, emailLogID int64) ([]EmailAction, error)

	// LogEmail appends a send/receive log row and returns its id.
	LogEmail(ctx context.Context, e EmailLogEntry) (int64, error)

	// GetEmailLog returns one log row, or (nil, nil) when absent.
	GetEmailLog(ctx context.Context, id int64) (*EmailLogEntry, error)

	// ListEmailLogs returns the newest log rows first.
	ListEmailLogs(ctx context.Context, limit int) ([]EmailLogEntry, error)

	// SetEmailLogStatus updates the status/error of an existing log row.
	// Used by the SMTP resend path, which flips an error row to success.
	SetEmailLogStatus(ctx context.Context, id int64, status LogStatus, errMsg string) error

	// DeleteEmailLog removes a log row. Used by the summary retry path.
	DeleteEmailLog(ctx context.Context, id int64) error

	// GetEmailSettings returns the single settings row (defaults when unset).
	GetEmailSettings(ctx context.Context) (*EmailSettings, error)

	// UpdateEmailSettings replaces the settings row.
	UpdateEmailSettings(ctx context.Context, s EmailSettings) error

	// SetSummaryLastSent records when the daily summary last went out.
	SetSummaryLastSent(ctx context.Context, at time.Time) error
}

// ConfigStore is the durable half of the runtime key/value configuration.
// The read-through cache lives in the botcfg package.
type ConfigStore interface {
	// GetConfig returns the stored value for key. ok is false when unset.
	GetConfig(ctx context.Context, key string) (value string, ok bool, err error)

	// SetConfig upserts one key.
	SetConfig(ctx context.Context, key, value string) error

	// AllConfig returns every stored key/value pair.
	AllConfig(ctx context.Context) (map[string]string, error)
}

// Store aggregates every persistence interface. The PostgreSQL implementation
// satisfies all of them on a single connection pool.
type Store interface {
	TurnStore
	SessionStore
	MemoryStore
	ScheduleStore
	MailStore
	ConfigStore
}
