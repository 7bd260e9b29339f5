package memory

import "time"

// Modality identifies the channel a turn arrived on.
type Modality string

const (
	ModalityVoice  Modality = "voice"
	ModalityText   Modality = "text"
	ModalityEmail  Modality = "email"
	ModalityAIChat Modality = "ai_chat"
)

// IsValid reports whether m is a recognised modality.
func (m Modality) IsValid() bool {
	switch m {
	case ModalityVoice, ModalityText, ModalityEmail, ModalityAIChat:
		return true
	}
	return false
}

// Role identifies which side of the conversation produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// TopicState marks whether a turn's topic is still live for semantic recall.
// Turns with TopicResolved are excluded from long-term retrieval.
type TopicState string

const (
	TopicActive   TopicState = "active"
	TopicResolved TopicState = "resolved"
)

// Turn is a single user or assistant utterance persisted with role, modality,
// session, and optional embedding.
type Turn struct {
	// ID is the database row id. Zero before the turn is saved.
	ID int64

	// UserName is the canonical user this turn belongs to. Assistant turns
	// carry the name of the user they reply to.
	UserName string

	// ChannelSession is the opaque per-channel identity (Mumble session id,
	// SIP caller, e-mail address).
	ChannelSession string

	// LogicalSessionID groups turns into one logical conversation.
	LogicalSessionID string

	Modality Modality
	Role     Role

	// Message is the turn text.
	Message string

	// Embedding is the semantic vector for Message. Nil when not yet computed.
	Embedding []float32

	Timestamp time.Time

	// TopicState is empty, "active", or "resolved".
	TopicState TopicState

	// TopicSummary is an optional one-line summary attached when a topic is
	// marked resolved.
	TopicSummary string
}

// RecalledTurn pairs a turn retrieved by semantic search with its cosine
// similarity to the query embedding (1.0 = identical direction).
type RecalledTurn struct {
	Turn       Turn
	Similarity float64
}

// SessionState is the lifecycle state of a logical session.
type SessionState string

const (
	SessionActive SessionState = "active"
	SessionIdle   SessionState = "idle"
	SessionClosed SessionState = "closed"
)

// Session is a contiguous stretch of turns for one user, reusable after short
// idleness. At most one session per user is active at a time.
type Session struct {
	SessionID    string
	UserName     string
	StartedAt    time.Time
	LastActivity time.Time
	MessageCount int
	State        SessionState
}

// Category classifies a persistent memory.
type Category string

const (
	CategorySchedule   Category = "schedule"
	CategoryFact       Category = "fact"
	CategoryTask       Category = "task"
	CategoryPreference Category = "preference"
	CategoryOther      Category = "other"

	// CategoryConsolidated marks summaries produced by history consolidation.
	CategoryConsolidated Category = "consolidated_history"
)

// IsValid reports whether c is one of the extractable categories. The
// consolidation category is internal and not considered valid extractor output.
func (c Category) IsValid() bool {
	switch c {
	case CategorySchedule, CategoryFact, CategoryTask, CategoryPreference, CategoryOther:
		return true
	}
	return false
}

// PersistentMemory is a structured fact/schedule/preference extracted from a
// turn and kept across sessions.
type PersistentMemory struct {
	ID       int64
	UserName string
	Category Category
	Content  string

	// Importance is in [1, 10]. Dedup keeps the stricter (higher) value.
	Importance int

	Tags []string

	// EventDate is required when Category is schedule; nil otherwise allowed.
	EventDate *time.Time

	// EventTime is the "HH:MM" clock time, empty for all-day items.
	EventTime string

	ExtractedAt     time.Time
	SourceSessionID string
	Active          bool
}

// ScheduleEvent is a first-class calendar row, distinct from schedule-category
// memories.
type ScheduleEvent struct {
	ID          int64
	UserName    string
	Title       string
	EventDate   time.Time
	EventTime   string // "HH:MM", empty for all-day
	Description string
	Importance  int
	Active      bool

	ReminderEnabled     bool
	ReminderLeadMinutes int
	RecipientEmail      string
	ReminderSent        bool
	ReminderSentAt      *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ScheduleEventUpdate carries the mutable fields of an update; nil pointers
// mean "leave unchanged".
type ScheduleEventUpdate struct {
	Title       *string
	EventDate   *time.Time
	EventTime   *string
	Description *string
	Importance  *int

	ReminderEnabled     *bool
	ReminderLeadMinutes *int
	RecipientEmail      *string
}

// ScheduleFilter narrows a schedule listing. Zero fields are ignored.
type ScheduleFilter struct {
	UserName string
	Start    time.Time
	End      time.Time
	Limit    int
}

// SaveOutcome describes how a deduplicating write was resolved.
type SaveOutcome struct {
	// ID is the row that now represents the value (new or pre-existing).
	ID int64

	// Created is true when a new row was inserted; false when dedup matched
	// an existing row (which may have been merged/upgraded).
	Created bool

	// Merged is true when an existing row absorbed new detail (missing time,
	// description, or a higher importance).
	Merged bool
}

// ConsolidationResult summarises one consolidation pass.
type ConsolidationResult struct {
	MessagesConsolidated int
	SummariesCreated     int
	TokensSavedEstimate  int
}
