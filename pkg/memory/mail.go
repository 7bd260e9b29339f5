package memory

import "time"

// Direction distinguishes inbound from outbound mail in the log.
type Direction string

const (
	DirectionReceived Direction = "received"
	DirectionSent     Direction = "sent"
)

// EmailType classifies an outbound or inbound message for the log.
type EmailType string

const (
	EmailTypeSummary  EmailType = "summary"
	EmailTypeReply    EmailType = "reply"
	EmailTypeTest     EmailType = "test"
	EmailTypeReminder EmailType = "reminder"
	EmailTypeOther    EmailType = "other"
)

// LogStatus is the terminal state of a logged mail operation.
type LogStatus string

const (
	LogSuccess LogStatus = "success"
	LogError   LogStatus = "error"
)

// ActionType names which subsystem an e-mail action touched.
type ActionType string

const (
	ActionMemory   ActionType = "memory"
	ActionSchedule ActionType = "schedule"
)

// ActionVerb is the operation an action performed.
type ActionVerb string

const (
	VerbAdd    ActionVerb = "add"
	VerbUpdate ActionVerb = "update"
	VerbDelete ActionVerb = "delete"
)

// ActionStatus is the outcome of one attempted side effect.
type ActionStatus string

const (
	ActionSuccess ActionStatus = "success"
	ActionFailed  ActionStatus = "failed"
	ActionSkipped ActionStatus = "skipped"
)

// EmailThread groups e-mails by normalized subject and sender address.
type EmailThread struct {
	ID                int64
	Subject           string
	NormalizedSubject string
	UserEmail         string
	MappedUser        string // empty when the sender has no mapping
	FirstMessageID    string
	LastMessageID     string
	MessageCount      int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ThreadMessage is one side of a threaded exchange, ordered chronologically
// within its thread.
type ThreadMessage struct {
	ID         int64
	ThreadID   int64
	EmailLogID int64
	Role       Role
	Content    string
	Timestamp  time.Time
}

// EmailAction records one attempted/executed side effect for an inbound
// message. The reply prompt consumes these rows so the reply can report
// truthfully on what was actually done.
type EmailAction struct {
	ID         int64
	ThreadID   int64
	EmailLogID int64
	Type       ActionType
	Verb       ActionVerb

	// Intent is a short human-readable description ("add dentist appointment").
	Intent string

	Status ActionStatus

	// Details is structured JSON (e.g., {"event_id": 42}).
	Details map[string]any

	ErrorMessage string
	ExecutedAt   time.Time
}

// AttachmentMeta describes one attachment on a logged message. Binaries are
// never persisted; Preview holds the extracted text or vision description.
type AttachmentMeta struct {
	Filename string `json:"filename"`
	Type     string `json:"type"`
	Size     int    `json:"size"`
	Preview  string `json:"preview"`
}

// EmailLogEntry is one row of the send/receive log.
type EmailLogEntry struct {
	ID           int64
	Direction    Direction
	EmailType    EmailType
	From         string
	To           string
	Subject      string
	BodyPreview  string
	FullBody     string
	Status       LogStatus
	ErrorMessage string
	MappedUser   string
	ThreadID     int64 // zero when not threaded
	Attachments  []AttachmentMeta
	Timestamp    time.Time
}

// EmailSettings is the single-row mail configuration (SMTP/IMAP endpoints and
// the daily summary schedule).
type EmailSettings struct {
	SMTPHost    string
	SMTPPort    int
	SMTPUser    string
	SMTPPass    string
	SMTPUseTLS  bool // STARTTLS
	SMTPUseSSL  bool // implicit TLS
	FromAddress string

	IMAPHost    string
	IMAPPort    int
	IMAPUser    string
	IMAPPass    string
	IMAPMailbox string

	SummaryEnabled  bool
	SummaryTime     string // "HH:MM"
	SummaryTimezone string
	SummaryTo       string
	SummaryLastSent *time.Time
}
