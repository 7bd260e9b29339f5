// Package prompt assembles the full model prompt for one conversational
// turn: behaviour rules, current date, persona, a channel-appropriate
// schedule view, persistent memories, executed-action summaries (e-mail),
// semantically recalled history, and the short-term session tail.
//
// The builder only reads; it never writes to the store.
package prompt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hearthward/famulus/internal/botcfg"
	"github.com/hearthward/famulus/pkg/memory"
)

// Channel selects the prompt profile.
type Channel string

const (
	// ChannelVoice is spoken conversation (Mumble, SIP): terse replies, a
	// full schedule view on every turn.
	ChannelVoice Channel = "voice"

	// ChannelText is typed chat: voice rules with slightly looser length.
	ChannelText Channel = "text"

	// ChannelEmail is the mail agent: longer replies, conditional schedule
	// view, action summaries.
	ChannelEmail Channel = "email"
)


// Store is the read-only slice of the memory store the builder needs.
type Store interface {
	ListSchedule(ctx context.Context, f memory.ScheduleFilter) ([]memory.ScheduleEvent, error)
	ActiveMemories(ctx context.Context, user string, limit int) ([]memory.PersistentMemory, error)
	RecentTurns(ctx context.Context, sessionID string, limit int) ([]memory.Turn, error)
	SemanticRecall(ctx context.Context, user string, embedding []float32, excludeSessionID string, limit int, minSimilarity float64) ([]memory.RecalledTurn, error)
}

// Embedder computes the query embedding for semantic recall.
type Embedder interface {
	Embed(ctx context.Context, model, text string) ([]float32, error)
}

// Builder assembles prompts. Safe for concurrent use.
type Builder struct {
	store      Store
	embedder   Embedder
	cfg        *botcfg.Service
	embedModel string
	now        func() time.Time
}

// NewBuilder creates a Builder. embedModel is the embedding model used for
// semantic recall; now may be nil for time.Now.
func NewBuilder(store Store, embedder Embedder, cfg *botcfg.Service, embedModel string, now func() time.Time) *Builder {
	if now == nil {
		now = time.Now
	}
	return &Builder{
		store:      store,
		embedder:   embedder,
		cfg:        cfg,
		embedModel: embedModel,
		now:        now,
	}
}

// Input describes the turn being answered.
type Input struct {
	User      string
	SessionID string
	Turn      string
	Channel   Channel

	// Actions holds the executed side effects for this message. E-mail only.
	Actions []memory.EmailAction

	// ScheduleOverride replaces the built schedule section when non-empty.
	// The dialog layer sets it for "when is my X" turns, where ranked search
	// results beat a raw listing.
	ScheduleOverride string
}

// Build assembles the prompt. Degradation is graceful: a failed store read
// drops its section with a warning rather than failing the turn.
func (b *Builder) Build(ctx context.Context, in Input) string {
	var sections []string

	sections = append(sections, b.rules(in.Channel))

	loc := b.displayLocation(ctx)
	now := b.now().In(loc)
	sections = append(sections, fmt.Sprintf("Current date and time: %s",
		now.Format("Monday, January 2, 2006 at 15:04")))

	persona := b.cfg.Get(ctx, botcfg.KeyPersona)
	name := b.cfg.Get(ctx, botcfg.KeyBotName)
	sections = append(sections, fmt.Sprintf("You are %s, %s.", name, persona))

	if sched := b.scheduleSection(ctx, in, now); sched != "" {
		sections = append(sections, sched)
	}

	if mems := b.memorySection(ctx, in.User); mems != "" {
		sections = append(sections, mems)
	}

	if in.Channel == ChannelEmail && len(in.Actions) > 0 {
		sections = append(sections, renderActionSummary(in.Actions))
	}

	if recall := b.recallSection(ctx, in); recall != "" {
		sections = append(sections, recall)
	}

	if history := b.historySection(ctx, in.SessionID); history != "" {
		sections = append(sections, history)
	}

	sections = append(sections, fmt.Sprintf("%s says: %s\n\nYour reply:", in.User, in.Turn))

	return strings.Join(sections, "\n\n")
}

// rules returns the channel behaviour block.
func (b *Builder) rules(ch Channel) string {
	common := "Be truthful. Never invent events, memories, or facts that are not in the data below. Do not use emoji. Do not repeat yourself or summarize the conversation."
	switch ch {
	case ChannelEmail:
		return "Reply in at most 100 words. " + common
	case ChannelText:
		return "Reply in one to three short sentences. " + common
	default:
		return "Reply in one or two short sentences suitable for being spoken aloud. " + common
	}
}

func (b *Builder) displayLocation(ctx context.Context) *time.Location {
	tz := b.cfg.Get(ctx, botcfg.KeyDisplayTimezone)
	loc, err := time.LoadLocation(tz)
	if err != nil {
		slog.Warn("invalid display timezone, using UTC", "timezone", tz)
		return time.UTC
	}
	return loc
}

// memorySection renders active non-schedule memories by importance.
// Consolidated-history summaries appear here too.
func (b *Builder) memorySection(ctx context.Context, user string) string {
	mems, err := b.store.ActiveMemories(ctx, user, 25)
	if err != nil {
		slog.Warn("prompt: memories unavailable", "user", user, "error", err)
		return ""
	}

	var lines []string
	for _, m := range mems {
		if m.Category == memory.CategorySchedule {
			continue // the schedule section owns calendar data
		}
		lines = append(lines, fmt.Sprintf("- [%s] %s", m.Category, m.Content))
	}
	if len(lines) == 0 {
		return ""
	}
	return "What you know about " + user + ":\n" + strings.Join(lines, "\n")
}

// recallSection embeds the turn and pulls semantically similar history from
// other sessions.
func (b *Builder) recallSection(ctx context.Context, in Input) string {
	if b.embedder == nil || b.embedModel == "" {
		return ""
	}
	vec, err := b.embedder.Embed(ctx, b.embedModel, in.Turn)
	if err != nil {
		slog.Warn("prompt: recall embedding unavailable", "error", err)
		return ""
	}

	limit := b.cfg.Int(ctx, botcfg.KeyRecallLimit, 5)
	minSim := b.cfg.Float(ctx, botcfg.KeyRecallMinSimilarity, 0.35)
	recalled, err := b.store.SemanticRecall(ctx, in.User, vec, in.SessionID, limit, minSim)
	if err != nil {
		slog.Warn("prompt: semantic recall unavailable", "error", err)
		return ""
	}
	if len(recalled) == 0 {
		return ""
	}

	var lines []string
	for _, r := range recalled {
		lines = append(lines, fmt.Sprintf("- %s (%s): %s",
			roleLabel(r.Turn.Role, in.User), r.Turn.Timestamp.Format("Jan 2"), r.Turn.Message))
	}
	return "Background context from earlier conversations — do not bring this up unless asked:\n" +
		strings.Join(lines, "\n")
}

// historySection replays the tail of the current session.
func (b *Builder) historySection(ctx context.Context, sessionID string) string {
	if sessionID == "" {
		return ""
	}
	limit := b.cfg.Int(ctx, botcfg.KeyShortTermLimit, 10)
	turns, err := b.store.RecentTurns(ctx, sessionID, limit)
	if err != nil {
		slog.Warn("prompt: session history unavailable", "session", sessionID, "error", err)
		return ""
	}
	if len(turns) == 0 {
		return ""
	}

	var lines []string
	for _, t := range turns {
		lines = append(lines, fmt.Sprintf("%s: %s", roleLabel(t.Role, t.UserName), t.Message))
	}
	return "Conversation so far:\n" + strings.Join(lines, "\n")
}

func roleLabel(role memory.Role, user string) string {
	if role == memory.RoleAssistant {
		return "You"
	}
	return user
}
