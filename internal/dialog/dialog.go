// Package dialog is the per-turn orchestrator shared by every channel. It
// resolves the session, persists the user turn, assembles the prompt,
// generates the reply, and spawns the background jobs (assistant persist,
// embeddings, extraction) that must not delay the answer.
//
// The e-mail path departs from this order: extraction runs before generation
// so the reply can report on what was actually done.
package dialog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hearthward/famulus/internal/botcfg"
	"github.com/hearthward/famulus/internal/extract"
	"github.com/hearthward/famulus/internal/llm"
	"github.com/hearthward/famulus/internal/observe"
	"github.com/hearthward/famulus/internal/prompt"
	"github.com/hearthward/famulus/internal/schedsearch"
	"github.com/hearthward/famulus/pkg/memory"
)

// backgroundTimeout bounds each fire-and-forget job. Jobs outliving the turn
// get their own context so a hung extraction cannot leak goroutines forever.
const backgroundTimeout = 5 * time.Minute

// unavailableReply is spoken/written when the model is down. Kept generic so
// it reads naturally on every channel.
const unavailableReply = "I'm having trouble reaching my language model right now. Please try again in a moment."

// Store is the persistence surface the orchestrator needs.
type Store interface {
	SaveTurn(ctx context.Context, t memory.Turn) (int64, error)
	AttachEmbedding(ctx context.Context, id int64, embedding []float32) error

	SavePersistentMemory(ctx context.Context, m memory.PersistentMemory) (memory.SaveOutcome, error)

	SaveScheduleEvent(ctx context.Context, e memory.ScheduleEvent) (memory.SaveOutcome, error)
	UpdateScheduleEvent(ctx context.Context, id int64, u memory.ScheduleEventUpdate) (bool, error)
	DeleteScheduleEvent(ctx context.Context, id int64) (bool, error)
	ListSchedule(ctx context.Context, f memory.ScheduleFilter) ([]memory.ScheduleEvent, error)
}

// Sessions resolves logical session ids. Satisfied by *sessionmgr.Manager.
type Sessions interface {
	Resolve(ctx context.Context, user string, modality memory.Modality, channelSession string) (string, error)
}

// Generator is the model surface. Satisfied by *llm.Client.
type Generator interface {
	Generate(ctx context.Context, req llm.GenerateRequest) (string, error)
	Embed(ctx context.Context, model, text string) ([]float32, error)
}

// Prompter builds the turn prompt. Satisfied by *prompt.Builder.
type Prompter interface {
	Build(ctx context.Context, in prompt.Input) string
}

// Searcher answers "when is my X" questions. Satisfied by
// *schedsearch.Searcher; may be nil to disable delegation.
type Searcher interface {
	Search(ctx context.Context, user, query string, start, end time.Time) ([]schedsearch.Match, error)
}

// Extractor runs the two extraction passes. Satisfied by *extract.Extractor.
type Extractor interface {
	ExtractMemories(ctx context.Context, model, userTurn, assistantReply string, reference time.Time) ([]extract.MemoryItem, error)
	ExtractScheduleIntent(ctx context.Context, model, userTurn string, reference time.Time) (extract.ScheduleIntent, error)
}

// Request is one normalized inbound turn from a channel frontend.
type Request struct {
	User           string
	Text           string
	Channel        prompt.Channel
	ChannelSession string
}

// Orchestrator runs the per-turn pipeline. Safe for concurrent use.
type Orchestrator struct {
	store     Store
	sessions  Sessions
	prompts   Prompter
	gen       Generator
	extractor Extractor
	search    Searcher
	cfg       *botcfg.Service

	chatModel    string
	extractModel string
	embedModel   string

	now func() time.Time

	// bg tracks fire-and-forget jobs so shutdown can drain them.
	bg sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSearcher enables "when is my X" delegation to schedule search.
func WithSearcher(s Searcher) Option {
	return func(o *Orchestrator) { o.search = s }
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator. chatModel/extractModel/embedModel are the
// bootstrap defaults; the runtime config keys override them per turn.
func New(store Store, sessions Sessions, prompts Prompter, gen Generator, extractor Extractor,
	cfg *botcfg.Service, chatModel, extractModel, embedModel string, opts ...Option) *Orchestrator {

	o := &Orchestrator{
		store:        store,
		sessions:     sessions,
		prompts:      prompts,
		gen:          gen,
		extractor:    extractor,
		cfg:          cfg,
		chatModel:    chatModel,
		extractModel: extractModel,
		embedModel:   embedModel,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Respond runs one voice/text turn. The returned text is always speakable:
// model unavailability produces a fallback phrase, not an error. Errors are
// reserved for failures that abort the turn (session or persistence).
func (o *Orchestrator) Respond(ctx context.Context, req Request) (string, error) {
	started := o.now()
	sessionID, userTurnID, err := o.persistUserTurn(ctx, req)
	if err != nil {
		return "", err
	}

	reply := o.generate(ctx, req, sessionID, nil)

	o.spawn(func(ctx context.Context) {
		o.persistAssistantTurn(ctx, req, sessionID, reply)
	})
	o.spawn(func(ctx context.Context) {
		o.embedTurn(ctx, userTurnID, req.Text)
	})

	if o.cfg.Bool(ctx, botcfg.KeyExtractionEnabled, true) {
		o.spawn(func(ctx context.Context) {
			o.runExtraction(ctx, req, sessionID, reply)
		})
	}

	observe.DefaultMetrics().RecordTurn(ctx, string(req.Channel), o.now().Sub(started).Seconds())
	return reply, nil
}

// RespondEmail runs one e-mail turn: extraction first, synchronously, so the
// reply can acknowledge the executed actions. The returned actions carry no
// thread/log ids; the mail channel fills those in when it records them.
func (o *Orchestrator) RespondEmail(ctx context.Context, req Request) (string, []memory.EmailAction, error) {
	started := o.now()
	sessionID, userTurnID, err := o.persistUserTurn(ctx, req)
	if err != nil {
		return "", nil, err
	}

	var actions []memory.EmailAction
	if o.cfg.Bool(ctx, botcfg.KeyExtractionEnabled, true) {
		actions = o.runExtraction(ctx, req, sessionID, "")
	}

	reply := o.generate(ctx, req, sessionID, actions)

	o.spawn(func(ctx context.Context) {
		o.persistAssistantTurn(ctx, req, sessionID, reply)
	})
	o.spawn(func(ctx context.Context) {
		o.embedTurn(ctx, userTurnID, req.Text)
	})

	observe.DefaultMetrics().RecordTurn(ctx, string(req.Channel), o.now().Sub(started).Seconds())
	return reply, actions, nil
}

// Drain waits for outstanding background jobs. Called on shutdown.
func (o *Orchestrator) Drain() {
	o.bg.Wait()
}

// ───────────────────────── pipeline steps ─────────────────────────

func (o *Orchestrator) persistUserTurn(ctx context.Context, req Request) (sessionID string, turnID int64, err error) {
	sessionID, err = o.sessions.Resolve(ctx, req.User, modalityFor(req.Channel), req.ChannelSession)
	if err != nil {
		return "", 0, fmt.Errorf("dialog: session for %s: %w", req.User, err)
	}

	// Synchronous so the context build below sees this turn.
	turnID, err = o.store.SaveTurn(ctx, memory.Turn{
		UserName:         req.User,
		ChannelSession:   req.ChannelSession,
		LogicalSessionID: sessionID,
		Modality:         modalityFor(req.Channel),
		Role:             memory.RoleUser,
		Message:          req.Text,
		Timestamp:        o.now(),
	})
	if err != nil {
		return "", 0, fmt.Errorf("dialog: persist user turn: %w", err)
	}
	return sessionID, turnID, nil
}

func (o *Orchestrator) generate(ctx context.Context, req Request, sessionID string, actions []memory.EmailAction) string {
	in := prompt.Input{
		User:      req.User,
		SessionID: sessionID,
		Turn:      req.Text,
		Channel:   req.Channel,
		Actions:   actions,
	}

	if o.search != nil {
		if query, ok := prompt.WhenIsMyQuery(req.Text); ok {
			in.ScheduleOverride = o.searchOverride(ctx, req.User, query)
		}
	}

	p := o.prompts.Build(ctx, in)

	model := o.cfg.Get(ctx, botcfg.KeyChatModel)
	if model == "" {
		model = o.chatModel
	}

	reply, err := o.gen.Generate(ctx, llm.GenerateRequest{
		Model:  model,
		Prompt: p,
	})
	if err != nil {
		if errors.Is(err, llm.ErrUnavailable) || errors.Is(err, llm.ErrEmptyResponse) {
			slog.Warn("dialog: model unavailable, using fallback reply",
				"user", req.User, "error", err)
			return unavailableReply
		}
		slog.Error("dialog: generation failed", "user", req.User, "error", err)
		return unavailableReply
	}
	return strings.TrimSpace(reply)
}

// searchOverride turns ranked search hits into a schedule block. An empty
// result keeps the explicit "nothing found" guard so the model does not
// invent an answer.
func (o *Orchestrator) searchOverride(ctx context.Context, user, query string) string {
	matches, err := o.search.Search(ctx, user, query, time.Time{}, time.Time{})
	if err != nil {
		slog.Warn("dialog: schedule search failed", "user", user, "error", err)
		return ""
	}
	if len(matches) == 0 {
		return fmt.Sprintf("Schedule search for %q found nothing. Say so plainly; do not invent an event.", query)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Events matching %q:", query)
	for _, m := range matches {
		when := m.Event.EventDate.Format("Monday, January 2")
		if m.Event.EventTime != "" {
			when += " at " + m.Event.EventTime
		}
		fmt.Fprintf(&sb, "\n- %s: %s", when, m.Event.Title)
	}
	return sb.String()
}

func (o *Orchestrator) persistAssistantTurn(ctx context.Context, req Request, sessionID, reply string) {
	id, err := o.store.SaveTurn(ctx, memory.Turn{
		UserName:         req.User,
		ChannelSession:   req.ChannelSession,
		LogicalSessionID: sessionID,
		Modality:         modalityFor(req.Channel),
		Role:             memory.RoleAssistant,
		Message:          reply,
		Timestamp:        o.now(),
	})
	if err != nil {
		slog.Error("dialog: persist assistant turn failed", "session", sessionID, "error", err)
		return
	}
	o.embedTurn(ctx, id, reply)
}

func (o *Orchestrator) embedTurn(ctx context.Context, turnID int64, text string) {
	if o.embedModel == "" || strings.TrimSpace(text) == "" {
		return
	}
	vec, err := o.gen.Embed(ctx, o.embedModel, text)
	if err != nil {
		slog.Warn("dialog: embedding failed", "turn_id", turnID, "error", err)
		return
	}
	if err := o.store.AttachEmbedding(ctx, turnID, vec); err != nil {
		slog.Warn("dialog: attach embedding failed", "turn_id", turnID, "error", err)
	}
}

// spawn runs fn on its own goroutine with a detached, bounded context.
func (o *Orchestrator) spawn(fn func(ctx context.Context)) {
	o.bg.Add(1)
	go func() {
		defer o.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
		defer cancel()
		fn(ctx)
	}()
}

func modalityFor(ch prompt.Channel) memory.Modality {
	switch ch {
	case prompt.ChannelEmail:
		return memory.ModalityEmail
	case prompt.ChannelText:
		return memory.ModalityText
	default:
		return memory.ModalityVoice
	}
}
