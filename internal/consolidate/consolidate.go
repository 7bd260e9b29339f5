// Package consolidate periodically compresses old conversation history into
// summary memories. Turns older than the retention window are grouped per
// user, summarized by the model, and replaced by consolidated-history rows so
// the context assembly stays bounded without losing the facts.
package consolidate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hearthward/famulus/internal/llm"
	"github.com/hearthward/famulus/pkg/memory"
)

const (
	// retention is how long raw turns stay before they are eligible for
	// consolidation.
	retention = 7 * 24 * time.Hour

	// interval is the cadence of consolidation passes. One pass per day is
	// plenty; the store skips users with too few qualifying turns anyway.
	interval = 24 * time.Hour
)

const summaryTemperature = 0.3

const summaryPrompt = `Summarize this conversation excerpt into a structured recap covering: topics discussed, facts learned about the user, events or appointments mentioned, open action items, and any context a future conversation would need. Be factual and compact.

Conversation:
%s

Summary:`

// Generator produces chunk summaries. Satisfied by *llm.Client.
type Generator interface {
	Generate(ctx context.Context, req llm.GenerateRequest) (string, error)
}

// Store is the consolidation surface of the memory store.
type Store interface {
	ConsolidateBefore(ctx context.Context, user string, cutoff time.Time, summarize func(ctx context.Context, turns []memory.Turn) (string, error)) (memory.ConsolidationResult, error)
}

// Scheduler runs the consolidation loop.
type Scheduler struct {
	store Store
	gen   Generator
	model string
	now   func() time.Time
}

// New creates a Scheduler. now may be nil for time.Now.
func New(store Store, gen Generator, model string, now func() time.Time) *Scheduler {
	if now == nil {
		now = time.Now
	}
	return &Scheduler{store: store, gen: gen, model: model, now: now}
}

// Run consolidates once at startup and then once per interval until ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Tick(ctx); err != nil {
		slog.Warn("history consolidation failed", "error", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				slog.Warn("history consolidation failed", "error", err)
			}
		}
	}
}

// Tick runs one consolidation pass over every user.
func (s *Scheduler) Tick(ctx context.Context) error {
	cutoff := s.now().Add(-retention)
	res, err := s.store.ConsolidateBefore(ctx, "", cutoff, s.summarize)
	if err != nil {
		return fmt.Errorf("consolidate: %w", err)
	}
	if res.SummariesCreated > 0 {
		slog.Info("conversation history consolidated",
			"messages", res.MessagesConsolidated,
			"summaries", res.SummariesCreated,
			"tokens_saved_estimate", res.TokensSavedEstimate)
	}
	return nil
}

// summarize renders one chunk of turns and asks the model for the recap.
func (s *Scheduler) summarize(ctx context.Context, turns []memory.Turn) (string, error) {
	var sb strings.Builder
	for _, t := range turns {
		who := t.UserName
		if t.Role == memory.RoleAssistant {
			who = "assistant"
		}
		fmt.Fprintf(&sb, "%s: %s\n", who, t.Message)
	}

	summary, err := s.gen.Generate(ctx, llm.GenerateRequest{
		Model:       s.model,
		Prompt:      fmt.Sprintf(summaryPrompt, sb.String()),
		Temperature: summaryTemperature,
	})
	if err != nil {
		return "", err
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return "", fmt.Errorf("empty summary")
	}
	return summary, nil
}
