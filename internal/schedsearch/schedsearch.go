// Package schedsearch answers "when is my X" style questions over the
// calendar with a tiered search: a semantic tier that distills the query with
// the model, a fuzzy fallback tier, and a full-text verification tier that
// runs alongside for diagnostics only.
//
// The search always returns — possibly empty — and never blocks a turn on the
// verification tier.
package schedsearch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/hearthward/famulus/internal/llm"
	"github.com/hearthward/famulus/internal/textmatch"
	"github.com/hearthward/famulus/pkg/memory"
)

const (
	// maxResults caps the primary result set.
	maxResults = 10

	// semanticFloor is the minimum word-overlap score for the semantic tier.
	semanticFloor = 0.3

	// fuzzyFloor is the minimum similarity for the fuzzy tier.
	fuzzyFloor = 0.2

	// distillTimeout bounds the model call of the semantic tier. On expiry the
	// fuzzy tier takes over.
	distillTimeout = 300 * time.Second

	// candidateWindowDays bounds the default lookahead when the caller gives
	// no explicit range.
	candidateWindowDays = 365
)

const distillTemperature = 0.1

const distillPrompt = `Extract the key event terms from this calendar question. Reply with only the terms, space-separated, no punctuation, no explanation.

Question: %s

Terms:`

// Generator produces text completions. Satisfied by *llm.Client.
type Generator interface {
	Generate(ctx context.Context, req llm.GenerateRequest) (string, error)
}

// Store is the slice of the schedule store the searcher needs.
type Store interface {
	ListSchedule(ctx context.Context, f memory.ScheduleFilter) ([]memory.ScheduleEvent, error)
	SearchTitlesFTS(ctx context.Context, user, query string) ([]memory.ScheduleEvent, error)
}

// Match is one ranked search hit.
type Match struct {
	Event memory.ScheduleEvent
	Score float64
}

// Searcher runs tiered schedule searches. Safe for concurrent use.
type Searcher struct {
	store Store
	gen   Generator
	model string
	now   func() time.Time
}

// New creates a Searcher. model is the extraction model used for query
// distillation; now may be nil for time.Now.
func New(store Store, gen Generator, model string, now func() time.Time) *Searcher {
	if now == nil {
		now = time.Now
	}
	return &Searcher{store: store, gen: gen, model: model, now: now}
}

// Search returns the user's events ranked against query. start and end bound
// the candidate window when non-zero; otherwise the window is today plus one
// year. A failed store read is the only error; tier failures degrade.
func (s *Searcher) Search(ctx context.Context, user, query string, start, end time.Time) ([]Match, error) {
	today := s.now().Truncate(24 * time.Hour)
	if start.IsZero() {
		start = today
	}
	if end.IsZero() {
		end = start.AddDate(0, 0, candidateWindowDays)
	}

	candidates, err := s.store.ListSchedule(ctx, memory.ScheduleFilter{
		UserName: user,
		Start:    start,
		End:      end,
	})
	if err != nil {
		return nil, fmt.Errorf("schedule search: candidates for %s: %w", user, err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	// The full-text tier runs alongside the primary tiers. It is compared and
	// logged, never merged, so a ranking regression in the primary tiers shows
	// up in the logs without changing behaviour.
	ftsCh := make(chan []memory.ScheduleEvent, 1)
	go func() {
		hits, err := s.store.SearchTitlesFTS(ctx, user, query)
		if err != nil {
			slog.Debug("schedule search: full-text tier failed", "error", err)
		}
		ftsCh <- hits
	}()

	primary, tier := s.rank(ctx, query, candidates)

	go logVerification(query, tier, primary, ftsCh)

	return primary, nil
}

// rank runs the semantic tier, falling back to the fuzzy tier on model
// failure or an empty semantic result.
func (s *Searcher) rank(ctx context.Context, query string, candidates []memory.ScheduleEvent) ([]Match, string) {
	if s.gen != nil {
		if matches, err := s.semanticTier(ctx, query, candidates); err != nil {
			slog.Warn("schedule search: semantic tier failed, using fuzzy", "error", err)
		} else if len(matches) > 0 {
			return matches, "semantic"
		}
	}
	return fuzzyTier(query, candidates), "fuzzy"
}

// semanticTier distills the query to event terms and scores candidate titles
// by word overlap with those terms.
func (s *Searcher) semanticTier(ctx context.Context, query string, candidates []memory.ScheduleEvent) ([]Match, error) {
	ctx, cancel := context.WithTimeout(ctx, distillTimeout)
	defer cancel()

	terms, err := s.gen.Generate(ctx, llm.GenerateRequest{
		Model:       s.model,
		Prompt:      fmt.Sprintf(distillPrompt, query),
		Temperature: distillTemperature,
	})
	if err != nil {
		return nil, err
	}
	terms = strings.TrimSpace(terms)
	if terms == "" {
		return nil, nil
	}

	var matches []Match
	for _, e := range candidates {
		if score := textmatch.JaccardWords(terms, e.Title); score > semanticFloor {
			matches = append(matches, Match{Event: e, Score: score})
		}
	}
	return top(matches), nil
}

// fuzzyTier ranks without the model: a substring match in either direction
// scores 1.0, otherwise Jaro-Winkler similarity above the floor.
func fuzzyTier(query string, candidates []memory.ScheduleEvent) []Match {
	q := strings.ToLower(strings.TrimSpace(query))

	var matches []Match
	for _, e := range candidates {
		title := strings.ToLower(e.Title)
		var score float64
		switch {
		case q != "" && (strings.Contains(title, q) || strings.Contains(q, title)):
			score = 1.0
		default:
			score = matchr.JaroWinkler(q, title, false)
		}
		if score > fuzzyFloor {
			matches = append(matches, Match{Event: e, Score: score})
		}
	}
	return top(matches)
}

// top sorts by score descending (earlier date wins ties) and caps the result.
func top(matches []Match) []Match {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Event.EventDate.Before(matches[j].Event.EventDate)
	})
	if len(matches) > maxResults {
		matches = matches[:maxResults]
	}
	return matches
}

// logVerification compares the primary result against the full-text hits.
func logVerification(query, tier string, primary []Match, ftsCh <-chan []memory.ScheduleEvent) {
	fts := <-ftsCh

	primaryIDs := make(map[int64]bool, len(primary))
	for _, m := range primary {
		primaryIDs[m.Event.ID] = true
	}
	var missed []int64
	for _, e := range fts {
		if !primaryIDs[e.ID] {
			missed = append(missed, e.ID)
		}
	}

	slog.Debug("schedule search verification",
		"query", query,
		"tier", tier,
		"primary_hits", len(primary),
		"fts_hits", len(fts),
		"fts_only_ids", missed)
}
