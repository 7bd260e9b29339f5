package consolidate

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hearthward/famulus/internal/llm"
	"github.com/hearthward/famulus/pkg/memory"
)

type fakeConsolidateStore struct {
	cutoffs []time.Time
	turns   []memory.Turn
	result  memory.ConsolidationResult
	err     error

	summaries []string
}

func (f *fakeConsolidateStore) ConsolidateBefore(ctx context.Context, _ string, cutoff time.Time,
	summarize func(ctx context.Context, turns []memory.Turn) (string, error)) (memory.ConsolidationResult, error) {

	f.cutoffs = append(f.cutoffs, cutoff)
	if f.err != nil {
		return memory.ConsolidationResult{}, f.err
	}
	if len(f.turns) > 0 {
		s, err := summarize(ctx, f.turns)
		if err != nil {
			return memory.ConsolidationResult{}, err
		}
		f.summaries = append(f.summaries, s)
	}
	return f.result, nil
}

type fakeGen struct {
	output string
	err    error
	prompt string
}

func (g *fakeGen) Generate(_ context.Context, req llm.GenerateRequest) (string, error) {
	g.prompt = req.Prompt
	return g.output, g.err
}

var atNoon = time.Date(2025, time.October, 15, 12, 0, 0, 0, time.UTC)

func TestTick_CutoffIsRetentionWindow(t *testing.T) {
	store := &fakeConsolidateStore{}
	s := New(store, &fakeGen{output: "x"}, "test-model", func() time.Time { return atNoon })

	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	want := atNoon.Add(-7 * 24 * time.Hour)
	if len(store.cutoffs) != 1 || !store.cutoffs[0].Equal(want) {
		t.Errorf("cutoff = %v, want %v", store.cutoffs, want)
	}
}

func TestTick_SummarizesTurns(t *testing.T) {
	store := &fakeConsolidateStore{
		turns: []memory.Turn{
			{UserName: "alice", Role: memory.RoleUser, Message: "remind me about the dentist"},
			{UserName: "alice", Role: memory.RoleAssistant, Message: "Noted, Friday at three."},
		},
		result: memory.ConsolidationResult{MessagesConsolidated: 2, SummariesCreated: 1},
	}
	gen := &fakeGen{output: "Alice has a dentist appointment Friday at 15:00."}
	s := New(store, gen, "test-model", func() time.Time { return atNoon })

	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(store.summaries) != 1 || !strings.Contains(store.summaries[0], "dentist") {
		t.Errorf("summaries = %v", store.summaries)
	}
	if !strings.Contains(gen.prompt, "alice: remind me about the dentist") {
		t.Errorf("prompt missing user line: %q", gen.prompt)
	}
	if !strings.Contains(gen.prompt, "assistant: Noted, Friday at three.") {
		t.Errorf("prompt missing assistant line: %q", gen.prompt)
	}
}

func TestTick_ModelFailureKeepsTurns(t *testing.T) {
	store := &fakeConsolidateStore{
		turns: []memory.Turn{{UserName: "alice", Message: "hello"}},
	}
	s := New(store, &fakeGen{err: errors.New("model down")}, "test-model",
		func() time.Time { return atNoon })

	if err := s.Tick(context.Background()); err == nil {
		t.Fatal("want error on model failure")
	}
	if len(store.summaries) != 0 {
		t.Error("summary recorded despite model failure")
	}
}

func TestTick_EmptySummaryRejected(t *testing.T) {
	store := &fakeConsolidateStore{
		turns: []memory.Turn{{UserName: "alice", Message: "hello"}},
	}
	s := New(store, &fakeGen{output: "   "}, "test-model", func() time.Time { return atNoon })

	if err := s.Tick(context.Background()); err == nil {
		t.Fatal("want error on empty summary")
	}
}

func TestTick_StoreErrorPropagates(t *testing.T) {
	store := &fakeConsolidateStore{err: errors.New("db down")}
	s := New(store, &fakeGen{output: "x"}, "test-model", func() time.Time { return atNoon })
	if err := s.Tick(context.Background()); err == nil {
		t.Fatal("want error")
	}
}
