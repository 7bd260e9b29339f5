package extract

import (
	"context"
	"testing"
	"time"

	"github.com/hearthward/famulus/internal/llm"
	"github.com/hearthward/famulus/pkg/memory"
)

// scriptedGen returns a fixed output and records whether it was called.
type scriptedGen struct {
	output string
	calls  int
}

func (g *scriptedGen) Generate(_ context.Context, _ llm.GenerateRequest) (string, error) {
	g.calls++
	return g.output, nil
}

// Wednesday, October 15th 2025.
var ref = time.Date(2025, time.October, 15, 10, 0, 0, 0, time.UTC)

func TestDecodeJSON_SalvageLadder(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"clean", `[{"category":"fact","content":"likes tea","importance":3}]`},
		{"code fence", "Here you go:\n```json\n[{\"category\":\"fact\",\"content\":\"likes tea\",\"importance\":3}]\n```"},
		{"prose wrapped", `Sure! The extracted items are: [{"category":"fact","content":"likes tea","importance":3}] Hope that helps.`},
		{"trailing comma", `[{"category":"fact","content":"likes tea","importance":3,}]`},
		{"fence and trailing comma", "```\n[{\"category\":\"fact\",\"content\":\"likes tea\",\"importance\":3,},]\n```"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var out []rawMemoryItem
			if !decodeJSON(tc.raw, &out, true) {
				t.Fatalf("decodeJSON failed for %q", tc.raw)
			}
			if len(out) != 1 || out[0].Content != "likes tea" {
				t.Errorf("decoded %+v", out)
			}
		})
	}
}

func TestDecodeJSON_Unsalvageable(t *testing.T) {
	var out []rawMemoryItem
	if decodeJSON("I could not find anything to extract.", &out, true) {
		t.Error("decodeJSON succeeded on prose with no JSON")
	}
}

func TestExtractMemories_ValidatesItems(t *testing.T) {
	gen := &scriptedGen{output: `[
		{"category":"schedule","content":"dentist appointment","importance":6,"date_expression":"next friday","event_time":"3pm"},
		{"category":"schedule","content":"vague thing","importance":5,"date_expression":"whenever"},
		{"category":"villainy","content":"prefers window seats","importance":99},
		{"category":"fact","content":"","importance":5},
		{"category":"task","content":"buy milk","importance":0}
	]`}
	e := New(gen)

	items, err := e.ExtractMemories(context.Background(), "m", "I have a dentist appointment next Friday at 3pm", "", ref)
	if err != nil {
		t.Fatalf("ExtractMemories: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("items = %d, want 3 (unresolvable schedule and empty content dropped): %+v", len(items), items)
	}

	sched := items[0]
	if sched.Category != memory.CategorySchedule {
		t.Errorf("category = %q", sched.Category)
	}
	if sched.EventDate == nil || !sched.EventDate.Equal(time.Date(2025, time.October, 24, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("event date = %v, want 2025-10-24", sched.EventDate)
	}
	if sched.EventTime != "15:00" {
		t.Errorf("event time = %q, want 15:00", sched.EventTime)
	}

	if items[1].Category != memory.CategoryOther {
		t.Errorf("unknown category coerced to %q, want other", items[1].Category)
	}
	if items[1].Importance != 10 {
		t.Errorf("importance = %d, want clamped to 10", items[1].Importance)
	}
	if items[2].Importance != 5 {
		t.Errorf("importance = %d, want default 5", items[2].Importance)
	}
}

func TestExtractMemories_QueryTurnsSkipModel(t *testing.T) {
	gen := &scriptedGen{output: `[]`}
	e := New(gen)

	for _, turn := range []string{
		"What's on my schedule today?",
		"Do I have anything tomorrow?",
		"ok",
		"thanks!",
	} {
		items, err := e.ExtractMemories(context.Background(), "m", turn, "", ref)
		if err != nil {
			t.Fatalf("ExtractMemories(%q): %v", turn, err)
		}
		if items != nil {
			t.Errorf("ExtractMemories(%q) = %+v, want nil", turn, items)
		}
	}
	if gen.calls != 0 {
		t.Errorf("model calls = %d, want 0", gen.calls)
	}
}

func TestExtractScheduleIntent_Add(t *testing.T) {
	gen := &scriptedGen{output: `{"action":"ADD","title":"haircut","date_expression":"next friday","time":"9:30am","importance":5}`}
	e := New(gen)

	intent, err := e.ExtractScheduleIntent(context.Background(), "m",
		"Schedule me for next Friday at 9:30am for my haircut", ref)
	if err != nil {
		t.Fatalf("ExtractScheduleIntent: %v", err)
	}
	if intent.Action != ActionAdd {
		t.Fatalf("action = %q", intent.Action)
	}
	if intent.Title != "haircut" {
		t.Errorf("title = %q", intent.Title)
	}
	if intent.EventDate == nil || !intent.EventDate.Equal(time.Date(2025, time.October, 24, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("event date = %v, want 2025-10-24", intent.EventDate)
	}
	if intent.EventTime != "09:30" {
		t.Errorf("event time = %q, want 09:30", intent.EventTime)
	}
}

func TestExtractScheduleIntent_QueryShortCircuits(t *testing.T) {
	gen := &scriptedGen{output: `{"action":"ADD","title":"ghost event","date_expression":"tomorrow"}`}
	e := New(gen)

	intent, err := e.ExtractScheduleIntent(context.Background(), "m",
		"What's on my calendar for tomorrow?", ref)
	if err != nil {
		t.Fatalf("ExtractScheduleIntent: %v", err)
	}
	if intent.Action != ActionNothing {
		t.Errorf("action = %q, want NOTHING", intent.Action)
	}
	if gen.calls != 0 {
		t.Errorf("model calls = %d, want 0 (query short-circuit)", gen.calls)
	}
}

func TestExtractScheduleIntent_UnsupportedActionDemoted(t *testing.T) {
	// Model claims DELETE but the user never used a delete word.
	gen := &scriptedGen{output: `{"action":"DELETE","title":"dentist"}`}
	e := New(gen)

	intent, err := e.ExtractScheduleIntent(context.Background(), "m",
		"I have a dentist appointment next week", ref)
	if err != nil {
		t.Fatalf("ExtractScheduleIntent: %v", err)
	}
	if intent.Action != ActionNothing {
		t.Errorf("action = %q, want NOTHING (no delete keywords in turn)", intent.Action)
	}
}

func TestExtractScheduleIntent_AddWithoutDateRejected(t *testing.T) {
	gen := &scriptedGen{output: `{"action":"ADD","title":"mystery meeting","date_expression":"sometime"}`}
	e := New(gen)

	intent, err := e.ExtractScheduleIntent(context.Background(), "m",
		"Add a mystery meeting sometime", ref)
	if err != nil {
		t.Fatalf("ExtractScheduleIntent: %v", err)
	}
	if intent.Action != ActionNothing {
		t.Errorf("action = %q, want NOTHING (unresolvable date)", intent.Action)
	}
}

func TestResolveEventByTitle(t *testing.T) {
	titles := map[int64]string{
		1: "Dentist appointment",
		2: "Team offsite",
	}
	if got := ResolveEventByTitle("dentist", titles); got != 1 {
		t.Errorf("ResolveEventByTitle(dentist) = %d, want 1", got)
	}
	if got := ResolveEventByTitle("the team offsite meeting", titles); got != 2 {
		t.Errorf("ResolveEventByTitle(team offsite...) = %d, want 2", got)
	}
	if got := ResolveEventByTitle("yoga class", titles); got != 0 {
		t.Errorf("ResolveEventByTitle(yoga) = %d, want 0", got)
	}
	if got := ResolveEventByTitle("", titles); got != 0 {
		t.Errorf("ResolveEventByTitle(empty) = %d, want 0", got)
	}
}
