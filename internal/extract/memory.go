package extract

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hearthward/famulus/internal/dateparse"
	"github.com/hearthward/famulus/internal/llm"
	"github.com/hearthward/famulus/pkg/memory"
)

// MemoryItem is one validated extraction ready for the store.
type MemoryItem struct {
	Category   memory.Category
	Content    string
	Importance int

	// EventDate is resolved from the model's date expression. Non-nil for
	// every schedule-category item (unresolvable dates drop the item).
	EventDate *time.Time

	// EventTime is "HH:MM", empty for all-day items.
	EventTime string
}

// rawMemoryItem mirrors the JSON shape the model is asked to emit.
type rawMemoryItem struct {
	Category       string `json:"category"`
	Content        string `json:"content"`
	Importance     int    `json:"importance"`
	DateExpression string `json:"date_expression"`
	EventTime      string `json:"event_time"`
}

const memoryPromptTemplate = `Extract durable personal information from this message. Return ONLY a JSON array, no other text.

Each element: {"category": "schedule|fact|task|preference|other", "content": "...", "importance": 1-10, "date_expression": "...", "event_time": "..."}

Rules:
- Only include information worth remembering across conversations.
- "schedule" items must carry the date expression exactly as the user said it.
- event_time only when the user named a clock time.
- Return [] when there is nothing to remember.

%sUser message: %s

JSON array:`

// ExtractMemories mines one user turn. assistantReply may be empty; on voice
// channels it is included so half-transcribed turns can be grounded against
// what the assistant understood. Invalid items are dropped silently, per
// item, never the whole batch.
func (e *Extractor) ExtractMemories(ctx context.Context, model, userTurn, assistantReply string, reference time.Time) ([]MemoryItem, error) {
	if isQueryTurn(userTurn) || isTrivialTurn(userTurn) {
		return nil, nil
	}

	contextBlock := ""
	if assistantReply != "" {
		contextBlock = fmt.Sprintf("Assistant's reply (for context only, do not extract from it): %s\n\n", assistantReply)
	}
	prompt := fmt.Sprintf(memoryPromptTemplate, contextBlock, userTurn)

	out, err := e.gen.Generate(ctx, llm.GenerateRequest{
		Model:       model,
		Prompt:      prompt,
		Temperature: extractTemperature,
	})
	if err != nil {
		return nil, fmt.Errorf("extract memories: %w", err)
	}

	var raw []rawMemoryItem
	if !decodeJSON(out, &raw, true) {
		slog.Warn("memory extraction returned unparseable JSON",
			"output_prefix", prefix(out, 120))
		return nil, nil
	}

	ref := referenceDate(reference)
	items := make([]MemoryItem, 0, len(raw))
	for _, r := range raw {
		item, ok := validateMemoryItem(r, ref)
		if !ok {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// validateMemoryItem enforces the schema: empty content drops the item,
// unknown categories coerce to other, importance clamps to [1,10], and a
// schedule item without a resolvable date drops rather than guesses.
func validateMemoryItem(r rawMemoryItem, ref time.Time) (MemoryItem, bool) {
	content := strings.TrimSpace(r.Content)
	if content == "" {
		return MemoryItem{}, false
	}

	category := memory.Category(strings.ToLower(strings.TrimSpace(r.Category)))
	if !category.IsValid() {
		category = memory.CategoryOther
	}

	item := MemoryItem{
		Category:   category,
		Content:    content,
		Importance: clampImportance(r.Importance),
	}

	if r.EventTime != "" {
		if clock, ok := dateparse.ParseClock(r.EventTime); ok {
			item.EventTime = clock
		}
	}

	if r.DateExpression != "" {
		if d, ok := dateparse.Parse(r.DateExpression, ref); ok {
			item.EventDate = &d
		}
	}
	if category == memory.CategorySchedule && item.EventDate == nil {
		slog.Debug("dropping schedule memory with unresolvable date",
			"expression", r.DateExpression)
		return MemoryItem{}, false
	}

	return item, true
}

func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
