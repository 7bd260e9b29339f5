// Package extract mines user turns for durable state: persistent memories
// (facts, tasks, preferences, schedule items) and explicit schedule actions.
// Both extractors drive a low-temperature model call, then distrust the
// output: JSON is salvage-parsed, enums are coerced, numbers clamped, and any
// claimed action must be corroborated by keywords in the user's own words.
package extract

import (
	"context"
	"time"

	"github.com/hearthward/famulus/internal/llm"
)

// extractTemperature keeps extraction output stable across retries.
const extractTemperature = 0.2

// Generator is the slice of the model client the extractors need.
type Generator interface {
	Generate(ctx context.Context, req llm.GenerateRequest) (string, error)
}

// Extractor runs memory and schedule extraction.
type Extractor struct {
	gen Generator
}

// New creates an Extractor over gen.
func New(gen Generator) *Extractor {
	return &Extractor{gen: gen}
}

// clampImportance forces importance into [1, 10], defaulting to 5.
func clampImportance(n int) int {
	if n == 0 {
		return 5
	}
	if n < 1 {
		return 1
	}
	if n > 10 {
		return 10
	}
	return n
}

// referenceDate strips reference down to its calendar day.
func referenceDate(reference time.Time) time.Time {
	return time.Date(reference.Year(), reference.Month(), reference.Day(),
		0, 0, 0, 0, reference.Location())
}
