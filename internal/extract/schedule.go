package extract

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hearthward/famulus/internal/dateparse"
	"github.com/hearthward/famulus/internal/llm"
)

// ScheduleAction is the verb the user asked for.
type ScheduleAction string

const (
	ActionAdd     ScheduleAction = "ADD"
	ActionUpdate  ScheduleAction = "UPDATE"
	ActionDelete  ScheduleAction = "DELETE"
	ActionNothing ScheduleAction = "NOTHING"
)

// ScheduleIntent is the validated result of schedule extraction.
type ScheduleIntent struct {
	Action ScheduleAction

	// Title is the event title as the user phrased it (case preserved).
	Title string

	// EventDate is resolved for ADD; nil otherwise or when unresolvable.
	EventDate *time.Time

	// EventTime is "HH:MM", empty for all-day.
	EventTime string

	Description string
	Importance  int
}

// rawScheduleIntent mirrors the JSON shape the model is asked to emit.
type rawScheduleIntent struct {
	Action         string `json:"action"`
	Title          string `json:"title"`
	DateExpression string `json:"date_expression"`
	Time           string `json:"time"`
	Description    string `json:"description"`
	Importance     int    `json:"importance"`
}

const schedulePromptTemplate = `Decide whether this message asks to change the calendar. Return ONLY a JSON object, no other text.

{"action": "ADD|UPDATE|DELETE|NOTHING", "title": "...", "date_expression": "...", "time": "...", "description": "...", "importance": 1-10}

Rules:
- action is NOTHING unless the user explicitly asks to add, change, or cancel an event.
- title is the short event name in the user's own words.
- date_expression is the date exactly as the user said it.
- time only when the user named a clock time.

User message: %s

JSON object:`

// ExtractScheduleIntent classifies one user turn into a calendar action.
// Query-only turns short-circuit to NOTHING without a model call, and a
// claimed action unsupported by the user's wording is demoted to NOTHING —
// the model never gets to invent calendar changes.
func (e *Extractor) ExtractScheduleIntent(ctx context.Context, model, userTurn string, reference time.Time) (ScheduleIntent, error) {
	nothing := ScheduleIntent{Action: ActionNothing}

	if isTrivialTurn(userTurn) {
		return nothing, nil
	}
	if isQueryTurn(userTurn) && !hasActionKeywords(userTurn) {
		return nothing, nil
	}

	out, err := e.gen.Generate(ctx, llm.GenerateRequest{
		Model:       model,
		Prompt:      fmt.Sprintf(schedulePromptTemplate, userTurn),
		Temperature: extractTemperature,
	})
	if err != nil {
		return nothing, fmt.Errorf("extract schedule intent: %w", err)
	}

	var raw rawScheduleIntent
	if !decodeJSON(out, &raw, false) {
		slog.Warn("schedule extraction returned unparseable JSON",
			"output_prefix", prefix(out, 120))
		return nothing, nil
	}

	action := ScheduleAction(strings.ToUpper(strings.TrimSpace(raw.Action)))
	switch action {
	case ActionAdd, ActionUpdate, ActionDelete:
	default:
		return nothing, nil
	}

	if !actionSupported(action, userTurn) {
		slog.Debug("rejecting schedule action without supporting keywords",
			"action", action, "turn_prefix", prefix(userTurn, 80))
		return nothing, nil
	}

	intent := ScheduleIntent{
		Action:      action,
		Title:       strings.TrimSpace(raw.Title),
		Description: strings.TrimSpace(raw.Description),
		Importance:  clampImportance(raw.Importance),
	}
	if intent.Title == "" {
		return nothing, nil
	}

	if raw.Time != "" {
		if clock, ok := dateparse.ParseClock(raw.Time); ok {
			intent.EventTime = clock
		}
	}
	if raw.DateExpression != "" {
		if d, ok := dateparse.Parse(raw.DateExpression, referenceDate(reference)); ok {
			intent.EventDate = &d
		}
	}

	// ADD without a resolvable date cannot produce a valid event row.
	if action == ActionAdd && intent.EventDate == nil {
		slog.Debug("rejecting schedule add with unresolvable date",
			"expression", raw.DateExpression)
		return nothing, nil
	}

	return intent, nil
}

// hasActionKeywords reports whether the turn carries any calendar-changing
// verb at all.
func hasActionKeywords(turn string) bool {
	return containsAny(turn, addKeywords) ||
		containsAny(turn, updateKeywords) ||
		containsAny(turn, deleteKeywords)
}

// actionSupported checks the claimed action against the turn's own wording.
func actionSupported(action ScheduleAction, turn string) bool {
	switch action {
	case ActionAdd:
		return containsAny(turn, addKeywords)
	case ActionUpdate:
		return containsAny(turn, updateKeywords)
	case ActionDelete:
		return containsAny(turn, deleteKeywords)
	}
	return false
}

// ResolveEventByTitle picks the event whose title contains (or is contained
// by) the intent title, case-insensitively. Used for UPDATE/DELETE instead of
// trusting a model-supplied id. Returns 0 when no title matches.
func ResolveEventByTitle(intentTitle string, titlesByID map[int64]string) int64 {
	needle := strings.ToLower(strings.TrimSpace(intentTitle))
	if needle == "" {
		return 0
	}
	for id, title := range titlesByID {
		t := strings.ToLower(title)
		if strings.Contains(t, needle) || strings.Contains(needle, t) {
			return id
		}
	}
	return 0
}
