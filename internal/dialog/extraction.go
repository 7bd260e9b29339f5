package dialog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hearthward/famulus/internal/botcfg"
	"github.com/hearthward/famulus/internal/extract"
	"github.com/hearthward/famulus/internal/observe"
	"github.com/hearthward/famulus/pkg/memory"
)

// runExtraction executes both extraction passes against the store and returns
// an action record per attempted side effect. On voice/text these run in the
// background and the records are only logged; on e-mail they feed the reply
// prompt. assistantReply grounds memory extraction on voice channels and is
// empty on e-mail, where extraction precedes generation.
func (o *Orchestrator) runExtraction(ctx context.Context, req Request, sessionID, assistantReply string) []memory.EmailAction {
	model := o.cfg.Get(ctx, botcfg.KeyExtractModel)
	if model == "" {
		model = o.extractModel
	}
	reference := o.now()

	var actions []memory.EmailAction
	actions = append(actions, o.extractMemories(ctx, req, sessionID, assistantReply, model, reference)...)
	actions = append(actions, o.extractSchedule(ctx, req, model, reference)...)

	for _, a := range actions {
		observe.DefaultMetrics().RecordExtractionAction(ctx, string(a.Type), string(a.Status))
		if a.Status == memory.ActionFailed {
			slog.Warn("extraction action failed",
				"user", req.User, "type", a.Type, "verb", a.Verb, "error", a.ErrorMessage)
		}
	}
	return actions
}

func (o *Orchestrator) extractMemories(ctx context.Context, req Request, sessionID, assistantReply, model string, reference time.Time) []memory.EmailAction {
	items, err := o.extractor.ExtractMemories(ctx, model, req.Text, assistantReply, reference)
	if err != nil {
		slog.Warn("memory extraction failed", "user", req.User, "error", err)
		return []memory.EmailAction{{
			Type: memory.ActionMemory, Verb: memory.VerbAdd,
			Intent:       "extract memories",
			Status:       memory.ActionFailed,
			ErrorMessage: err.Error(),
			ExecutedAt:   o.now(),
		}}
	}

	var actions []memory.EmailAction
	for _, item := range items {
		a := memory.EmailAction{
			Type:       memory.ActionMemory,
			Verb:       memory.VerbAdd,
			Intent:     fmt.Sprintf("remember: %s", item.Content),
			ExecutedAt: o.now(),
		}

		outcome, err := o.store.SavePersistentMemory(ctx, memory.PersistentMemory{
			UserName:        req.User,
			Category:        item.Category,
			Content:         item.Content,
			Importance:      item.Importance,
			EventDate:       item.EventDate,
			EventTime:       item.EventTime,
			ExtractedAt:     o.now(),
			SourceSessionID: sessionID,
			Active:          true,
		})
		switch {
		case err != nil:
			a.Status = memory.ActionFailed
			a.ErrorMessage = err.Error()
		case !outcome.Created && !outcome.Merged:
			// Dedup suppressed the write; still a success for the user.
			a.Status = memory.ActionSkipped
			a.Details = map[string]any{"memory_id": outcome.ID, "deduplicated": true}
		default:
			a.Status = memory.ActionSuccess
			a.Details = map[string]any{"memory_id": outcome.ID}
		}
		actions = append(actions, a)
	}
	return actions
}

func (o *Orchestrator) extractSchedule(ctx context.Context, req Request, model string, reference time.Time) []memory.EmailAction {
	intent, err := o.extractor.ExtractScheduleIntent(ctx, model, req.Text, reference)
	if err != nil {
		slog.Warn("schedule extraction failed", "user", req.User, "error", err)
		return []memory.EmailAction{{
			Type: memory.ActionSchedule, Verb: memory.VerbAdd,
			Intent:       "extract schedule intent",
			Status:       memory.ActionFailed,
			ErrorMessage: err.Error(),
			ExecutedAt:   o.now(),
		}}
	}
	a := memory.EmailAction{
		Type:       memory.ActionSchedule,
		ExecutedAt: o.now(),
	}

	switch intent.Action {
	case extract.ActionAdd:
		a.Verb = memory.VerbAdd
		a.Intent = fmt.Sprintf("add %q", intent.Title)
		outcome, err := o.store.SaveScheduleEvent(ctx, memory.ScheduleEvent{
			UserName:    req.User,
			Title:       intent.Title,
			EventDate:   *intent.EventDate,
			EventTime:   intent.EventTime,
			Description: intent.Description,
			Importance:  intent.Importance,
			Active:      true,
		})
		switch {
		case err != nil:
			a.Status = memory.ActionFailed
			a.ErrorMessage = err.Error()
		case !outcome.Created && !outcome.Merged:
			a.Status = memory.ActionSkipped
			a.Details = map[string]any{"event_id": outcome.ID, "deduplicated": true}
		default:
			a.Status = memory.ActionSuccess
			a.Details = map[string]any{"event_id": outcome.ID}
		}

	case extract.ActionUpdate:
		a.Verb = memory.VerbUpdate
		a.Intent = fmt.Sprintf("update %q", intent.Title)
		id := o.resolveEvent(ctx, req.User, intent.Title)
		if id == 0 {
			a.Status = memory.ActionSkipped
			a.ErrorMessage = "no matching event"
			break
		}
		u := memory.ScheduleEventUpdate{}
		if intent.EventDate != nil {
			u.EventDate = intent.EventDate
		}
		if intent.EventTime != "" {
			u.EventTime = &intent.EventTime
		}
		if intent.Description != "" {
			u.Description = &intent.Description
		}
		ok, err := o.store.UpdateScheduleEvent(ctx, id, u)
		switch {
		case err != nil:
			a.Status = memory.ActionFailed
			a.ErrorMessage = err.Error()
		case !ok:
			a.Status = memory.ActionSkipped
			a.ErrorMessage = "event vanished before update"
		default:
			a.Status = memory.ActionSuccess
			a.Details = map[string]any{"event_id": id}
		}

	case extract.ActionDelete:
		a.Verb = memory.VerbDelete
		a.Intent = fmt.Sprintf("cancel %q", intent.Title)
		id := o.resolveEvent(ctx, req.User, intent.Title)
		if id == 0 {
			a.Status = memory.ActionSkipped
			a.ErrorMessage = "no matching event"
			break
		}
		ok, err := o.store.DeleteScheduleEvent(ctx, id)
		switch {
		case err != nil:
			a.Status = memory.ActionFailed
			a.ErrorMessage = err.Error()
		case !ok:
			a.Status = memory.ActionSkipped
			a.ErrorMessage = "event vanished before delete"
		default:
			a.Status = memory.ActionSuccess
			a.Details = map[string]any{"event_id": id}
		}

	default: // NOTHING, or an action the validator already demoted
		return nil
	}

	return []memory.EmailAction{a}
}

// resolveEvent maps an intent title to an active event id by substring match
// over the user's upcoming events. Zero means no match.
func (o *Orchestrator) resolveEvent(ctx context.Context, user, title string) int64 {
	events, err := o.store.ListSchedule(ctx, memory.ScheduleFilter{UserName: user})
	if err != nil {
		slog.Warn("event resolution failed", "user", user, "error", err)
		return 0
	}
	titles := make(map[int64]string, len(events))
	for _, e := range events {
		titles[e.ID] = e.Title
	}
	return extract.ResolveEventByTitle(title, titles)
}
