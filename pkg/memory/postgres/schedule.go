package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/hearthward/famulus/pkg/memory"
)

const scheduleColumns = `id, user_name, title, event_date, event_time, description,
	importance, active, reminder_enabled, reminder_lead_minutes, recipient_email,
	reminder_sent, reminder_sent_at, created_at, updated_at`

func scanScheduleEvent(row pgx.CollectableRow) (memory.ScheduleEvent, error) {
	var e memory.ScheduleEvent
	err := row.Scan(
		&e.ID,
		&e.UserName,
		&e.Title,
		&e.EventDate,
		&e.EventTime,
		&e.Description,
		&e.Importance,
		&e.Active,
		&e.ReminderEnabled,
		&e.ReminderLeadMinutes,
		&e.RecipientEmail,
		&e.ReminderSent,
		&e.ReminderSentAt,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	return e, err
}

// SaveScheduleEvent implements [memory.ScheduleStore]. The duplicate check
// and the insert run in one transaction; a same (user, title, date) row is
// merged rather than duplicated.
func (s *Store) SaveScheduleEvent(ctx context.Context, e memory.ScheduleEvent) (memory.SaveOutcome, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return memory.SaveOutcome{}, fmt.Errorf("schedule store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var existing memory.ScheduleEvent
	err = tx.QueryRow(ctx, `
		SELECT id, event_time, description, importance
		FROM   schedule_events
		WHERE  user_name = $1 AND active
		  AND  lower(title) = lower($2)
		  AND  event_date = $3
		LIMIT  1
		FOR UPDATE`,
		e.UserName, e.Title, e.EventDate,
	).Scan(&existing.ID, &existing.EventTime, &existing.Description, &existing.Importance)

	switch {
	case err == nil:
		// Merge: fill a missing time or description, keep the higher
		// importance.
		var sets []string
		args := []any{existing.ID}
		next := func(v any) string {
			args = append(args, v)
			return fmt.Sprintf("$%d", len(args))
		}
		if existing.EventTime == "" && e.EventTime != "" {
			sets = append(sets, "event_time = "+next(e.EventTime))
		}
		if existing.Description == "" && e.Description != "" {
			sets = append(sets, "description = "+next(e.Description))
		}
		if e.Importance > existing.Importance {
			sets = append(sets, "importance = "+next(e.Importance))
		}
		if len(sets) == 0 {
			return commitOutcome(ctx, tx, memory.SaveOutcome{ID: existing.ID})
		}
		sets = append(sets, "updated_at = now()")
		q := fmt.Sprintf(`UPDATE schedule_events SET %s WHERE id = $1`, strings.Join(sets, ", "))
		if _, err := tx.Exec(ctx, q, args...); err != nil {
			return memory.SaveOutcome{}, fmt.Errorf("schedule store: merge: %w", err)
		}
		return commitOutcome(ctx, tx, memory.SaveOutcome{ID: existing.ID, Merged: true})

	case err != pgx.ErrNoRows:
		return memory.SaveOutcome{}, fmt.Errorf("schedule store: dedup: %w", err)
	}

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO schedule_events
		    (user_name, title, event_date, event_time, description, importance,
		     active, reminder_enabled, reminder_lead_minutes, recipient_email)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7, $8, $9)
		RETURNING id`,
		e.UserName, e.Title, e.EventDate, e.EventTime, e.Description, e.Importance,
		e.ReminderEnabled, e.ReminderLeadMinutes, e.RecipientEmail,
	).Scan(&id)
	if err != nil {
		return memory.SaveOutcome{}, fmt.Errorf("schedule store: insert: %w", err)
	}
	return commitOutcome(ctx, tx, memory.SaveOutcome{ID: id, Created: true})
}

func commitOutcome(ctx context.Context, tx pgx.Tx, out memory.SaveOutcome) (memory.SaveOutcome, error) {
	if err := tx.Commit(ctx); err != nil {
		return memory.SaveOutcome{}, fmt.Errorf("schedule store: commit: %w", err)
	}
	return out, nil
}

// GetScheduleEvent implements [memory.ScheduleStore].
func (s *Store) GetScheduleEvent(ctx context.Context, id int64) (*memory.ScheduleEvent, error) {
	q := fmt.Sprintf(`SELECT %s FROM schedule_events WHERE id = $1`, scheduleColumns)
	rows, err := s.pool.Query(ctx, q, id)
	if err != nil {
		return nil, fmt.Errorf("schedule store: get: %w", err)
	}
	e, err := pgx.CollectOneRow(rows, scanScheduleEvent)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("schedule store: get: %w", err)
	}
	return &e, nil
}

// UpdateScheduleEvent implements [memory.ScheduleStore]. Only the non-nil
// fields of u are applied.
func (s *Store) UpdateScheduleEvent(ctx context.Context, id int64, u memory.ScheduleEventUpdate) (bool, error) {
	var sets []string
	args := []any{id}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if u.Title != nil {
		sets = append(sets, "title = "+next(*u.Title))
	}
	if u.EventDate != nil {
		sets = append(sets, "event_date = "+next(*u.EventDate))
		// Moving the event re-arms its reminder.
		sets = append(sets, "reminder_sent = FALSE", "reminder_sent_at = NULL")
	}
	if u.EventTime != nil {
		sets = append(sets, "event_time = "+next(*u.EventTime))
	}
	if u.Description != nil {
		sets = append(sets, "description = "+next(*u.Description))
	}
	if u.Importance != nil {
		sets = append(sets, "importance = "+next(*u.Importance))
	}
	if u.ReminderEnabled != nil {
		sets = append(sets, "reminder_enabled = "+next(*u.ReminderEnabled))
	}
	if u.ReminderLeadMinutes != nil {
		sets = append(sets, "reminder_lead_minutes = "+next(*u.ReminderLeadMinutes))
	}
	if u.RecipientEmail != nil {
		sets = append(sets, "recipient_email = "+next(*u.RecipientEmail))
	}
	if len(sets) == 0 {
		return false, nil
	}
	sets = append(sets, "updated_at = now()")

	q := fmt.Sprintf(`UPDATE schedule_events SET %s WHERE id = $1 AND active`,
		strings.Join(sets, ", "))
	tag, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return false, fmt.Errorf("schedule store: update: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteScheduleEvent implements [memory.ScheduleStore].
func (s *Store) DeleteScheduleEvent(ctx context.Context, id int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE schedule_events
		SET    active = FALSE, updated_at = now()
		WHERE  id = $1 AND active`, id)
	if err != nil {
		return false, fmt.Errorf("schedule store: delete: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListSchedule implements [memory.ScheduleStore].
func (s *Store) ListSchedule(ctx context.Context, f memory.ScheduleFilter) ([]memory.ScheduleEvent, error) {
	args := []any{}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{"active"}
	if f.UserName != "" {
		conditions = append(conditions, "user_name = "+next(f.UserName))
	}
	if !f.Start.IsZero() {
		conditions = append(conditions, "event_date >= "+next(f.Start))
	}
	if !f.End.IsZero() {
		conditions = append(conditions, "event_date <= "+next(f.End))
	}

	limitClause := ""
	if f.Limit > 0 {
		limitClause = "LIMIT " + next(f.Limit)
	}

	q := fmt.Sprintf(`
		SELECT %s
		FROM   schedule_events
		WHERE  %s
		ORDER  BY event_date, event_time, id
		%s`, scheduleColumns, strings.Join(conditions, "\n  AND "), limitClause)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("schedule store: list: %w", err)
	}
	events, err := pgx.CollectRows(rows, scanScheduleEvent)
	if err != nil {
		return nil, fmt.Errorf("schedule store: scan rows: %w", err)
	}
	return events, nil
}

// SearchTitlesFTS implements [memory.ScheduleStore].
func (s *Store) SearchTitlesFTS(ctx context.Context, user, query string) ([]memory.ScheduleEvent, error) {
	q := fmt.Sprintf(`
		SELECT %s
		FROM   schedule_events
		WHERE  user_name = $1 AND active
		  AND  to_tsvector('english', title) @@ plainto_tsquery('english', $2)
		ORDER  BY event_date, event_time`, scheduleColumns)

	rows, err := s.pool.Query(ctx, q, user, query)
	if err != nil {
		return nil, fmt.Errorf("schedule store: fts: %w", err)
	}
	events, err := pgx.CollectRows(rows, scanScheduleEvent)
	if err != nil {
		return nil, fmt.Errorf("schedule store: scan rows: %w", err)
	}
	return events, nil
}

// PendingReminders implements [memory.ScheduleStore].
func (s *Store) PendingReminders(ctx context.Context, today time.Time) ([]memory.ScheduleEvent, error) {
	q := fmt.Sprintf(`
		SELECT %s
		FROM   schedule_events
		WHERE  active AND reminder_enabled AND NOT reminder_sent
		  AND  event_date >= $1
		ORDER  BY event_date, event_time`, scheduleColumns)

	rows, err := s.pool.Query(ctx, q, today)
	if err != nil {
		return nil, fmt.Errorf("schedule store: pending reminders: %w", err)
	}
	events, err := pgx.CollectRows(rows, scanScheduleEvent)
	if err != nil {
		return nil, fmt.Errorf("schedule store: scan rows: %w", err)
	}
	return events, nil
}

// MarkReminderSent implements [memory.ScheduleStore]. The WHERE NOT
// reminder_sent guard makes the flip idempotent: the second caller sees zero
// rows affected and must not send.
func (s *Store) MarkReminderSent(ctx context.Context, eventID, logID int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE schedule_events
		SET    reminder_sent = TRUE, reminder_sent_at = now(),
		       reminder_log_id = $2, updated_at = now()
		WHERE  id = $1 AND active AND NOT reminder_sent`, eventID, logID)
	if err != nil {
		return false, fmt.Errorf("schedule store: mark reminder sent: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ScheduleChangedSince implements [memory.ScheduleStore].
func (s *Store) ScheduleChangedSince(ctx context.Context, since time.Time) ([]memory.ScheduleEvent, error) {
	q := fmt.Sprintf(`
		SELECT %s
		FROM   schedule_events
		WHERE  active AND (created_at >= $1 OR updated_at >= $1)
		ORDER  BY event_date, event_time`, scheduleColumns)

	rows, err := s.pool.Query(ctx, q, since)
	if err != nil {
		return nil, fmt.Errorf("schedule store: changed since: %w", err)
	}
	events, err := pgx.CollectRows(rows, scanScheduleEvent)
	if err != nil {
		return nil, fmt.Errorf("schedule store: scan rows: %w", err)
	}
	return events, nil
}
