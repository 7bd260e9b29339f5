package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/hearthward/famulus/internal/textmatch"
	"github.com/hearthward/famulus/pkg/memory"
)

const memoryColumns = `id, user_name, category, content, importance, tags,
	event_date, event_time, extracted_at, source_session_id, active`

func scanMemory(row pgx.CollectableRow) (memory.PersistentMemory, error) {
	var m memory.PersistentMemory
	err := row.Scan(
		&m.ID,
		&m.UserName,
		&m.Category,
		&m.Content,
		&m.Importance,
		&m.Tags,
		&m.EventDate,
		&m.EventTime,
		&m.ExtractedAt,
		&m.SourceSessionID,
		&m.Active,
	)
	return m, err
}

// SavePersistentMemory implements [memory.MemoryStore]. The duplicate check
// and the insert run in one transaction so concurrent extractors serialize on
// the same rows.
func (s *Store) SavePersistentMemory(ctx context.Context, m memory.PersistentMemory) (memory.SaveOutcome, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return memory.SaveOutcome{}, fmt.Errorf("memory store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	out, err := saveMemoryTx(ctx, tx, m)
	if err != nil {
		return memory.SaveOutcome{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return memory.SaveOutcome{}, fmt.Errorf("memory store: commit: %w", err)
	}
	return out, nil
}

func saveMemoryTx(ctx context.Context, tx pgx.Tx, m memory.PersistentMemory) (memory.SaveOutcome, error) {
	if m.Tags == nil {
		m.Tags = []string{}
	}

	if m.Category == memory.CategorySchedule && m.EventDate != nil {
		// Exact match on (user, category, date, time): reuse, raising
		// importance when the new value is stricter.
		var (
			id         int64
			importance int
		)
		err := tx.QueryRow(ctx, `
			SELECT id, importance
			FROM   persistent_memories
			WHERE  user_name = $1 AND category = $2 AND active
			  AND  event_date = $3 AND event_time = $4
			LIMIT  1
			FOR UPDATE`,
			m.UserName, m.Category, m.EventDate, m.EventTime,
		).Scan(&id, &importance)
		switch {
		case err == nil:
			merged := false
			if m.Importance > importance {
				if _, err := tx.Exec(ctx,
					`UPDATE persistent_memories SET importance = $2 WHERE id = $1`,
					id, m.Importance); err != nil {
					return memory.SaveOutcome{}, fmt.Errorf("memory store: raise importance: %w", err)
				}
				merged = true
			}
			return memory.SaveOutcome{ID: id, Merged: merged}, nil
		case err != pgx.ErrNoRows:
			return memory.SaveOutcome{}, fmt.Errorf("memory store: exact dedup: %w", err)
		}

		// Fuzzy window: same category within ±3 days, word overlap > 0.6
		// suppresses the write.
		rows, err := tx.Query(ctx, `
			SELECT id, content
			FROM   persistent_memories
			WHERE  user_name = $1 AND category = $2 AND active
			  AND  event_date BETWEEN $3::date - 3 AND $3::date + 3`,
			m.UserName, m.Category, m.EventDate)
		if err != nil {
			return memory.SaveOutcome{}, fmt.Errorf("memory store: fuzzy dedup: %w", err)
		}
		type candidate struct {
			id      int64
			content string
		}
		candidates, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (candidate, error) {
			var c candidate
			err := row.Scan(&c.id, &c.content)
			return c, err
		})
		if err != nil {
			return memory.SaveOutcome{}, fmt.Errorf("memory store: scan candidates: %w", err)
		}
		for _, c := range candidates {
			if textmatch.JaccardWords(m.Content, c.content) > 0.6 {
				return memory.SaveOutcome{ID: c.id}, nil
			}
		}
	} else {
		// Non-schedule categories dedup on exact content.
		var id int64
		err := tx.QueryRow(ctx, `
			SELECT id
			FROM   persistent_memories
			WHERE  user_name = $1 AND category = $2 AND active AND content = $3
			LIMIT  1`,
			m.UserName, m.Category, m.Content,
		).Scan(&id)
		switch {
		case err == nil:
			return memory.SaveOutcome{ID: id}, nil
		case err != pgx.ErrNoRows:
			return memory.SaveOutcome{}, fmt.Errorf("memory store: exact dedup: %w", err)
		}
	}

	extractedAt := m.ExtractedAt
	if extractedAt.IsZero() {
		extractedAt = time.Now()
	}
	var id int64
	err := tx.QueryRow(ctx, `
		INSERT INTO persistent_memories
		    (user_name, category, content, importance, tags, event_date,
		     event_time, extracted_at, source_session_id, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, TRUE)
		RETURNING id`,
		m.UserName, m.Category, m.Content, m.Importance, m.Tags, m.EventDate,
		m.EventTime, extractedAt, m.SourceSessionID,
	).Scan(&id)
	if err != nil {
		return memory.SaveOutcome{}, fmt.Errorf("memory store: insert: %w", err)
	}
	return memory.SaveOutcome{ID: id, Created: true}, nil
}

// ActiveMemories implements [memory.MemoryStore].
func (s *Store) ActiveMemories(ctx context.Context, user string, limit int) ([]memory.PersistentMemory, error) {
	q := fmt.Sprintf(`
		SELECT %s
		FROM   persistent_memories
		WHERE  user_name = $1 AND active
		ORDER  BY importance DESC, extracted_at DESC
		LIMIT  $2`, memoryColumns)

	rows, err := s.pool.Query(ctx, q, user, limit)
	if err != nil {
		return nil, fmt.Errorf("memory store: active memories: %w", err)
	}
	memories, err := pgx.CollectRows(rows, scanMemory)
	if err != nil {
		return nil, fmt.Errorf("memory store: scan rows: %w", err)
	}
	return memories, nil
}

// MemoriesSince implements [memory.MemoryStore].
func (s *Store) MemoriesSince(ctx context.Context, since time.Time) ([]memory.PersistentMemory, error) {
	q := fmt.Sprintf(`
		SELECT %s
		FROM   persistent_memories
		WHERE  active AND extracted_at >= $1
		ORDER  BY extracted_at`, memoryColumns)

	rows, err := s.pool.Query(ctx, q, since)
	if err != nil {
		return nil, fmt.Errorf("memory store: memories since: %w", err)
	}
	memories, err := pgx.CollectRows(rows, scanMemory)
	if err != nil {
		return nil, fmt.Errorf("memory store: scan rows: %w", err)
	}
	return memories, nil
}

// UpdateMemory implements [memory.MemoryStore].
func (s *Store) UpdateMemory(ctx context.Context, id int64, content string, importance int, tags []string) (bool, error) {
	if tags == nil {
		tags = []string{}
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE persistent_memories
		SET    content = $2, importance = $3, tags = $4
		WHERE  id = $1 AND active`,
		id, content, importance, tags)
	if err != nil {
		return false, fmt.Errorf("memory store: update: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteMemory implements [memory.MemoryStore].
func (s *Store) DeleteMemory(ctx context.Context, id int64) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE persistent_memories SET active = FALSE WHERE id = $1 AND active`, id)
	if err != nil {
		return false, fmt.Errorf("memory store: delete: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
