package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/hearthward/famulus/pkg/memory"
)

// consolidateChunkSize caps how many turns feed one summary so the prompt
// stays well inside the model's context window.
const consolidateChunkSize = 15

// consolidateMinTurns is the minimum qualifying turn count per user; below it
// consolidation would destroy more context than it saves.
const consolidateMinTurns = 5

// ConsolidateBefore implements [memory.MemoryStore]. Summaries are produced
// by the supplied callback so this package stays free of any model client.
// Each user is consolidated independently; a summarize failure for one chunk
// aborts that user but keeps the turns intact (the delete happens after all
// of a user's summaries succeed).
func (s *Store) ConsolidateBefore(ctx context.Context, user string, cutoff time.Time, summarize func(ctx context.Context, turns []memory.Turn) (string, error)) (memory.ConsolidationResult, error) {
	users := []string{user}
	if user == "" {
		rows, err := s.pool.Query(ctx, `
			SELECT DISTINCT user_name
			FROM   conversation_turns
			WHERE  timestamp < $1`, cutoff)
		if err != nil {
			return memory.ConsolidationResult{}, fmt.Errorf("consolidate: list users: %w", err)
		}
		users, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (string, error) {
			var u string
			err := row.Scan(&u)
			return u, err
		})
		if err != nil {
			return memory.ConsolidationResult{}, fmt.Errorf("consolidate: scan users: %w", err)
		}
	}

	var total memory.ConsolidationResult
	for _, u := range users {
		res, err := s.consolidateUser(ctx, u, cutoff, summarize)
		if err != nil {
			return total, fmt.Errorf("consolidate: user %q: %w", u, err)
		}
		total.MessagesConsolidated += res.MessagesConsolidated
		total.SummariesCreated += res.SummariesCreated
		total.TokensSavedEstimate += res.TokensSavedEstimate
	}
	return total, nil
}

func (s *Store) consolidateUser(ctx context.Context, user string, cutoff time.Time, summarize func(ctx context.Context, turns []memory.Turn) (string, error)) (memory.ConsolidationResult, error) {
	q := fmt.Sprintf(`
		SELECT %s
		FROM   conversation_turns
		WHERE  user_name = $1 AND timestamp < $2
		ORDER  BY timestamp, id`, turnColumns)

	rows, err := s.pool.Query(ctx, q, user, cutoff)
	if err != nil {
		return memory.ConsolidationResult{}, fmt.Errorf("select turns: %w", err)
	}
	turns, err := pgx.CollectRows(rows, scanTurn)
	if err != nil {
		return memory.ConsolidationResult{}, fmt.Errorf("scan turns: %w", err)
	}
	if len(turns) < consolidateMinTurns {
		return memory.ConsolidationResult{}, nil
	}

	// Summarize every chunk before touching the database: a model failure
	// mid-way must not leave a half-consolidated history.
	type summarized struct {
		summary string
		turns   []memory.Turn
	}
	var chunks []summarized
	for start := 0; start < len(turns); start += consolidateChunkSize {
		end := start + consolidateChunkSize
		if end > len(turns) {
			end = len(turns)
		}
		chunk := turns[start:end]
		summary, err := summarize(ctx, chunk)
		if err != nil {
			return memory.ConsolidationResult{}, fmt.Errorf("summarize chunk: %w", err)
		}
		chunks = append(chunks, summarized{summary: summary, turns: chunk})
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return memory.ConsolidationResult{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var result memory.ConsolidationResult
	for _, c := range chunks {
		var originalChars int
		ids := make([]int64, 0, len(c.turns))
		for _, t := range c.turns {
			originalChars += len(t.Message)
			ids = append(ids, t.ID)
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO persistent_memories
			    (user_name, category, content, importance, tags, event_time,
			     extracted_at, source_session_id, active)
			VALUES ($1, $2, $3, 7, '[]', '', now(), $4, TRUE)`,
			user, memory.CategoryConsolidated, c.summary, c.turns[0].LogicalSessionID)
		if err != nil {
			return memory.ConsolidationResult{}, fmt.Errorf("insert summary: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`DELETE FROM conversation_turns WHERE id = ANY($1)`, ids); err != nil {
			return memory.ConsolidationResult{}, fmt.Errorf("delete originals: %w", err)
		}

		result.MessagesConsolidated += len(c.turns)
		result.SummariesCreated++
		// Rough 4-chars-per-token estimate of the context reclaimed.
		saved := (originalChars - len(c.summary)) / 4
		if saved > 0 {
			result.TokensSavedEstimate += saved
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO memory_consolidation_log
		    (user_name, messages_consolidated, summaries_created, tokens_saved_estimate)
		VALUES ($1, $2, $3, $4)`,
		user, result.MessagesConsolidated, result.SummariesCreated, result.TokensSavedEstimate)
	if err != nil {
		return memory.ConsolidationResult{}, fmt.Errorf("write log: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return memory.ConsolidationResult{}, fmt.Errorf("commit: %w", err)
	}
	return result, nil
}
