package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/hearthward/famulus/pkg/memory"
)

const turnColumns = `id, user_name, channel_session, logical_session_id,
	modality, role, message, embedding, timestamp, topic_state, topic_summary`

// scanTurn collects one conversation_turns row.
func scanTurn(row pgx.CollectableRow) (memory.Turn, error) {
	var (
		t   memory.Turn
		vec *pgvector.Vector
	)
	if err := row.Scan(
		&t.ID,
		&t.UserName,
		&t.ChannelSession,
		&t.LogicalSessionID,
		&t.Modality,
		&t.Role,
		&t.Message,
		&vec,
		&t.Timestamp,
		&t.TopicState,
		&t.TopicSummary,
	); err != nil {
		return memory.Turn{}, err
	}
	if vec != nil {
		t.Embedding = vec.Slice()
	}
	return t, nil
}

// SaveTurn implements [memory.TurnStore].
func (s *Store) SaveTurn(ctx context.Context, t memory.Turn) (int64, error) {
	var vec *pgvector.Vector
	if len(t.Embedding) > 0 {
		v := pgvector.NewVector(t.Embedding)
		vec = &v
	}
	ts := t.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO conversation_turns
		    (user_name, channel_session, logical_session_id, modality, role,
		     message, embedding, timestamp, topic_state, topic_summary)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		t.UserName, t.ChannelSession, t.LogicalSessionID, t.Modality, t.Role,
		t.Message, vec, ts, t.TopicState, t.TopicSummary,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("turn store: save turn: %w", err)
	}
	return id, nil
}

// AttachEmbedding implements [memory.TurnStore].
func (s *Store) AttachEmbedding(ctx context.Context, id int64, embedding []float32) error {
	vec := pgvector.NewVector(embedding)
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversation_turns SET embedding = $2 WHERE id = $1`, id, vec)
	if err != nil {
		return fmt.Errorf("turn store: attach embedding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("turn store: attach embedding: turn %d not found", id)
	}
	return nil
}

// RecentTurns implements [memory.TurnStore]. The innermost query selects the
// newest rows, the outer one restores chronological order.
func (s *Store) RecentTurns(ctx context.Context, sessionID string, limit int) ([]memory.Turn, error) {
	q := fmt.Sprintf(`
		SELECT %s FROM (
		    SELECT %s
		    FROM   conversation_turns
		    WHERE  logical_session_id = $1
		    ORDER  BY timestamp DESC, id DESC
		    LIMIT  $2
		) sub
		ORDER BY timestamp, id`, turnColumns, turnColumns)

	rows, err := s.pool.Query(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("turn store: recent turns: %w", err)
	}
	turns, err := pgx.CollectRows(rows, scanTurn)
	if err != nil {
		return nil, fmt.Errorf("turn store: scan rows: %w", err)
	}
	return turns, nil
}

// SemanticRecall implements [memory.TurnStore]. Similarity is computed as
// 1 − cosine distance; resolved topics and the current session are excluded.
func (s *Store) SemanticRecall(ctx context.Context, user string, embedding []float32, excludeSessionID string, limit int, minSimilarity float64) ([]memory.RecalledTurn, error) {
	queryVec := pgvector.NewVector(embedding)

	q := fmt.Sprintf(`
		SELECT %s, 1 - (embedding <=> $1) AS similarity
		FROM   conversation_turns
		WHERE  user_name = $2
		  AND  logical_session_id <> $3
		  AND  embedding IS NOT NULL
		  AND  topic_state IS DISTINCT FROM 'resolved'
		  AND  1 - (embedding <=> $1) >= $4
		ORDER  BY embedding <=> $1
		LIMIT  $5`, turnColumns)

	rows, err := s.pool.Query(ctx, q, queryVec, user, excludeSessionID, minSimilarity, limit)
	if err != nil {
		return nil, fmt.Errorf("turn store: semantic recall: %w", err)
	}
	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.RecalledTurn, error) {
		var (
			rt  memory.RecalledTurn
			vec *pgvector.Vector
		)
		if err := row.Scan(
			&rt.Turn.ID,
			&rt.Turn.UserName,
			&rt.Turn.ChannelSession,
			&rt.Turn.LogicalSessionID,
			&rt.Turn.Modality,
			&rt.Turn.Role,
			&rt.Turn.Message,
			&vec,
			&rt.Turn.Timestamp,
			&rt.Turn.TopicState,
			&rt.Turn.TopicSummary,
			&rt.Similarity,
		); err != nil {
			return memory.RecalledTurn{}, err
		}
		if vec != nil {
			rt.Turn.Embedding = vec.Slice()
		}
		return rt, nil
	})
	if err != nil {
		return nil, fmt.Errorf("turn store: scan rows: %w", err)
	}
	return results, nil
}

// TurnsSince implements [memory.TurnStore].
func (s *Store) TurnsSince(ctx context.Context, since time.Time) ([]memory.Turn, error) {
	q := fmt.Sprintf(`
		SELECT %s
		FROM   conversation_turns
		WHERE  timestamp >= $1
		ORDER  BY timestamp, id`, turnColumns)

	rows, err := s.pool.Query(ctx, q, since)
	if err != nil {
		return nil, fmt.Errorf("turn store: turns since: %w", err)
	}
	turns, err := pgx.CollectRows(rows, scanTurn)
	if err != nil {
		return nil, fmt.Errorf("turn store: scan rows: %w", err)
	}
	return turns, nil
}

// ListTurns implements [memory.TurnStore].
func (s *Store) ListTurns(ctx context.Context, user string, limit int) ([]memory.Turn, error) {
	q := fmt.Sprintf(`
		SELECT %s
		FROM   conversation_turns
		WHERE  user_name = $1
		ORDER  BY timestamp DESC, id DESC
		LIMIT  $2`, turnColumns)

	rows, err := s.pool.Query(ctx, q, user, limit)
	if err != nil {
		return nil, fmt.Errorf("turn store: list turns: %w", err)
	}
	turns, err := pgx.CollectRows(rows, scanTurn)
	if err != nil {
		return nil, fmt.Errorf("turn store: scan rows: %w", err)
	}
	return turns, nil
}
