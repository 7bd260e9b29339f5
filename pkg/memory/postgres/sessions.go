package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/hearthward/famulus/pkg/memory"
)

const sessionColumns = `session_id, user_name, started_at, last_activity, message_count, state`

func scanSession(row pgx.Row) (*memory.Session, error) {
	var s memory.Session
	err := row.Scan(
		&s.SessionID,
		&s.UserName,
		&s.StartedAt,
		&s.LastActivity,
		&s.MessageCount,
		&s.State,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// InsertSession implements [memory.SessionStore].
func (s *Store) InsertSession(ctx context.Context, sess memory.Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (session_id, user_name, started_at, last_activity, message_count, state)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		sess.SessionID, sess.UserName, sess.StartedAt, sess.LastActivity,
		sess.MessageCount, sess.State)
	if err != nil {
		return fmt.Errorf("session store: insert: %w", err)
	}
	return nil
}

// GetSession implements [memory.SessionStore].
func (s *Store) GetSession(ctx context.Context, sessionID string) (*memory.Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_id = $1`, sessionID)
	sess, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("session store: get: %w", err)
	}
	return sess, nil
}

// ActiveSession implements [memory.SessionStore].
func (s *Store) ActiveSession(ctx context.Context, user string) (*memory.Session, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM   sessions
		WHERE  user_name = $1
		  AND  state = 'active'
		ORDER  BY last_activity DESC
		LIMIT  1`, user)
	sess, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("session store: active: %w", err)
	}
	return sess, nil
}

// ReactivatableSession implements [memory.SessionStore].
func (s *Store) ReactivatableSession(ctx context.Context, user string, cutoff time.Time) (*memory.Session, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM   sessions
		WHERE  user_name = $1
		  AND  state = 'idle'
		  AND  last_activity > $2
		ORDER  BY last_activity DESC
		LIMIT  1`, user, cutoff)
	sess, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("session store: reactivatable: %w", err)
	}
	return sess, nil
}

// SetSessionState implements [memory.SessionStore].
func (s *Store) SetSessionState(ctx context.Context, sessionID string, state memory.SessionState) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET state = $2 WHERE session_id = $1`, sessionID, state)
	if err != nil {
		return fmt.Errorf("session store: set state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session store: set state: session %q not found", sessionID)
	}
	return nil
}

// TouchSession implements [memory.SessionStore].
func (s *Store) TouchSession(ctx context.Context, sessionID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions
		SET    last_activity = now(), message_count = message_count + 1
		WHERE  session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("session store: touch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session store: touch: session %q not found", sessionID)
	}
	return nil
}

// SweepIdle implements [memory.SessionStore].
func (s *Store) SweepIdle(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions
		SET    state = 'idle'
		WHERE  state = 'active'
		  AND  last_activity < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("session store: sweep idle: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
