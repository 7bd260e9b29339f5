package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/hearthward/famulus/pkg/memory"
)

// ResolveUser implements [memory.MailStore].
func (s *Store) ResolveUser(ctx context.Context, emailAddr string) (string, error) {
	var user string
	err := s.pool.QueryRow(ctx,
		`SELECT user_name FROM email_mappings WHERE email_address = lower($1)`,
		strings.TrimSpace(emailAddr)).Scan(&user)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("mail store: resolve user: %w", err)
	}
	return user, nil
}

// UpsertMapping implements [memory.MailStore].
func (s *Store) UpsertMapping(ctx context.Context, emailAddr, user string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO email_mappings (email_address, user_name)
		VALUES (lower($1), $2)
		ON CONFLICT (email_address) DO UPDATE SET user_name = EXCLUDED.user_name`,
		strings.TrimSpace(emailAddr), user)
	if err != nil {
		return fmt.Errorf("mail store: upsert mapping: %w", err)
	}
	return nil
}

// ListMappings implements [memory.MailStore].
func (s *Store) ListMappings(ctx context.Context) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT email_address, user_name FROM email_mappings`)
	if err != nil {
		return nil, fmt.Errorf("mail store: list mappings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var addr, user string
		if err := rows.Scan(&addr, &user); err != nil {
			return nil, fmt.Errorf("mail store: scan mapping: %w", err)
		}
		out[addr] = user
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mail store: rows: %w", err)
	}
	return out, nil
}

const threadColumns = `id, subject, normalized_subject, user_email, mapped_user,
	first_message_id, last_message_id, message_count, created_at, updated_at`

func scanThread(row pgx.CollectableRow) (memory.EmailThread, error) {
	var t memory.EmailThread
	err := row.Scan(
		&t.ID,
		&t.Subject,
		&t.NormalizedSubject,
		&t.UserEmail,
		&t.MappedUser,
		&t.FirstMessageID,
		&t.LastMessageID,
		&t.MessageCount,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	return t, err
}

// GetOrCreateThread implements [memory.MailStore]. The upsert keys on
// (normalized_subject, user_email) so "Re: Re: Dentist" joins the "Dentist"
// thread of the same sender.
func (s *Store) GetOrCreateThread(ctx context.Context, subject, normalizedSubject, userEmail, mappedUser, messageID string) (*memory.EmailThread, error) {
	q := fmt.Sprintf(`
		INSERT INTO email_threads
		    (subject, normalized_subject, user_email, mapped_user,
		     first_message_id, last_message_id, message_count)
		VALUES ($1, $2, lower($3), $4, $5, $5, 1)
		ON CONFLICT (normalized_subject, user_email) DO UPDATE SET
		    last_message_id = EXCLUDED.last_message_id,
		    message_count   = email_threads.message_count + 1,
		    mapped_user     = CASE WHEN email_threads.mapped_user = ''
		                           THEN EXCLUDED.mapped_user
		                           ELSE email_threads.mapped_user END,
		    updated_at      = now()
		RETURNING %s`, threadColumns)

	rows, err := s.pool.Query(ctx, q, subject, normalizedSubject, userEmail, mappedUser, messageID)
	if err != nil {
		return nil, fmt.Errorf("mail store: get or create thread: %w", err)
	}
	t, err := pgx.CollectOneRow(rows, scanThread)
	if err != nil {
		return nil, fmt.Errorf("mail store: scan thread: %w", err)
	}
	return &t, nil
}

// AppendThreadMessage implements [memory.MailStore].
func (s *Store) AppendThreadMessage(ctx context.Context, m memory.ThreadMessage) (int64, error) {
	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO email_thread_messages (thread_id, email_log_id, role, content, timestamp)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		m.ThreadID, m.EmailLogID, m.Role, m.Content, ts,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("mail store: append thread message: %w", err)
	}
	return id, nil
}

// ThreadMessages implements [memory.MailStore].
func (s *Store) ThreadMessages(ctx context.Context, threadID int64, limit int) ([]memory.ThreadMessage, error) {
	q := `
		SELECT id, thread_id, email_log_id, role, content, timestamp FROM (
		    SELECT id, thread_id, email_log_id, role, content, timestamp
		    FROM   email_thread_messages
		    WHERE  thread_id = $1
		    ORDER  BY timestamp DESC, id DESC
		    LIMIT  $2
		) sub
		ORDER BY timestamp, id`

	rows, err := s.pool.Query(ctx, q, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("mail store: thread messages: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.ThreadMessage, error) {
		var m memory.ThreadMessage
		err := row.Scan(&m.ID, &m.ThreadID, &m.EmailLogID, &m.Role, &m.Content, &m.Timestamp)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("mail store: scan rows: %w", err)
	}
	return msgs, nil
}

// RecordAction implements [memory.MailStore].
func (s *Store) RecordAction(ctx context.Context, a memory.EmailAction) (int64, error) {
	details := a.Details
	if details == nil {
		details = map[string]any{}
	}
	executedAt := a.ExecutedAt
	if executedAt.IsZero() {
		executedAt = time.Now()
	}
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO email_actions
		    (thread_id, email_log_id, action_type, action_verb, intent,
		     status, details, error_message, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		a.ThreadID, a.EmailLogID, a.Type, a.Verb, a.Intent,
		a.Status, details, a.ErrorMessage, executedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("mail store: record action: %w", err)
	}
	return id, nil
}

// ActionsForEmailLog implements [memory.MailStore].
func (s *Store) ActionsForEmailLog(ctx context.Context, emailLogID int64) ([]memory.EmailAction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, thread_id, email_log_id, action_type, action_verb, intent,
		       status, details, error_message, executed_at
		FROM   email_actions
		WHERE  email_log_id = $1
		ORDER  BY executed_at, id`, emailLogID)
	if err != nil {
		return nil, fmt.Errorf("mail store: actions for log: %w", err)
	}
	actions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.EmailAction, error) {
		var a memory.EmailAction
		err := row.Scan(&a.ID, &a.ThreadID, &a.EmailLogID, &a.Type, &a.Verb,
			&a.Intent, &a.Status, &a.Details, &a.ErrorMessage, &a.ExecutedAt)
		return a, err
	})
	if err != nil {
		return nil, fmt.Errorf("mail store: scan rows: %w", err)
	}
	return actions, nil
}

const emailLogColumns = `id, direction, email_type, from_address, to_address,
	subject, body_preview, full_body, status, error_message, mapped_user,
	thread_id, attachments, timestamp`

func scanEmailLog(row pgx.CollectableRow) (memory.EmailLogEntry, error) {
	var e memory.EmailLogEntry
	err := row.Scan(
		&e.ID,
		&e.Direction,
		&e.EmailType,
		&e.From,
		&e.To,
		&e.Subject,
		&e.BodyPreview,
		&e.FullBody,
		&e.Status,
		&e.ErrorMessage,
		&e.MappedUser,
		&e.ThreadID,
		&e.Attachments,
		&e.Timestamp,
	)
	return e, err
}

// LogEmail implements [memory.MailStore].
func (s *Store) LogEmail(ctx context.Context, e memory.EmailLogEntry) (int64, error) {
	attachments := e.Attachments
	if attachments == nil {
		attachments = []memory.AttachmentMeta{}
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO email_log
		    (direction, email_type, from_address, to_address, subject,
		     body_preview, full_body, status, error_message, mapped_user,
		     thread_id, attachments, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id`,
		e.Direction, e.EmailType, e.From, e.To, e.Subject,
		e.BodyPreview, e.FullBody, e.Status, e.ErrorMessage, e.MappedUser,
		e.ThreadID, attachments, ts,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("mail store: log email: %w", err)
	}
	return id, nil
}

// GetEmailLog implements [memory.MailStore].
func (s *Store) GetEmailLog(ctx context.Context, id int64) (*memory.EmailLogEntry, error) {
	q := fmt.Sprintf(`SELECT %s FROM email_log WHERE id = $1`, emailLogColumns)
	rows, err := s.pool.Query(ctx, q, id)
	if err != nil {
		return nil, fmt.Errorf("mail store: get log: %w", err)
	}
	e, err := pgx.CollectOneRow(rows, scanEmailLog)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mail store: get log: %w", err)
	}
	return &e, nil
}

// ListEmailLogs implements [memory.MailStore].
func (s *Store) ListEmailLogs(ctx context.Context, limit int) ([]memory.EmailLogEntry, error) {
	q := fmt.Sprintf(`
		SELECT %s
		FROM   email_log
		ORDER  BY timestamp DESC, id DESC
		LIMIT  $1`, emailLogColumns)

	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("mail store: list logs: %w", err)
	}
	logs, err := pgx.CollectRows(rows, scanEmailLog)
	if err != nil {
		return nil, fmt.Errorf("mail store: scan rows: %w", err)
	}
	return logs, nil
}

// SetEmailLogStatus implements [memory.MailStore].
func (s *Store) SetEmailLogStatus(ctx context.Context, id int64, status memory.LogStatus, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE email_log SET status = $2, error_message = $3 WHERE id = $1`,
		id, status, errMsg)
	if err != nil {
		return fmt.Errorf("mail store: set log status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mail store: set log status: log %d not found", id)
	}
	return nil
}

// DeleteEmailLog implements [memory.MailStore].
func (s *Store) DeleteEmailLog(ctx context.Context, id int64) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM email_log WHERE id = $1`, id); err != nil {
		return fmt.Errorf("mail store: delete log: %w", err)
	}
	return nil
}

// GetEmailSettings implements [memory.MailStore]. When no settings row exists
// the schema defaults are returned.
func (s *Store) GetEmailSettings(ctx context.Context) (*memory.EmailSettings, error) {
	var e memory.EmailSettings
	err := s.pool.QueryRow(ctx, `
		SELECT smtp_host, smtp_port, smtp_user, smtp_pass, smtp_use_tls,
		       smtp_use_ssl, from_address, imap_host, imap_port, imap_user,
		       imap_pass, imap_mailbox, summary_enabled, summary_time,
		       summary_timezone, summary_to, summary_last_sent
		FROM   email_settings`,
	).Scan(
		&e.SMTPHost, &e.SMTPPort, &e.SMTPUser, &e.SMTPPass, &e.SMTPUseTLS,
		&e.SMTPUseSSL, &e.FromAddress, &e.IMAPHost, &e.IMAPPort, &e.IMAPUser,
		&e.IMAPPass, &e.IMAPMailbox, &e.SummaryEnabled, &e.SummaryTime,
		&e.SummaryTimezone, &e.SummaryTo, &e.SummaryLastSent,
	)
	if err == pgx.ErrNoRows {
		return &memory.EmailSettings{
			SMTPPort:        587,
			SMTPUseTLS:      true,
			IMAPPort:        993,
			IMAPMailbox:     "INBOX",
			SummaryTime:     "08:00",
			SummaryTimezone: "America/New_York",
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mail store: get settings: %w", err)
	}
	return &e, nil
}

// UpdateEmailSettings implements [memory.MailStore].
func (s *Store) UpdateEmailSettings(ctx context.Context, e memory.EmailSettings) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO email_settings
		    (id, smtp_host, smtp_port, smtp_user, smtp_pass, smtp_use_tls,
		     smtp_use_ssl, from_address, imap_host, imap_port, imap_user,
		     imap_pass, imap_mailbox, summary_enabled, summary_time,
		     summary_timezone, summary_to, summary_last_sent)
		VALUES (TRUE, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (id) DO UPDATE SET
		    smtp_host = EXCLUDED.smtp_host,
		    smtp_port = EXCLUDED.smtp_port,
		    smtp_user = EXCLUDED.smtp_user,
		    smtp_pass = EXCLUDED.smtp_pass,
		    smtp_use_tls = EXCLUDED.smtp_use_tls,
		    smtp_use_ssl = EXCLUDED.smtp_use_ssl,
		    from_address = EXCLUDED.from_address,
		    imap_host = EXCLUDED.imap_host,
		    imap_port = EXCLUDED.imap_port,
		    imap_user = EXCLUDED.imap_user,
		    imap_pass = EXCLUDED.imap_pass,
		    imap_mailbox = EXCLUDED.imap_mailbox,
		    summary_enabled = EXCLUDED.summary_enabled,
		    summary_time = EXCLUDED.summary_time,
		    summary_timezone = EXCLUDED.summary_timezone,
		    summary_to = EXCLUDED.summary_to,
		    summary_last_sent = EXCLUDED.summary_last_sent`,
		e.SMTPHost, e.SMTPPort, e.SMTPUser, e.SMTPPass, e.SMTPUseTLS,
		e.SMTPUseSSL, e.FromAddress, e.IMAPHost, e.IMAPPort, e.IMAPUser,
		e.IMAPPass, e.IMAPMailbox, e.SummaryEnabled, e.SummaryTime,
		e.SummaryTimezone, e.SummaryTo, e.SummaryLastSent)
	if err != nil {
		return fmt.Errorf("mail store: update settings: %w", err)
	}
	return nil
}

// SetSummaryLastSent implements [memory.MailStore].
func (s *Store) SetSummaryLastSent(ctx context.Context, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO email_settings (id, summary_last_sent)
		VALUES (TRUE, $1)
		ON CONFLICT (id) DO UPDATE SET summary_last_sent = EXCLUDED.summary_last_sent`,
		at)
	if err != nil {
		return fmt.Errorf("mail store: set summary last sent: %w", err)
	}
	return nil
}
