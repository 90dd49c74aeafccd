package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Veraticus/ledgerbot/internal/common"
	"github.com/Veraticus/ledgerbot/internal/model"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Rows written by hand or older builds may use plain RFC 3339.
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

func storeError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", common.ErrSessionStore, op, err)
}

const sessionColumns = `chat_id, state, prompted, draft, external_id, last_error,
	retries, commit_attempts, started_at, last_activity`

type rowScanner interface {
	Scan(dest ...any) error
}

// Load returns the session for chatID, or nil when the chat has none.
func (s *SQLiteStorage) Load(ctx context.Context, chatID string) (*model.Session, error) {
	if err := validateContext(ctx); err != nil {
		return nil, storeError("load", err)
	}
	if err := validateString(chatID, "chatID"); err != nil {
		return nil, storeError("load", err)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE chat_id = ?`, chatID)

	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError("load "+chatID, err)
	}
	return session, nil
}

// Save inserts or replaces the session for its chat.
func (s *SQLiteStorage) Save(ctx context.Context, session *model.Session) error {
	if err := validateContext(ctx); err != nil {
		return storeError("save", err)
	}
	if err := validateSession(session); err != nil {
		return storeError("save", err)
	}

	draft, err := json.Marshal(session.Draft)
	if err != nil {
		return storeError("save "+session.ChatID, fmt.Errorf("failed to encode draft: %w", err))
	}

	startedAt := session.StartedAt
	if startedAt.IsZero() {
		startedAt = session.LastActivity
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			state = excluded.state,
			prompted = excluded.prompted,
			draft = excluded.draft,
			external_id = excluded.external_id,
			last_error = excluded.last_error,
			retries = excluded.retries,
			commit_attempts = excluded.commit_attempts,
			started_at = excluded.started_at,
			last_activity = excluded.last_activity`,
		session.ChatID,
		string(session.State),
		string(session.Prompted),
		string(draft),
		nullString(session.ExternalID),
		nullString(session.LastError),
		session.Retries,
		session.CommitAttempts,
		formatTime(startedAt),
		formatTime(session.LastActivity),
	)
	if err != nil {
		return storeError("save "+session.ChatID, err)
	}

	slog.Debug("Saved session",
		"chat_id", session.ChatID,
		"state", session.State,
		"draft_id", session.Draft.ID)

	return nil
}

// Delete removes the chat's session. It returns common.ErrNotFound when there is none.
func (s *SQLiteStorage) Delete(ctx context.Context, chatID string) error {
	if err := validateContext(ctx); err != nil {
		return storeError("delete", err)
	}
	if err := validateString(chatID, "chatID"); err != nil {
		return storeError("delete", err)
	}

	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE chat_id = ?`, chatID)
	if err != nil {
		return storeError("delete "+chatID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return storeError("delete "+chatID, err)
	}
	if rows == 0 {
		return fmt.Errorf("session for chat %s: %w", chatID, common.ErrNotFound)
	}
	return nil
}

// List returns every stored session, most recently active first.
func (s *SQLiteStorage) List(ctx context.Context) ([]*model.Session, error) {
	if err := validateContext(ctx); err != nil {
		return nil, storeError("list", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY last_activity DESC`)
	if err != nil {
		return nil, storeError("list", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("Failed to close rows", "error", closeErr)
		}
	}()

	var sessions []*model.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, storeError("list", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("list", err)
	}
	return sessions, nil
}

// PurgeBefore deletes sessions last active before cutoff and reports how many were removed.
func (s *SQLiteStorage) PurgeBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if err := validateContext(ctx); err != nil {
		return 0, storeError("purge", err)
	}

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE last_activity < ?`, formatTime(cutoff))
	if err != nil {
		return 0, storeError("purge", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, storeError("purge", err)
	}

	if rows > 0 {
		slog.Info("Purged sessions", "count", rows, "cutoff", cutoff)
	}
	return int(rows), nil
}

func scanSession(row rowScanner) (*model.Session, error) {
	var (
		chatID, state, prompted, draft string
		externalID, lastError          sql.NullString
		retries, commitAttempts        int
		startedAtStr, lastActivityStr  string
	)

	if err := row.Scan(
		&chatID,
		&state,
		&prompted,
		&draft,
		&externalID,
		&lastError,
		&retries,
		&commitAttempts,
		&startedAtStr,
		&lastActivityStr,
	); err != nil {
		return nil, err
	}

	session := &model.Session{
		ChatID:         chatID,
		State:          model.State(state),
		Prompted:       model.Field(prompted),
		ExternalID:     externalID.String,
		LastError:      lastError.String,
		Retries:        retries,
		CommitAttempts: commitAttempts,
	}

	if err := json.Unmarshal([]byte(draft), &session.Draft); err != nil {
		return nil, fmt.Errorf("failed to decode draft for chat %s: %w", chatID, err)
	}

	var err error
	session.StartedAt, err = parseTime(startedAtStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse started_at: %w", err)
	}
	session.LastActivity, err = parseTime(lastActivityStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse last_activity: %w", err)
	}

	return session, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
