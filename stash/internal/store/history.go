package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// RunMetadata is the audit record of one run. It is created Pending and
// moves exactly once to success or failure.
type RunMetadata struct {
	ID           string
	SearchQuery  string
	TableName    string
	ResultCount  int64
	ExecutedAt   time.Time
	Duration     time.Duration
	Success      bool
	ErrorKind    string
	ErrorMessage string

	terminal bool
}

// NewRunMetadata starts the audit record of a run.
func NewRunMetadata(id, query, table string, executedAt time.Time) *RunMetadata {
	return &RunMetadata{
		ID:          id,
		SearchQuery: query,
		TableName:   table,
		ExecutedAt:  executedAt.UTC(),
	}
}

// MarkSuccess records a successful run. Ignored once terminal.
func (m *RunMetadata) MarkSuccess(count int64, d time.Duration) {
	if m.terminal {
		return
	}
	m.terminal = true
	m.Success = true
	m.ResultCount = count
	m.Duration = d
}

// MarkFailure records a failed run. Ignored once terminal.
func (m *RunMetadata) MarkFailure(kind, message string, d time.Duration) {
	if m.terminal {
		return
	}
	m.terminal = true
	m.Success = false
	m.ErrorKind = kind
	m.ErrorMessage = message
	m.Duration = d
}

// Terminal reports whether the outcome is recorded.
func (m *RunMetadata) Terminal() bool { return m.terminal }

func (m *RunMetadata) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID           string    `json:"id"`
		SearchQuery  string    `json:"search_query"`
		TableName    string    `json:"table_name"`
		ResultCount  int64     `json:"result_count"`
		ExecutedAt   time.Time `json:"executed_at"`
		DurationMs   int64     `json:"duration_ms"`
		Success      bool      `json:"success"`
		ErrorKind    string    `json:"error_kind,omitempty"`
		ErrorMessage string    `json:"error_message,omitempty"`
	}{
		m.ID, m.SearchQuery, m.TableName, m.ResultCount, m.ExecutedAt,
		m.Duration.Milliseconds(), m.Success, m.ErrorKind, m.ErrorMessage,
	})
}

// ErrNotTerminal is returned when saving metadata of a run still pending.
var ErrNotTerminal = errors.New("store: run metadata has no outcome yet")

// SaveRunMetadata appends m to run_history. Rows are never updated.
func (s *Store) SaveRunMetadata(ctx context.Context, m *RunMetadata) error {
	if !m.Terminal() {
		return ErrNotTerminal
	}
	conn, err := s.acquire(ctx, "save run metadata")
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.ExecContext(ctx, s.dialect.Rebind(
		`INSERT INTO run_history (id, search_query, table_name, result_count,
		executed_at, duration_ms, success, error_kind, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		m.ID, m.SearchQuery, m.TableName, m.ResultCount,
		m.ExecutedAt.Unix(), m.Duration.Milliseconds(), m.Success,
		nullIfEmpty(m.ErrorKind), nullIfEmpty(m.ErrorMessage),
	)
	if err != nil {
		return &DatabaseError{Op: "save run metadata", Cause: err}
	}
	return nil
}

// DefaultHistoryLimit applies when RunHistory is called with limit <= 0.
const DefaultHistoryLimit = 20

// RunHistory returns the latest runs, newest first.
func (s *Store) RunHistory(ctx context.Context, limit int, successOnly bool) ([]*RunMetadata, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	conn, err := s.acquire(ctx, "run history")
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	query := `SELECT id, search_query, table_name, result_count, executed_at,
		duration_ms, success, error_kind, error_message FROM run_history`
	args := []any{}
	if successOnly {
		query += ` WHERE success = ?`
		args = append(args, true)
	}
	query += ` ORDER BY executed_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := conn.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, &DatabaseError{Op: "run history", Cause: err}
	}
	defer rows.Close()

	var out []*RunMetadata
	for rows.Next() {
		var (
			m          RunMetadata
			executedAt int64
			durationMs int64
			kind, msg  sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.SearchQuery, &m.TableName, &m.ResultCount,
			&executedAt, &durationMs, &m.Success, &kind, &msg); err != nil {
			return nil, &DatabaseError{Op: "run history", Cause: err}
		}
		m.ExecutedAt = time.Unix(executedAt, 0).UTC()
		m.Duration = time.Duration(durationMs) * time.Millisecond
		m.ErrorKind, m.ErrorMessage = kind.String, msg.String
		m.terminal = true
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, &DatabaseError{Op: "run history", Cause: err}
	}
	return out, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
