package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"heir/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")

	// ErrDuplicateVersion marks an attempt to re-record an already
	// applied schema version. Benign; callers return the original row.
	ErrDuplicateVersion = errors.New("schema version already recorded")
)

const errorLogColumns = `id, process_id, error_code, lookup_key, COALESCE(message,''), COALESCE(agent_id,''), context_json, occurred_at, recorded_at`

// InsertErrorEventTx appends an error event to the log inside the
// caller's transaction.
func (r Repo) InsertErrorEventTx(ctx context.Context, tx *sql.Tx, e domain.ErrorEvent) error {
	var contextJSON any
	if len(e.Context) > 0 {
		data, err := json.Marshal(e.Context)
		if err != nil {
			return err
		}
		contextJSON = string(data)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO error_log(id, process_id, error_code, lookup_key, message, agent_id, context_json, occurred_at, recorded_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		e.ID, e.ProcessID, e.ErrorCode, e.LookupKey, nullable(e.Message), nullable(e.AgentID), contextJSON, e.OccurredAt, e.RecordedAt)
	return err
}

func (r Repo) GetErrorEvent(ctx context.Context, id string) (domain.ErrorEvent, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+errorLogColumns+` FROM error_log WHERE id=?`, id)
	return scanErrorEvent(row.Scan)
}

// ListErrorEvents returns the most recent error log entries, newest
// first, optionally filtered by lookup key.
func (r Repo) ListErrorEvents(ctx context.Context, limit int, lookupKey string) ([]domain.ErrorEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + errorLogColumns + ` FROM error_log`
	args := []any{}
	if lookupKey != "" {
		query += ` WHERE lookup_key=?`
		args = append(args, lookupKey)
	}
	query += ` ORDER BY recorded_at DESC, id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ErrorEvent
	for rows.Next() {
		e, err := scanErrorEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func scanErrorEvent(scan func(...any) error) (domain.ErrorEvent, error) {
	var e domain.ErrorEvent
	var contextJSON sql.NullString
	err := scan(&e.ID, &e.ProcessID, &e.ErrorCode, &e.LookupKey, &e.Message, &e.AgentID, &contextJSON, &e.OccurredAt, &e.RecordedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if contextJSON.Valid && contextJSON.String != "" {
		_ = json.Unmarshal([]byte(contextJSON.String), &e.Context)
	}
	return e, nil
}

// LatestEvents returns up to n audit events, newest first, with
// optional type/entity filters.
func (r Repo) LatestEvents(ctx context.Context, n int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	if n <= 0 {
		n = 20
	}
	query := `SELECT id, ts, type, entity_kind, COALESCE(entity_id,''), actor_id, payload_json FROM events WHERE 1=1`
	args := []any{}
	if evtType != "" {
		query += ` AND type=?`
		args = append(args, evtType)
	}
	if entityKind != "" {
		query += ` AND entity_kind=?`
		args = append(args, entityKind)
	}
	if entityID != "" {
		query += ` AND entity_id=?`
		args = append(args, entityID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, n)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var evt domain.Event
		if err := rows.Scan(&evt.ID, &evt.TS, &evt.Type, &evt.EntityKind, &evt.EntityID, &evt.ActorID, &evt.Payload); err != nil {
			return nil, err
		}
		res = append(res, evt)
	}
	return res, rows.Err()
}

// EventsAfter returns up to limit audit events with id greater than
// cursor, oldest first. Used by the webhook dispatcher.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id, ts, type, entity_kind, COALESCE(entity_id,''), actor_id, payload_json
FROM events WHERE id > ? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var evt domain.Event
		if err := rows.Scan(&evt.ID, &evt.TS, &evt.Type, &evt.EntityKind, &evt.EntityID, &evt.ActorID, &evt.Payload); err != nil {
			return nil, err
		}
		res = append(res, evt)
	}
	return res, rows.Err()
}

// LatestEventID returns the current high-water mark of the event log.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
