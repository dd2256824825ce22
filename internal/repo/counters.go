package repo

import (
	"context"
	"database/sql"

	"heir/internal/domain"
)

// GetCounterTx reads the escalation counter for a key inside the
// caller's transaction. ErrNotFound means the key is unseen.
func (r Repo) GetCounterTx(ctx context.Context, tx *sql.Tx, key string) (domain.EscalationCounter, error) {
	row := tx.QueryRowContext(ctx, `SELECT lookup_key, occurrence_count, miss_streak, first_seen_at, last_seen_at, escalated, escalated_at
FROM escalation_counters WHERE lookup_key=?`, key)
	return scanCounter(row.Scan)
}

// GetCounter reads a counter outside any transaction.
func (r Repo) GetCounter(ctx context.Context, key string) (domain.EscalationCounter, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT lookup_key, occurrence_count, miss_streak, first_seen_at, last_seen_at, escalated, escalated_at
FROM escalation_counters WHERE lookup_key=?`, key)
	return scanCounter(row.Scan)
}

// UpsertCounterTx writes the full counter state. The caller is
// responsible for serializing writes to the same key.
func (r Repo) UpsertCounterTx(ctx context.Context, tx *sql.Tx, c domain.EscalationCounter) error {
	var escalatedAt any
	if c.EscalatedAt != nil {
		escalatedAt = *c.EscalatedAt
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO escalation_counters(lookup_key, occurrence_count, miss_streak, first_seen_at, last_seen_at, escalated, escalated_at)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT(lookup_key) DO UPDATE SET
  occurrence_count=excluded.occurrence_count,
  miss_streak=excluded.miss_streak,
  last_seen_at=excluded.last_seen_at,
  escalated=excluded.escalated,
  escalated_at=excluded.escalated_at`,
		c.LookupKey, c.OccurrenceCount, c.MissStreak, c.FirstSeenAt, c.LastSeenAt, boolToInt(c.Escalated), escalatedAt)
	return err
}

func (r Repo) ListCounters(ctx context.Context, escalatedOnly bool) ([]domain.EscalationCounter, error) {
	query := `SELECT lookup_key, occurrence_count, miss_streak, first_seen_at, last_seen_at, escalated, escalated_at FROM escalation_counters`
	if escalatedOnly {
		query += ` WHERE escalated=1`
	}
	query += ` ORDER BY last_seen_at DESC`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.EscalationCounter
	for rows.Next() {
		c, err := scanCounter(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func scanCounter(scan func(...any) error) (domain.EscalationCounter, error) {
	var c domain.EscalationCounter
	var escalated int
	var escalatedAt sql.NullString
	err := scan(&c.LookupKey, &c.OccurrenceCount, &c.MissStreak, &c.FirstSeenAt, &c.LastSeenAt, &escalated, &escalatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.Escalated = escalated != 0
	if escalatedAt.Valid {
		c.EscalatedAt = &escalatedAt.String
	}
	return c, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
