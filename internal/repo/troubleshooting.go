package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"heir/internal/domain"
)

// LookupResolution finds a troubleshooting entry by its lookup key.
// A miss is reported as ErrNotFound; callers treat it as a normal
// branch, not a failure.
func (r Repo) LookupResolution(ctx context.Context, key string) (domain.Resolution, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT lookup_key, guidance, steps_json, updated_at FROM troubleshooting_guide WHERE lookup_key=?`, key)
	return scanResolution(row.Scan)
}

// UpsertResolution inserts or replaces a knowledge-base entry.
func (r Repo) UpsertResolution(ctx context.Context, res domain.Resolution) (domain.Resolution, error) {
	steps, err := json.Marshal(res.Steps)
	if err != nil {
		return domain.Resolution{}, err
	}
	if res.UpdatedAt == "" {
		res.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO troubleshooting_guide(lookup_key, guidance, steps_json, updated_at) VALUES (?,?,?,?)
ON CONFLICT(lookup_key) DO UPDATE SET guidance=excluded.guidance, steps_json=excluded.steps_json, updated_at=excluded.updated_at`,
		res.LookupKey, res.Guidance, string(steps), res.UpdatedAt)
	if err != nil {
		return domain.Resolution{}, err
	}
	return res, nil
}

// SeedResolution inserts a knowledge-base entry only if the key is not
// already present, so operator edits survive restarts.
func (r Repo) SeedResolution(ctx context.Context, res domain.Resolution) error {
	steps, err := json.Marshal(res.Steps)
	if err != nil {
		return err
	}
	if res.UpdatedAt == "" {
		res.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO troubleshooting_guide(lookup_key, guidance, steps_json, updated_at) VALUES (?,?,?,?)`,
		res.LookupKey, res.Guidance, string(steps), res.UpdatedAt)
	return err
}

func (r Repo) ListResolutions(ctx context.Context) ([]domain.Resolution, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT lookup_key, guidance, steps_json, updated_at FROM troubleshooting_guide ORDER BY lookup_key ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Resolution
	for rows.Next() {
		entry, err := scanResolution(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, entry)
	}
	return res, rows.Err()
}

func scanResolution(scan func(...any) error) (domain.Resolution, error) {
	var res domain.Resolution
	var stepsJSON sql.NullString
	err := scan(&res.LookupKey, &res.Guidance, &stepsJSON, &res.UpdatedAt)
	if err == sql.ErrNoRows {
		return res, ErrNotFound
	}
	if err != nil {
		return res, err
	}
	if stepsJSON.Valid && stepsJSON.String != "" {
		_ = json.Unmarshal([]byte(stepsJSON.String), &res.Steps)
	}
	return res, nil
}
