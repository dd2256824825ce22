package repo

import (
	"context"
	"database/sql"
	"strings"

	"heir/internal/domain"
)

// GetSchemaVersion looks up a ledger row by version string.
func (r Repo) GetSchemaVersion(ctx context.Context, version string) (domain.SchemaMigrationRecord, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id, version, applied_at, applied_by, COALESCE(checksum,'')
FROM doctrine_schema_version WHERE version=?`, version)
	var rec domain.SchemaMigrationRecord
	err := row.Scan(&rec.ID, &rec.Version, &rec.AppliedAt, &rec.AppliedBy, &rec.Checksum)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	return rec, err
}

// InsertSchemaVersionTx appends a ledger row inside the caller's
// transaction. ErrDuplicateVersion is returned when the version is
// already recorded; the row is left untouched.
func (r Repo) InsertSchemaVersionTx(ctx context.Context, tx *sql.Tx, rec domain.SchemaMigrationRecord) (domain.SchemaMigrationRecord, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO doctrine_schema_version(version, applied_at, applied_by, checksum) VALUES (?,?,?,?)`,
		rec.Version, rec.AppliedAt, rec.AppliedBy, nullable(rec.Checksum))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.SchemaMigrationRecord{}, ErrDuplicateVersion
		}
		return domain.SchemaMigrationRecord{}, err
	}
	rec.ID, _ = res.LastInsertId()
	return rec, nil
}

// ListSchemaVersions returns the ledger in application order, which is
// insertion order rather than any sort of the version strings.
func (r Repo) ListSchemaVersions(ctx context.Context) ([]domain.SchemaMigrationRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, version, applied_at, applied_by, COALESCE(checksum,'')
FROM doctrine_schema_version ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SchemaMigrationRecord
	for rows.Next() {
		var rec domain.SchemaMigrationRecord
		if err := rows.Scan(&rec.ID, &rec.Version, &rec.AppliedAt, &rec.AppliedBy, &rec.Checksum); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToUpper(err.Error()), "UNIQUE")
}
