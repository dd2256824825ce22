// Package registry tracks which named doctrine schema migrations have
// been applied. The ledger is append-only with a uniqueness constraint
// on version; re-applying a version is a benign no-op.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"heir/internal/domain"
	"heir/internal/events"
	"heir/internal/repo"
)

type Registry struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time

	mu sync.Mutex
}

func New(db *sql.DB) *Registry {
	return &Registry{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Now:    time.Now,
	}
}

// ApplyResult reports the ledger row for a version. AlreadyApplied is
// true when the version was recorded by an earlier run; the record is
// then the original row, untouched.
type ApplyResult struct {
	Record         domain.SchemaMigrationRecord `json:"record"`
	AlreadyApplied bool                         `json:"already_applied"`
}

// Apply records a migration version. Duplicate versions short-circuit
// locally before touching storage and are never an error; the ledger
// keeps exactly one row per version either way.
func (g *Registry) Apply(ctx context.Context, version, appliedBy, checksum string) (ApplyResult, error) {
	if version == "" {
		return ApplyResult{}, errors.New("version is required")
	}
	if appliedBy == "" {
		return ApplyResult{}, errors.New("applied_by is required")
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	existing, err := g.Repo.GetSchemaVersion(ctx, version)
	if err == nil {
		return ApplyResult{Record: existing, AlreadyApplied: true}, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return ApplyResult{}, fmt.Errorf("read schema ledger: %w", err)
	}

	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return ApplyResult{}, err
	}
	defer tx.Rollback()

	now := g.now().UTC().Format(time.RFC3339)
	rec, err := g.Repo.InsertSchemaVersionTx(ctx, tx, domain.SchemaMigrationRecord{
		Version:   version,
		AppliedAt: now,
		AppliedBy: appliedBy,
		Checksum:  checksum,
	})
	if errors.Is(err, repo.ErrDuplicateVersion) {
		// Lost a race against another writer; surface their row.
		existing, readErr := g.Repo.GetSchemaVersion(ctx, version)
		if readErr != nil {
			return ApplyResult{}, fmt.Errorf("read schema ledger: %w", readErr)
		}
		return ApplyResult{Record: existing, AlreadyApplied: true}, nil
	}
	if err != nil {
		return ApplyResult{}, fmt.Errorf("record schema version: %w", err)
	}
	if err := g.Events.Append(ctx, tx, "schema.applied", "schema_version", version, appliedBy, events.EventPayload{
		"version":  version,
		"checksum": checksum,
	}); err != nil {
		return ApplyResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ApplyResult{}, err
	}
	return ApplyResult{Record: rec, AlreadyApplied: false}, nil
}

// ListApplied returns the ledger ordered by application order.
func (g *Registry) ListApplied(ctx context.Context) ([]domain.SchemaMigrationRecord, error) {
	return g.Repo.ListSchemaVersions(ctx)
}

func (g *Registry) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}
