package registry_test

import (
	"context"
	"testing"
	"time"

	"heir/internal/db"
	"heir/internal/migrate"
	"heir/internal/registry"
)

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	reg := registry.New(conn)
	reg.Now = func() time.Time { return time.Date(2025, 1, 13, 0, 0, 0, 0, time.UTC) }
	return reg
}

func TestApplyRecordsVersion(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	res, err := reg.Apply(ctx, "1.0.0", "deploy-bot", "sha256:abc")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.AlreadyApplied {
		t.Fatal("first apply must not report already applied")
	}
	if res.Record.Version != "1.0.0" || res.Record.AppliedBy != "deploy-bot" {
		t.Fatalf("unexpected record: %+v", res.Record)
	}
	if res.Record.AppliedAt == "" {
		t.Fatal("applied_at must be set")
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	first, err := reg.Apply(ctx, "1.0.0", "deploy-bot", "sha256:abc")
	if err != nil {
		t.Fatal(err)
	}
	second, err := reg.Apply(ctx, "1.0.0", "somebody-else", "sha256:zzz")
	if err != nil {
		t.Fatalf("duplicate apply must not error: %v", err)
	}
	if !second.AlreadyApplied {
		t.Fatal("expected AlreadyApplied on second run")
	}
	// The original row wins; the retry's metadata is discarded.
	if second.Record.AppliedBy != first.Record.AppliedBy || second.Record.ID != first.Record.ID {
		t.Fatalf("ledger row changed: %+v vs %+v", first.Record, second.Record)
	}
	applied, err := reg.ListApplied(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(applied) != 1 {
		t.Fatalf("expected exactly one row, got %d", len(applied))
	}
}

func TestListAppliedInsertionOrder(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	// Versions are applied out of lexical order on purpose.
	for _, v := range []string{"2.0.0", "1.5.0", "10.0.0"} {
		if _, err := reg.Apply(ctx, v, "deploy-bot", ""); err != nil {
			t.Fatalf("apply %s: %v", v, err)
		}
	}
	applied, err := reg.ListApplied(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"2.0.0", "1.5.0", "10.0.0"}
	if len(applied) != len(want) {
		t.Fatalf("expected %d rows, got %d", len(want), len(applied))
	}
	for i, v := range want {
		if applied[i].Version != v {
			t.Fatalf("position %d: got %s want %s", i, applied[i].Version, v)
		}
	}
}

func TestApplyRequiredFields(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	if _, err := reg.Apply(ctx, "", "deploy-bot", ""); err == nil {
		t.Fatal("expected version required")
	}
	if _, err := reg.Apply(ctx, "1.0.0", "", ""); err == nil {
		t.Fatal("expected applied_by required")
	}
}

func TestApplyEmitsAuditEvent(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	if _, err := reg.Apply(ctx, "1.0.0", "deploy-bot", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Apply(ctx, "1.0.0", "deploy-bot", ""); err != nil {
		t.Fatal(err)
	}
	rows, err := reg.Repo.LatestEvents(ctx, 10, "schema.applied", "", "")
	if err != nil {
		t.Fatal(err)
	}
	// Idempotent duplicates stay silent.
	if len(rows) != 1 {
		t.Fatalf("expected one audit event, got %d", len(rows))
	}
}
