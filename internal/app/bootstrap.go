// Package app wires a workspace into a running engine: database,
// migrations, configuration and knowledge-base seed.
package app

import (
	"context"
	"database/sql"
	"fmt"

	"heir/internal/config"
	"heir/internal/db"
	"heir/internal/engine"
	"heir/internal/migrate"
)

// ResolveConfig loads the workspace config, falling back to the
// default policy when no heir.yml exists yet. A present-but-invalid
// file is always an error.
func ResolveConfig(workspace, serviceName string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default(serviceName)
	}
	return cfg, nil
}

// Open prepares the workspace database and returns a migrated
// connection. The caller owns the connection.
func Open(workspace string) (*sql.DB, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return conn, nil
}

// BuildEngine opens the workspace, loads config and returns a ready
// engine with the configured knowledge base seeded.
func BuildEngine(ctx context.Context, workspace, serviceName string) (engine.Engine, *sql.DB, error) {
	conn, err := Open(workspace)
	if err != nil {
		return engine.Engine{}, nil, err
	}
	cfg, err := ResolveConfig(workspace, serviceName)
	if err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	e := engine.New(conn, cfg)
	if err := e.SeedKnowledgeBase(ctx); err != nil {
		conn.Close()
		return engine.Engine{}, nil, fmt.Errorf("seed knowledge base: %w", err)
	}
	return e, conn, nil
}
