package schema

import (
	"context"
	"fmt"

	"github.com/devrev/tenantplane/internal/store"
	"go.uber.org/zap"
)

// centralMigrationLock is the advisory lock key serializing central migrations
// across instances starting at the same time.
const centralMigrationLock = 7_340_201

// Runner applies versioned migrations to the central database
type Runner struct {
	db     store.DB
	units  func() ([]Unit, error)
	logger *zap.Logger
}

// NewRunner creates a migration runner for the central database
func NewRunner(db store.DB, logger *zap.Logger) *Runner {
	return &Runner{db: db, units: CentralMigrations, logger: logger}
}

// Run applies all pending migrations in one transaction and records each in
// schema_migrations. It returns how many were applied.
func (r *Runner) Run(ctx context.Context) (int, error) {
	migs, err := r.units()
	if err != nil {
		return 0, err
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin migration tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", centralMigrationLock); err != nil {
		return 0, fmt.Errorf("acquire migration lock: %w", err)
	}

	if _, err := tx.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		name       TEXT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return 0, fmt.Errorf("bootstrap schema_migrations: %w", err)
	}

	var current int
	if err := tx.QueryRow(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return 0, fmt.Errorf("reading applied version: %w", err)
	}

	applied := 0
	for _, m := range migs {
		if m.Version <= current {
			continue
		}
		if _, err := tx.Exec(ctx, m.SQL); err != nil {
			return 0, fmt.Errorf("executing %s: %w", m.Name, err)
		}
		if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version, name) VALUES ($1, $2)", m.Version, m.Name); err != nil {
			return 0, fmt.Errorf("recording %s: %w", m.Name, err)
		}
		applied++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit migrations: %w", err)
	}

	r.logger.Info("Central schema up to date",
		zap.Int("previous_version", current),
		zap.Int("applied", applied))

	return applied, nil
}
