package store

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

var identifierPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// ValidIdentifier reports whether name is a safe lower-case SQL identifier
func ValidIdentifier(name string) bool {
	return identifierPattern.MatchString(name)
}

// PostgresClusterAdmin issues database and role DDL through the central
// connection, whose user holds CREATEDB and CREATEROLE.
type PostgresClusterAdmin struct {
	db     DB
	logger *zap.Logger
}

// NewPostgresClusterAdmin creates a cluster admin over the central pool
func NewPostgresClusterAdmin(db DB, logger *zap.Logger) *PostgresClusterAdmin {
	return &PostgresClusterAdmin{
		db:     db,
		logger: logger,
	}
}

// CreateDatabase creates an empty database
func (a *PostgresClusterAdmin) CreateDatabase(ctx context.Context, name string) error {
	if !ValidIdentifier(name) {
		return fmt.Errorf("invalid database name %q", name)
	}

	_, err := a.db.Exec(ctx, "CREATE DATABASE "+quoteIdent(name)+" ENCODING 'UTF8' TEMPLATE template0")
	if err != nil {
		if isPgError(err, pgDuplicateDatabase) {
			return fmt.Errorf("database %s: %w", name, ErrConflict)
		}
		return fmt.Errorf("failed to create database %s: %w", name, err)
	}

	a.logger.Info("Created hospital database", zap.String("db_name", name))
	return nil
}

// DropDatabase drops a database, terminating its sessions
func (a *PostgresClusterAdmin) DropDatabase(ctx context.Context, name string) error {
	if !ValidIdentifier(name) {
		return fmt.Errorf("invalid database name %q", name)
	}

	if _, err := a.db.Exec(ctx, "DROP DATABASE IF EXISTS "+quoteIdent(name)+" WITH (FORCE)"); err != nil {
		if isPgError(err, pgInvalidCatalogName) {
			return nil
		}
		return fmt.Errorf("failed to drop database %s: %w", name, err)
	}

	a.logger.Info("Dropped hospital database", zap.String("db_name", name))
	return nil
}

// CreateRole creates a login role with no elevated attributes
func (a *PostgresClusterAdmin) CreateRole(ctx context.Context, name, password string) error {
	if !ValidIdentifier(name) {
		return fmt.Errorf("invalid role name %q", name)
	}

	stmt := "CREATE ROLE " + quoteIdent(name) +
		" LOGIN NOSUPERUSER NOCREATEDB NOCREATEROLE NOREPLICATION INHERIT PASSWORD " + quoteLiteral(password)
	if _, err := a.db.Exec(ctx, stmt); err != nil {
		if isPgError(err, pgDuplicateObject) {
			return fmt.Errorf("role %s: %w", name, ErrConflict)
		}
		return fmt.Errorf("failed to create role %s: %w", name, err)
	}

	a.logger.Info("Created hospital role", zap.String("role", name))
	return nil
}

// DropRole drops a login role
func (a *PostgresClusterAdmin) DropRole(ctx context.Context, name string) error {
	if !ValidIdentifier(name) {
		return fmt.Errorf("invalid role name %q", name)
	}

	if _, err := a.db.Exec(ctx, "DROP ROLE IF EXISTS "+quoteIdent(name)); err != nil {
		if isPgError(err, pgUndefinedObject) {
			return nil
		}
		return fmt.Errorf("failed to drop role %s: %w", name, err)
	}

	a.logger.Info("Dropped hospital role", zap.String("role", name))
	return nil
}

// GrantConnect restricts the database to its own role
func (a *PostgresClusterAdmin) GrantConnect(ctx context.Context, database, role string) error {
	if !ValidIdentifier(database) || !ValidIdentifier(role) {
		return fmt.Errorf("invalid grant target %q/%q", database, role)
	}

	statements := []string{
		"REVOKE ALL ON DATABASE " + quoteIdent(database) + " FROM PUBLIC",
		"GRANT CONNECT, TEMPORARY ON DATABASE " + quoteIdent(database) + " TO " + quoteIdent(role),
	}
	for _, stmt := range statements {
		if _, err := a.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to grant %s on %s: %w", role, database, err)
		}
	}
	return nil
}

func quoteIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
