package store

import (
	"context"
	"fmt"

	"github.com/devrev/tenantplane/internal/model"
)

// AdminRole is the role stored for the initial hospital administrator
const AdminRole = "hospital_admin"

// PostgresTenantBootstrapper prepares a new hospital database. It runs on a
// cluster-admin connection to that database, never on the hospital's role.
type PostgresTenantBootstrapper struct{}

// NewPostgresTenantBootstrapper creates a bootstrapper
func NewPostgresTenantBootstrapper() *PostgresTenantBootstrapper {
	return &PostgresTenantBootstrapper{}
}

// ExecUnit executes one schema unit as-is
func (b *PostgresTenantBootstrapper) ExecUnit(ctx context.Context, db DB, statement string) error {
	_, err := db.Exec(ctx, statement)
	return err
}

// MissingTables returns the subset of tables that do not exist in public
func (b *PostgresTenantBootstrapper) MissingTables(ctx context.Context, db DB, tables []string) ([]string, error) {
	rows, err := db.Query(ctx, `
		SELECT t FROM unnest($1::text[]) AS t
		WHERE to_regclass('public.' || t) IS NULL
		ORDER BY t
	`, tables)
	if err != nil {
		return nil, fmt.Errorf("failed to check tables: %w", err)
	}
	defer rows.Close()

	missing := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		missing = append(missing, name)
	}
	return missing, rows.Err()
}

// GrantTenantRole gives the hospital role DML on its own schema only
func (b *PostgresTenantBootstrapper) GrantTenantRole(ctx context.Context, db DB, role string) error {
	if !ValidIdentifier(role) {
		return fmt.Errorf("invalid role name %q", role)
	}

	r := quoteIdent(role)
	statements := []string{
		"GRANT USAGE ON SCHEMA public TO " + r,
		"GRANT SELECT, INSERT, UPDATE, DELETE ON ALL TABLES IN SCHEMA public TO " + r,
		"GRANT USAGE, SELECT ON ALL SEQUENCES IN SCHEMA public TO " + r,
		"ALTER DEFAULT PRIVILEGES IN SCHEMA public GRANT SELECT, INSERT, UPDATE, DELETE ON TABLES TO " + r,
		"ALTER DEFAULT PRIVILEGES IN SCHEMA public GRANT USAGE, SELECT ON SEQUENCES TO " + r,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to grant privileges to %s: %w", role, err)
		}
	}
	return nil
}

// UpsertDepartments inserts departments keyed case-insensitively on their
// name pair. Existing rows are reactivated rather than duplicated.
func (b *PostgresTenantBootstrapper) UpsertDepartments(ctx context.Context, db DB, departments []model.DepartmentSeed) (int, error) {
	if len(departments) == 0 {
		return 0, nil
	}

	tx, err := db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO departments (name_ar, name_en)
		VALUES ($1, $2)
		ON CONFLICT ((lower(name_ar)), (lower(COALESCE(name_en, ''))))
		DO UPDATE SET is_active = TRUE, updated_at = now()
		RETURNING (xmax = 0) AS inserted
	`

	created := 0
	for _, d := range departments {
		var inserted bool
		if err := tx.QueryRow(ctx, query, d.NameAr, nullIfEmpty(d.NameEn)).Scan(&inserted); err != nil {
			return 0, fmt.Errorf("failed to upsert department %q: %w", d.NameAr, err)
		}
		if inserted {
			created++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit departments: %w", err)
	}
	return created, nil
}

// CreateAdmin inserts the initial administrator unless the username exists
func (b *PostgresTenantBootstrapper) CreateAdmin(ctx context.Context, db DB, admin *model.AdminAccount) (bool, error) {
	result, err := db.Exec(ctx, `
		INSERT INTO users (full_name, username, password_hash, email, phone, role)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (username) DO NOTHING
	`,
		admin.FullName,
		admin.Username,
		admin.PasswordHash,
		nullIfEmpty(admin.Email),
		nullIfEmpty(admin.Phone),
		AdminRole,
	)
	if err != nil {
		return false, fmt.Errorf("failed to create administrator: %w", err)
	}
	return result.RowsAffected() == 1, nil
}
