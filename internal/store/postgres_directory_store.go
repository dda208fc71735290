package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/devrev/tenantplane/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

const (
	pgUniqueViolation    = "23505"
	pgDuplicateDatabase  = "42P04"
	pgDuplicateObject    = "42710"
	pgInvalidCatalogName = "3D000"
	pgUndefinedObject    = "42704"
)

const tenantColumns = `
	id, code, name_ar, COALESCE(name_en, ''), COALESCE(city, ''), COALESCE(region, ''),
	COALESCE(db_host, ''), COALESCE(db_port, 0), COALESCE(db_user, ''), COALESCE(db_password, ''),
	db_name, is_active, created_at, updated_at
`

// PostgresDirectoryStore implements DirectoryStore on the central database
type PostgresDirectoryStore struct {
	db     DB
	logger *zap.Logger
}

// NewPostgresDirectoryStore creates a directory store over the central pool
func NewPostgresDirectoryStore(db DB, logger *zap.Logger) *PostgresDirectoryStore {
	return &PostgresDirectoryStore{
		db:     db,
		logger: logger,
	}
}

func scanTenant(row pgx.Row) (*model.Tenant, error) {
	var t model.Tenant
	err := row.Scan(
		&t.ID,
		&t.Code,
		&t.NameAr,
		&t.NameEn,
		&t.City,
		&t.Region,
		&t.DBHost,
		&t.DBPort,
		&t.DBUser,
		&t.DBPassword,
		&t.DBName,
		&t.Active,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTenant retrieves a hospital row regardless of its active flag
func (s *PostgresDirectoryStore) GetTenant(ctx context.Context, tenantID int64) (*model.Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM hospitals WHERE id = $1`

	tenant, err := scanTenant(s.db.QueryRow(ctx, query, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get hospital: %w", err)
	}
	return tenant, nil
}

// GetActiveTenant retrieves an active hospital row
func (s *PostgresDirectoryStore) GetActiveTenant(ctx context.Context, tenantID int64) (*model.Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM hospitals WHERE id = $1 AND is_active`

	tenant, err := scanTenant(s.db.QueryRow(ctx, query, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active hospital: %w", err)
	}
	return tenant, nil
}

// CodeExists reports whether a hospital with the code is registered
func (s *PostgresDirectoryStore) CodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM hospitals WHERE upper(code) = upper($1))`, code).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check hospital code: %w", err)
	}
	return exists, nil
}

// ListActiveTenants lists every active hospital ordered by id
func (s *PostgresDirectoryStore) ListActiveTenants(ctx context.Context) ([]*model.Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM hospitals WHERE is_active ORDER BY id`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list hospitals: %w", err)
	}
	defer rows.Close()

	tenants := make([]*model.Tenant, 0)
	for rows.Next() {
		tenant, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan hospital: %w", err)
		}
		tenants = append(tenants, tenant)
	}

	return tenants, rows.Err()
}

// CreateTenant registers a hospital inside a transaction
func (s *PostgresDirectoryStore) CreateTenant(ctx context.Context, tenant *model.Tenant) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO hospitals (
			code, name_ar, name_en, city, region,
			db_host, db_port, db_user, db_password, db_name, is_active,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
		RETURNING id, created_at, updated_at
	`

	err = tx.QueryRow(ctx, query,
		tenant.Code,
		tenant.NameAr,
		nullIfEmpty(tenant.NameEn),
		nullIfEmpty(tenant.City),
		nullIfEmpty(tenant.Region),
		nullIfEmpty(tenant.DBHost),
		nullIfZero(tenant.DBPort),
		nullIfEmpty(tenant.DBUser),
		nullIfEmpty(tenant.DBPassword),
		tenant.DBName,
		tenant.Active,
	).Scan(&tenant.ID, &tenant.CreatedAt, &tenant.UpdatedAt)
	if err != nil {
		if isPgError(err, pgUniqueViolation) {
			return fmt.Errorf("hospital code %q: %w", tenant.Code, ErrConflict)
		}
		return fmt.Errorf("failed to insert hospital: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit hospital registration: %w", err)
	}

	s.logger.Info("Registered hospital in directory",
		zap.Int64("tenant_id", tenant.ID),
		zap.String("code", tenant.Code),
		zap.String("db_name", tenant.DBName))

	return nil
}

// DeleteTenant removes a hospital row
func (s *PostgresDirectoryStore) DeleteTenant(ctx context.Context, tenantID int64) error {
	result, err := s.db.Exec(ctx, `DELETE FROM hospitals WHERE id = $1`, tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete hospital: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// SetActive flips a hospital's active flag
func (s *PostgresDirectoryStore) SetActive(ctx context.Context, tenantID int64, active bool) error {
	result, err := s.db.Exec(ctx, `
		UPDATE hospitals SET is_active = $2, updated_at = now()
		WHERE id = $1
	`, tenantID, active)
	if err != nil {
		return fmt.Errorf("failed to update hospital: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	s.logger.Info("Hospital active flag changed",
		zap.Int64("tenant_id", tenantID),
		zap.Bool("active", active))
	return nil
}

// Ping checks the database connection
func (s *PostgresDirectoryStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the underlying pool
func (s *PostgresDirectoryStore) Close() {
	s.db.Close()
}

func isPgError(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullIfZero(n int) any {
	if n == 0 {
		return nil
	}
	return n
}
