package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/devrev/tenantplane/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned when a row is not found
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a unique constraint rejects a write
var ErrConflict = errors.New("conflict")

// DB is the handle every storage operation runs against. *pgxpool.Pool
// satisfies it, as does the acquire-bounded pool handed out by the registry.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// DirectoryStore is the central hospital directory
type DirectoryStore interface {
	// GetTenant returns the row regardless of its active flag
	GetTenant(ctx context.Context, tenantID int64) (*model.Tenant, error)

	// GetActiveTenant returns ErrNotFound for missing and inactive rows alike
	GetActiveTenant(ctx context.Context, tenantID int64) (*model.Tenant, error)

	CodeExists(ctx context.Context, code string) (bool, error)
	ListActiveTenants(ctx context.Context) ([]*model.Tenant, error)

	// CreateTenant inserts the row in a transaction and sets tenant.ID.
	// A duplicate code yields ErrConflict.
	CreateTenant(ctx context.Context, tenant *model.Tenant) error

	// SetActive yields ErrNotFound for a missing row
	SetActive(ctx context.Context, tenantID int64, active bool) error

	DeleteTenant(ctx context.Context, tenantID int64) error

	Ping(ctx context.Context) error
	Close()
}

// ClusterAdmin runs server-level DDL through the central connection
type ClusterAdmin interface {
	CreateDatabase(ctx context.Context, name string) error
	// DropDatabase tolerates a database that is already gone
	DropDatabase(ctx context.Context, name string) error
	CreateRole(ctx context.Context, name, password string) error
	// DropRole tolerates a role that is already gone
	DropRole(ctx context.Context, name string) error
	GrantConnect(ctx context.Context, database, role string) error
}

// TenantBootstrapper prepares a freshly created hospital database
type TenantBootstrapper interface {
	ExecUnit(ctx context.Context, db DB, statement string) error
	MissingTables(ctx context.Context, db DB, tables []string) ([]string, error)
	GrantTenantRole(ctx context.Context, db DB, role string) error
	// UpsertDepartments returns how many rows were newly inserted
	UpsertDepartments(ctx context.Context, db DB, departments []model.DepartmentSeed) (int, error)
	// CreateAdmin returns false if the username already existed
	CreateAdmin(ctx context.Context, db DB, admin *model.AdminAccount) (bool, error)
}

// TransferStore manages the per-hospital outbox and the records it moves.
// Every call names the hospital database it runs against.
type TransferStore interface {
	// Enqueue yields ErrConflict when the record already has a PENDING or
	// IN_FLIGHT entry.
	Enqueue(ctx context.Context, db DB, entry *model.TransferEntry) error

	// Resubmit atomically records entry as the successor of the FAILED entry
	// failedID and enqueues it. Each FAILED entry is resubmitted at most once.
	Resubmit(ctx context.Context, db DB, failedID string, entry *model.TransferEntry) error

	GetEntry(ctx context.Context, db DB, entryID string) (*model.TransferEntry, error)
	ListEntries(ctx context.Context, db DB, filter TransferFilter) ([]*model.TransferEntry, error)

	// Claim leases up to limit PENDING (or lease-expired IN_FLIGHT) entries,
	// oldest first, and assigns each a target record id if it has none.
	Claim(ctx context.Context, db DB, owner string, limit int, leaseTTL time.Duration) ([]*model.TransferEntry, error)

	// Complete marks the entry SENT and deletes the source record with its
	// dependent rows in a single source-side transaction. It yields
	// ErrSourceMissing, changing nothing, when the record is already gone.
	Complete(ctx context.Context, db DB, entry *model.TransferEntry, owner string) error

	// Fail marks a claimed entry FAILED; the source record is left intact.
	Fail(ctx context.Context, db DB, entryID, owner, message string) error

	SnapshotRecord(ctx context.Context, db DB, recordID string) (json.RawMessage, error)
	RecordExists(ctx context.Context, db DB, recordID string) (bool, error)

	// InsertRecord is idempotent on recordID: a second call is a no-op
	// reporting inserted=false.
	InsertRecord(ctx context.Context, db DB, recordID string, payload json.RawMessage) (bool, error)

	DeleteRecord(ctx context.Context, db DB, recordID string) error
}

// TransferFilter narrows ListEntries
type TransferFilter struct {
	Status model.TransferStatus
	Limit  int
	Offset int
}

// LeaseStore grants a named, expiring lock to one owner at a time
type LeaseStore interface {
	TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, owner string) error
	Ping(ctx context.Context) error
	Close() error
}
