package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/devrev/tenantplane/internal/model"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrLeaseLost is returned when an entry is no longer IN_FLIGHT under the
// caller's claim, typically because its lease expired and another processor
// picked it up.
var ErrLeaseLost = errors.New("transfer lease lost")

// ErrSourceMissing is returned by Complete when the source record no longer
// exists, so marking the entry SENT would leave a second copy behind.
var ErrSourceMissing = errors.New("source record missing")

// ErrAlreadyResubmitted is returned by Resubmit for an entry that is not
// FAILED or already has a successor. It matches ErrConflict.
var ErrAlreadyResubmitted = fmt.Errorf("transfer already resubmitted: %w", ErrConflict)

const transferColumns = `
	id, record_id, source_tenant_id, target_tenant_id, payload, status,
	COALESCE(target_record_id, ''), attempts, COALESCE(claimed_by, ''),
	lease_expires_at, COALESCE(error_message, ''), COALESCE(resubmitted_as, ''),
	created_at, sent_at
`

// PostgresTransferStore implements TransferStore against hospital databases
type PostgresTransferStore struct {
	logger *zap.Logger
}

// NewPostgresTransferStore creates a transfer store
func NewPostgresTransferStore(logger *zap.Logger) *PostgresTransferStore {
	return &PostgresTransferStore{logger: logger}
}

func scanTransfer(row pgx.Row) (*model.TransferEntry, error) {
	var (
		e       model.TransferEntry
		status  string
		payload []byte
	)
	err := row.Scan(
		&e.ID,
		&e.RecordID,
		&e.SourceTenantID,
		&e.TargetTenantID,
		&payload,
		&status,
		&e.TargetRecordID,
		&e.Attempts,
		&e.ClaimedBy,
		&e.LeaseExpiresAt,
		&e.ErrorMessage,
		&e.ResubmittedAs,
		&e.CreatedAt,
		&e.SentAt,
	)
	if err != nil {
		return nil, err
	}
	e.Status = model.TransferStatus(status)
	e.Payload = json.RawMessage(payload)
	return &e, nil
}

const enqueueQuery = `
	INSERT INTO transfer_outbox (id, record_id, source_tenant_id, target_tenant_id, payload, status)
	VALUES ($1, $2, $3, $4, $5::jsonb, 'PENDING')
	RETURNING created_at
`

// querier is the part of DB and pgx.Tx that enqueueing needs
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Enqueue inserts a PENDING outbox entry. A record that already has a
// PENDING or IN_FLIGHT entry yields ErrConflict.
func (s *PostgresTransferStore) Enqueue(ctx context.Context, db DB, entry *model.TransferEntry) error {
	return insertEntry(ctx, db, entry)
}

func insertEntry(ctx context.Context, q querier, entry *model.TransferEntry) error {
	err := q.QueryRow(ctx, enqueueQuery,
		entry.ID,
		entry.RecordID,
		entry.SourceTenantID,
		entry.TargetTenantID,
		string(entry.Payload),
	).Scan(&entry.CreatedAt)
	if err != nil {
		if isPgError(err, pgUniqueViolation) {
			return fmt.Errorf("record %s: %w", entry.RecordID, ErrConflict)
		}
		return fmt.Errorf("failed to enqueue transfer: %w", err)
	}

	entry.Status = model.TransferPending
	return nil
}

// Resubmit links the FAILED entry failedID to the new PENDING entry and
// inserts it in one transaction. An entry that is not FAILED or was already
// resubmitted yields ErrConflict; a source record that is gone yields
// ErrNotFound.
func (s *PostgresTransferStore) Resubmit(ctx context.Context, db DB, failedID string, entry *model.TransferEntry) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	result, err := tx.Exec(ctx, `
		UPDATE transfer_outbox SET resubmitted_as = $2
		WHERE id = $1 AND status = 'FAILED' AND resubmitted_as IS NULL
	`, failedID, entry.ID)
	if err != nil {
		return fmt.Errorf("failed to mark transfer %s resubmitted: %w", failedID, err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("transfer %s: %w", failedID, ErrAlreadyResubmitted)
	}

	var exists bool
	err = tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM complaints WHERE id = $1)`, entry.RecordID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check record %s: %w", entry.RecordID, err)
	}
	if !exists {
		return fmt.Errorf("record %s: %w", entry.RecordID, ErrNotFound)
	}

	if err := insertEntry(ctx, tx, entry); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit resubmission of %s: %w", failedID, err)
	}
	return nil
}

// RecordExists reports whether the record is present in db
func (s *PostgresTransferStore) RecordExists(ctx context.Context, db DB, recordID string) (bool, error) {
	var exists bool
	err := db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM complaints WHERE id = $1)`, recordID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check record %s: %w", recordID, err)
	}
	return exists, nil
}

// GetEntry retrieves one outbox entry
func (s *PostgresTransferStore) GetEntry(ctx context.Context, db DB, entryID string) (*model.TransferEntry, error) {
	query := `SELECT ` + transferColumns + ` FROM transfer_outbox WHERE id = $1`

	entry, err := scanTransfer(db.QueryRow(ctx, query, entryID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transfer: %w", err)
	}
	return entry, nil
}

// ListEntries lists outbox entries newest first
func (s *PostgresTransferStore) ListEntries(ctx context.Context, db DB, filter TransferFilter) ([]*model.TransferEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + transferColumns + ` FROM transfer_outbox`
	args := []any{}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" WHERE status = $%d", len(args))
	}
	args = append(args, limit, filter.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}
	defer rows.Close()

	entries := make([]*model.TransferEntry, 0)
	for rows.Next() {
		entry, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transfer: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Claim leases due entries with SKIP LOCKED so concurrent processors never
// pick the same row.
func (s *PostgresTransferStore) Claim(ctx context.Context, db DB, owner string, limit int, leaseTTL time.Duration) ([]*model.TransferEntry, error) {
	if limit <= 0 {
		return nil, nil
	}

	query := `
		WITH due AS (
			SELECT id FROM transfer_outbox
			WHERE status = 'PENDING'
			   OR (status = 'IN_FLIGHT' AND lease_expires_at < now())
			ORDER BY created_at, id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE transfer_outbox o
		SET status = 'IN_FLIGHT',
		    claimed_by = $1,
		    lease_expires_at = now() + make_interval(secs => $3),
		    attempts = o.attempts + 1,
		    target_record_id = COALESCE(o.target_record_id, gen_random_uuid()::text)
		FROM due
		WHERE o.id = due.id
		RETURNING o.id, o.record_id, o.source_tenant_id, o.target_tenant_id, o.payload, o.status,
			COALESCE(o.target_record_id, ''), o.attempts, COALESCE(o.claimed_by, ''),
			o.lease_expires_at, COALESCE(o.error_message, ''), COALESCE(o.resubmitted_as, ''),
			o.created_at, o.sent_at
	`

	rows, err := db.Query(ctx, query, owner, limit, leaseTTL.Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to claim transfers: %w", err)
	}
	defer rows.Close()

	entries := make([]*model.TransferEntry, 0, limit)
	for rows.Next() {
		entry, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan claimed transfer: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// RETURNING order is unspecified
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries, nil
}

// Complete marks the entry SENT and removes the source record together with
// its replies and attachments.
func (s *PostgresTransferStore) Complete(ctx context.Context, db DB, entry *model.TransferEntry, owner string) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var sentAt time.Time
	err = tx.QueryRow(ctx, `
		UPDATE transfer_outbox
		SET status = 'SENT', sent_at = now(), lease_expires_at = NULL, error_message = NULL
		WHERE id = $1 AND status = 'IN_FLIGHT' AND claimed_by = $2
		RETURNING sent_at
	`, entry.ID, owner).Scan(&sentAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("transfer %s: %w", entry.ID, ErrLeaseLost)
	}
	if err != nil {
		return fmt.Errorf("failed to mark transfer sent: %w", err)
	}

	for _, stmt := range []string{
		"DELETE FROM complaint_attachments WHERE complaint_id = $1",
		"DELETE FROM complaint_replies WHERE complaint_id = $1",
	} {
		if _, err := tx.Exec(ctx, stmt, entry.RecordID); err != nil {
			return fmt.Errorf("failed to delete source record %s: %w", entry.RecordID, err)
		}
	}
	result, err := tx.Exec(ctx, "DELETE FROM complaints WHERE id = $1", entry.RecordID)
	if err != nil {
		return fmt.Errorf("failed to delete source record %s: %w", entry.RecordID, err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("transfer %s: record %s: %w", entry.ID, entry.RecordID, ErrSourceMissing)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transfer %s: %w", entry.ID, err)
	}

	entry.Status = model.TransferSent
	entry.SentAt = &sentAt
	entry.LeaseExpiresAt = nil
	return nil
}

// Fail marks a claimed entry FAILED with the given message
func (s *PostgresTransferStore) Fail(ctx context.Context, db DB, entryID, owner, message string) error {
	result, err := db.Exec(ctx, `
		UPDATE transfer_outbox
		SET status = 'FAILED', error_message = $3, lease_expires_at = NULL
		WHERE id = $1 AND status = 'IN_FLIGHT' AND claimed_by = $2
	`, entryID, owner, message)
	if err != nil {
		return fmt.Errorf("failed to mark transfer failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("transfer %s: %w", entryID, ErrLeaseLost)
	}
	return nil
}

// SnapshotRecord returns the record's columns as a JSON object
func (s *PostgresTransferStore) SnapshotRecord(ctx context.Context, db DB, recordID string) (json.RawMessage, error) {
	var payload []byte
	err := db.QueryRow(ctx, "SELECT to_jsonb(c) FROM complaints c WHERE c.id = $1", recordID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot record %s: %w", recordID, err)
	}
	return json.RawMessage(payload), nil
}

// InsertRecord populates a complaints row from payload under recordID.
// Null or absent columns fall back to the table's defaults.
func (s *PostgresTransferStore) InsertRecord(ctx context.Context, db DB, recordID string, payload json.RawMessage) (bool, error) {
	query := `
		INSERT INTO complaints
		SELECT * FROM jsonb_populate_record(
			NULL::complaints,
			jsonb_build_object('status', 'open', 'created_at', now(), 'updated_at', now())
				|| jsonb_strip_nulls($2::jsonb)
				|| jsonb_build_object('id', $1::text)
		)
		ON CONFLICT (id) DO NOTHING
	`

	result, err := db.Exec(ctx, query, recordID, string(payload))
	if err != nil {
		return false, fmt.Errorf("failed to insert record %s: %w", recordID, err)
	}
	return result.RowsAffected() == 1, nil
}

// DeleteRecord removes a record; dependents cascade
func (s *PostgresTransferStore) DeleteRecord(ctx context.Context, db DB, recordID string) error {
	if _, err := db.Exec(ctx, "DELETE FROM complaints WHERE id = $1", recordID); err != nil {
		return fmt.Errorf("failed to delete record %s: %w", recordID, err)
	}
	return nil
}
