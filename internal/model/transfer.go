package model

import (
	"encoding/json"
	"time"
)

// TransferStatus represents the lifecycle state of an outbox entry
type TransferStatus string

const (
	TransferPending  TransferStatus = "PENDING"
	TransferInFlight TransferStatus = "IN_FLIGHT"
	TransferSent     TransferStatus = "SENT"
	TransferFailed   TransferStatus = "FAILED"
)

// IsTerminal reports whether the status can no longer change.
func (s TransferStatus) IsTerminal() bool {
	return s == TransferSent || s == TransferFailed
}

// TransferEntry is one row of a hospital's transfer outbox. It lives in the
// source hospital's database and carries a full snapshot of the record.
type TransferEntry struct {
	ID             string          `json:"id"`
	RecordID       string          `json:"record_id"`
	SourceTenantID int64           `json:"source_tenant_id"`
	TargetTenantID int64           `json:"target_tenant_id"`
	Payload        json.RawMessage `json:"payload"`
	Status         TransferStatus  `json:"status"`
	TargetRecordID string          `json:"target_record_id,omitempty"`
	Attempts       int             `json:"attempts"`
	ClaimedBy      string          `json:"claimed_by,omitempty"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	ResubmittedAs  string          `json:"resubmitted_as,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	SentAt         *time.Time      `json:"sent_at,omitempty"`
}

// TransferRequest is what the business layer supplies to move a record.
// A nil Payload means the record is snapshotted from the source hospital.
type TransferRequest struct {
	RecordID       string          `json:"record_id"`
	SourceTenantID int64           `json:"source_tenant_id"`
	TargetTenantID int64           `json:"target_tenant_id"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// CycleReport summarizes one transfer processor tick
type CycleReport struct {
	Tenants      int
	Claimed      int
	Sent         int
	Failed       int
	TenantErrors int
	Skipped      bool
	Duration     time.Duration
}
