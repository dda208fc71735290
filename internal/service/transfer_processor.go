package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/devrev/tenantplane/internal/metrics"
	"github.com/devrev/tenantplane/internal/model"
	"github.com/devrev/tenantplane/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// LeaderLockKey is the lease key shared by every processor instance
const LeaderLockKey = "tenantplane:transfer:leader"

// TransferProcessorConfig holds processor settings
type TransferProcessorConfig struct {
	InstanceID        string
	Interval          time.Duration
	BatchSize         int
	LeaseTTL          time.Duration
	TenantConcurrency int
	MaxErrorLength    int

	// DetachedColumns reference rows that only exist in the source hospital
	// and are dropped from the payload before the target insert.
	DetachedColumns []string
}

// HospitalDirectory lists the hospitals a cycle visits and confirms a
// target is still active right before it receives a record.
type HospitalDirectory interface {
	ListActiveTenants(ctx context.Context) ([]*model.Tenant, error)

	// CheckActive reads through any cache
	CheckActive(ctx context.Context, tenantID int64) error
}

// TransferProcessor drives outbox entries of every active hospital to SENT
// or FAILED.
type TransferProcessor struct {
	tenants HospitalDirectory
	pools   PoolResolver
	store   store.TransferStore
	leader  store.LeaseStore
	config  TransferProcessorConfig
	metrics *metrics.Metrics
	logger  *zap.Logger

	running sync.Mutex
}

// NewTransferProcessor creates a processor. leader may be nil, in which case
// instances rely on row claims alone.
func NewTransferProcessor(
	tenants HospitalDirectory,
	pools PoolResolver,
	transferStore store.TransferStore,
	leader store.LeaseStore,
	config TransferProcessorConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *TransferProcessor {
	if config.BatchSize <= 0 {
		config.BatchSize = 20
	}
	if config.TenantConcurrency <= 0 {
		config.TenantConcurrency = 1
	}
	if config.MaxErrorLength <= 0 {
		config.MaxErrorLength = 500
	}
	if config.LeaseTTL <= 0 {
		config.LeaseTTL = 2 * time.Minute
	}
	return &TransferProcessor{
		tenants: tenants,
		pools:   pools,
		store:   transferStore,
		leader:  leader,
		config:  config,
		metrics: m,
		logger:  logger.With(zap.String("instance_id", config.InstanceID)),
	}
}

// Start runs a cycle every interval until ctx is cancelled
func (p *TransferProcessor) Start(ctx context.Context) error {
	p.logger.Info("Starting transfer processor",
		zap.Duration("interval", p.config.Interval),
		zap.Int("batch_size", p.config.BatchSize),
		zap.Bool("leader_lock", p.leader != nil))

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Transfer processor stopped")
			return nil
		case <-ticker.C:
			p.RunCycle(ctx)
		}
	}
}

type tenantOutcome struct {
	claimed int
	sent    int
	failed  int
	err     error
}

// RunCycle processes one batch from every active hospital. A cycle that
// would overlap a running one, or that loses the leader lease, is skipped.
func (p *TransferProcessor) RunCycle(ctx context.Context) model.CycleReport {
	if !p.running.TryLock() {
		p.metrics.RecordCycleSkipped("overlap")
		p.logger.Debug("Transfer cycle still running, skipping tick")
		return model.CycleReport{Skipped: true}
	}
	defer p.running.Unlock()

	if p.leader != nil {
		acquired, err := p.leader.TryAcquire(ctx, LeaderLockKey, p.config.InstanceID, p.config.LeaseTTL)
		if err != nil {
			p.metrics.RecordCycleSkipped("lease_error")
			p.logger.Warn("Failed to acquire transfer leader lease", zap.Error(err))
			return model.CycleReport{Skipped: true}
		}
		if !acquired {
			p.metrics.RecordCycleSkipped("not_leader")
			return model.CycleReport{Skipped: true}
		}
		defer p.releaseLeader(ctx)
	}

	start := time.Now()
	report := model.CycleReport{}

	tenants, err := p.tenants.ListActiveTenants(ctx)
	if err != nil {
		p.logger.Error("Failed to list hospitals for transfer cycle", zap.Error(err))
		report.TenantErrors = 1
		report.Duration = time.Since(start)
		return report
	}
	report.Tenants = len(tenants)

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(p.config.TenantConcurrency)

	for _, tenant := range tenants {
		tenantID := tenant.ID
		g.Go(func() error {
			outcome := p.processTenant(ctx, tenantID)

			mu.Lock()
			report.Claimed += outcome.claimed
			report.Sent += outcome.sent
			report.Failed += outcome.failed
			if outcome.err != nil {
				report.TenantErrors++
			}
			mu.Unlock()

			// a failing hospital never cancels the others
			return nil
		})
	}
	_ = g.Wait()

	report.Duration = time.Since(start)
	p.metrics.RecordCycle(report.Duration)
	if report.Claimed > 0 || report.TenantErrors > 0 {
		p.logger.Info("Transfer cycle completed",
			zap.Int("tenants", report.Tenants),
			zap.Int("claimed", report.Claimed),
			zap.Int("sent", report.Sent),
			zap.Int("failed", report.Failed),
			zap.Int("tenant_errors", report.TenantErrors),
			zap.Duration("duration", report.Duration))
	}
	return report
}

func (p *TransferProcessor) releaseLeader(ctx context.Context) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.leader.Release(releaseCtx, LeaderLockKey, p.config.InstanceID); err != nil {
		p.logger.Warn("Failed to release transfer leader lease", zap.Error(err))
	}
}

// processTenant claims and processes one batch of a hospital's outbox,
// oldest entry first.
func (p *TransferProcessor) processTenant(ctx context.Context, tenantID int64) tenantOutcome {
	logger := p.logger.With(zap.Int64("tenant_id", tenantID))

	source, err := p.pools.Resolve(ctx, tenantID)
	if err != nil {
		logger.Warn("Skipping hospital outbox", zap.Error(err))
		return tenantOutcome{err: err}
	}

	entries, err := p.store.Claim(ctx, source, p.config.InstanceID, p.config.BatchSize, p.config.LeaseTTL)
	if err != nil {
		logger.Warn("Failed to claim transfers", zap.Error(err))
		return tenantOutcome{err: err}
	}

	outcome := tenantOutcome{claimed: len(entries)}
	for _, entry := range entries {
		if ctx.Err() != nil {
			// unprocessed claims are picked up again once their lease expires
			break
		}
		if p.processEntry(ctx, source, entry, logger) {
			outcome.sent++
		} else {
			outcome.failed++
		}
	}
	return outcome
}

// processEntry copies the snapshot into the target hospital, then marks the
// entry SENT and deletes the source record in one source transaction. It
// reports whether the entry was sent.
func (p *TransferProcessor) processEntry(ctx context.Context, source store.DB, entry *model.TransferEntry, logger *zap.Logger) bool {
	logger = logger.With(
		zap.String("transfer_id", entry.ID),
		zap.String("record_id", entry.RecordID),
		zap.Int64("target_tenant_id", entry.TargetTenantID),
		zap.Int("attempt", entry.Attempts))

	if entry.TargetRecordID == "" {
		p.fail(ctx, source, entry, errors.New("entry has no target record id"), logger)
		return false
	}

	if err := p.tenants.CheckActive(ctx, entry.TargetTenantID); err != nil {
		p.fail(ctx, source, entry, fmt.Errorf("target hospital: %w", err), logger)
		return false
	}

	target, err := p.pools.Resolve(ctx, entry.TargetTenantID)
	if err != nil {
		p.fail(ctx, source, entry, fmt.Errorf("resolve target hospital: %w", err), logger)
		return false
	}

	payload, err := StripDetachedColumns(entry.Payload, p.config.DetachedColumns)
	if err != nil {
		p.fail(ctx, source, entry, err, logger)
		return false
	}

	inserted, err := p.store.InsertRecord(ctx, target, entry.TargetRecordID, payload)
	if err != nil {
		p.fail(ctx, source, entry, fmt.Errorf("insert into target: %w", err), logger)
		return false
	}
	if !inserted {
		logger.Info("Target record already present from an earlier attempt",
			zap.String("target_record_id", entry.TargetRecordID))
	}

	if err := p.store.Complete(ctx, source, entry, p.config.InstanceID); err != nil {
		if errors.Is(err, store.ErrLeaseLost) {
			// the new owner reuses the same target id, so its copy is left alone
			p.metrics.RecordTransfer("lease_lost")
			logger.Warn("Lost transfer lease before completion", zap.Error(err))
			return false
		}
		if errors.Is(err, store.ErrSourceMissing) {
			logger.Warn("Source record disappeared before completion")
		}
		if p.fail(ctx, source, entry, fmt.Errorf("complete at source: %w", err), logger) {
			p.removeTargetCopy(ctx, target, entry, logger)
		}
		return false
	}

	p.metrics.RecordTransfer("sent")
	logger.Info("Transfer sent", zap.String("target_record_id", entry.TargetRecordID))
	return true
}

// fail marks the entry FAILED and reports whether that write landed
func (p *TransferProcessor) fail(ctx context.Context, source store.DB, entry *model.TransferEntry, cause error, logger *zap.Logger) bool {
	message := TruncateError(cause.Error(), p.config.MaxErrorLength)
	logger.Warn("Transfer failed", zap.Error(cause))

	if err := p.store.Fail(ctx, source, entry.ID, p.config.InstanceID, message); err != nil {
		p.metrics.RecordTransfer("fail_unrecorded")
		logger.Error("Failed to record transfer failure", zap.Error(err))
		return false
	}

	entry.Status = model.TransferFailed
	entry.ErrorMessage = message
	p.metrics.RecordTransfer("failed")
	return true
}

// removeTargetCopy deletes the target record written for a FAILED entry
func (p *TransferProcessor) removeTargetCopy(ctx context.Context, target store.DB, entry *model.TransferEntry, logger *zap.Logger) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := p.store.DeleteRecord(cleanupCtx, target, entry.TargetRecordID); err != nil {
		logger.Error("Failed to remove target copy of failed transfer",
			zap.String("target_record_id", entry.TargetRecordID),
			zap.Error(err))
	}
}

// StripDetachedColumns removes the id and source-only references from a
// record snapshot.
func StripDetachedColumns(payload json.RawMessage, detached []string) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("payload is not a JSON object: %w", err)
	}
	if fields == nil {
		return nil, errors.New("payload is not a JSON object")
	}

	delete(fields, "id")
	for _, column := range detached {
		delete(fields, column)
	}

	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return out, nil
}

// TruncateError shortens msg to at most limit bytes without splitting a rune
func TruncateError(msg string, limit int) string {
	if limit <= 0 || len(msg) <= limit {
		return msg
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}
