package service

import (
	"context"
	"fmt"
	"time"

	"github.com/devrev/tenantplane/internal/metrics"
	"go.uber.org/zap"
)

// Provisioning step names, reported in partial-failure details
const (
	stepCheckCode       = "check_code"
	stepCreateRole      = "create_role"
	stepCreateDatabase  = "create_database"
	stepGrantConnect    = "grant_connect"
	stepOpenDatabase    = "open_database"
	stepApplySchema     = "apply_schema"
	stepVerifySchema    = "verify_schema"
	stepGrantTenantRole = "grant_tenant_role"
	stepSeedDepartments = "seed_departments"
	stepCreateAdmin     = "create_admin"
	stepRegister        = "register"
)

type compensation struct {
	step string
	undo func(ctx context.Context) error
}

// saga records the undo action of every step that allocated something and
// replays them newest first when a later step fails.
type saga struct {
	current       string
	compensations []compensation
	metrics       *metrics.Metrics
	logger        *zap.Logger
}

func newSaga(m *metrics.Metrics, logger *zap.Logger) *saga {
	return &saga{metrics: m, logger: logger}
}

// step marks the step now running
func (s *saga) step(name string) {
	s.current = name
}

// allocated registers the undo for the step that just succeeded
func (s *saga) allocated(name string, undo func(ctx context.Context) error) {
	s.compensations = append(s.compensations, compensation{step: name, undo: undo})
}

// compensate runs every registered undo in reverse order under a fresh
// deadline, so an expired provisioning context still gets cleaned up. It
// keeps going past failures and returns them all.
func (s *saga) compensate(parent context.Context, timeout time.Duration) []error {
	if len(s.compensations) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), timeout)
	defer cancel()

	var errs []error
	for i := len(s.compensations) - 1; i >= 0; i-- {
		c := s.compensations[i]
		if err := c.undo(ctx); err != nil {
			s.metrics.RecordCompensation(c.step, false)
			s.logger.Error("Compensation failed",
				zap.String("step", c.step),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("undo %s: %w", c.step, err))
			continue
		}
		s.metrics.RecordCompensation(c.step, true)
		s.logger.Info("Compensated provisioning step", zap.String("step", c.step))
	}
	s.compensations = nil
	return errs
}
