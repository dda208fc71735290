package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	apperrors "github.com/devrev/tenantplane/internal/errors"
	"github.com/devrev/tenantplane/internal/metrics"
	"github.com/devrev/tenantplane/internal/model"
	"github.com/devrev/tenantplane/internal/schema"
	"github.com/devrev/tenantplane/internal/store"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

var codePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{1,31}$`)

// ProvisioningConfig holds provisioning settings
type ProvisioningConfig struct {
	Timeout             time.Duration
	CompensationTimeout time.Duration
	DatabasePrefix      string
	PasswordBytes       int
	BcryptCost          int

	// AdminConn reaches the cluster as the central administrator. Its
	// Database is replaced with each new hospital's database.
	AdminConn model.ConnParams

	// DefaultDepartments seed hospitals whose request lists none
	DefaultDepartments []model.DepartmentSeed
}

// PoolEvictor drops a hospital's cached pool
type PoolEvictor interface {
	Evict(tenantID int64)
}

// ProvisioningService creates and removes hospitals end to end
type ProvisioningService struct {
	directory    store.DirectoryStore
	cluster      store.ClusterAdmin
	bootstrapper store.TenantBootstrapper
	template     schema.Template
	openAdmin    Opener
	pools        PoolEvictor
	tenants      *TenantService
	config       ProvisioningConfig
	random       io.Reader
	metrics      *metrics.Metrics
	logger       *zap.Logger
}

// NewProvisioningService creates a provisioning service. openAdmin opens a
// short-lived cluster-admin connection to a freshly created database.
func NewProvisioningService(
	directory store.DirectoryStore,
	cluster store.ClusterAdmin,
	bootstrapper store.TenantBootstrapper,
	template schema.Template,
	openAdmin Opener,
	pools PoolEvictor,
	tenants *TenantService,
	config ProvisioningConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *ProvisioningService {
	if config.PasswordBytes <= 0 {
		config.PasswordBytes = 24
	}
	if config.BcryptCost == 0 {
		config.BcryptCost = bcrypt.DefaultCost
	}
	if config.CompensationTimeout <= 0 {
		config.CompensationTimeout = 30 * time.Second
	}
	return &ProvisioningService{
		directory:    directory,
		cluster:      cluster,
		bootstrapper: bootstrapper,
		template:     template,
		openAdmin:    openAdmin,
		pools:        pools,
		tenants:      tenants,
		config:       config,
		random:       rand.Reader,
		metrics:      m,
		logger:       logger,
	}
}

// provisionRun carries what one Provision call has allocated so far
type provisionRun struct {
	spec     model.ProvisionSpec
	code     string
	database string
	role     string
	password string
	result   *model.ProvisionResult
}

// Provision creates a hospital: role, database, schema, departments,
// optional administrator, then the directory row. Any failure after the
// first allocation tears down what was created, newest first.
func (s *ProvisioningService) Provision(ctx context.Context, spec model.ProvisionSpec) (*model.ProvisionResult, error) {
	start := time.Now()

	run, err := s.prepare(spec)
	if err != nil {
		s.metrics.RecordProvisioning("invalid", time.Since(start))
		return nil, err
	}

	if s.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.Timeout)
		defer cancel()
	}

	logger := s.logger.With(zap.String("code", run.code), zap.String("db_name", run.database))
	logger.Info("Provisioning hospital")

	exists, err := s.directory.CodeExists(ctx, run.code)
	if err != nil {
		s.metrics.RecordProvisioning("failed", time.Since(start))
		if ctx.Err() != nil {
			return nil, apperrors.Timeout("provisioning timed out before any allocation", err)
		}
		return nil, apperrors.InternalError("failed to check hospital code", err).
			WithDetail("step", stepCheckCode)
	}
	if exists {
		s.metrics.RecordProvisioning("exists", time.Since(start))
		return nil, apperrors.TenantExists(run.code)
	}

	sg := newSaga(s.metrics, logger)
	if err := s.execute(ctx, run, sg, logger); err != nil {
		compErrs := sg.compensate(ctx, s.config.CompensationTimeout)
		outcome, failure := s.failure(ctx, run, sg.current, err, compErrs)
		s.metrics.RecordProvisioning(outcome, time.Since(start))
		logger.Error("Provisioning failed",
			zap.String("step", sg.current),
			zap.Bool("compensated", len(compErrs) == 0),
			zap.Error(err))
		return nil, failure
	}

	s.metrics.RecordProvisioning("success", time.Since(start))
	logger.Info("Provisioned hospital",
		zap.Int64("tenant_id", run.result.TenantID),
		zap.Int("departments_created", run.result.DepartmentsCreated),
		zap.Bool("admin_created", run.result.AdminCreated),
		zap.Int("schema_units_failed", run.result.SchemaUnitsFailed),
		zap.Duration("duration", time.Since(start)))

	return run.result, nil
}

// prepare validates the request and derives names without touching storage
func (s *ProvisioningService) prepare(spec model.ProvisionSpec) (*provisionRun, error) {
	spec.NameAr = strings.TrimSpace(spec.NameAr)
	spec.NameEn = strings.TrimSpace(spec.NameEn)
	code := strings.ToUpper(strings.TrimSpace(spec.Code))

	if spec.NameAr == "" && spec.NameEn == "" {
		return nil, apperrors.InvalidArgument("hospital name is required", nil)
	}
	if !codePattern.MatchString(code) {
		return nil, apperrors.InvalidArgument(
			"code must start with a letter and contain 2-32 letters, digits or underscores", nil).
			WithDetail("code", spec.Code)
	}
	if admin := spec.InitialAdmin; admin != nil {
		if strings.TrimSpace(admin.Username) == "" || admin.Password == "" {
			return nil, apperrors.InvalidArgument("initial admin requires a username and password", nil)
		}
	}

	database := s.config.DatabasePrefix + strings.ToLower(code)
	role := database + "_user"
	if !store.ValidIdentifier(database) || !store.ValidIdentifier(role) {
		return nil, apperrors.InvalidArgument("code produces an invalid database name", nil).
			WithDetail("db_name", database)
	}

	return &provisionRun{
		spec:     spec,
		code:     code,
		database: database,
		role:     role,
		result: &model.ProvisionResult{
			Code:           code,
			DatabaseName:   database,
			CredentialUser: role,
		},
	}, nil
}

// execute runs every allocating step and registers its undo with the saga
func (s *ProvisioningService) execute(ctx context.Context, run *provisionRun, sg *saga, logger *zap.Logger) error {
	sg.step(stepCreateRole)
	password, err := s.generatePassword()
	if err != nil {
		return err
	}
	run.password = password
	if err := s.cluster.CreateRole(ctx, run.role, password); err != nil {
		return err
	}
	sg.allocated("drop_role", func(ctx context.Context) error {
		return s.cluster.DropRole(ctx, run.role)
	})

	sg.step(stepCreateDatabase)
	if err := s.cluster.CreateDatabase(ctx, run.database); err != nil {
		return err
	}
	sg.allocated("drop_database", func(ctx context.Context) error {
		return s.cluster.DropDatabase(ctx, run.database)
	})

	sg.step(stepGrantConnect)
	if err := s.cluster.GrantConnect(ctx, run.database, run.role); err != nil {
		return err
	}

	if err := s.bootstrap(ctx, run, sg, logger); err != nil {
		return err
	}

	sg.step(stepRegister)
	tenant := &model.Tenant{
		Code:       run.code,
		NameAr:     run.spec.NameAr,
		NameEn:     run.spec.NameEn,
		City:       strings.TrimSpace(run.spec.City),
		Region:     strings.TrimSpace(run.spec.Region),
		DBHost:     s.config.AdminConn.Host,
		DBPort:     s.config.AdminConn.Port,
		DBUser:     run.role,
		DBPassword: run.password,
		DBName:     run.database,
		Active:     run.spec.Active,
	}
	if err := s.directory.CreateTenant(ctx, tenant); err != nil {
		return err
	}
	run.result.TenantID = tenant.ID
	return nil
}

// bootstrap prepares the new database over a cluster-admin connection that
// is closed before any compensation runs.
func (s *ProvisioningService) bootstrap(ctx context.Context, run *provisionRun, sg *saga, logger *zap.Logger) error {
	sg.step(stepOpenDatabase)
	params := s.config.AdminConn
	params.Database = run.database
	db, err := s.openAdmin(ctx, params)
	if err != nil {
		return err
	}
	defer db.Close()

	sg.step(stepApplySchema)
	for _, unit := range s.template.Units {
		if err := s.bootstrapper.ExecUnit(ctx, db, unit.SQL); err != nil {
			if ctx.Err() != nil {
				return err
			}
			run.result.SchemaUnitsFailed++
			logger.Warn("Schema unit failed, continuing",
				zap.String("unit", unit.Name),
				zap.String("kind", unit.Kind.String()),
				zap.Error(err))
			continue
		}
		run.result.SchemaUnitsApplied++
	}

	sg.step(stepVerifySchema)
	missing, err := s.bootstrapper.MissingTables(ctx, db, s.template.RequiredTables)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return fmt.Errorf("schema incomplete, missing tables: %s", strings.Join(missing, ", "))
	}

	sg.step(stepGrantTenantRole)
	if err := s.bootstrapper.GrantTenantRole(ctx, db, run.role); err != nil {
		return err
	}

	sg.step(stepSeedDepartments)
	departments := run.spec.Departments
	if len(departments) == 0 {
		departments = s.config.DefaultDepartments
	}
	created, err := s.bootstrapper.UpsertDepartments(ctx, db, DedupeDepartments(departments))
	if err != nil {
		return err
	}
	run.result.DepartmentsCreated = created

	if seed := run.spec.InitialAdmin; seed != nil {
		sg.step(stepCreateAdmin)
		hash, err := bcrypt.GenerateFromPassword([]byte(seed.Password), s.config.BcryptCost)
		if err != nil {
			return fmt.Errorf("failed to hash admin password: %w", err)
		}
		createdAdmin, err := s.bootstrapper.CreateAdmin(ctx, db, &model.AdminAccount{
			FullName:     strings.TrimSpace(seed.FullName),
			Username:     strings.TrimSpace(seed.Username),
			PasswordHash: string(hash),
			Email:        strings.TrimSpace(seed.Email),
			Phone:        strings.TrimSpace(seed.Phone),
		})
		if err != nil {
			return err
		}
		run.result.AdminCreated = createdAdmin
	}
	return nil
}

// failure maps a failed run to the error reported to the administrator
func (s *ProvisioningService) failure(ctx context.Context, run *provisionRun, step string, cause error, compErrs []error) (string, error) {
	compensated := len(compErrs) == 0

	// lost the race on the code after allocating; cleanup succeeded
	if step == stepRegister && errors.Is(cause, store.ErrConflict) && compensated {
		return "exists", apperrors.TenantExists(run.code).WithDetail("compensated", true)
	}

	te := apperrors.ProvisioningPartialFailure(step, cause).
		WithDetail("code", run.code).
		WithDetail("db_name", run.database).
		WithDetail("role", run.role).
		WithDetail("compensated", compensated).
		WithDetail("timed_out", errors.Is(ctx.Err(), context.DeadlineExceeded))
	if !compensated {
		msgs := make([]string, 0, len(compErrs))
		for _, e := range compErrs {
			msgs = append(msgs, e.Error())
		}
		te.WithDetail("compensation_errors", msgs)
		return "orphaned", te
	}
	return "failed", te
}

// Deprovision removes a hospital: its pool, database, role and directory row.
// Every step tolerates work already done by an earlier attempt.
func (s *ProvisioningService) Deprovision(ctx context.Context, tenantID int64) error {
	if s.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.Timeout)
		defer cancel()
	}

	tenant, err := s.directory.GetTenant(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		return apperrors.NotFound("hospital", err).WithDetail("tenant_id", tenantID)
	}
	if err != nil {
		return apperrors.InternalError("failed to read hospital directory", err)
	}

	logger := s.logger.With(zap.Int64("tenant_id", tenantID), zap.String("db_name", tenant.DBName))

	if s.pools != nil {
		s.pools.Evict(tenantID)
	}
	if s.tenants != nil {
		s.tenants.Invalidate(tenantID)
	}

	if err := s.cluster.DropDatabase(ctx, tenant.DBName); err != nil {
		return apperrors.InternalError("failed to drop hospital database", err).
			WithDetail("step", "drop_database").
			WithDetail("db_name", tenant.DBName)
	}

	if s.ownsRole(tenant.DBUser) {
		if err := s.cluster.DropRole(ctx, tenant.DBUser); err != nil {
			return apperrors.InternalError("failed to drop hospital role", err).
				WithDetail("step", "drop_role").
				WithDetail("role", tenant.DBUser)
		}
	} else if tenant.DBUser != "" {
		logger.Warn("Keeping shared role", zap.String("role", tenant.DBUser))
	}

	if err := s.directory.DeleteTenant(ctx, tenantID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return apperrors.InternalError("failed to delete hospital row", err).
			WithDetail("step", "delete_row")
	}

	logger.Info("Deprovisioned hospital")
	return nil
}

// SetActive activates or deactivates a hospital. Deactivation evicts its
// pool and cached directory row so the hospital stops resolving at once.
func (s *ProvisioningService) SetActive(ctx context.Context, tenantID int64, active bool) (*model.Tenant, error) {
	err := s.directory.SetActive(ctx, tenantID, active)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.NotFound("hospital", err).WithDetail("tenant_id", tenantID)
	}
	if err != nil {
		return nil, apperrors.InternalError("failed to update hospital", err)
	}

	if !active && s.pools != nil {
		s.pools.Evict(tenantID)
	}
	if s.tenants != nil {
		s.tenants.Invalidate(tenantID)
	}

	tenant, err := s.directory.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, apperrors.InternalError("failed to read hospital directory", err)
	}

	s.logger.Info("Hospital availability changed",
		zap.Int64("tenant_id", tenantID),
		zap.Bool("active", active))
	return tenant, nil
}

// ownsRole reports whether role is a per-hospital role this service may drop
func (s *ProvisioningService) ownsRole(role string) bool {
	role = strings.TrimSpace(role)
	if role == "" || role == s.config.AdminConn.User {
		return false
	}
	return strings.HasPrefix(role, s.config.DatabasePrefix) && strings.HasSuffix(role, "_user")
}

func (s *ProvisioningService) generatePassword() (string, error) {
	buf := make([]byte, s.config.PasswordBytes)
	if _, err := io.ReadFull(s.random, buf); err != nil {
		return "", fmt.Errorf("failed to generate role password: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// DedupeDepartments trims seeds, drops ones without a primary name and keeps
// the first of any case-insensitive (primary, secondary) duplicate.
func DedupeDepartments(seeds []model.DepartmentSeed) []model.DepartmentSeed {
	seen := make(map[string]struct{}, len(seeds))
	out := make([]model.DepartmentSeed, 0, len(seeds))
	for _, d := range seeds {
		d.NameAr = strings.TrimSpace(d.NameAr)
		d.NameEn = strings.TrimSpace(d.NameEn)
		if d.NameAr == "" {
			continue
		}
		key := strings.ToLower(d.NameAr) + "\x00" + strings.ToLower(d.NameEn)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, d)
	}
	return out
}

type departmentsFile struct {
	Departments []model.DepartmentSeed `yaml:"departments"`
}

// LoadDepartmentSeeds reads default departments from a YAML file
func LoadDepartmentSeeds(path string) ([]model.DepartmentSeed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read departments file: %w", err)
	}

	var file departmentsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse departments file %s: %w", path, err)
	}
	return DedupeDepartments(file.Departments), nil
}
