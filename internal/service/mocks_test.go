package service

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/tenantplane/internal/model"
	"github.com/devrev/tenantplane/internal/store"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/mock"
)

// fakeDB is an opaque pool handle; only Close is observable
type fakeDB struct {
	name   string
	closed atomic.Int32
}

func newFakeDB(name string) *fakeDB { return &fakeDB{name: name} }

func (d *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, errors.New("fakeDB: Exec not supported")
}

func (d *fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("fakeDB: Query not supported")
}

func (d *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return nil
}

func (d *fakeDB) Begin(ctx context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeDB: Begin not supported")
}

func (d *fakeDB) Ping(ctx context.Context) error { return nil }

func (d *fakeDB) Close() { d.closed.Add(1) }

// MockDirectoryStore is a mock implementation of DirectoryStore
type MockDirectoryStore struct {
	mock.Mock
}

func (m *MockDirectoryStore) GetTenant(ctx context.Context, tenantID int64) (*model.Tenant, error) {
	args := m.Called(ctx, tenantID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Tenant), args.Error(1)
}

func (m *MockDirectoryStore) GetActiveTenant(ctx context.Context, tenantID int64) (*model.Tenant, error) {
	args := m.Called(ctx, tenantID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Tenant), args.Error(1)
}

func (m *MockDirectoryStore) CodeExists(ctx context.Context, code string) (bool, error) {
	args := m.Called(ctx, code)
	return args.Bool(0), args.Error(1)
}

func (m *MockDirectoryStore) ListActiveTenants(ctx context.Context) ([]*model.Tenant, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.Tenant), args.Error(1)
}

func (m *MockDirectoryStore) CreateTenant(ctx context.Context, tenant *model.Tenant) error {
	args := m.Called(ctx, tenant)
	return args.Error(0)
}

func (m *MockDirectoryStore) SetActive(ctx context.Context, tenantID int64, active bool) error {
	args := m.Called(ctx, tenantID, active)
	return args.Error(0)
}

func (m *MockDirectoryStore) DeleteTenant(ctx context.Context, tenantID int64) error {
	args := m.Called(ctx, tenantID)
	return args.Error(0)
}

func (m *MockDirectoryStore) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockDirectoryStore) Close() {}

// MockClusterAdmin is a mock implementation of ClusterAdmin
type MockClusterAdmin struct {
	mock.Mock
}

func (m *MockClusterAdmin) CreateDatabase(ctx context.Context, name string) error {
	return m.Called(ctx, name).Error(0)
}

func (m *MockClusterAdmin) DropDatabase(ctx context.Context, name string) error {
	return m.Called(ctx, name).Error(0)
}

func (m *MockClusterAdmin) CreateRole(ctx context.Context, name, password string) error {
	return m.Called(ctx, name, password).Error(0)
}

func (m *MockClusterAdmin) DropRole(ctx context.Context, name string) error {
	return m.Called(ctx, name).Error(0)
}

func (m *MockClusterAdmin) GrantConnect(ctx context.Context, database, role string) error {
	return m.Called(ctx, database, role).Error(0)
}

// MockBootstrapper is a mock implementation of TenantBootstrapper
type MockBootstrapper struct {
	mock.Mock
}

func (m *MockBootstrapper) ExecUnit(ctx context.Context, db store.DB, statement string) error {
	return m.Called(ctx, db, statement).Error(0)
}

func (m *MockBootstrapper) MissingTables(ctx context.Context, db store.DB, tables []string) ([]string, error) {
	args := m.Called(ctx, db, tables)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockBootstrapper) GrantTenantRole(ctx context.Context, db store.DB, role string) error {
	return m.Called(ctx, db, role).Error(0)
}

func (m *MockBootstrapper) UpsertDepartments(ctx context.Context, db store.DB, departments []model.DepartmentSeed) (int, error) {
	args := m.Called(ctx, db, departments)
	return args.Int(0), args.Error(1)
}

func (m *MockBootstrapper) CreateAdmin(ctx context.Context, db store.DB, admin *model.AdminAccount) (bool, error) {
	args := m.Called(ctx, db, admin)
	return args.Bool(0), args.Error(1)
}

// MockLeaseStore is a mock implementation of LeaseStore
type MockLeaseStore struct {
	mock.Mock
}

func (m *MockLeaseStore) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	args := m.Called(ctx, key, owner, ttl)
	return args.Bool(0), args.Error(1)
}

func (m *MockLeaseStore) Release(ctx context.Context, key, owner string) error {
	return m.Called(ctx, key, owner).Error(0)
}

func (m *MockLeaseStore) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockLeaseStore) Close() error { return nil }

// staticResolver maps hospital ids to fixed handles
type staticResolver struct {
	mu    sync.Mutex
	pools map[int64]store.DB
	errs  map[int64]error
	calls map[int64]int
}

func newStaticResolver() *staticResolver {
	return &staticResolver{
		pools: make(map[int64]store.DB),
		errs:  make(map[int64]error),
		calls: make(map[int64]int),
	}
}

func (r *staticResolver) Resolve(ctx context.Context, tenantID int64) (store.DB, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[tenantID]++
	if err, ok := r.errs[tenantID]; ok {
		return nil, err
	}
	db, ok := r.pools[tenantID]
	if !ok {
		return nil, errors.New("unknown hospital")
	}
	return db, nil
}

// fakeHospital is the in-memory content of one hospital database
type fakeHospital struct {
	outbox  map[string]*model.TransferEntry
	records map[string]map[string]any
}

// fakeTransferStore models the outbox protocol over in-memory hospitals.
// Hooks inject failures per operation.
type fakeTransferStore struct {
	mu        sync.Mutex
	hospitals map[store.DB]*fakeHospital
	seq       int
	now       time.Time

	insertErr   func(db store.DB, recordID string) error
	completeErr func(entry *model.TransferEntry) error
	inserts     int
	deletes     []string
}

func newFakeTransferStore() *fakeTransferStore {
	return &fakeTransferStore{
		hospitals: make(map[store.DB]*fakeHospital),
		now:       time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (s *fakeTransferStore) hospital(db store.DB) *fakeHospital {
	h, ok := s.hospitals[db]
	if !ok {
		h = &fakeHospital{
			outbox:  make(map[string]*model.TransferEntry),
			records: make(map[string]map[string]any),
		}
		s.hospitals[db] = h
	}
	return h
}

func (s *fakeTransferStore) putRecord(db store.DB, id string, fields map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := map[string]any{"id": id}
	for k, v := range fields {
		rec[k] = v
	}
	s.hospital(db).records[id] = rec
}

func (s *fakeTransferStore) record(db store.DB, id string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.hospital(db).records[id]
	return rec, ok
}

func (s *fakeTransferStore) entry(db store.DB, id string) *model.TransferEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := *s.hospital(db).outbox[id]
	return &e
}

func (s *fakeTransferStore) Enqueue(ctx context.Context, db store.DB, entry *model.TransferEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueueLocked(db, entry)
}

// enqueueLocked mirrors the partial unique index on live record ids
func (s *fakeTransferStore) enqueueLocked(db store.DB, entry *model.TransferEntry) error {
	for _, e := range s.hospital(db).outbox {
		if e.RecordID == entry.RecordID && (e.Status == model.TransferPending || e.Status == model.TransferInFlight) {
			return store.ErrConflict
		}
	}
	s.seq++
	entry.CreatedAt = s.now.Add(time.Duration(s.seq) * time.Second)
	entry.Status = model.TransferPending
	stored := *entry
	s.hospital(db).outbox[entry.ID] = &stored
	return nil
}

func (s *fakeTransferStore) Resubmit(ctx context.Context, db store.DB, failedID string, entry *model.TransferEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.hospital(db)
	failed, ok := h.outbox[failedID]
	if !ok || failed.Status != model.TransferFailed || failed.ResubmittedAs != "" {
		return store.ErrAlreadyResubmitted
	}
	if _, ok := h.records[entry.RecordID]; !ok {
		return store.ErrNotFound
	}
	if err := s.enqueueLocked(db, entry); err != nil {
		return err
	}
	failed.ResubmittedAs = entry.ID
	return nil
}

func (s *fakeTransferStore) RecordExists(ctx context.Context, db store.DB, recordID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.hospital(db).records[recordID]
	return ok, nil
}

func (s *fakeTransferStore) GetEntry(ctx context.Context, db store.DB, entryID string) (*model.TransferEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.hospital(db).outbox[entryID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *e
	return &out, nil
}

func (s *fakeTransferStore) ListEntries(ctx context.Context, db store.DB, filter store.TransferFilter) ([]*model.TransferEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.TransferEntry, 0)
	for _, e := range s.hospital(db).outbox {
		if filter.Status == "" || e.Status == filter.Status {
			c := *e
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *fakeTransferStore) Claim(ctx context.Context, db store.DB, owner string, limit int, leaseTTL time.Duration) ([]*model.TransferEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	due := make([]*model.TransferEntry, 0)
	for _, e := range s.hospital(db).outbox {
		if e.Status == model.TransferPending {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]*model.TransferEntry, 0, len(due))
	for _, e := range due {
		e.Status = model.TransferInFlight
		e.ClaimedBy = owner
		e.Attempts++
		if e.TargetRecordID == "" {
			e.TargetRecordID = "target-" + e.ID
		}
		c := *e
		out = append(out, &c)
	}
	return out, nil
}

func (s *fakeTransferStore) Complete(ctx context.Context, db store.DB, entry *model.TransferEntry, owner string) error {
	if s.completeErr != nil {
		if err := s.completeErr(entry); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.hospital(db)
	e, ok := h.outbox[entry.ID]
	if !ok || e.Status != model.TransferInFlight || e.ClaimedBy != owner {
		return store.ErrLeaseLost
	}
	if _, ok := h.records[entry.RecordID]; !ok {
		return store.ErrSourceMissing
	}
	sent := s.now
	e.Status = model.TransferSent
	e.SentAt = &sent
	delete(h.records, entry.RecordID)
	entry.Status = model.TransferSent
	return nil
}

func (s *fakeTransferStore) Fail(ctx context.Context, db store.DB, entryID, owner, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.hospital(db).outbox[entryID]
	if !ok || e.Status != model.TransferInFlight || e.ClaimedBy != owner {
		return store.ErrLeaseLost
	}
	e.Status = model.TransferFailed
	e.ErrorMessage = message
	return nil
}

func (s *fakeTransferStore) SnapshotRecord(ctx context.Context, db store.DB, recordID string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.hospital(db).records[recordID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return json.Marshal(rec)
}

func (s *fakeTransferStore) InsertRecord(ctx context.Context, db store.DB, recordID string, payload json.RawMessage) (bool, error) {
	if s.insertErr != nil {
		if err := s.insertErr(db, recordID); err != nil {
			return false, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.hospital(db)
	if _, exists := h.records[recordID]; exists {
		return false, nil
	}
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return false, err
	}
	fields["id"] = recordID
	h.records[recordID] = fields
	s.inserts++
	return true, nil
}

func (s *fakeTransferStore) DeleteRecord(ctx context.Context, db store.DB, recordID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.hospital(db).records, recordID)
	s.deletes = append(s.deletes, recordID)
	return nil
}
