package accsync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/crbnos/accounting_sync/models"
	"github.com/crbnos/accounting_sync/utils"
	"gorm.io/gorm"
)

// The engine tests run entirely in memory: fake ops, fake store, no database.

type fakeOps struct {
	entityType string
	locals     map[string]*LocalEntity
	remotes    map[string]*RemoteEntity
	hook       ShouldSyncFunc

	fetchLocalErr   error
	upsertRemoteErr error
	batchErr        error

	mu               sync.Mutex
	fetchRemoteCalls int
	remoteUpserts    int
	localUpserts     int
	nextLocalId      int
}

func (o *fakeOps) EntityType() string  { return o.entityType }
func (o *fakeOps) SourceTable() string { return o.entityType + "s" }
func (o *fakeOps) Family() string      { return o.entityType }

func (o *fakeOps) FetchLocal(ctx context.Context, entityId string) (*LocalEntity, error) {
	if o.fetchLocalErr != nil {
		return nil, o.fetchLocalErr
	}
	return o.locals[entityId], nil
}

func (o *fakeOps) FetchLocalBatch(ctx context.Context, entityIds []string) (map[string]*LocalEntity, error) {
	if o.fetchLocalErr != nil {
		return nil, o.fetchLocalErr
	}
	out := map[string]*LocalEntity{}
	for _, id := range entityIds {
		if l, ok := o.locals[id]; ok {
			out[id] = l
		}
	}
	return out, nil
}

func (o *fakeOps) FetchRemote(ctx context.Context, externalId string) (*RemoteEntity, error) {
	o.mu.Lock()
	o.fetchRemoteCalls++
	o.mu.Unlock()
	return o.remotes[externalId], nil
}

func (o *fakeOps) FetchRemoteBatch(ctx context.Context, externalIds []string) (map[string]*RemoteEntity, error) {
	out := map[string]*RemoteEntity{}
	for _, id := range externalIds {
		if r, ok := o.remotes[id]; ok {
			out[id] = r
		}
	}
	return out, nil
}

func (o *fakeOps) MapToRemote(ctx context.Context, local *LocalEntity) (map[string]any, error) {
	return map[string]any{"localId": local.Id}, nil
}

func (o *fakeOps) MapToLocal(ctx context.Context, remote *RemoteEntity) (any, error) {
	return remote.Payload, nil
}

func (o *fakeOps) UpsertLocal(ctx context.Context, tx *gorm.DB, existingEntityId string, payload any) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.localUpserts++
	if existingEntityId != "" {
		return existingEntityId, nil
	}
	o.nextLocalId++
	return strconv.Itoa(o.nextLocalId + 1000), nil
}

func (o *fakeOps) UpsertRemote(ctx context.Context, payload map[string]any) (string, error) {
	if o.upsertRemoteErr != nil {
		return "", o.upsertRemoteErr
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.remoteUpserts++
	return "ext-" + payload["localId"].(string), nil
}

func (o *fakeOps) UpsertRemoteBatch(ctx context.Context, payloads map[string]map[string]any) (map[string]string, error) {
	if o.batchErr != nil {
		return nil, o.batchErr
	}
	out := map[string]string{}
	for localId := range payloads {
		o.mu.Lock()
		o.remoteUpserts++
		o.mu.Unlock()
		out[localId] = "ext-" + localId
	}
	return out, nil
}

func (o *fakeOps) ShouldSync() ShouldSyncFunc { return o.hook }

type fakeStore struct {
	mu       sync.Mutex
	mappings []*models.EntityMapping
}

func (s *fakeStore) find(entityType, entityId string) *models.EntityMapping {
	for _, m := range s.mappings {
		if m.EntityType == entityType && m.EntityId == entityId {
			return m
		}
	}
	return nil
}

func (s *fakeStore) Link(ctx context.Context, entityType, entityId, integration, externalId string, opts LinkOptions) (*models.EntityMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if m := s.find(entityType, entityId); m != nil {
		m.ExternalId = externalId
		m.LastSyncedAt = &now
		if opts.RemoteUpdatedAt != nil {
			m.RemoteUpdatedAt = opts.RemoteUpdatedAt
		}
		return m, nil
	}
	m := &models.EntityMapping{
		EntityType:      entityType,
		EntityId:        entityId,
		Integration:     integration,
		ExternalId:      externalId,
		LastSyncedAt:    &now,
		RemoteUpdatedAt: opts.RemoteUpdatedAt,
	}
	s.mappings = append(s.mappings, m)
	return m, nil
}

func (s *fakeStore) LinkBatch(ctx context.Context, integration string, inputs []MappingInput) error {
	for _, in := range inputs {
		if _, err := s.Link(ctx, in.EntityType, in.EntityId, integration, in.ExternalId, in.Opts); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeStore) Unlink(ctx context.Context, entityType, entityId, integration string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.mappings {
		if m.EntityType == entityType && m.EntityId == entityId {
			s.mappings = append(s.mappings[:i], s.mappings[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *fakeStore) GetExternalId(ctx context.Context, entityType, entityId, integration string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.find(entityType, entityId); m != nil {
		return m.ExternalId, nil
	}
	return "", nil
}

func (s *fakeStore) GetEntityId(ctx context.Context, entityType, externalId, integration string) (string, error) {
	m, _ := s.GetByExternalId(ctx, entityType, externalId, integration)
	if m == nil {
		return "", nil
	}
	return m.EntityId, nil
}

func (s *fakeStore) GetByEntity(ctx context.Context, entityType, entityId, integration string) (*models.EntityMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.find(entityType, entityId), nil
}

func (s *fakeStore) GetByExternalId(ctx context.Context, entityType, externalId, integration string) (*models.EntityMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.mappings {
		if m.ExternalId == externalId && (entityType == "" || m.EntityType == entityType) {
			return m, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) IsUpToDate(ctx context.Context, integration, externalId string, remoteUpdatedAt time.Time) (bool, error) {
	m, _ := s.GetByExternalId(ctx, "", externalId, integration)
	if m == nil || m.RemoteUpdatedAt == nil {
		return false, nil
	}
	return !m.RemoteUpdatedAt.Before(remoteUpdatedAt), nil
}

func (s *fakeStore) GetUnsyncedEntityIds(ctx context.Context, entityType, sourceTable, integration string, limit int) ([]string, error) {
	return nil, nil
}

func newTestSyncer(ops *fakeOps, store MappingStore, cfg EntityConfig) *EntitySyncer {
	return &EntitySyncer{
		Ops:         ops,
		Store:       store,
		Config:      cfg,
		Integration: "xero",
	}
}

func testCtx() context.Context {
	return utils.SetCompanyIdInContext(context.Background(), "co-1")
}

func localAt(id string, updatedAt time.Time) *LocalEntity {
	return &LocalEntity{Id: id, UpdatedAt: updatedAt, Data: id}
}

func TestPushCreatesMappingThenSkipsUnchanged(t *testing.T) {
	now := time.Now()
	ops := &fakeOps{
		entityType: "customer",
		locals:     map[string]*LocalEntity{"1": localAt("1", now)},
	}
	store := &fakeStore{}
	s := newTestSyncer(ops, store, DefaultEntityConfig())

	r := s.PushToAccounting(testCtx(), "1")
	if r.Status != StatusSuccess || r.Action != ActionCreated {
		t.Fatalf("first push: expected success/created, got %s/%s (%s)", r.Status, r.Action, r.Error)
	}
	if r.ExternalId != "ext-1" {
		t.Fatalf("expected ext-1, got %s", r.ExternalId)
	}
	if m := store.find("customer", "1"); m == nil {
		t.Fatal("mapping not created")
	}

	r = s.PushToAccounting(testCtx(), "1")
	if r.Status != StatusSkipped {
		t.Fatalf("second push: expected skipped, got %s (%s)", r.Status, r.Error)
	}
	if ops.remoteUpserts != 1 {
		t.Fatalf("expected 1 remote upsert, got %d", ops.remoteUpserts)
	}
}

func TestPushResyncsAfterLocalChange(t *testing.T) {
	now := time.Now()
	ops := &fakeOps{
		entityType: "customer",
		locals:     map[string]*LocalEntity{"1": localAt("1", now)},
	}
	store := &fakeStore{}
	s := newTestSyncer(ops, store, DefaultEntityConfig())

	if r := s.PushToAccounting(testCtx(), "1"); r.Status != StatusSuccess {
		t.Fatalf("setup push failed: %s", r.Error)
	}

	ops.locals["1"] = localAt("1", now.Add(time.Minute))
	r := s.PushToAccounting(testCtx(), "1")
	if r.Status != StatusSuccess || r.Action != ActionUpdated {
		t.Fatalf("expected success/updated, got %s/%s", r.Status, r.Action)
	}
	if ops.remoteUpserts != 2 {
		t.Fatalf("expected 2 remote upserts, got %d", ops.remoteUpserts)
	}
}

func TestPushMissingLocalIsError(t *testing.T) {
	ops := &fakeOps{entityType: "customer", locals: map[string]*LocalEntity{}}
	s := newTestSyncer(ops, &fakeStore{}, DefaultEntityConfig())

	r := s.PushToAccounting(testCtx(), "404")
	if r.Status != StatusError {
		t.Fatalf("expected error, got %s", r.Status)
	}
}

func TestPushDirectionAndDisabledSkips(t *testing.T) {
	ops := &fakeOps{entityType: "customer", locals: map[string]*LocalEntity{"1": localAt("1", time.Now())}}
	store := &fakeStore{}

	s := newTestSyncer(ops, store, EntityConfig{Enabled: true, Direction: DirectionPull, Owner: OwnerCarbon})
	if r := s.PushToAccounting(testCtx(), "1"); r.Status != StatusSkipped {
		t.Fatalf("pull-only push: expected skipped, got %s", r.Status)
	}

	s = newTestSyncer(ops, store, EntityConfig{Enabled: false, Direction: DirectionBoth, Owner: OwnerCarbon})
	if r := s.PushToAccounting(testCtx(), "1"); r.Status != StatusSkipped {
		t.Fatalf("disabled push: expected skipped, got %s", r.Status)
	}
	if ops.remoteUpserts != 0 {
		t.Fatalf("expected no remote upserts, got %d", ops.remoteUpserts)
	}
}

func TestPushErrorsAreResultsNotPanics(t *testing.T) {
	ops := &fakeOps{
		entityType:    "customer",
		fetchLocalErr: errors.New("db gone"),
	}
	s := newTestSyncer(ops, &fakeStore{}, DefaultEntityConfig())

	r := s.PushToAccounting(testCtx(), "1")
	if r.Status != StatusError || r.Error == "" {
		t.Fatalf("expected error result, got %+v", r)
	}
}

func TestPullOwnershipCarbonWins(t *testing.T) {
	remoteTime := time.Now()
	ops := &fakeOps{
		entityType: "customer",
		remotes: map[string]*RemoteEntity{
			"ext-9": {Id: "ext-9", UpdatedAt: remoteTime, Payload: map[string]any{"name": "Remote"}},
		},
	}
	store := &fakeStore{}
	old := remoteTime.Add(-time.Hour)
	_, _ = store.Link(testCtx(), "customer", "9", "xero", "ext-9", LinkOptions{RemoteUpdatedAt: &old})

	s := newTestSyncer(ops, store, DefaultEntityConfig())
	r := s.PullFromAccounting(testCtx(), "ext-9")
	if r.Status != StatusSkipped {
		t.Fatalf("expected skipped, got %s (%s)", r.Status, r.Error)
	}
	if r.Reason != "Carbon is System of Record" {
		t.Fatalf("unexpected reason: %q", r.Reason)
	}
	// The ownership gate fires before any provider call.
	if ops.fetchRemoteCalls != 0 {
		t.Fatalf("expected no remote fetch, got %d", ops.fetchRemoteCalls)
	}
}

func TestPullSkipsUnchangedWithoutLocalWrite(t *testing.T) {
	remoteTime := time.Now()
	ops := &fakeOps{
		entityType: "customer",
		remotes: map[string]*RemoteEntity{
			"ext-9": {Id: "ext-9", UpdatedAt: remoteTime, Payload: map[string]any{"name": "Remote"}},
		},
	}
	store := &fakeStore{}
	stamp := remoteTime.Add(time.Minute)
	_, _ = store.Link(testCtx(), "customer", "9", "xero", "ext-9", LinkOptions{RemoteUpdatedAt: &stamp})

	cfg := DefaultEntityConfig()
	cfg.Owner = OwnerProvider
	s := newTestSyncer(ops, store, cfg)

	r := s.PullFromAccounting(testCtx(), "ext-9")
	if r.Status != StatusSkipped {
		t.Fatalf("expected skipped, got %s (%s)", r.Status, r.Error)
	}
	if ops.localUpserts != 0 {
		t.Fatalf("expected no local writes, got %d", ops.localUpserts)
	}
}

func TestPullCreatesLocalAndLinks(t *testing.T) {
	remoteTime := time.Now()
	ops := &fakeOps{
		entityType: "customer",
		remotes: map[string]*RemoteEntity{
			"ext-7": {Id: "ext-7", UpdatedAt: remoteTime, Payload: map[string]any{"name": "Remote"}},
		},
	}
	store := &fakeStore{}
	s := newTestSyncer(ops, store, DefaultEntityConfig())

	r := s.PullFromAccounting(testCtx(), "ext-7")
	if r.Status != StatusSuccess || r.Action != ActionCreated {
		t.Fatalf("expected success/created, got %s/%s (%s)", r.Status, r.Action, r.Error)
	}
	m, _ := store.GetByExternalId(testCtx(), "customer", "ext-7", "xero")
	if m == nil {
		t.Fatal("mapping not created")
	}
	if m.RemoteUpdatedAt == nil || !m.RemoteUpdatedAt.Equal(remoteTime) {
		t.Fatalf("remote timestamp not recorded: %v", m.RemoteUpdatedAt)
	}

	// Replaying the same pull is now a no-op.
	r = s.PullFromAccounting(testCtx(), "ext-7")
	if r.Status != StatusSkipped {
		t.Fatalf("replay: expected skipped, got %s", r.Status)
	}
}

func TestPullMissingRemoteIsError(t *testing.T) {
	ops := &fakeOps{entityType: "customer", remotes: map[string]*RemoteEntity{}}
	cfg := DefaultEntityConfig()
	cfg.Owner = OwnerProvider
	s := newTestSyncer(ops, &fakeStore{}, cfg)

	r := s.PullFromAccounting(testCtx(), "ext-missing")
	if r.Status != StatusError {
		t.Fatalf("expected error, got %s", r.Status)
	}
}

func TestPushBatchIsolatesFailures(t *testing.T) {
	now := time.Now()
	ops := &fakeOps{
		entityType: "customer",
		locals: map[string]*LocalEntity{
			"1": localAt("1", now),
			"2": localAt("2", now),
		},
	}
	store := &fakeStore{}
	s := newTestSyncer(ops, store, DefaultEntityConfig())

	batch := s.PushBatchToAccounting(testCtx(), []string{"1", "2", "404"})
	if batch.Success != 2 || batch.Errors != 1 {
		t.Fatalf("expected 2 success 1 error, got %+v", batch)
	}
	if len(batch.Results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(batch.Results))
	}
	if m := store.find("customer", "1"); m == nil {
		t.Fatal("mapping for 1 missing")
	}
}

func TestPushBatchRemoteFailureFansOut(t *testing.T) {
	now := time.Now()
	ops := &fakeOps{
		entityType: "customer",
		locals: map[string]*LocalEntity{
			"1": localAt("1", now),
			"2": localAt("2", now),
		},
		batchErr: errors.New("rate limited"),
	}
	s := newTestSyncer(ops, &fakeStore{}, DefaultEntityConfig())

	batch := s.PushBatchToAccounting(testCtx(), []string{"1", "2"})
	if batch.Errors != 2 || batch.Success != 0 {
		t.Fatalf("expected every item to fail, got %+v", batch)
	}
	for _, r := range batch.Results {
		if r.Error == "" {
			t.Fatalf("missing error message on %+v", r)
		}
	}
}

func TestPushBatchShouldSyncHookSkips(t *testing.T) {
	now := time.Now()
	ops := &fakeOps{
		entityType: "customer",
		locals: map[string]*LocalEntity{
			"1": localAt("1", now),
			"2": localAt("2", now),
		},
		hook: func(ctx context.Context, sc ShouldSyncContext) (bool, string) {
			if sc.EntityId == "2" {
				return false, "filtered"
			}
			return true, ""
		},
	}
	s := newTestSyncer(ops, &fakeStore{}, DefaultEntityConfig())

	batch := s.PushBatchToAccounting(testCtx(), []string{"1", "2"})
	if batch.Success != 1 || batch.Skipped != 1 {
		t.Fatalf("expected 1 success 1 skipped, got %+v", batch)
	}
}

func TestPullBatchAppliesOwnershipAndFreshness(t *testing.T) {
	remoteTime := time.Now()
	ops := &fakeOps{
		entityType: "customer",
		remotes: map[string]*RemoteEntity{
			"ext-1": {Id: "ext-1", UpdatedAt: remoteTime, Payload: map[string]any{}},
			"ext-2": {Id: "ext-2", UpdatedAt: remoteTime, Payload: map[string]any{}},
			"ext-3": {Id: "ext-3", UpdatedAt: remoteTime, Payload: map[string]any{}},
		},
	}
	store := &fakeStore{}
	// ext-1 is owned by the local side; ext-2 is already fresh.
	old := remoteTime.Add(-time.Hour)
	fresh := remoteTime.Add(time.Minute)
	_, _ = store.Link(testCtx(), "customer", "1", "xero", "ext-1", LinkOptions{RemoteUpdatedAt: &old})
	_, _ = store.Link(testCtx(), "customer", "2", "xero", "ext-2", LinkOptions{RemoteUpdatedAt: &fresh})

	cfg := DefaultEntityConfig()
	s := newTestSyncer(ops, store, cfg)

	batch := s.PullBatchFromAccounting(testCtx(), []string{"ext-1", "ext-2", "ext-3"})
	if batch.Success != 1 || batch.Skipped != 2 || batch.Errors != 0 {
		t.Fatalf("expected 1/0/2 success/errors/skipped, got %+v", batch)
	}
}

// gadgetOps exists to exercise the registry and resolver without touching the
// real entity types.
func TestResolverSyncsDependencyExactlyOnce(t *testing.T) {
	now := time.Now()
	ops := &fakeOps{
		entityType: "gadget",
		locals:     map[string]*LocalEntity{"5": localAt("5", now)},
	}
	registerOps("gadget", func(f *Factory) EntityOps { return ops })

	store := &fakeStore{}
	factory := NewFactory(nil, store, &fakeProvider{}, nil)

	extId, err := factory.Resolver.EnsureSynced(testCtx(), "gadget", "5")
	if err != nil {
		t.Fatalf("EnsureSynced: %v", err)
	}
	if extId != "ext-5" {
		t.Fatalf("expected ext-5, got %s", extId)
	}

	extId, err = factory.Resolver.EnsureSynced(testCtx(), "gadget", "5")
	if err != nil || extId != "ext-5" {
		t.Fatalf("second EnsureSynced: %s, %v", extId, err)
	}
	if ops.remoteUpserts != 1 {
		t.Fatalf("dependency pushed %d times, want 1", ops.remoteUpserts)
	}
}

func TestResolverSkippedDependencyIsHardError(t *testing.T) {
	now := time.Now()
	ops := &fakeOps{
		entityType: "widget",
		locals:     map[string]*LocalEntity{"5": localAt("5", now)},
		hook: func(ctx context.Context, sc ShouldSyncContext) (bool, string) {
			return false, "not eligible"
		},
	}
	registerOps("widget", func(f *Factory) EntityOps { return ops })

	factory := NewFactory(nil, &fakeStore{}, &fakeProvider{}, nil)
	if _, err := factory.Resolver.EnsureSynced(testCtx(), "widget", "5"); err == nil {
		t.Fatal("expected error for skipped dependency")
	}
}

func TestResolverUnknownTypeIsError(t *testing.T) {
	factory := NewFactory(nil, &fakeStore{}, &fakeProvider{}, nil)
	if _, err := factory.Resolver.EnsureSynced(testCtx(), "no-such-type", "1"); err == nil {
		t.Fatal("expected error for unknown entity type")
	}
}

type fakeProvider struct {
	settings SyncSettings
}

func (p *fakeProvider) Name() string { return "xero" }

func (p *fakeProvider) List(ctx context.Context, family string, page int) (ListPage, error) {
	return ListPage{}, nil
}

func (p *fakeProvider) Get(ctx context.Context, family string, externalId string) (*RemoteEntity, error) {
	return nil, nil
}

func (p *fakeProvider) GetBatch(ctx context.Context, family string, externalIds []string) (map[string]*RemoteEntity, error) {
	return nil, nil
}

func (p *fakeProvider) Upsert(ctx context.Context, family string, payload map[string]any) (RemoteEntity, error) {
	return RemoteEntity{Id: fmt.Sprintf("prov-%s", family)}, nil
}

func (p *fakeProvider) UpsertBatch(ctx context.Context, family string, payloads map[string]map[string]any) (map[string]string, error) {
	return nil, nil
}

func (p *fakeProvider) GetSyncConfig(entityType string) EntityConfig {
	return p.settings.Config(entityType)
}
