package accsync

import (
	"context"
	"fmt"
	"time"

	"github.com/crbnos/accounting_sync/appctx"
	"github.com/crbnos/accounting_sync/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// LocalEntity is the engine's view of one local record: identity, the
// last-modified timestamp the fast bailout compares, and the row itself for
// the mapper.
type LocalEntity struct {
	Id        string
	UpdatedAt time.Time
	Data      any
}

// ShouldSyncContext is handed to an entity type's business-rule hook.
type ShouldSyncContext struct {
	Direction   string
	LocalEntity *LocalEntity
	Remote      *RemoteEntity
	IsFirstSync bool
	EntityId    string
}

// ShouldSyncFunc decides whether an entity should sync at all. A false return
// is a normal, loggable skip, not an error; the reason is surfaced on the
// result.
type ShouldSyncFunc func(ctx context.Context, sc ShouldSyncContext) (bool, string)

// EntityOps is the abstract contract one entity type plugs into the generic
// sync algorithm. Concrete syncers are values satisfying this interface.
type EntityOps interface {
	EntityType() string
	SourceTable() string
	Family() string

	// FetchLocal returns nil, nil when the entity does not exist.
	FetchLocal(ctx context.Context, entityId string) (*LocalEntity, error)
	FetchLocalBatch(ctx context.Context, entityIds []string) (map[string]*LocalEntity, error)
	FetchRemote(ctx context.Context, externalId string) (*RemoteEntity, error)
	FetchRemoteBatch(ctx context.Context, externalIds []string) (map[string]*RemoteEntity, error)

	MapToRemote(ctx context.Context, local *LocalEntity) (map[string]any, error)
	MapToLocal(ctx context.Context, remote *RemoteEntity) (any, error)

	// UpsertLocal writes the mapped payload, updating existingEntityId when
	// non-empty, and returns the local id.
	UpsertLocal(ctx context.Context, tx *gorm.DB, existingEntityId string, payload any) (string, error)
	UpsertRemote(ctx context.Context, payload map[string]any) (string, error)
	UpsertRemoteBatch(ctx context.Context, payloads map[string]map[string]any) (map[string]string, error)

	// ShouldSync may return nil when the type has no business-rule filter.
	ShouldSync() ShouldSyncFunc
}

// EntitySyncer runs the generic one-directional push/pull algorithm for one
// entity type against one integration.
type EntitySyncer struct {
	Ops         EntityOps
	Store       MappingStore
	Config      EntityConfig
	Integration string
	DB          *gorm.DB
	Logger      *logrus.Logger
}

func (s *EntitySyncer) entityType() string { return s.Ops.EntityType() }

func (s *EntitySyncer) logFields(funcName string) logrus.Fields {
	return logrus.Fields{
		"module":      "accsync",
		"funcName":    funcName,
		"entityType":  s.entityType(),
		"integration": s.Integration,
	}
}

func (s *EntitySyncer) errResult(ctx context.Context, funcName, entityId, externalId string, err error) SyncResult {
	if s.Logger != nil {
		fields := s.logFields(funcName)
		fields["entityId"] = entityId
		fields["externalId"] = externalId
		if cid, ok := utils.GetCorrelationIdFromContext(ctx); ok {
			fields["correlationId"] = cid
		}
		s.Logger.WithFields(fields).Error(err.Error())
	}
	return SyncResult{
		Status:     StatusError,
		Action:     ActionNone,
		EntityId:   entityId,
		ExternalId: externalId,
		Error:      err.Error(),
	}
}

func skipResult(entityId, externalId, reason string) SyncResult {
	return SyncResult{
		Status:     StatusSkipped,
		Action:     ActionNone,
		EntityId:   entityId,
		ExternalId: externalId,
		Reason:     reason,
	}
}

// GetRemoteId returns the mapped external id for a local entity, or "" when
// the pair has never synced.
func (s *EntitySyncer) GetRemoteId(ctx context.Context, entityId string) (string, error) {
	return s.Store.GetExternalId(ctx, s.entityType(), entityId, s.Integration)
}

// PushToAccounting syncs one local entity out to the provider. It never
// returns an error; every fault is folded into the result so callers can
// always assemble complete batch outcomes.
func (s *EntitySyncer) PushToAccounting(ctx context.Context, entityId string) SyncResult {
	if !s.Config.Enabled {
		return skipResult(entityId, "", fmt.Sprintf("sync disabled for %s", s.entityType()))
	}
	if !s.Config.pushAllowed() {
		return skipResult(entityId, "", "push disabled by sync direction")
	}

	mapping, err := s.Store.GetByEntity(ctx, s.entityType(), entityId, s.Integration)
	if err != nil {
		return s.errResult(ctx, "PushToAccounting", entityId, "", err)
	}

	local, err := s.Ops.FetchLocal(ctx, entityId)
	if err != nil {
		return s.errResult(ctx, "PushToAccounting", entityId, "", err)
	}
	if local == nil {
		return s.errResult(ctx, "PushToAccounting", entityId, "",
			fmt.Errorf("%s %s not found locally", s.entityType(), entityId))
	}

	if cutoff := s.Config.ChangedAfter; cutoff != nil && local.UpdatedAt.Before(*cutoff) {
		return skipResult(entityId, "", "modified before sync cutoff")
	}

	if hook := s.Ops.ShouldSync(); hook != nil {
		ok, reason := hook(ctx, ShouldSyncContext{
			Direction:   DirectionPush,
			LocalEntity: local,
			IsFirstSync: mapping == nil,
			EntityId:    entityId,
		})
		if !ok {
			return skipResult(entityId, "", reason)
		}
	}

	// Fast bailout: nothing changed locally since the last successful push.
	// Keeps retries and periodic re-scans from producing redundant remote
	// writes.
	if mapping != nil && mapping.LastSyncedAt != nil && !local.UpdatedAt.After(*mapping.LastSyncedAt) {
		return skipResult(entityId, mapping.ExternalId, "local entity unchanged since last sync")
	}

	payload, err := s.Ops.MapToRemote(ctx, local)
	if err != nil {
		return s.errResult(ctx, "PushToAccounting", entityId, "", err)
	}

	externalId, err := s.Ops.UpsertRemote(ctx, payload)
	if err != nil {
		return s.errResult(ctx, "PushToAccounting", entityId, "", err)
	}

	if _, err := s.Store.Link(ctx, s.entityType(), entityId, s.Integration, externalId, LinkOptions{}); err != nil {
		return s.errResult(ctx, "PushToAccounting", entityId, externalId, err)
	}

	action := ActionUpdated
	if mapping == nil {
		action = ActionCreated
	}
	return SyncResult{
		Status:     StatusSuccess,
		Action:     action,
		EntityId:   entityId,
		ExternalId: externalId,
	}
}

// PullFromAccounting syncs one remote entity in. The mapping lookup and the
// remote-timestamp bailout happen before any local entity read; the common
// "nothing changed" case costs no local fetch at all.
func (s *EntitySyncer) PullFromAccounting(ctx context.Context, externalId string) SyncResult {
	if !s.Config.Enabled {
		return skipResult("", externalId, fmt.Sprintf("sync disabled for %s", s.entityType()))
	}
	if !s.Config.pullAllowed() {
		return skipResult("", externalId, "pull disabled by sync direction")
	}

	mapping, err := s.Store.GetByExternalId(ctx, s.entityType(), externalId, s.Integration)
	if err != nil {
		return s.errResult(ctx, "PullFromAccounting", "", externalId, err)
	}

	// Pulls never overwrite data Carbon considers authoritative, no matter
	// how new the remote copy is.
	if mapping != nil && s.Config.Owner == OwnerCarbon {
		return skipResult(mapping.EntityId, externalId, "Carbon is System of Record")
	}

	remote, err := s.Ops.FetchRemote(ctx, externalId)
	if err != nil {
		return s.errResult(ctx, "PullFromAccounting", "", externalId, err)
	}
	if remote == nil {
		return s.errResult(ctx, "PullFromAccounting", "", externalId,
			fmt.Errorf("%s %s not found in %s", s.entityType(), externalId, s.Integration))
	}

	if hook := s.Ops.ShouldSync(); hook != nil {
		ok, reason := hook(ctx, ShouldSyncContext{
			Direction:   DirectionPull,
			Remote:      remote,
			IsFirstSync: mapping == nil,
			EntityId:    externalId,
		})
		if !ok {
			return skipResult("", externalId, reason)
		}
	}

	if mapping != nil && mapping.RemoteUpdatedAt != nil && !remote.UpdatedAt.After(*mapping.RemoteUpdatedAt) {
		return skipResult(mapping.EntityId, externalId, "remote entity unchanged since last sync")
	}

	if cutoff := s.Config.ChangedAfter; cutoff != nil && remote.UpdatedAt.Before(*cutoff) {
		return skipResult("", externalId, "modified before sync cutoff")
	}

	payload, err := s.Ops.MapToLocal(ctx, remote)
	if err != nil {
		return s.errResult(ctx, "PullFromAccounting", "", externalId, err)
	}

	existingEntityId := ""
	if mapping != nil {
		existingEntityId = mapping.EntityId
	}

	entityId, err := s.upsertLocalSuppressed(ctx, existingEntityId, payload)
	if err != nil {
		return s.errResult(ctx, "PullFromAccounting", existingEntityId, externalId, err)
	}

	remoteUpdatedAt := remote.UpdatedAt
	if _, err := s.Store.Link(ctx, s.entityType(), entityId, s.Integration, externalId, LinkOptions{
		RemoteUpdatedAt: &remoteUpdatedAt,
	}); err != nil {
		return s.errResult(ctx, "PullFromAccounting", entityId, externalId, err)
	}

	action := ActionUpdated
	if mapping == nil {
		action = ActionCreated
	}
	return SyncResult{
		Status:     StatusSuccess,
		Action:     action,
		EntityId:   entityId,
		ExternalId: externalId,
	}
}

// upsertLocalSuppressed writes the pulled payload in a transaction whose
// context carries the pull sync-origin tag, so model hooks do not enqueue an
// outbound change event for the engine's own write.
func (s *EntitySyncer) upsertLocalSuppressed(ctx context.Context, existingEntityId string, payload any) (string, error) {
	txCtx := utils.SetSyncOriginInContext(ctx, appctx.SyncOriginPull)

	if s.DB == nil {
		return s.Ops.UpsertLocal(txCtx, nil, existingEntityId, payload)
	}

	var entityId string
	err := s.DB.WithContext(txCtx).Transaction(func(tx *gorm.DB) error {
		var txErr error
		entityId, txErr = s.Ops.UpsertLocal(txCtx, tx, existingEntityId, payload)
		return txErr
	})
	return entityId, err
}

// PushBatchToAccounting pushes a bounded set of local ids with O(1) round
// trips: one local batch fetch, one remote batch upsert, one link batch.
func (s *EntitySyncer) PushBatchToAccounting(ctx context.Context, entityIds []string) BatchSyncResult {
	var batch BatchSyncResult

	if !s.Config.Enabled {
		for _, id := range entityIds {
			batch.add(skipResult(id, "", fmt.Sprintf("sync disabled for %s", s.entityType())))
		}
		return batch
	}
	if !s.Config.pushAllowed() {
		for _, id := range entityIds {
			batch.add(skipResult(id, "", "push disabled by sync direction"))
		}
		return batch
	}
	if len(entityIds) == 0 {
		return batch
	}

	locals, err := s.Ops.FetchLocalBatch(ctx, entityIds)
	if err != nil {
		for _, id := range entityIds {
			batch.add(s.errResult(ctx, "PushBatchToAccounting", id, "", err))
		}
		return batch
	}

	hook := s.Ops.ShouldSync()
	payloads := map[string]map[string]any{}
	var pendingIds []string

	for _, id := range entityIds {
		local, ok := locals[id]
		if !ok || local == nil {
			batch.add(s.errResult(ctx, "PushBatchToAccounting", id, "",
				fmt.Errorf("%s %s not found locally", s.entityType(), id)))
			continue
		}

		if cutoff := s.Config.ChangedAfter; cutoff != nil && local.UpdatedAt.Before(*cutoff) {
			batch.add(skipResult(id, "", "modified before sync cutoff"))
			continue
		}

		if hook != nil {
			// Batch mode skips the per-item mapping lookup, so first-sync is
			// assumed: one round trip instead of N, at the cost of a less
			// precise signal.
			ok, reason := hook(ctx, ShouldSyncContext{
				Direction:   DirectionPush,
				LocalEntity: local,
				IsFirstSync: true,
				EntityId:    id,
			})
			if !ok {
				batch.add(skipResult(id, "", reason))
				continue
			}
		}

		payload, err := s.Ops.MapToRemote(ctx, local)
		if err != nil {
			batch.add(s.errResult(ctx, "PushBatchToAccounting", id, "", err))
			continue
		}
		payloads[id] = payload
		pendingIds = append(pendingIds, id)
	}

	if len(payloads) == 0 {
		return batch
	}

	externalIds, err := s.Ops.UpsertRemoteBatch(ctx, payloads)
	if err != nil {
		// The whole call was rejected; every still-pending id gets the
		// batch-level message so nothing is silently dropped.
		for _, id := range pendingIds {
			batch.add(s.errResult(ctx, "PushBatchToAccounting", id, "", err))
		}
		return batch
	}

	var links []MappingInput
	var linked []string
	for _, id := range pendingIds {
		externalId, ok := externalIds[id]
		if !ok || externalId == "" {
			batch.add(s.errResult(ctx, "PushBatchToAccounting", id, "",
				fmt.Errorf("provider returned no remote id for %s %s", s.entityType(), id)))
			continue
		}
		links = append(links, MappingInput{
			EntityType: s.entityType(),
			EntityId:   id,
			ExternalId: externalId,
		})
		linked = append(linked, id)
	}

	if len(links) > 0 {
		if err := s.Store.LinkBatch(ctx, s.Integration, links); err != nil {
			for _, id := range linked {
				batch.add(s.errResult(ctx, "PushBatchToAccounting", id, externalIds[id], err))
			}
			return batch
		}
	}

	for _, id := range linked {
		batch.add(SyncResult{
			Status:     StatusSuccess,
			Action:     ActionCreated,
			EntityId:   id,
			ExternalId: externalIds[id],
		})
	}
	return batch
}

// PullBatchFromAccounting pulls a set of remote ids. Per-item freshness uses
// the store's IsUpToDate predicate; the ownership rule is applied before any
// local write.
func (s *EntitySyncer) PullBatchFromAccounting(ctx context.Context, externalIds []string) BatchSyncResult {
	var batch BatchSyncResult

	if !s.Config.Enabled {
		for _, id := range externalIds {
			batch.add(skipResult("", id, fmt.Sprintf("sync disabled for %s", s.entityType())))
		}
		return batch
	}
	if !s.Config.pullAllowed() {
		for _, id := range externalIds {
			batch.add(skipResult("", id, "pull disabled by sync direction"))
		}
		return batch
	}
	if len(externalIds) == 0 {
		return batch
	}

	remotes, err := s.Ops.FetchRemoteBatch(ctx, externalIds)
	if err != nil {
		for _, id := range externalIds {
			batch.add(s.errResult(ctx, "PullBatchFromAccounting", "", id, err))
		}
		return batch
	}

	hook := s.Ops.ShouldSync()
	var links []MappingInput
	pulledExternalIds := map[string]bool{}

	for _, externalId := range externalIds {
		remote, ok := remotes[externalId]
		if !ok || remote == nil {
			batch.add(s.errResult(ctx, "PullBatchFromAccounting", "", externalId,
				fmt.Errorf("%s %s not found in %s", s.entityType(), externalId, s.Integration)))
			continue
		}

		mapping, err := s.Store.GetByExternalId(ctx, s.entityType(), externalId, s.Integration)
		if err != nil {
			batch.add(s.errResult(ctx, "PullBatchFromAccounting", "", externalId, err))
			continue
		}

		if mapping != nil && s.Config.Owner == OwnerCarbon {
			batch.add(skipResult(mapping.EntityId, externalId, "Carbon is System of Record"))
			continue
		}

		upToDate, err := s.Store.IsUpToDate(ctx, s.Integration, externalId, remote.UpdatedAt)
		if err != nil {
			batch.add(s.errResult(ctx, "PullBatchFromAccounting", "", externalId, err))
			continue
		}
		if upToDate {
			batch.add(skipResult("", externalId, "remote entity unchanged since last sync"))
			continue
		}

		if cutoff := s.Config.ChangedAfter; cutoff != nil && remote.UpdatedAt.Before(*cutoff) {
			batch.add(skipResult("", externalId, "modified before sync cutoff"))
			continue
		}

		if hook != nil {
			ok, reason := hook(ctx, ShouldSyncContext{
				Direction:   DirectionPull,
				Remote:      remote,
				IsFirstSync: mapping == nil,
				EntityId:    externalId,
			})
			if !ok {
				batch.add(skipResult("", externalId, reason))
				continue
			}
		}

		payload, err := s.Ops.MapToLocal(ctx, remote)
		if err != nil {
			batch.add(s.errResult(ctx, "PullBatchFromAccounting", "", externalId, err))
			continue
		}

		existingEntityId := ""
		if mapping != nil {
			existingEntityId = mapping.EntityId
		}
		entityId, err := s.upsertLocalSuppressed(ctx, existingEntityId, payload)
		if err != nil {
			batch.add(s.errResult(ctx, "PullBatchFromAccounting", existingEntityId, externalId, err))
			continue
		}

		stamp := remote.UpdatedAt
		links = append(links, MappingInput{
			EntityType: s.entityType(),
			EntityId:   entityId,
			ExternalId: externalId,
			Opts:       LinkOptions{RemoteUpdatedAt: &stamp},
		})
		action := ActionUpdated
		if mapping == nil {
			action = ActionCreated
		}
		pulledExternalIds[externalId] = true
		batch.add(SyncResult{
			Status:     StatusSuccess,
			Action:     action,
			EntityId:   entityId,
			ExternalId: externalId,
		})
	}

	if len(links) > 0 {
		if err := s.Store.LinkBatch(ctx, s.Integration, links); err != nil {
			// The local writes landed; only the mapping write failed. Flip the
			// affected results to errors so the caller re-runs them.
			for i := range batch.Results {
				if pulledExternalIds[batch.Results[i].ExternalId] && batch.Results[i].Status == StatusSuccess {
					batch.Results[i].Status = StatusError
					batch.Results[i].Error = err.Error()
					batch.Success--
					batch.Errors++
				}
			}
		}
	}
	return batch
}
