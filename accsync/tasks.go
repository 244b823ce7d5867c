package accsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bsm/redislock"
	"github.com/crbnos/accounting_sync/config"
	"github.com/crbnos/accounting_sync/models"
	"github.com/crbnos/accounting_sync/utils"
	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

var validate = validator.New()

// PullPageTask pulls one provider list page for a remote family and applies
// every record on it. Pages are small enough to finish inside one Pub/Sub ack
// window; the caller chains the next page when HasMore is set.
type PullPageTask struct {
	CompanyId        string `json:"companyId" validate:"required"`
	Provider         string `json:"provider" validate:"required"`
	EntityType       string `json:"entityType" validate:"required,oneof=contact item"`
	Page             int    `json:"page" validate:"min=1"`
	IncludeCustomers bool   `json:"includeCustomers"`
	IncludeVendors   bool   `json:"includeVendors"`
}

type PullPageResult struct {
	HasMore bool `json:"hasMore"`
	Applied int  `json:"applied"`
	Skipped int  `json:"skipped"`
	Errors  int  `json:"errors"`
}

// PushBatchTask pushes a bounded set of local entities of one type.
type PushBatchTask struct {
	CompanyId  string   `json:"companyId" validate:"required"`
	Provider   string   `json:"provider" validate:"required"`
	EntityType string   `json:"entityType" validate:"required,oneof=customer supplier item"`
	EntityIds  []string `json:"entityIds" validate:"required,min=1,dive,required"`
}

// BackfillTask seeds a fresh integration: pull every remote page first, then
// push every local row that still has no mapping, in batches, until a short
// batch signals the end.
type BackfillTask struct {
	CompanyId   string          `json:"companyId" validate:"required"`
	Provider    string          `json:"provider" validate:"required"`
	BatchSize   int             `json:"batchSize,omitempty"`
	EntityTypes BackfillModules `json:"entityTypes"`
	RunId       uint            `json:"runId,omitempty"`
	TriggeredBy string          `json:"triggeredBy,omitempty"`
}

type BackfillModules struct {
	Customers bool `json:"customers"`
	Vendors   bool `json:"vendors"`
	Items     bool `json:"items"`
}

func DefaultBackfillModules() BackfillModules {
	return BackfillModules{Customers: true, Vendors: true, Items: true}
}

// ApplyChangeEventsTask carries a batch of change events, usually claimed from
// the outbox, to be synced in the given direction.
type ApplyChangeEventsTask struct {
	CompanyId     string             `json:"companyId" validate:"required"`
	Provider      string             `json:"provider" validate:"required"`
	SyncDirection string             `json:"syncDirection" validate:"required,oneof=push-to-accounting pull-from-accounting"`
	Entities      []AccountingEntity `json:"entities" validate:"required,min=1,dive"`
	Metadata      map[string]string  `json:"metadata,omitempty"`
}

func loadConnection(ctx context.Context, db *gorm.DB, companyId, provider string) (*models.IntegrationConnection, error) {
	var conn models.IntegrationConnection
	err := db.WithContext(ctx).
		Where("company_id = ? AND provider = ?", companyId, provider).
		Take(&conn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("no %s connection for company %s", provider, companyId)
		}
		return nil, err
	}
	if conn.Status != models.IntegrationStatusConnected {
		return nil, fmt.Errorf("%s is not connected", provider)
	}
	return &conn, nil
}

func buildFactory(ctx context.Context, companyId, provider string) (*Factory, *models.IntegrationConnection, error) {
	db := config.GetDB()
	if db == nil {
		return nil, nil, errors.New("db is nil")
	}
	conn, err := loadConnection(ctx, db, companyId, provider)
	if err != nil {
		return nil, nil, err
	}
	factory, err := NewFactoryForConnection(db, config.GetLogger(), conn)
	if err != nil {
		return nil, nil, err
	}
	return factory, conn, nil
}

// RunPullPageTask applies one list page. Contact pages fan out to the customer
// and supplier syncers by reported sub-type; the include flags let a backfill
// pull only the sides it was asked for.
func RunPullPageTask(ctx context.Context, task PullPageTask) (PullPageResult, error) {
	if err := validate.Struct(task); err != nil {
		return PullPageResult{}, err
	}

	ctx = utils.SetCompanyIdInContext(ctx, task.CompanyId)
	factory, _, err := buildFactory(ctx, task.CompanyId, task.Provider)
	if err != nil {
		return PullPageResult{}, err
	}

	page, err := factory.Provider.List(ctx, task.EntityType, task.Page)
	if err != nil {
		return PullPageResult{}, err
	}

	result := PullPageResult{HasMore: page.HasMore}

	// Route ids to their local entity type, then pull each group as a batch.
	idsByType := map[string][]string{}
	for _, remote := range page.Items {
		switch task.EntityType {
		case FamilyItem:
			idsByType[models.EntityTypeItem] = append(idsByType[models.EntityTypeItem], remote.Id)
		case FamilyContact:
			switch remote.SubType {
			case ContactSubTypeVendor:
				if task.IncludeVendors {
					idsByType[models.EntityTypeSupplier] = append(idsByType[models.EntityTypeSupplier], remote.Id)
				} else {
					result.Skipped++
				}
			default:
				if task.IncludeCustomers {
					idsByType[models.EntityTypeCustomer] = append(idsByType[models.EntityTypeCustomer], remote.Id)
				} else {
					result.Skipped++
				}
			}
		}
	}

	for entityType, ids := range idsByType {
		syncer, err := factory.Syncer(entityType)
		if err != nil {
			result.Errors += len(ids)
			continue
		}
		batch := syncer.PullBatchFromAccounting(ctx, ids)
		result.Applied += batch.Success
		result.Skipped += batch.Skipped
		result.Errors += batch.Errors
	}
	return result, nil
}

// RunPushBatchTask pushes one batch of local entity ids.
func RunPushBatchTask(ctx context.Context, task PushBatchTask) (BatchSyncResult, error) {
	if err := validate.Struct(task); err != nil {
		return BatchSyncResult{}, err
	}

	ctx = utils.SetCompanyIdInContext(ctx, task.CompanyId)
	factory, _, err := buildFactory(ctx, task.CompanyId, task.Provider)
	if err != nil {
		return BatchSyncResult{}, err
	}

	syncer, err := factory.Syncer(task.EntityType)
	if err != nil {
		return BatchSyncResult{}, err
	}
	return syncer.PushBatchToAccounting(ctx, task.EntityIds), nil
}

func backfillLockKey(companyId, provider string) string {
	return "backfill:" + companyId + ":" + provider
}

func backfillBatchSize(requested int) int {
	if requested > 0 {
		return requested
	}
	if v := os.Getenv("BACKFILL_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 25
}

func backfillPageDelay() time.Duration {
	if v := os.Getenv("BACKFILL_PAGE_DELAY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	return 200 * time.Millisecond
}

// RunBackfillTask performs the whole initial sync in-process. A Redis lock
// keyed by company+provider keeps concurrent triggers (double click, Pub/Sub
// redelivery) from running the same backfill twice.
func RunBackfillTask(ctx context.Context, task BackfillTask) error {
	if err := validate.Struct(task); err != nil {
		return err
	}
	modules := task.EntityTypes
	if !modules.Customers && !modules.Vendors && !modules.Items {
		modules = DefaultBackfillModules()
	}

	ctx = utils.SetCompanyIdInContext(ctx, task.CompanyId)
	db := config.GetDB()
	if db == nil {
		return errors.New("db is nil")
	}

	if locker := config.GetRedisLock(); locker != nil {
		lock, err := locker.Obtain(ctx, backfillLockKey(task.CompanyId, task.Provider), 30*time.Minute, nil)
		if err != nil {
			if errors.Is(err, redislock.ErrNotObtained) {
				return errors.New("backfill already running")
			}
			return err
		}
		defer func() { _ = lock.Release(context.Background()) }()
	}

	factory, conn, err := buildFactory(ctx, task.CompanyId, task.Provider)
	if err != nil {
		return err
	}

	run, err := claimBackfillRun(ctx, db, task, conn)
	if err != nil {
		return err
	}

	stats := map[string]int{}
	errorCount := 0

	// Phase 1: pull remote pages so local records get linked before the push
	// phase, avoiding duplicate creations on the provider side.
	pullFamilies := []string{}
	if modules.Customers || modules.Vendors {
		pullFamilies = append(pullFamilies, FamilyContact)
	}
	if modules.Items {
		pullFamilies = append(pullFamilies, FamilyItem)
	}

	for _, family := range pullFamilies {
		applied := 0
		for page := 1; ; page++ {
			result, err := RunPullPageTask(ctx, PullPageTask{
				CompanyId:        task.CompanyId,
				Provider:         task.Provider,
				EntityType:       family,
				Page:             page,
				IncludeCustomers: modules.Customers,
				IncludeVendors:   modules.Vendors,
			})
			if err != nil {
				errorCount++
				_ = recordSyncError(ctx, db, run.ID, task.CompanyId, family, "", "pull_failed", err.Error(), true)
				break
			}
			applied += result.Applied
			errorCount += result.Errors
			if !result.HasMore {
				break
			}
			time.Sleep(backfillPageDelay())
		}
		stats["pull_"+family] = applied
	}

	// Phase 2: push everything local that still has no mapping.
	pushTypes := []struct {
		entityType string
		enabled    bool
	}{
		{models.EntityTypeCustomer, modules.Customers},
		{models.EntityTypeSupplier, modules.Vendors},
		{models.EntityTypeItem, modules.Items},
	}
	batchSize := backfillBatchSize(task.BatchSize)

	for _, pt := range pushTypes {
		if !pt.enabled {
			continue
		}
		syncer, err := factory.Syncer(pt.entityType)
		if err != nil {
			errorCount++
			continue
		}
		pushed := 0
		for {
			ids, err := factory.Store.GetUnsyncedEntityIds(ctx, pt.entityType, syncer.Ops.SourceTable(), factory.Integration, batchSize)
			if err != nil {
				errorCount++
				_ = recordSyncError(ctx, db, run.ID, task.CompanyId, pt.entityType, "", "unsynced_scan_failed", err.Error(), true)
				break
			}
			if len(ids) == 0 {
				break
			}
			batch := syncer.PushBatchToAccounting(ctx, ids)
			pushed += batch.Success
			errorCount += batch.Errors
			for _, r := range batch.Results {
				if r.Status == StatusError {
					_ = recordSyncError(ctx, db, run.ID, task.CompanyId, pt.entityType, r.EntityId, "push_failed", r.Error, true)
				}
			}
			// Skipped entities stay unmapped and would repeat forever; a short
			// batch is the only safe termination signal.
			if len(ids) < batchSize {
				break
			}
			if batch.Success == 0 {
				break
			}
		}
		stats["push_"+pt.entityType] = pushed
	}

	return finishBackfillRun(ctx, db, run, conn, stats, errorCount)
}

func claimBackfillRun(ctx context.Context, db *gorm.DB, task BackfillTask, conn *models.IntegrationConnection) (*models.SyncRun, error) {
	now := time.Now()

	if task.RunId != 0 {
		var run models.SyncRun
		if err := db.WithContext(ctx).
			Where("id = ? AND company_id = ?", task.RunId, task.CompanyId).
			Take(&run).Error; err != nil {
			return nil, err
		}
		// Redelivered finished run: nothing to do.
		if run.Status == models.SyncRunStatusSuccess || run.Status == models.SyncRunStatusFailed || run.Status == models.SyncRunStatusPartial {
			return nil, fmt.Errorf("run %d already finished", run.ID)
		}
		if err := db.WithContext(ctx).Model(&run).Updates(map[string]interface{}{
			"status":     models.SyncRunStatusRunning,
			"started_at": now,
		}).Error; err != nil {
			return nil, err
		}
		run.StartedAt = &now
		return &run, nil
	}

	triggeredBy := task.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = models.SyncTriggeredSystem
	}
	modulesJSON, _ := json.Marshal(task.EntityTypes)
	run := models.SyncRun{
		CompanyId:    task.CompanyId,
		ConnectionId: conn.ID,
		Provider:     task.Provider,
		Status:       models.SyncRunStatusRunning,
		TriggeredBy:  triggeredBy,
		ModulesJSON:  modulesJSON,
		StartedAt:    &now,
	}
	if err := db.WithContext(ctx).Create(&run).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

func finishBackfillRun(ctx context.Context, db *gorm.DB, run *models.SyncRun, conn *models.IntegrationConnection, stats map[string]int, errorCount int) error {
	finishedAt := time.Now()
	var durationMs int64
	if run.StartedAt != nil {
		durationMs = finishedAt.Sub(*run.StartedAt).Milliseconds()
	}

	totalSynced := 0
	for _, n := range stats {
		totalSynced += n
	}

	status := models.SyncRunStatusSuccess
	if errorCount > 0 && totalSynced == 0 {
		status = models.SyncRunStatusFailed
	} else if errorCount > 0 {
		status = models.SyncRunStatusPartial
	}

	statsJSON, _ := json.Marshal(stats)
	if err := db.WithContext(ctx).Model(run).Updates(map[string]interface{}{
		"status":         status,
		"finished_at":    finishedAt,
		"duration_ms":    durationMs,
		"records_synced": totalSynced,
		"error_count":    errorCount,
		"stats_json":     statsJSON,
	}).Error; err != nil {
		return err
	}

	connUpdates := map[string]interface{}{
		"last_sync_at": finishedAt,
	}
	if status == models.SyncRunStatusSuccess {
		connUpdates["last_success_sync_at"] = finishedAt
	}
	return db.WithContext(ctx).Model(&models.IntegrationConnection{}).
		Where("id = ? AND company_id = ?", conn.ID, run.CompanyId).
		Updates(connUpdates).Error
}

func recordSyncError(ctx context.Context, db *gorm.DB, runId uint, companyId, entityType, entityId, code, message string, retryable bool) error {
	rec := models.SyncError{
		SyncRunId:  runId,
		CompanyId:  companyId,
		EntityType: entityType,
		EntityId:   entityId,
		ErrorCode:  code,
		Message:    message,
		Retryable:  retryable,
	}
	return db.WithContext(ctx).Create(&rec).Error
}

// RunApplyChangeEventsTask syncs a batch of change events grouped by entity
// type. One failing type does not stop the others; the combined error reports
// which types failed.
func RunApplyChangeEventsTask(ctx context.Context, task ApplyChangeEventsTask) (BatchSyncResult, error) {
	if err := validate.Struct(task); err != nil {
		return BatchSyncResult{}, err
	}

	ctx = utils.SetCompanyIdInContext(ctx, task.CompanyId)
	factory, _, err := buildFactory(ctx, task.CompanyId, task.Provider)
	if err != nil {
		return BatchSyncResult{}, err
	}

	entitiesByType := map[string][]AccountingEntity{}
	for _, entity := range task.Entities {
		entitiesByType[entity.EntityType] = append(entitiesByType[entity.EntityType], entity)
	}

	var combined BatchSyncResult
	var failedTypes []string

	for entityType, group := range entitiesByType {
		syncer, err := factory.Syncer(entityType)
		if err != nil {
			failedTypes = append(failedTypes, entityType+": "+err.Error())
			for _, entity := range group {
				combined.add(SyncResult{Status: StatusError, Action: ActionNone, EntityId: entity.EntityId, Error: err.Error()})
			}
			continue
		}

		var batch BatchSyncResult
		if task.SyncDirection == DirectionPull {
			ids := make([]string, 0, len(group))
			for _, entity := range group {
				ids = append(ids, entity.EntityId)
			}
			batch = syncer.PullBatchFromAccounting(ctx, ids)
		} else {
			// Change events are mostly updates; the single push keeps the
			// per-entity mapping lookup and its unchanged-since-last-sync
			// bailout, which the first-sync-oriented batch push skips.
			// Deletes never reach the provider and only retire the mapping.
			for _, entity := range group {
				if entity.Operation == models.SyncOperationDelete {
					batch.add(retireMapping(ctx, factory.Store, factory.Integration, entityType, entity.EntityId))
					continue
				}
				batch.add(syncer.PushToAccounting(ctx, entity.EntityId))
			}
		}
		combined.Success += batch.Success
		combined.Skipped += batch.Skipped
		combined.Errors += batch.Errors
		combined.Results = append(combined.Results, batch.Results...)
		if batch.Errors > 0 {
			failedTypes = append(failedTypes, entityType)
		}
	}

	if len(failedTypes) > 0 {
		return combined, fmt.Errorf("sync failed for: %s", strings.Join(failedTypes, ", "))
	}
	return combined, nil
}

// retireMapping handles a local delete event. The provider contract has no
// remote delete, so the remote record stays; dropping the mapping stops
// further pushes and lets a re-created local entity claim a fresh remote
// identity.
func retireMapping(ctx context.Context, store MappingStore, integration, entityType, entityId string) SyncResult {
	mapping, err := store.GetByEntity(ctx, entityType, entityId, integration)
	if err != nil {
		return SyncResult{Status: StatusError, Action: ActionNone, EntityId: entityId, Error: err.Error()}
	}
	if mapping == nil {
		return SyncResult{Status: StatusSkipped, Action: ActionNone, EntityId: entityId, Reason: "entity was never synced"}
	}
	if err := store.Unlink(ctx, entityType, entityId, integration); err != nil {
		return SyncResult{Status: StatusError, Action: ActionNone, EntityId: entityId, Error: err.Error()}
	}
	return SyncResult{Status: StatusSuccess, Action: ActionDeleted, EntityId: entityId, ExternalId: mapping.ExternalId}
}
