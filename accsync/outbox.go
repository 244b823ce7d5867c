package accsync

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/crbnos/accounting_sync/models"
	"github.com/crbnos/accounting_sync/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OutboxProcessor drains pending change events into the sync engine without
// Pub/Sub. It runs as a background worker; claims use SKIP LOCKED so multiple
// replicas never double-process a row.
type OutboxProcessor struct {
	DB        *gorm.DB
	Logger    *logrus.Logger
	WorkerID  string
	BatchSize int
	Interval  time.Duration
	LockTTL   time.Duration
}

func NewOutboxProcessor(db *gorm.DB, logger *logrus.Logger) *OutboxProcessor {
	return &OutboxProcessor{
		DB:        db,
		Logger:    logger,
		WorkerID:  "outbox-" + time.Now().Format("20060102-150405.000"),
		BatchSize: 50,
		Interval:  2 * time.Second,
		LockTTL:   30 * time.Second,
	}
}

func ShouldRunOutboxProcessor() bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv("SYNC_OUTBOX_PROCESSING")))
	if val == "true" {
		return true
	}
	if val == "false" {
		return false
	}
	// Default on: even with Pub/Sub configured, the in-process worker drains
	// rows a misconfigured push subscription would otherwise leave stuck.
	// Delivery is at-least-once either way; the engine's bailouts make
	// replays cheap.
	return true
}

func (p *OutboxProcessor) Run(ctx context.Context) {
	if p == nil || p.DB == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		p.processOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.Interval):
		}
	}
}

func (p *OutboxProcessor) processOnce(ctx context.Context) {
	now := time.Now().UTC()
	staleBefore := now.Add(-p.LockTTL)

	var claimed []models.SyncOutboxRecord
	err := p.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.
			Where("is_processed = 0").
			Where("processing_status IN ?", []string{
				models.OutboxProcessStatusPending,
				models.OutboxProcessStatusFailed,
			}).
			Where("(next_process_attempt_at IS NULL OR next_process_attempt_at <= ?)", now).
			Where("(locked_at IS NULL OR locked_at <= ?)", staleBefore).
			Order("id ASC").
			Limit(p.BatchSize).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}
		for i := range claimed {
			claimed[i].LockedAt = &now
			claimed[i].LockedBy = &p.WorkerID
			if err := tx.Model(&models.SyncOutboxRecord{}).
				Where("id = ?", claimed[i].ID).
				Updates(map[string]interface{}{
					"locked_at":         claimed[i].LockedAt,
					"locked_by":         claimed[i].LockedBy,
					"processing_status": models.OutboxProcessStatusProcessing,
				}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil || len(claimed) == 0 {
		return
	}

	// Events from different companies can land in one claim; each company gets
	// its own task under its own tenant context.
	type companyBatch struct {
		records  []models.SyncOutboxRecord
		entities []AccountingEntity
	}
	byCompany := map[string]*companyBatch{}
	for _, rec := range claimed {
		b := byCompany[rec.CompanyId]
		if b == nil {
			b = &companyBatch{}
			byCompany[rec.CompanyId] = b
		}
		b.records = append(b.records, rec)
		b.entities = append(b.entities, AccountingEntity{
			EntityType: rec.EntityType,
			EntityId:   rec.EntityId,
			Operation:  rec.Operation,
		})
	}

	for companyId, batch := range byCompany {
		procCtx := utils.SetCompanyIdInContext(ctx, companyId)
		procCtx = utils.SetUserNameInContext(procCtx, "System")
		if len(batch.records) > 0 && batch.records[0].CorrelationId != "" {
			procCtx = utils.SetCorrelationIdInContext(procCtx, batch.records[0].CorrelationId)
		}

		provider, err := p.providerForCompany(procCtx, companyId)
		if err != nil {
			for _, rec := range batch.records {
				markOutboxFailure(ctx, p.DB, p.Logger, rec.ID, err)
			}
			continue
		}

		result, err := RunApplyChangeEventsTask(procCtx, ApplyChangeEventsTask{
			CompanyId:     companyId,
			Provider:      provider,
			SyncDirection: DirectionPush,
			Entities:      batch.entities,
		})
		if err != nil && len(result.Results) == 0 {
			// Nothing ran at all (validation, connection, factory); every row
			// retries later.
			for _, rec := range batch.records {
				markOutboxFailure(ctx, p.DB, p.Logger, rec.ID, err)
			}
			continue
		}

		resultByEntity := map[string]SyncResult{}
		for _, r := range result.Results {
			resultByEntity[r.EntityId] = r
		}

		var succeeded []int
		for _, rec := range batch.records {
			r, ok := resultByEntity[rec.EntityId]
			if !ok || r.Status == StatusError {
				msg := errFromResult(r)
				if !ok {
					msg = syncResultError{msg: "no sync result returned for entity"}
				}
				markOutboxFailure(ctx, p.DB, p.Logger, rec.ID, msg)
				continue
			}
			// Skips are terminal outcomes too; the row did its job.
			succeeded = append(succeeded, rec.ID)
		}
		markOutboxSuccess(ctx, p.DB, succeeded)
	}
}

// providerForCompany finds the connected provider for a company's events.
func (p *OutboxProcessor) providerForCompany(ctx context.Context, companyId string) (string, error) {
	var conn models.IntegrationConnection
	err := p.DB.WithContext(ctx).
		Where("company_id = ? AND status = ?", companyId, models.IntegrationStatusConnected).
		Order("id ASC").
		Take(&conn).Error
	if err != nil {
		return "", err
	}
	return conn.Provider, nil
}

type syncResultError struct{ msg string }

func (e syncResultError) Error() string { return e.msg }

func errFromResult(r SyncResult) error {
	if r.Error == "" {
		return syncResultError{msg: "sync failed"}
	}
	return syncResultError{msg: r.Error}
}
