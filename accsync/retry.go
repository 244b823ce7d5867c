package accsync

import (
	"context"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/crbnos/accounting_sync/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type outboxRetryConfig struct {
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

func getOutboxRetryConfig() outboxRetryConfig {
	cfg := outboxRetryConfig{
		maxAttempts: 10,
		baseBackoff: 5 * time.Second,
		maxBackoff:  10 * time.Minute,
	}

	if v := os.Getenv("SYNC_OUTBOX_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.maxAttempts = n
		}
	}
	if v := os.Getenv("SYNC_OUTBOX_BASE_BACKOFF_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.baseBackoff = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("SYNC_OUTBOX_MAX_BACKOFF_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.maxBackoff = time.Duration(n) * time.Second
		}
	}

	return cfg
}

func outboxBackoff(attempt int, cfg outboxRetryConfig) time.Duration {
	if attempt <= 0 {
		return cfg.baseBackoff
	}
	// base * 2^(attempt-1), capped.
	exp := float64(attempt - 1)
	delay := time.Duration(float64(cfg.baseBackoff) * math.Pow(2, exp))
	if delay > cfg.maxBackoff {
		return cfg.maxBackoff
	}
	return delay
}

// markOutboxFailure records a failed delivery attempt and schedules the next
// one, or parks the record as DEAD after the attempt budget is spent. Returns
// whether the record is now DEAD.
func markOutboxFailure(ctx context.Context, db *gorm.DB, logger *logrus.Logger, recordId int, err error) bool {
	if recordId <= 0 {
		return false
	}

	cfg := getOutboxRetryConfig()
	now := time.Now().UTC()
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}

	var rec models.SyncOutboxRecord
	if qerr := db.WithContext(ctx).
		Select("id,company_id,entity_type,entity_id,process_attempts").
		Where("id = ?", recordId).
		First(&rec).Error; qerr != nil {
		_ = db.WithContext(ctx).Model(&models.SyncOutboxRecord{}).
			Where("id = ?", recordId).
			Updates(map[string]interface{}{
				"last_process_error": &errMsg,
				"locked_at":          nil,
				"locked_by":          nil,
				"processing_status":  models.OutboxProcessStatusFailed,
			}).Error
		return false
	}

	attempts := rec.ProcessAttempts + 1
	status := models.OutboxProcessStatusFailed

	var nextAttemptAt *time.Time
	if attempts >= cfg.maxAttempts {
		status = models.OutboxProcessStatusDead
		nextAttemptAt = nil
	} else {
		t := now.Add(outboxBackoff(attempts, cfg))
		nextAttemptAt = &t
	}

	_ = db.WithContext(ctx).Model(&models.SyncOutboxRecord{}).
		Where("id = ?", recordId).
		Updates(map[string]interface{}{
			"last_process_error":      &errMsg,
			"process_attempts":        attempts,
			"next_process_attempt_at": nextAttemptAt,
			"processing_status":       status,
			"locked_at":               nil,
			"locked_by":               nil,
		}).Error

	if logger != nil {
		logger.WithFields(logrus.Fields{
			"module":            "accsync",
			"funcName":          "markOutboxFailure",
			"companyId":         rec.CompanyId,
			"entityType":        rec.EntityType,
			"entityId":          rec.EntityId,
			"recordId":          rec.ID,
			"processingStatus":  status,
			"processAttempts":   attempts,
		}).Error("outbox delivery failed: " + errMsg)
	}

	return status == models.OutboxProcessStatusDead
}

func markOutboxSuccess(ctx context.Context, db *gorm.DB, recordIds []int) {
	if len(recordIds) == 0 {
		return
	}
	now := time.Now().UTC()

	// Terminal DEAD rows stay DEAD; a late success must not resurrect them.
	_ = db.WithContext(ctx).Model(&models.SyncOutboxRecord{}).
		Where("id IN ? AND processing_status <> ?", recordIds, models.OutboxProcessStatusDead).
		Updates(map[string]interface{}{
			"is_processed":            true,
			"processing_status":       models.OutboxProcessStatusSucceeded,
			"processed_at":            &now,
			"next_process_attempt_at": nil,
			"last_process_error":      nil,
			"locked_at":               nil,
			"locked_by":               nil,
		}).Error
}
