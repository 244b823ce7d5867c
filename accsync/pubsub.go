package accsync

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"

	"github.com/crbnos/accounting_sync/config"
	"github.com/crbnos/accounting_sync/utils"
	"github.com/gin-gonic/gin"
)

// PubSubPushEnvelope is the wrapper Pub/Sub push subscriptions deliver.
type PubSubPushEnvelope struct {
	Message struct {
		Data        []byte            `json:"data"`
		Attributes  map[string]string `json:"attributes"`
		MessageId   string            `json:"messageId"`
		PublishTime string            `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

func topicFromEnv(envKey, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
		return v
	}
	return fallback
}

func BackfillTopic() string {
	return topicFromEnv("SYNC_BACKFILL_TOPIC", "accounting-sync-backfill")
}

func PullPageTopic() string {
	return topicFromEnv("SYNC_PULL_PAGE_TOPIC", "accounting-sync-pull-page")
}

func PushBatchTopic() string {
	return topicFromEnv("SYNC_PUSH_BATCH_TOPIC", "accounting-sync-push-batch")
}

func ChangeEventsTopic() string {
	return topicFromEnv("SYNC_CHANGE_EVENTS_TOPIC", "accounting-sync-change-events")
}

func PublishBackfill(ctx context.Context, task BackfillTask) error {
	_, err := config.PublishJSON(ctx, BackfillTopic(), task)
	return err
}

func PublishPullPage(ctx context.Context, task PullPageTask) error {
	_, err := config.PublishJSON(ctx, PullPageTopic(), task)
	return err
}

func PublishPushBatch(ctx context.Context, task PushBatchTask) error {
	_, err := config.PublishJSON(ctx, PushBatchTopic(), task)
	return err
}

func PublishChangeEvents(ctx context.Context, task ApplyChangeEventsTask) error {
	_, err := config.PublishJSON(ctx, ChangeEventsTopic(), task)
	return err
}

// decodePushPayload unwraps the Pub/Sub envelope into the task payload.
// Malformed bodies can never become valid; returning false tells the handler
// to ack and drop instead of looping redeliveries forever.
func decodePushPayload(c *gin.Context, out interface{}) bool {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return false
	}
	var envelope PubSubPushEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return false
	}
	if err := json.Unmarshal(envelope.Message.Data, out); err != nil {
		return false
	}
	return true
}

// BackfillPushHandler runs a backfill delivered via Pub/Sub push. Task errors
// answer 500 so Pub/Sub redelivers; a backfill already holding the lock acks.
func BackfillPushHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var task BackfillTask
		if !decodePushPayload(c, &task) {
			c.Status(204)
			return
		}

		err := RunBackfillTask(c.Request.Context(), task)
		if err != nil {
			if err.Error() == "backfill already running" {
				c.Status(204)
				return
			}
			config.LogError(config.GetLogger(), "accsync", "BackfillPushHandler", "backfill failed", task, err)
			c.Status(500)
			return
		}
		c.Status(204)
	}
}

func PullPagePushHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var task PullPageTask
		if !decodePushPayload(c, &task) {
			c.Status(204)
			return
		}

		result, err := RunPullPageTask(c.Request.Context(), task)
		if err != nil {
			config.LogError(config.GetLogger(), "accsync", "PullPagePushHandler", "pull page failed", task, err)
			c.Status(500)
			return
		}

		// Chain the next page through the same topic instead of looping here;
		// each delivery stays well inside the ack deadline.
		if result.HasMore {
			next := task
			next.Page = task.Page + 1
			if err := PublishPullPage(c.Request.Context(), next); err != nil {
				config.LogError(config.GetLogger(), "accsync", "PullPagePushHandler", "chain next page", next, err)
				c.Status(500)
				return
			}
		}
		c.Status(204)
	}
}

func PushBatchPushHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var task PushBatchTask
		if !decodePushPayload(c, &task) {
			c.Status(204)
			return
		}

		result, err := RunPushBatchTask(c.Request.Context(), task)
		if err != nil {
			config.LogError(config.GetLogger(), "accsync", "PushBatchPushHandler", "push batch failed", task, err)
			c.Status(500)
			return
		}
		if result.Errors > 0 {
			config.LogError(config.GetLogger(), "accsync", "PushBatchPushHandler", "push batch had errors", result, errFromBatch(result))
			c.Status(500)
			return
		}
		c.Status(204)
	}
}

func ChangeEventsPushHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var task ApplyChangeEventsTask
		if !decodePushPayload(c, &task) {
			c.Status(204)
			return
		}

		ctx := c.Request.Context()
		if task.CompanyId != "" {
			ctx = utils.SetCompanyIdInContext(ctx, task.CompanyId)
		}
		if _, err := RunApplyChangeEventsTask(ctx, task); err != nil {
			config.LogError(config.GetLogger(), "accsync", "ChangeEventsPushHandler", "apply change events failed", task, err)
			c.Status(500)
			return
		}
		c.Status(204)
	}
}

func errFromBatch(b BatchSyncResult) error {
	for _, r := range b.Results {
		if r.Status == StatusError {
			return errFromResult(r)
		}
	}
	return syncResultError{msg: "batch had errors"}
}
