package accsync

import (
	"context"
	"testing"
	"time"

	"github.com/crbnos/accounting_sync/models"
)

func TestOutboxBackoffGrowsAndCaps(t *testing.T) {
	cfg := outboxRetryConfig{
		maxAttempts: 10,
		baseBackoff: 5 * time.Second,
		maxBackoff:  10 * time.Minute,
	}

	if got := outboxBackoff(1, cfg); got != 5*time.Second {
		t.Fatalf("attempt 1: got %s", got)
	}
	if got := outboxBackoff(2, cfg); got != 10*time.Second {
		t.Fatalf("attempt 2: got %s", got)
	}
	if got := outboxBackoff(4, cfg); got != 40*time.Second {
		t.Fatalf("attempt 4: got %s", got)
	}
	if got := outboxBackoff(20, cfg); got != cfg.maxBackoff {
		t.Fatalf("large attempt should cap at %s, got %s", cfg.maxBackoff, got)
	}
	if got := outboxBackoff(0, cfg); got != cfg.baseBackoff {
		t.Fatalf("attempt 0 should use base, got %s", got)
	}
}

func TestOutboxRetryConfigEnvOverrides(t *testing.T) {
	t.Setenv("SYNC_OUTBOX_MAX_ATTEMPTS", "3")
	t.Setenv("SYNC_OUTBOX_BASE_BACKOFF_SECONDS", "1")
	t.Setenv("SYNC_OUTBOX_MAX_BACKOFF_SECONDS", "2")

	cfg := getOutboxRetryConfig()
	if cfg.maxAttempts != 3 {
		t.Fatalf("maxAttempts: got %d", cfg.maxAttempts)
	}
	if cfg.baseBackoff != time.Second {
		t.Fatalf("baseBackoff: got %s", cfg.baseBackoff)
	}
	if got := outboxBackoff(5, cfg); got != 2*time.Second {
		t.Fatalf("cap: got %s", got)
	}
}

func TestTaskPayloadValidation(t *testing.T) {
	ctx := context.Background()

	if _, err := RunPullPageTask(ctx, PullPageTask{Provider: "xero", EntityType: "contact", Page: 1}); err == nil {
		t.Fatal("missing companyId should fail validation")
	}
	if _, err := RunPullPageTask(ctx, PullPageTask{CompanyId: "c", Provider: "xero", EntityType: "invoice", Page: 1}); err == nil {
		t.Fatal("invoice is not a pullable page family")
	}
	if _, err := RunPullPageTask(ctx, PullPageTask{CompanyId: "c", Provider: "xero", EntityType: "contact", Page: 0}); err == nil {
		t.Fatal("page 0 should fail validation")
	}

	if _, err := RunPushBatchTask(ctx, PushBatchTask{CompanyId: "c", Provider: "xero", EntityType: "customer"}); err == nil {
		t.Fatal("empty entityIds should fail validation")
	}
	if _, err := RunPushBatchTask(ctx, PushBatchTask{CompanyId: "c", Provider: "xero", EntityType: "bill", EntityIds: []string{"1"}}); err == nil {
		t.Fatal("bill is not a batch-pushable type")
	}

	if err := RunBackfillTask(ctx, BackfillTask{Provider: "xero"}); err == nil {
		t.Fatal("missing companyId should fail validation")
	}

	if _, err := RunApplyChangeEventsTask(ctx, ApplyChangeEventsTask{
		CompanyId:     "c",
		Provider:      "xero",
		SyncDirection: "sideways",
		Entities:      []AccountingEntity{{EntityType: "customer", EntityId: "1"}},
	}); err == nil {
		t.Fatal("unknown direction should fail validation")
	}
	if _, err := RunApplyChangeEventsTask(ctx, ApplyChangeEventsTask{
		CompanyId:     "c",
		Provider:      "xero",
		SyncDirection: DirectionPush,
		Entities:      []AccountingEntity{{EntityType: "customer"}},
	}); err == nil {
		t.Fatal("entity without id should fail validation")
	}
}

func TestBackfillBatchSize(t *testing.T) {
	if got := backfillBatchSize(40); got != 40 {
		t.Fatalf("explicit size: got %d", got)
	}
	if got := backfillBatchSize(0); got != 25 {
		t.Fatalf("default size: got %d", got)
	}
	t.Setenv("BACKFILL_BATCH_SIZE", "7")
	if got := backfillBatchSize(0); got != 7 {
		t.Fatalf("env size: got %d", got)
	}
}

func TestDeleteEventRetiresMapping(t *testing.T) {
	ctx := testCtx()
	store := &fakeStore{}
	now := time.Now()
	_, _ = store.Link(ctx, models.EntityTypeCustomer, "9", "xero", "ext-9", LinkOptions{RemoteUpdatedAt: &now})

	r := retireMapping(ctx, store, "xero", models.EntityTypeCustomer, "9")
	if r.Status != StatusSuccess || r.Action != ActionDeleted {
		t.Fatalf("expected success/deleted, got %s/%s (%s)", r.Status, r.Action, r.Error)
	}
	if r.ExternalId != "ext-9" {
		t.Fatalf("expected the retired remote id, got %q", r.ExternalId)
	}
	if m, _ := store.GetByEntity(ctx, models.EntityTypeCustomer, "9", "xero"); m != nil {
		t.Fatal("mapping should be gone after the delete event")
	}

	// A replayed delete event has nothing left to do.
	r = retireMapping(ctx, store, "xero", models.EntityTypeCustomer, "9")
	if r.Status != StatusSkipped {
		t.Fatalf("replay should skip, got %s", r.Status)
	}
}

func TestBackfillLockKeyIsPerCompanyProvider(t *testing.T) {
	a := backfillLockKey("co-1", "xero")
	b := backfillLockKey("co-1", "quickbooks")
	c := backfillLockKey("co-2", "xero")
	if a == b || a == c {
		t.Fatalf("lock keys must differ: %s %s %s", a, b, c)
	}
}
