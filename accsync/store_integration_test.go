package accsync_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/crbnos/accounting_sync/accsync"
	"github.com/crbnos/accounting_sync/appctx"
	"github.com/crbnos/accounting_sync/config"
	"github.com/crbnos/accounting_sync/models"
	"github.com/crbnos/accounting_sync/utils"
)

func TestMappingStoreAgainstMySQL(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "accounting_sync_test")

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if err := models.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	ctx := utils.SetCompanyIdInContext(context.Background(), "co-1")
	store := accsync.NewMappingStore(db)

	// Create then re-link: same row, refreshed timestamps.
	first, err := store.Link(ctx, models.EntityTypeCustomer, "10", models.IntegrationProviderXero, "ext-10", accsync.LinkOptions{})
	if err != nil {
		t.Fatalf("Link create: %v", err)
	}
	stamp := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
	second, err := store.Link(ctx, models.EntityTypeCustomer, "10", models.IntegrationProviderXero, "ext-10",
		accsync.LinkOptions{RemoteUpdatedAt: &stamp})
	if err != nil {
		t.Fatalf("Link update: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("re-link should update in place: %d vs %d", second.ID, first.ID)
	}
	if second.RemoteUpdatedAt == nil || !second.RemoteUpdatedAt.UTC().Truncate(time.Second).Equal(stamp) {
		t.Fatalf("remote stamp not stored: %+v", second.RemoteUpdatedAt)
	}

	// A second local entity claiming the same remote id is rejected.
	if _, err := store.Link(ctx, models.EntityTypeCustomer, "11", models.IntegrationProviderXero, "ext-10", accsync.LinkOptions{}); !errors.Is(err, accsync.ErrDuplicateExternalId) {
		t.Fatalf("expected ErrDuplicateExternalId, got %v", err)
	}

	// Unless the claim opts in to duplicates on both sides.
	if _, err := store.Link(ctx, models.EntityTypeCustomer, "20", models.IntegrationProviderXero, "ext-shared",
		accsync.LinkOptions{AllowDuplicateExternalId: true}); err != nil {
		t.Fatalf("opt-in link: %v", err)
	}
	if _, err := store.Link(ctx, models.EntityTypeSupplier, "21", models.IntegrationProviderXero, "ext-shared",
		accsync.LinkOptions{AllowDuplicateExternalId: true}); err != nil {
		t.Fatalf("second opt-in link: %v", err)
	}

	// Lookups are company scoped.
	externalId, err := store.GetExternalId(ctx, models.EntityTypeCustomer, "10", models.IntegrationProviderXero)
	if err != nil || externalId != "ext-10" {
		t.Fatalf("GetExternalId: %q %v", externalId, err)
	}
	otherCtx := utils.SetCompanyIdInContext(context.Background(), "co-2")
	if got, err := store.GetExternalId(otherCtx, models.EntityTypeCustomer, "10", models.IntegrationProviderXero); err != nil || got != "" {
		t.Fatalf("other company must not see the mapping: %q %v", got, err)
	}

	// IsUpToDate compares against the stored remote stamp.
	upToDate, err := store.IsUpToDate(ctx, models.IntegrationProviderXero, "ext-10", stamp.Add(-time.Minute))
	if err != nil || !upToDate {
		t.Fatalf("older remote stamp should be up to date: %v %v", upToDate, err)
	}
	upToDate, err = store.IsUpToDate(ctx, models.IntegrationProviderXero, "ext-10", stamp.Add(time.Minute))
	if err != nil || upToDate {
		t.Fatalf("newer remote stamp should not be up to date: %v %v", upToDate, err)
	}
	if upToDate, err = store.IsUpToDate(ctx, models.IntegrationProviderXero, "ext-missing", stamp); err != nil || upToDate {
		t.Fatalf("unknown external id should not be up to date: %v %v", upToDate, err)
	}

	// LinkBatch is one transaction: a bad input rolls back the whole batch.
	err = store.LinkBatch(ctx, models.IntegrationProviderXero, []accsync.MappingInput{
		{EntityType: models.EntityTypeItem, EntityId: "30", ExternalId: "ext-30"},
		{EntityType: models.EntityTypeItem, EntityId: "31", ExternalId: ""},
	})
	if err == nil {
		t.Fatal("batch with a bad input should fail")
	}
	if got, _ := store.GetExternalId(ctx, models.EntityTypeItem, "30", models.IntegrationProviderXero); got != "" {
		t.Fatalf("failed batch must roll back, found %q", got)
	}
	err = store.LinkBatch(ctx, models.IntegrationProviderXero, []accsync.MappingInput{
		{EntityType: models.EntityTypeItem, EntityId: "30", ExternalId: "ext-30"},
		{EntityType: models.EntityTypeItem, EntityId: "31", ExternalId: "ext-31"},
	})
	if err != nil {
		t.Fatalf("LinkBatch: %v", err)
	}

	// Backfill candidate query: customers without a mapping, in id order.
	seedCtx := utils.SetSyncOriginInContext(ctx, appctx.SyncOriginPull)
	for _, name := range []string{"Alpha", "Beta", "Gamma"} {
		customer := models.Customer{CompanyId: "co-1", Name: name, IsActive: true}
		if err := db.WithContext(seedCtx).Create(&customer).Error; err != nil {
			t.Fatalf("seed customer %s: %v", name, err)
		}
	}
	var alpha models.Customer
	if err := db.WithContext(ctx).Where("company_id = ? AND name = ?", "co-1", "Alpha").Take(&alpha).Error; err != nil {
		t.Fatalf("fetch seeded customer: %v", err)
	}
	if _, err := store.Link(ctx, models.EntityTypeCustomer, fmt.Sprint(alpha.ID), models.IntegrationProviderXero, "ext-alpha", accsync.LinkOptions{}); err != nil {
		t.Fatalf("link seeded customer: %v", err)
	}

	unsynced, err := store.GetUnsyncedEntityIds(ctx, models.EntityTypeCustomer, "customers", models.IntegrationProviderXero, 10)
	if err != nil {
		t.Fatalf("GetUnsyncedEntityIds: %v", err)
	}
	if len(unsynced) != 2 {
		t.Fatalf("expected 2 unsynced customers, got %v", unsynced)
	}
	for _, id := range unsynced {
		if id == fmt.Sprint(alpha.ID) {
			t.Fatal("mapped customer must not be a backfill candidate")
		}
	}

	// Unlink removes the pair and frees the remote id.
	if err := store.Unlink(ctx, models.EntityTypeCustomer, "10", models.IntegrationProviderXero); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if _, err := store.Link(ctx, models.EntityTypeCustomer, "11", models.IntegrationProviderXero, "ext-10", accsync.LinkOptions{}); err != nil {
		t.Fatalf("remote id should be claimable after unlink: %v", err)
	}
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("accsync-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=accounting_sync_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
