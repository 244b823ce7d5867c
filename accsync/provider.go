package accsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/crbnos/accounting_sync/models"
)

// Remote entity families. A family is the provider-side collection a local
// entity type maps into; customers and vendors share the contact family.
const (
	FamilyContact             = "contact"
	FamilyItem                = "item"
	FamilyInvoice             = "invoice"
	FamilyBill                = "bill"
	FamilyPurchaseOrder       = "purchase_order"
	FamilySalesOrder          = "sales_order"
	FamilyInventoryAdjustment = "inventory_adjustment"
)

// Contact sub-types reported by the provider on list pages.
const (
	ContactSubTypeCustomer = "customer"
	ContactSubTypeVendor   = "vendor"
)

// RemoteEntity is one record as the provider returned it. Payload keeps the
// provider's own field names; the per-entity mappers translate.
type RemoteEntity struct {
	Id        string         `json:"id"`
	SubType   string         `json:"subType,omitempty"`
	UpdatedAt time.Time      `json:"updatedAt"`
	Payload   map[string]any `json:"payload"`
}

type ListPage struct {
	Items   []RemoteEntity `json:"items"`
	HasMore bool           `json:"hasMore"`
}

// Provider is the narrow contract the engine expects from an accounting
// provider adapter. Adapter internals (auth, pagination tokens, field naming,
// rate limiting) are the adapter's business.
type Provider interface {
	Name() string

	List(ctx context.Context, family string, page int) (ListPage, error)
	Get(ctx context.Context, family string, externalId string) (*RemoteEntity, error)
	GetBatch(ctx context.Context, family string, externalIds []string) (map[string]*RemoteEntity, error)

	// Upsert creates or updates one remote record and returns its identity.
	Upsert(ctx context.Context, family string, payload map[string]any) (RemoteEntity, error)
	// UpsertBatch takes localId -> payload and returns localId -> externalId.
	UpsertBatch(ctx context.Context, family string, payloads map[string]map[string]any) (map[string]string, error)

	// GetSyncConfig resolves the per-entity-type policy from the connection
	// settings this adapter was built with.
	GetSyncConfig(entityType string) EntityConfig
}

// ProviderAPIError is a structured provider failure. The hosting job system
// retries transient ones with backoff.
type ProviderAPIError struct {
	StatusCode  int               `json:"statusCode"`
	Code        string            `json:"code,omitempty"`
	Message     string            `json:"message"`
	FieldErrors map[string]string `json:"fieldErrors,omitempty"`
}

func (e *ProviderAPIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider api error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("provider api error %d: %s", e.StatusCode, e.Message)
}

func (e *ProviderAPIError) IsTransient() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

type ProviderInitFn func(conn *models.IntegrationConnection) (Provider, error)

var (
	providerInitFns map[string]ProviderInitFn
	providerLock    sync.Mutex
)

// RegisterProvider is called from provider adapter init() functions.
func RegisterProvider(name string, initFn ProviderInitFn) {
	providerLock.Lock()
	defer providerLock.Unlock()

	if providerInitFns == nil {
		providerInitFns = map[string]ProviderInitFn{}
	}
	providerInitFns[name] = initFn
}

// GetProvider builds the adapter for a connection's provider.
func GetProvider(conn *models.IntegrationConnection) (Provider, error) {
	if conn == nil {
		return nil, fmt.Errorf("connection is nil")
	}

	providerLock.Lock()
	fn, ok := providerInitFns[conn.Provider]
	providerLock.Unlock()

	if !ok {
		return nil, fmt.Errorf("no adapter registered for provider %q", conn.Provider)
	}
	return fn(conn)
}
