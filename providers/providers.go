// Package providers holds the accounting provider adapters. Each adapter
// speaks the engine's Provider contract over the vendor's REST surface;
// registration happens in init() so importing the package is enough to make
// the adapters available.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/crbnos/accounting_sync/accsync"
	"github.com/crbnos/accounting_sync/models"
)

func init() {
	accsync.RegisterProvider(models.IntegrationProviderXero, func(conn *models.IntegrationConnection) (accsync.Provider, error) {
		return newRestProvider(models.IntegrationProviderXero, "XERO", conn)
	})
	accsync.RegisterProvider(models.IntegrationProviderQuickBook, func(conn *models.IntegrationConnection) (accsync.Provider, error) {
		return newRestProvider(models.IntegrationProviderQuickBook, "QUICKBOOKS", conn)
	})
}

// familyPaths maps the engine's remote families onto REST collections. Both
// supported vendors are fronted by the same gateway shape.
var familyPaths = map[string]string{
	accsync.FamilyContact:             "/v1/contacts",
	accsync.FamilyItem:                "/v1/items",
	accsync.FamilyInvoice:             "/v1/invoices",
	accsync.FamilyBill:                "/v1/bills",
	accsync.FamilyPurchaseOrder:       "/v1/purchase-orders",
	accsync.FamilySalesOrder:          "/v1/sales-orders",
	accsync.FamilyInventoryAdjustment: "/v1/inventory-adjustments",
}

type restProvider struct {
	name     string
	client   *restClient
	settings accsync.SyncSettings
}

func newRestProvider(name, envPrefix string, conn *models.IntegrationConnection) (accsync.Provider, error) {
	if strings.TrimSpace(conn.AuthSecretRef) == "" {
		return nil, fmt.Errorf("%s api key is empty", name)
	}
	client, err := newRestClient(envPrefix, conn.AuthSecretRef, conn.TenantRef)
	if err != nil {
		return nil, err
	}
	return &restProvider{
		name:     name,
		client:   client,
		settings: accsync.DecodeSyncSettings(conn.SettingsJSON),
	}, nil
}

func (p *restProvider) Name() string { return p.name }

func (p *restProvider) GetSyncConfig(entityType string) accsync.EntityConfig {
	return p.settings.Config(entityType)
}

func familyPath(family string) (string, error) {
	path, ok := familyPaths[family]
	if !ok {
		return "", fmt.Errorf("unknown remote family %q", family)
	}
	return path, nil
}

type listResponse struct {
	Items   []accsync.RemoteEntity `json:"items"`
	HasMore bool                   `json:"hasMore"`
}

func (p *restProvider) List(ctx context.Context, family string, page int) (accsync.ListPage, error) {
	path, err := familyPath(family)
	if err != nil {
		return accsync.ListPage{}, err
	}
	params := url.Values{}
	params.Set("page", strconv.Itoa(page))
	params.Set("limit", strconv.Itoa(p.client.pageSize))

	var parsed listResponse
	if err := p.client.doJSON(ctx, http.MethodGet, path, params, nil, &parsed); err != nil {
		return accsync.ListPage{}, err
	}
	return accsync.ListPage{Items: parsed.Items, HasMore: parsed.HasMore}, nil
}

func (p *restProvider) Get(ctx context.Context, family string, externalId string) (*accsync.RemoteEntity, error) {
	path, err := familyPath(family)
	if err != nil {
		return nil, err
	}
	var remote accsync.RemoteEntity
	err = p.client.doJSON(ctx, http.MethodGet, path+"/"+url.PathEscape(externalId), nil, nil, &remote)
	if err != nil {
		var apiErr *accsync.ProviderAPIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &remote, nil
}

func (p *restProvider) GetBatch(ctx context.Context, family string, externalIds []string) (map[string]*accsync.RemoteEntity, error) {
	path, err := familyPath(family)
	if err != nil {
		return nil, err
	}

	// The gateway caps id-list reads; chunk rather than fail on big batches.
	out := make(map[string]*accsync.RemoteEntity, len(externalIds))
	for start := 0; start < len(externalIds); start += p.client.pageSize {
		end := start + p.client.pageSize
		if end > len(externalIds) {
			end = len(externalIds)
		}
		params := url.Values{}
		params.Set("ids", strings.Join(externalIds[start:end], ","))

		var parsed listResponse
		if err := p.client.doJSON(ctx, http.MethodGet, path, params, nil, &parsed); err != nil {
			return nil, err
		}
		for i := range parsed.Items {
			item := parsed.Items[i]
			out[item.Id] = &item
		}
	}
	return out, nil
}

func (p *restProvider) Upsert(ctx context.Context, family string, payload map[string]any) (accsync.RemoteEntity, error) {
	path, err := familyPath(family)
	if err != nil {
		return accsync.RemoteEntity{}, err
	}
	var remote accsync.RemoteEntity
	if err := p.client.doJSON(ctx, http.MethodPost, path, nil, payload, &remote); err != nil {
		return accsync.RemoteEntity{}, err
	}
	if remote.Id == "" {
		return accsync.RemoteEntity{}, errors.New("provider returned no id")
	}
	return remote, nil
}

type batchUpsertRequest struct {
	Records map[string]map[string]any `json:"records"`
}

type batchUpsertResponse struct {
	Ids map[string]string `json:"ids"`
}

func (p *restProvider) UpsertBatch(ctx context.Context, family string, payloads map[string]map[string]any) (map[string]string, error) {
	path, err := familyPath(family)
	if err != nil {
		return nil, err
	}
	var parsed batchUpsertResponse
	err = p.client.doJSON(ctx, http.MethodPost, path+"/batch", nil, batchUpsertRequest{Records: payloads}, &parsed)
	if err != nil {
		var apiErr *accsync.ProviderAPIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			// Older gateway without the batch endpoint: degrade to serial
			// upserts so the caller still gets per-record ids.
			out := make(map[string]string, len(payloads))
			for localId, payload := range payloads {
				remote, err := p.Upsert(ctx, family, payload)
				if err != nil {
					return nil, err
				}
				out[localId] = remote.Id
			}
			return out, nil
		}
		return nil, err
	}
	return parsed.Ids, nil
}

type restClient struct {
	baseURL   string
	apiKey    string
	apiKeyHdr string
	tenantRef string
	pageSize  int
	http      *http.Client
	limiter   <-chan time.Time
}

func newRestClient(envPrefix, apiKey, tenantRef string) (*restClient, error) {
	baseURL := strings.TrimSpace(os.Getenv(envPrefix + "_API_BASE_URL"))
	if baseURL == "" {
		return nil, fmt.Errorf("%s_API_BASE_URL is not set", envPrefix)
	}
	apiKeyHeader := strings.TrimSpace(os.Getenv(envPrefix + "_API_KEY_HEADER"))
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}

	rateLimitPerMin := int64(60)
	if v := strings.TrimSpace(os.Getenv(envPrefix + "_RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			rateLimitPerMin = n
		}
	}
	pageSize := 100
	if v := strings.TrimSpace(os.Getenv(envPrefix + "_PAGE_SIZE")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			pageSize = n
		}
	}
	interval := time.Minute / time.Duration(rateLimitPerMin)

	return &restClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		apiKeyHdr: apiKeyHeader,
		tenantRef: tenantRef,
		pageSize:  pageSize,
		http:      &http.Client{Timeout: 30 * time.Second},
		limiter:   time.Tick(interval),
	}, nil
}

type apiErrorBody struct {
	Code        string            `json:"code"`
	Message     string            `json:"message"`
	Error       string            `json:"error"`
	FieldErrors map[string]string `json:"fieldErrors"`
}

func (c *restClient) doJSON(ctx context.Context, method, path string, params url.Values, body interface{}, out interface{}) error {
	<-c.limiter

	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set(c.apiKeyHdr, c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tenantRef != "" {
		req.Header.Set("X-Tenant-Id", c.tenantRef)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var parsed apiErrorBody
		_ = json.Unmarshal(respBody, &parsed)
		msg := parsed.Message
		if msg == "" {
			msg = parsed.Error
		}
		if msg == "" {
			msg = strings.TrimSpace(string(respBody))
		}
		return &accsync.ProviderAPIError{
			StatusCode:  resp.StatusCode,
			Code:        parsed.Code,
			Message:     msg,
			FieldErrors: parsed.FieldErrors,
		}
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	return json.Unmarshal(respBody, out)
}
