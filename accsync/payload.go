package accsync

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Helpers for reading provider payloads. Providers return loosely typed JSON
// maps; every read tolerates a missing key and the number/string ambiguity
// JSON decoding introduces.

func payloadString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

func payloadBool(m map[string]any, key string, fallback bool) bool {
	if m == nil {
		return fallback
	}
	if v, ok := m[key].(bool); ok {
		return v
	}
	return fallback
}

func payloadDecimal(m map[string]any, key string) decimal.Decimal {
	if m == nil {
		return decimal.Zero
	}
	switch v := m[key].(type) {
	case float64:
		return decimal.NewFromFloat(v)
	case string:
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	case int:
		return decimal.NewFromInt(int64(v))
	}
	return decimal.Zero
}

func payloadTime(m map[string]any, key string) time.Time {
	s := payloadString(m, key)
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t
	}
	return time.Time{}
}

func payloadSlice(m map[string]any, key string) []map[string]any {
	if m == nil {
		return nil
	}
	raw, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if mm, ok := item.(map[string]any); ok {
			out = append(out, mm)
		}
	}
	return out
}

// parseEntityId converts the wire-format string id back to the database key.
func parseEntityId(entityId string) (int, error) {
	id, err := strconv.Atoi(entityId)
	if err != nil {
		return 0, fmt.Errorf("invalid entity id %q: %w", entityId, err)
	}
	return id, nil
}

// providerOps carries the remote half of EntityOps shared by every entity
// type: all remote access is the provider adapter keyed by family.
type providerOps struct {
	provider Provider
	family   string
}

func (p providerOps) Family() string { return p.family }

func (p providerOps) FetchRemote(ctx context.Context, externalId string) (*RemoteEntity, error) {
	return p.provider.Get(ctx, p.family, externalId)
}

func (p providerOps) FetchRemoteBatch(ctx context.Context, externalIds []string) (map[string]*RemoteEntity, error) {
	return p.provider.GetBatch(ctx, p.family, externalIds)
}

func (p providerOps) UpsertRemote(ctx context.Context, payload map[string]any) (string, error) {
	remote, err := p.provider.Upsert(ctx, p.family, payload)
	if err != nil {
		return "", err
	}
	return remote.Id, nil
}

func (p providerOps) UpsertRemoteBatch(ctx context.Context, payloads map[string]map[string]any) (map[string]string, error) {
	return p.provider.UpsertBatch(ctx, p.family, payloads)
}
