package accsync

import (
	"encoding/json"
	"time"
)

// Sync outcome statuses. Single-entity operations always return a SyncResult;
// errors never propagate out of the syncer boundary.
const (
	StatusSuccess = "success"
	StatusSkipped = "skipped"
	StatusError   = "error"
)

const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
	ActionNone    = "none"
)

// Sync directions. The wire values double as the sync-origin tags on writes.
const (
	DirectionPush = "push-to-accounting"
	DirectionPull = "pull-from-accounting"
	DirectionBoth = "two-way"
)

// Ownership: which side wins when both sides changed.
const (
	OwnerCarbon   = "carbon"
	OwnerProvider = "provider"
)

type SyncResult struct {
	Status     string `json:"status"`
	Action     string `json:"action"`
	EntityId   string `json:"entityId,omitempty"`
	ExternalId string `json:"externalId,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Error      string `json:"error,omitempty"`
}

type BatchSyncResult struct {
	Success int          `json:"success"`
	Errors  int          `json:"errors"`
	Skipped int          `json:"skipped"`
	Results []SyncResult `json:"results"`
}

func (b *BatchSyncResult) add(r SyncResult) {
	switch r.Status {
	case StatusSuccess:
		b.Success++
	case StatusSkipped:
		b.Skipped++
	default:
		b.Errors++
	}
	b.Results = append(b.Results, r)
}

// AccountingEntity is one unit of work produced by upstream event sources
// (outbox hooks, webhooks, user actions). It is transient; it never persists
// beyond the outbox row that carried it.
type AccountingEntity struct {
	EntityType   string     `json:"entityType" validate:"required"`
	EntityId     string     `json:"entityId" validate:"required"`
	Operation    string     `json:"operation,omitempty"`
	LastSyncedAt *time.Time `json:"lastSyncedAt,omitempty"`
}

// EntityConfig is the per-company, per-entity-type sync policy, resolved at
// sync time from the integration connection's settings.
type EntityConfig struct {
	Enabled      bool       `json:"enabled"`
	Direction    string     `json:"direction"`
	Owner        string     `json:"owner"`
	ChangedAfter *time.Time `json:"changedAfter,omitempty"`
}

// DefaultEntityConfig is the fallback used when a type has no configured
// policy, notably when the dependency resolver must sync a related entity.
func DefaultEntityConfig() EntityConfig {
	return EntityConfig{
		Enabled:   true,
		Direction: DirectionBoth,
		Owner:     OwnerCarbon,
	}
}

func (c EntityConfig) pushAllowed() bool {
	return c.Direction == "" || c.Direction == DirectionPush || c.Direction == DirectionBoth
}

func (c EntityConfig) pullAllowed() bool {
	return c.Direction == "" || c.Direction == DirectionPull || c.Direction == DirectionBoth
}

// SyncSettings is the decoded form of IntegrationConnection.SettingsJSON.
type SyncSettings struct {
	Entities map[string]EntityConfig `json:"entities"`
}

func DecodeSyncSettings(raw []byte) SyncSettings {
	if len(raw) == 0 {
		return SyncSettings{}
	}
	var s SyncSettings
	if err := json.Unmarshal(raw, &s); err != nil {
		return SyncSettings{}
	}
	return s
}

func EncodeSyncSettings(s SyncSettings) []byte {
	b, _ := json.Marshal(s)
	return b
}

// Config returns the policy for an entity type, falling back to the default
// when the type is not configured.
func (s SyncSettings) Config(entityType string) EntityConfig {
	if cfg, ok := s.Entities[entityType]; ok {
		if cfg.Direction == "" {
			cfg.Direction = DirectionBoth
		}
		if cfg.Owner == "" {
			cfg.Owner = OwnerCarbon
		}
		return cfg
	}
	return DefaultEntityConfig()
}
