package models

import (
	"encoding/json"
	"time"
)

const (
	IntegrationProviderXero      = "xero"
	IntegrationProviderQuickBook = "quickbooks"
)

const (
	IntegrationStatusConnected    = "connected"
	IntegrationStatusDisconnected = "disconnected"
	IntegrationStatusError        = "error"
)

const (
	SyncRunStatusQueued  = "queued"
	SyncRunStatusRunning = "running"
	SyncRunStatusSuccess = "success"
	SyncRunStatusFailed  = "failed"
	SyncRunStatusPartial = "partial"
)

const (
	SyncTriggeredManual = "manual"
	SyncTriggeredRetry  = "retry"
	SyncTriggeredSystem = "system"
)

// IntegrationConnection is the per-company link to one accounting provider.
// SettingsJSON carries the per-entity-type sync policy (enabled, direction,
// owner, changed-after cutoff) that the engine resolves at sync time.
type IntegrationConnection struct {
	ID                uint       `gorm:"primary_key" json:"id"`
	CompanyId         string     `gorm:"index;not null" json:"company_id"`
	Provider          string     `gorm:"index;size:50;not null" json:"provider"`
	Status            string     `gorm:"size:20;not null" json:"status"`
	AuthType          string     `gorm:"size:20" json:"auth_type"`
	AuthSecretRef     string     `gorm:"type:text" json:"auth_secret_ref"`
	TenantRef         string     `gorm:"size:100" json:"tenant_ref"`
	DisplayName       string     `gorm:"size:255" json:"display_name"`
	SettingsJSON      []byte     `gorm:"type:json" json:"settings"`
	LastSyncAt        *time.Time `json:"last_sync_at"`
	LastSuccessSyncAt *time.Time `json:"last_success_sync_at"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// EntityMapping links one local entity to one remote entity for one
// integration. It is the only source of truth for "is X already synced, and
// with what remote identity".
//
// Unique on (entity_type, entity_id, integration, company_id): at most one
// remote identity per local entity per integration. A second invariant,
// uniqueness on (integration, external_id, company_id), is enforced
// application-side in the mapping store unless AllowDuplicateExternalId is
// set (many-local-to-one-remote cases).
type EntityMapping struct {
	ID                       uint       `gorm:"primary_key" json:"id"`
	EntityType               string     `gorm:"uniqueIndex:idx_entity_mapping,priority:1;size:50;not null" json:"entity_type"`
	EntityId                 string     `gorm:"uniqueIndex:idx_entity_mapping,priority:2;size:128;not null" json:"entity_id"`
	Integration              string     `gorm:"uniqueIndex:idx_entity_mapping,priority:3;size:50;not null" json:"integration"`
	CompanyId                string     `gorm:"uniqueIndex:idx_entity_mapping,priority:4;not null" json:"company_id"`
	ExternalId               string     `gorm:"index:idx_entity_mapping_external;size:128;not null" json:"external_id"`
	AllowDuplicateExternalId bool       `gorm:"default:false" json:"allow_duplicate_external_id"`
	MetadataJSON             []byte     `gorm:"type:json" json:"metadata"`
	LastSyncedAt             *time.Time `json:"last_synced_at"`
	RemoteUpdatedAt          *time.Time `json:"remote_updated_at"`
	CreatedAt                time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt                time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	CreatedBy                string     `gorm:"size:100" json:"created_by"`
}

// Mapping metadata is a tagged union decoded at read time. Provider-specific
// state goes in the matching variant; Raw round-trips anything else untouched.
const (
	MappingMetadataKindXero      = "xero"
	MappingMetadataKindQuickBook = "quickbooks"
)

type XeroMappingMetadata struct {
	BrandingThemeId string `json:"branding_theme_id,omitempty"`
	ContactGroupId  string `json:"contact_group_id,omitempty"`
}

type QuickBookMappingMetadata struct {
	SyncToken string `json:"sync_token,omitempty"`
	Realm     string `json:"realm,omitempty"`
}

type MappingMetadata struct {
	Kind      string                    `json:"kind,omitempty"`
	Xero      *XeroMappingMetadata      `json:"xero,omitempty"`
	QuickBook *QuickBookMappingMetadata `json:"quickbooks,omitempty"`
	Raw       json.RawMessage           `json:"raw,omitempty"`
}

func DecodeMappingMetadata(raw []byte) MappingMetadata {
	if len(raw) == 0 {
		return MappingMetadata{}
	}
	var md MappingMetadata
	if err := json.Unmarshal(raw, &md); err != nil {
		return MappingMetadata{Raw: append(json.RawMessage(nil), raw...)}
	}
	return md
}

func EncodeMappingMetadata(md MappingMetadata) []byte {
	if md.Kind == "" && md.Xero == nil && md.QuickBook == nil && len(md.Raw) == 0 {
		return nil
	}
	// Raw can hold bytes Decode could not parse; Marshal rejects an invalid
	// RawMessage, so hand those back untouched instead of dropping them.
	if len(md.Raw) > 0 && !json.Valid(md.Raw) {
		return append([]byte(nil), md.Raw...)
	}
	b, err := json.Marshal(md)
	if err != nil {
		return append([]byte(nil), md.Raw...)
	}
	return b
}

// SyncRun records one backfill or pull run for history/retry surfaces.
type SyncRun struct {
	ID            uint       `gorm:"primary_key" json:"id"`
	CompanyId     string     `gorm:"index;not null" json:"company_id"`
	ConnectionId  uint       `gorm:"index;not null" json:"connection_id"`
	Provider      string     `gorm:"index;size:50;not null" json:"provider"`
	Status        string     `gorm:"size:20;not null" json:"status"`
	TriggeredBy   string     `gorm:"size:20" json:"triggered_by"`
	ModulesJSON   []byte     `gorm:"type:json" json:"modules"`
	StatsJSON     []byte     `gorm:"type:json" json:"stats"`
	RecordsSynced int        `json:"records_synced"`
	ErrorCount    int        `json:"error_count"`
	ParentRunId   *uint      `gorm:"index" json:"parent_run_id"`
	StartedAt     *time.Time `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at"`
	DurationMs    int64      `json:"duration_ms"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type SyncError struct {
	ID          uint      `gorm:"primary_key" json:"id"`
	SyncRunId   uint      `gorm:"index;not null" json:"sync_run_id"`
	CompanyId   string    `gorm:"index;not null" json:"company_id"`
	EntityType  string    `gorm:"size:50" json:"entity_type"`
	EntityId    string    `gorm:"size:128" json:"entity_id"`
	ExternalId  string    `gorm:"size:128" json:"external_id"`
	ErrorCode   string    `gorm:"size:64" json:"error_code"`
	Message     string    `gorm:"type:text" json:"message"`
	PayloadJSON []byte    `gorm:"type:json" json:"payload"`
	Retryable   bool      `gorm:"default:false" json:"retryable"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

const (
	OutboxProcessStatusPending    = "PENDING"
	OutboxProcessStatusProcessing = "PROCESSING"
	OutboxProcessStatusSucceeded  = "SUCCEEDED"
	OutboxProcessStatusFailed     = "FAILED"
	OutboxProcessStatusDead       = "DEAD"
)

// SyncOutboxRecord captures a local change event for later delivery to the
// accounting provider. Rows are written by model hooks in the same
// transaction as the change itself, then claimed with SKIP LOCKED by the
// outbox processor.
type SyncOutboxRecord struct {
	ID                   int        `gorm:"primary_key" json:"id"`
	CompanyId            string     `gorm:"index;not null" json:"company_id"`
	EntityType           string     `gorm:"size:50;not null" json:"entity_type"`
	EntityId             string     `gorm:"size:128;not null" json:"entity_id"`
	Operation            string     `gorm:"size:20;not null" json:"operation"`
	SyncDirection        string     `gorm:"size:30;not null" json:"sync_direction"`
	CorrelationId        string     `gorm:"size:64" json:"correlation_id"`
	IsProcessed          bool       `gorm:"index;default:false" json:"is_processed"`
	ProcessingStatus     string     `gorm:"size:20;default:'PENDING'" json:"processing_status"`
	ProcessAttempts      int        `gorm:"default:0" json:"process_attempts"`
	NextProcessAttemptAt *time.Time `json:"next_process_attempt_at"`
	LastProcessError     *string    `gorm:"type:text" json:"last_process_error"`
	LockedAt             *time.Time `json:"locked_at"`
	LockedBy             *string    `gorm:"size:64" json:"locked_by"`
	ProcessedAt          *time.Time `json:"processed_at"`
	CreatedAt            time.Time  `gorm:"autoCreateTime" json:"created_at"`
}
