package accsync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/crbnos/accounting_sync/models"
	"github.com/crbnos/accounting_sync/utils"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// ErrDuplicateExternalId is returned by Link when a remote id is already
// claimed by a different local entity and the mapping does not opt in to
// duplicates.
var ErrDuplicateExternalId = errors.New("external id already mapped to another entity")

type LinkOptions struct {
	RemoteUpdatedAt          *time.Time
	AllowDuplicateExternalId bool
	Metadata                 *models.MappingMetadata
	CreatedBy                string
}

type MappingInput struct {
	EntityType string
	EntityId   string
	ExternalId string
	Opts       LinkOptions
}

// MappingStore is the single authority for translating between local and
// remote identities and for the idempotency timestamps. All operations are
// scoped to the company carried in ctx.
type MappingStore interface {
	Link(ctx context.Context, entityType, entityId, integration, externalId string, opts LinkOptions) (*models.EntityMapping, error)
	LinkBatch(ctx context.Context, integration string, inputs []MappingInput) error
	Unlink(ctx context.Context, entityType, entityId, integration string) error

	GetExternalId(ctx context.Context, entityType, entityId, integration string) (string, error)
	GetEntityId(ctx context.Context, entityType, externalId, integration string) (string, error)
	GetByEntity(ctx context.Context, entityType, entityId, integration string) (*models.EntityMapping, error)
	GetByExternalId(ctx context.Context, entityType, externalId, integration string) (*models.EntityMapping, error)

	// IsUpToDate reports whether a mapping exists whose stored remote
	// timestamp is at least remoteUpdatedAt. This is the pull idempotency
	// predicate; it never touches local entity tables.
	IsUpToDate(ctx context.Context, integration, externalId string, remoteUpdatedAt time.Time) (bool, error)

	// GetUnsyncedEntityIds returns up to limit ids present in sourceTable but
	// absent from the mapping table for the integration. Drives backfill.
	GetUnsyncedEntityIds(ctx context.Context, entityType, sourceTable, integration string, limit int) ([]string, error)
}

type dbMappingStore struct {
	db *gorm.DB
}

func NewMappingStore(db *gorm.DB) MappingStore {
	return &dbMappingStore{db: db}
}

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

func companyFromContext(ctx context.Context) (string, error) {
	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return "", errors.New("company id missing from context")
	}
	return companyId, nil
}

func (s *dbMappingStore) Link(ctx context.Context, entityType, entityId, integration, externalId string, opts LinkOptions) (*models.EntityMapping, error) {
	companyId, err := companyFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if entityType == "" || entityId == "" || integration == "" || externalId == "" {
		return nil, errors.New("entityType, entityId, integration and externalId are required")
	}

	now := time.Now()
	remoteUpdatedAt := opts.RemoteUpdatedAt
	if remoteUpdatedAt == nil {
		remoteUpdatedAt = &now
	}

	db := s.db.WithContext(ctx)

	if !opts.AllowDuplicateExternalId {
		// Reject a second local entity claiming the same remote id, unless
		// the existing claim opted in to duplicates.
		var clash int64
		if err := db.Model(&models.EntityMapping{}).
			Where("integration = ? AND external_id = ? AND company_id = ? AND allow_duplicate_external_id = ?",
				integration, externalId, companyId, false).
			Where("NOT (entity_type = ? AND entity_id = ?)", entityType, entityId).
			Count(&clash).Error; err != nil {
			return nil, err
		}
		if clash > 0 {
			return nil, fmt.Errorf("%w: %s/%s", ErrDuplicateExternalId, entityType, externalId)
		}
	}

	var existing models.EntityMapping
	err = db.
		Where("entity_type = ? AND entity_id = ? AND integration = ? AND company_id = ?",
			entityType, entityId, integration, companyId).
		Take(&existing).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if err == nil {
		updates := map[string]interface{}{
			"external_id":       externalId,
			"last_synced_at":    now,
			"remote_updated_at": remoteUpdatedAt,
		}
		if opts.AllowDuplicateExternalId {
			updates["allow_duplicate_external_id"] = true
		}
		if opts.Metadata != nil {
			updates["metadata_json"] = models.EncodeMappingMetadata(*opts.Metadata)
		}
		if err := db.Model(&models.EntityMapping{}).
			Where("id = ?", existing.ID).
			Updates(updates).Error; err != nil {
			return nil, err
		}
		return s.GetByEntity(ctx, entityType, entityId, integration)
	}

	mapping := models.EntityMapping{
		EntityType:               entityType,
		EntityId:                 entityId,
		Integration:              integration,
		CompanyId:                companyId,
		ExternalId:               externalId,
		AllowDuplicateExternalId: opts.AllowDuplicateExternalId,
		LastSyncedAt:             &now,
		RemoteUpdatedAt:          remoteUpdatedAt,
		CreatedBy:                opts.CreatedBy,
	}
	if opts.Metadata != nil {
		mapping.MetadataJSON = models.EncodeMappingMetadata(*opts.Metadata)
	}
	if err := db.Create(&mapping).Error; err != nil {
		// Concurrent link for the same pair: fall back to the update path.
		if isDuplicateKeyErr(err) {
			return s.Link(ctx, entityType, entityId, integration, externalId, opts)
		}
		return nil, err
	}
	return &mapping, nil
}

func (s *dbMappingStore) LinkBatch(ctx context.Context, integration string, inputs []MappingInput) error {
	// One transaction, same upsert semantics as Link. The batch exists to
	// avoid N sequential round trips from batch push.
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txStore := &dbMappingStore{db: tx}
		for _, in := range inputs {
			if _, err := txStore.Link(ctx, in.EntityType, in.EntityId, integration, in.ExternalId, in.Opts); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *dbMappingStore) Unlink(ctx context.Context, entityType, entityId, integration string) error {
	companyId, err := companyFromContext(ctx)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ? AND integration = ? AND company_id = ?",
			entityType, entityId, integration, companyId).
		Delete(&models.EntityMapping{}).Error
}

func (s *dbMappingStore) GetByEntity(ctx context.Context, entityType, entityId, integration string) (*models.EntityMapping, error) {
	companyId, err := companyFromContext(ctx)
	if err != nil {
		return nil, err
	}
	var mapping models.EntityMapping
	err = s.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ? AND integration = ? AND company_id = ?",
			entityType, entityId, integration, companyId).
		Take(&mapping).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &mapping, nil
}

func (s *dbMappingStore) GetByExternalId(ctx context.Context, entityType, externalId, integration string) (*models.EntityMapping, error) {
	companyId, err := companyFromContext(ctx)
	if err != nil {
		return nil, err
	}
	q := s.db.WithContext(ctx).
		Where("external_id = ? AND integration = ? AND company_id = ?", externalId, integration, companyId)
	if entityType != "" {
		q = q.Where("entity_type = ?", entityType)
	}
	var mapping models.EntityMapping
	err = q.Take(&mapping).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &mapping, nil
}

func (s *dbMappingStore) GetExternalId(ctx context.Context, entityType, entityId, integration string) (string, error) {
	mapping, err := s.GetByEntity(ctx, entityType, entityId, integration)
	if err != nil || mapping == nil {
		return "", err
	}
	return mapping.ExternalId, nil
}

func (s *dbMappingStore) GetEntityId(ctx context.Context, entityType, externalId, integration string) (string, error) {
	mapping, err := s.GetByExternalId(ctx, entityType, externalId, integration)
	if err != nil || mapping == nil {
		return "", err
	}
	return mapping.EntityId, nil
}

func (s *dbMappingStore) IsUpToDate(ctx context.Context, integration, externalId string, remoteUpdatedAt time.Time) (bool, error) {
	mapping, err := s.GetByExternalId(ctx, "", externalId, integration)
	if err != nil {
		return false, err
	}
	if mapping == nil || mapping.RemoteUpdatedAt == nil {
		return false, nil
	}
	return !mapping.RemoteUpdatedAt.Before(remoteUpdatedAt), nil
}

func (s *dbMappingStore) GetUnsyncedEntityIds(ctx context.Context, entityType, sourceTable, integration string, limit int) ([]string, error) {
	companyId, err := companyFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 25
	}

	// Anti-join so backfill never loads the whole source table. Raw SQL: the
	// tenant guard does not cover raw queries, so company_id is explicit.
	var ids []int
	err = s.db.WithContext(ctx).Raw(fmt.Sprintf(`
		SELECT s.id
		FROM %s s
		LEFT JOIN entity_mappings m
			ON m.entity_id = CAST(s.id AS CHAR)
			AND m.entity_type = ?
			AND m.integration = ?
			AND m.company_id = ?
		WHERE s.company_id = ? AND m.id IS NULL
		ORDER BY s.id
		LIMIT ?`, sourceTable),
		entityType, integration, companyId, companyId, limit).
		Scan(&ids).Error
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, strconv.Itoa(id))
	}
	return out, nil
}
