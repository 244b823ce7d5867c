package accsync

import (
	"context"
	"errors"
	"strconv"

	"github.com/crbnos/accounting_sync/models"
	"github.com/crbnos/accounting_sync/utils"
	"gorm.io/gorm"
)

func init() {
	registerOps(models.EntityTypeItem, func(f *Factory) EntityOps {
		return &itemOps{providerOps: providerOps{f.Provider, FamilyItem}, db: f.DB}
	})
}

type itemOps struct {
	providerOps
	db *gorm.DB
}

func (o *itemOps) EntityType() string  { return models.EntityTypeItem }
func (o *itemOps) SourceTable() string { return "items" }

func (o *itemOps) FetchLocal(ctx context.Context, entityId string) (*LocalEntity, error) {
	id, err := parseEntityId(entityId)
	if err != nil {
		return nil, err
	}
	var item models.Item
	if err := o.db.WithContext(ctx).Take(&item, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &LocalEntity{Id: entityId, UpdatedAt: item.UpdatedAt, Data: &item}, nil
}

func (o *itemOps) FetchLocalBatch(ctx context.Context, entityIds []string) (map[string]*LocalEntity, error) {
	ids := make([]int, 0, len(entityIds))
	for _, entityId := range entityIds {
		id, err := parseEntityId(entityId)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	var items []models.Item
	if err := o.db.WithContext(ctx).Where("id IN ?", ids).Find(&items).Error; err != nil {
		return nil, err
	}
	out := make(map[string]*LocalEntity, len(items))
	for i := range items {
		item := items[i]
		out[strconv.Itoa(item.ID)] = &LocalEntity{Id: strconv.Itoa(item.ID), UpdatedAt: item.UpdatedAt, Data: &item}
	}
	return out, nil
}

func (o *itemOps) MapToRemote(ctx context.Context, local *LocalEntity) (map[string]any, error) {
	item, ok := local.Data.(*models.Item)
	if !ok {
		return nil, errors.New("expected *models.Item")
	}
	return map[string]any{
		"name":          item.Name,
		"code":          item.Sku,
		"description":   item.Description,
		"salesPrice":    item.SalesPrice.String(),
		"purchasePrice": item.PurchasePrice.String(),
		"isTracked":     item.IsTracked,
		"isActive":      item.IsActive,
	}, nil
}

func (o *itemOps) MapToLocal(ctx context.Context, remote *RemoteEntity) (any, error) {
	p := remote.Payload
	return &models.Item{
		Name:          payloadString(p, "name"),
		Sku:           payloadString(p, "code"),
		Description:   payloadString(p, "description"),
		SalesPrice:    payloadDecimal(p, "salesPrice"),
		PurchasePrice: payloadDecimal(p, "purchasePrice"),
		IsTracked:     payloadBool(p, "isTracked", false),
		IsActive:      payloadBool(p, "isActive", true),
	}, nil
}

func (o *itemOps) UpsertLocal(ctx context.Context, tx *gorm.DB, existingEntityId string, payload any) (string, error) {
	item, ok := payload.(*models.Item)
	if !ok {
		return "", errors.New("expected *models.Item")
	}
	companyId, found := utils.GetCompanyIdFromContext(ctx)
	if !found {
		return "", errors.New("company id missing from context")
	}
	item.CompanyId = companyId

	if existingEntityId != "" {
		id, err := parseEntityId(existingEntityId)
		if err != nil {
			return "", err
		}
		item.ID = id
		if err := tx.Model(&models.Item{}).Where("id = ?", id).Updates(item).Error; err != nil {
			return "", err
		}
		return existingEntityId, nil
	}
	if err := tx.Create(item).Error; err != nil {
		return "", err
	}
	return strconv.Itoa(item.ID), nil
}

func (o *itemOps) ShouldSync() ShouldSyncFunc {
	return func(ctx context.Context, sc ShouldSyncContext) (bool, string) {
		// Never start syncing an item that is already retired; updates to
		// previously synced items still flow so the provider sees deactivation.
		if sc.Direction == DirectionPush && sc.IsFirstSync {
			if item, ok := sc.LocalEntity.Data.(*models.Item); ok && !item.IsActive {
				return false, "item is inactive"
			}
		}
		return true, ""
	}
}
