package accsync

import (
	"context"
	"errors"
	"strconv"

	"github.com/crbnos/accounting_sync/models"
	"gorm.io/gorm"
)

func init() {
	registerOps(models.EntityTypeInventoryAdjustment, func(f *Factory) EntityOps {
		return &inventoryAdjustmentOps{
			providerOps: providerOps{f.Provider, FamilyInventoryAdjustment},
			db:          f.DB,
			resolver:    f.Resolver,
		}
	})
}

// Inventory adjustments are push-only journal-style records; the ERP's stock
// ledger is authoritative and corrections happen there, never in the provider.
type inventoryAdjustmentOps struct {
	providerOps
	db       *gorm.DB
	resolver *DependencyResolver
}

func (o *inventoryAdjustmentOps) EntityType() string  { return models.EntityTypeInventoryAdjustment }
func (o *inventoryAdjustmentOps) SourceTable() string { return "inventory_adjustments" }

func (o *inventoryAdjustmentOps) FetchLocal(ctx context.Context, entityId string) (*LocalEntity, error) {
	id, err := parseEntityId(entityId)
	if err != nil {
		return nil, err
	}
	var adj models.InventoryAdjustment
	if err := o.db.WithContext(ctx).Take(&adj, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &LocalEntity{Id: entityId, UpdatedAt: adj.UpdatedAt, Data: &adj}, nil
}

func (o *inventoryAdjustmentOps) FetchLocalBatch(ctx context.Context, entityIds []string) (map[string]*LocalEntity, error) {
	ids := make([]int, 0, len(entityIds))
	for _, entityId := range entityIds {
		id, err := parseEntityId(entityId)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	var adjs []models.InventoryAdjustment
	if err := o.db.WithContext(ctx).Where("id IN ?", ids).Find(&adjs).Error; err != nil {
		return nil, err
	}
	out := make(map[string]*LocalEntity, len(adjs))
	for i := range adjs {
		a := adjs[i]
		out[strconv.Itoa(a.ID)] = &LocalEntity{Id: strconv.Itoa(a.ID), UpdatedAt: a.UpdatedAt, Data: &a}
	}
	return out, nil
}

func (o *inventoryAdjustmentOps) MapToRemote(ctx context.Context, local *LocalEntity) (map[string]any, error) {
	adj, ok := local.Data.(*models.InventoryAdjustment)
	if !ok {
		return nil, errors.New("expected *models.InventoryAdjustment")
	}
	itemId, err := o.resolver.EnsureSynced(ctx, models.EntityTypeItem, strconv.Itoa(adj.ItemId))
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"itemId":           itemId,
		"adjustmentNumber": adj.AdjustmentNumber,
		"adjustmentDate":   adj.AdjustmentDate.Format("2006-01-02"),
		"reason":           adj.Reason,
		"qtyDelta":         adj.QtyDelta.String(),
		"valueDelta":       adj.ValueDelta.String(),
	}, nil
}

func (o *inventoryAdjustmentOps) MapToLocal(ctx context.Context, remote *RemoteEntity) (any, error) {
	return nil, errors.New("inventory adjustments are push-only")
}

func (o *inventoryAdjustmentOps) UpsertLocal(ctx context.Context, tx *gorm.DB, existingEntityId string, payload any) (string, error) {
	return "", errors.New("inventory adjustments are push-only")
}

func (o *inventoryAdjustmentOps) ShouldSync() ShouldSyncFunc {
	return func(ctx context.Context, sc ShouldSyncContext) (bool, string) {
		if sc.Direction == DirectionPush {
			if adj, ok := sc.LocalEntity.Data.(*models.InventoryAdjustment); ok &&
				adj.CurrentStatus == models.DocStatusDraft {
				return false, "draft adjustments are not synced"
			}
		}
		return true, ""
	}
}
