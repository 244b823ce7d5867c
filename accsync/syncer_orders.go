package accsync

import (
	"context"
	"errors"
	"strconv"

	"github.com/crbnos/accounting_sync/models"
	"gorm.io/gorm"
)

func init() {
	registerOps(models.EntityTypePurchaseOrder, func(f *Factory) EntityOps {
		return &purchaseOrderOps{
			providerOps: providerOps{f.Provider, FamilyPurchaseOrder},
			db:          f.DB,
			resolver:    f.Resolver,
		}
	})
	registerOps(models.EntityTypeSalesOrder, func(f *Factory) EntityOps {
		return &salesOrderOps{
			providerOps: providerOps{f.Provider, FamilySalesOrder},
			db:          f.DB,
			resolver:    f.Resolver,
		}
	})
}

// Orders are push-only documents: the ERP owns the ordering workflow and the
// provider only needs a financial shadow of confirmed orders. Pull mapping is
// therefore not implemented; direction config keeps pulls from reaching it.

type purchaseOrderOps struct {
	providerOps
	db       *gorm.DB
	resolver *DependencyResolver
}

func (o *purchaseOrderOps) EntityType() string  { return models.EntityTypePurchaseOrder }
func (o *purchaseOrderOps) SourceTable() string { return "purchase_orders" }

func (o *purchaseOrderOps) FetchLocal(ctx context.Context, entityId string) (*LocalEntity, error) {
	id, err := parseEntityId(entityId)
	if err != nil {
		return nil, err
	}
	var order models.PurchaseOrder
	if err := o.db.WithContext(ctx).Take(&order, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &LocalEntity{Id: entityId, UpdatedAt: order.UpdatedAt, Data: &order}, nil
}

func (o *purchaseOrderOps) FetchLocalBatch(ctx context.Context, entityIds []string) (map[string]*LocalEntity, error) {
	ids := make([]int, 0, len(entityIds))
	for _, entityId := range entityIds {
		id, err := parseEntityId(entityId)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	var orders []models.PurchaseOrder
	if err := o.db.WithContext(ctx).Where("id IN ?", ids).Find(&orders).Error; err != nil {
		return nil, err
	}
	out := make(map[string]*LocalEntity, len(orders))
	for i := range orders {
		po := orders[i]
		out[strconv.Itoa(po.ID)] = &LocalEntity{Id: strconv.Itoa(po.ID), UpdatedAt: po.UpdatedAt, Data: &po}
	}
	return out, nil
}

func (o *purchaseOrderOps) MapToRemote(ctx context.Context, local *LocalEntity) (map[string]any, error) {
	order, ok := local.Data.(*models.PurchaseOrder)
	if !ok {
		return nil, errors.New("expected *models.PurchaseOrder")
	}
	contactId, err := o.resolver.EnsureSynced(ctx, models.EntityTypeSupplier, strconv.Itoa(order.SupplierId))
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"contactId":    contactId,
		"orderNumber":  order.OrderNumber,
		"orderDate":    order.OrderDate.Format("2006-01-02"),
		"currencyCode": order.CurrencyCode,
		"totalAmount":  order.TotalAmount.String(),
		"status":       order.CurrentStatus,
	}, nil
}

func (o *purchaseOrderOps) MapToLocal(ctx context.Context, remote *RemoteEntity) (any, error) {
	return nil, errors.New("purchase orders are push-only")
}

func (o *purchaseOrderOps) UpsertLocal(ctx context.Context, tx *gorm.DB, existingEntityId string, payload any) (string, error) {
	return "", errors.New("purchase orders are push-only")
}

func (o *purchaseOrderOps) ShouldSync() ShouldSyncFunc {
	return func(ctx context.Context, sc ShouldSyncContext) (bool, string) {
		if sc.Direction == DirectionPush {
			if order, ok := sc.LocalEntity.Data.(*models.PurchaseOrder); ok &&
				order.CurrentStatus != models.DocStatusConfirmed {
				return false, "only confirmed purchase orders are synced"
			}
		}
		return true, ""
	}
}

type salesOrderOps struct {
	providerOps
	db       *gorm.DB
	resolver *DependencyResolver
}

func (o *salesOrderOps) EntityType() string  { return models.EntityTypeSalesOrder }
func (o *salesOrderOps) SourceTable() string { return "sales_orders" }

func (o *salesOrderOps) FetchLocal(ctx context.Context, entityId string) (*LocalEntity, error) {
	id, err := parseEntityId(entityId)
	if err != nil {
		return nil, err
	}
	var order models.SalesOrder
	if err := o.db.WithContext(ctx).Take(&order, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &LocalEntity{Id: entityId, UpdatedAt: order.UpdatedAt, Data: &order}, nil
}

func (o *salesOrderOps) FetchLocalBatch(ctx context.Context, entityIds []string) (map[string]*LocalEntity, error) {
	ids := make([]int, 0, len(entityIds))
	for _, entityId := range entityIds {
		id, err := parseEntityId(entityId)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	var orders []models.SalesOrder
	if err := o.db.WithContext(ctx).Where("id IN ?", ids).Find(&orders).Error; err != nil {
		return nil, err
	}
	out := make(map[string]*LocalEntity, len(orders))
	for i := range orders {
		so := orders[i]
		out[strconv.Itoa(so.ID)] = &LocalEntity{Id: strconv.Itoa(so.ID), UpdatedAt: so.UpdatedAt, Data: &so}
	}
	return out, nil
}

func (o *salesOrderOps) MapToRemote(ctx context.Context, local *LocalEntity) (map[string]any, error) {
	order, ok := local.Data.(*models.SalesOrder)
	if !ok {
		return nil, errors.New("expected *models.SalesOrder")
	}
	contactId, err := o.resolver.EnsureSynced(ctx, models.EntityTypeCustomer, strconv.Itoa(order.CustomerId))
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"contactId":    contactId,
		"orderNumber":  order.OrderNumber,
		"orderDate":    order.OrderDate.Format("2006-01-02"),
		"currencyCode": order.CurrencyCode,
		"totalAmount":  order.TotalAmount.String(),
		"status":       order.CurrentStatus,
	}, nil
}

func (o *salesOrderOps) MapToLocal(ctx context.Context, remote *RemoteEntity) (any, error) {
	return nil, errors.New("sales orders are push-only")
}

func (o *salesOrderOps) UpsertLocal(ctx context.Context, tx *gorm.DB, existingEntityId string, payload any) (string, error) {
	return "", errors.New("sales orders are push-only")
}

func (o *salesOrderOps) ShouldSync() ShouldSyncFunc {
	return func(ctx context.Context, sc ShouldSyncContext) (bool, string) {
		if sc.Direction == DirectionPush {
			if order, ok := sc.LocalEntity.Data.(*models.SalesOrder); ok &&
				order.CurrentStatus != models.DocStatusConfirmed {
				return false, "only confirmed sales orders are synced"
			}
		}
		return true, ""
	}
}
