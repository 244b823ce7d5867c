package models

import (
	"strconv"

	"github.com/crbnos/accounting_sync/appctx"
	"gorm.io/gorm"
)

// Entity type tags shared by mappings, outbox records and the syncer factory.
const (
	EntityTypeCustomer            = "customer"
	EntityTypeSupplier            = "supplier"
	EntityTypeItem                = "item"
	EntityTypeSalesInvoice        = "invoice"
	EntityTypeBill                = "bill"
	EntityTypePurchaseOrder       = "purchase_order"
	EntityTypeSalesOrder          = "sales_order"
	EntityTypeInventoryAdjustment = "inventory_adjustment"
)

// Change-event operations.
const (
	SyncOperationCreate = "create"
	SyncOperationUpdate = "update"
	SyncOperationDelete = "delete"
	SyncOperationSync   = "sync"
)

// enqueueSyncOutbox writes a change event in the same transaction as the
// entity write. Writes tagged with a pull sync origin are the engine's own
// doing and must not re-enter the push pipeline.
func enqueueSyncOutbox(tx *gorm.DB, companyId, entityType string, entityId int, operation string) error {
	// Batch deletes without a loaded row carry no identity; nothing to record.
	if entityId == 0 || companyId == "" {
		return nil
	}
	ctx := tx.Statement.Context
	if ctx != nil {
		if origin, ok := ctx.Value(appctx.ContextKeySyncOrigin).(string); ok && origin == appctx.SyncOriginPull {
			return nil
		}
	}

	correlationId := ""
	if ctx != nil {
		if cid, ok := ctx.Value(appctx.ContextKeyCorrelationId).(string); ok {
			correlationId = cid
		}
	}

	rec := SyncOutboxRecord{
		CompanyId:        companyId,
		EntityType:       entityType,
		EntityId:         strconv.Itoa(entityId),
		Operation:        operation,
		SyncDirection:    appctx.SyncOriginPush,
		CorrelationId:    correlationId,
		ProcessingStatus: OutboxProcessStatusPending,
	}
	return tx.Create(&rec).Error
}

func (c *Customer) AfterCreate(tx *gorm.DB) error {
	return enqueueSyncOutbox(tx, c.CompanyId, EntityTypeCustomer, c.ID, SyncOperationCreate)
}

func (c *Customer) AfterUpdate(tx *gorm.DB) error {
	return enqueueSyncOutbox(tx, c.CompanyId, EntityTypeCustomer, c.ID, SyncOperationUpdate)
}

func (c *Customer) AfterDelete(tx *gorm.DB) error {
	return enqueueSyncOutbox(tx, c.CompanyId, EntityTypeCustomer, c.ID, SyncOperationDelete)
}

func (s *Supplier) AfterCreate(tx *gorm.DB) error {
	return enqueueSyncOutbox(tx, s.CompanyId, EntityTypeSupplier, s.ID, SyncOperationCreate)
}

func (s *Supplier) AfterUpdate(tx *gorm.DB) error {
	return enqueueSyncOutbox(tx, s.CompanyId, EntityTypeSupplier, s.ID, SyncOperationUpdate)
}

func (s *Supplier) AfterDelete(tx *gorm.DB) error {
	return enqueueSyncOutbox(tx, s.CompanyId, EntityTypeSupplier, s.ID, SyncOperationDelete)
}

func (i *Item) AfterCreate(tx *gorm.DB) error {
	return enqueueSyncOutbox(tx, i.CompanyId, EntityTypeItem, i.ID, SyncOperationCreate)
}

func (i *Item) AfterUpdate(tx *gorm.DB) error {
	return enqueueSyncOutbox(tx, i.CompanyId, EntityTypeItem, i.ID, SyncOperationUpdate)
}

func (i *Item) AfterDelete(tx *gorm.DB) error {
	return enqueueSyncOutbox(tx, i.CompanyId, EntityTypeItem, i.ID, SyncOperationDelete)
}

func (inv *SalesInvoice) AfterCreate(tx *gorm.DB) error {
	return enqueueSyncOutbox(tx, inv.CompanyId, EntityTypeSalesInvoice, inv.ID, SyncOperationCreate)
}

func (inv *SalesInvoice) AfterUpdate(tx *gorm.DB) error {
	return enqueueSyncOutbox(tx, inv.CompanyId, EntityTypeSalesInvoice, inv.ID, SyncOperationUpdate)
}

func (b *Bill) AfterCreate(tx *gorm.DB) error {
	return enqueueSyncOutbox(tx, b.CompanyId, EntityTypeBill, b.ID, SyncOperationCreate)
}

func (b *Bill) AfterUpdate(tx *gorm.DB) error {
	return enqueueSyncOutbox(tx, b.CompanyId, EntityTypeBill, b.ID, SyncOperationUpdate)
}
