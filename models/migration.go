package models

import "gorm.io/gorm"

// Migrate creates/updates the tables the sync engine owns. Domain tables
// (customers, items, invoices, ...) belong to the ERP's own migration; they
// are included here so the service can run standalone in dev.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&IntegrationConnection{},
		&EntityMapping{},
		&SyncRun{},
		&SyncError{},
		&SyncOutboxRecord{},

		&Customer{},
		&Supplier{},
		&Item{},
		&SalesInvoice{},
		&SalesInvoiceDetail{},
		&Bill{},
		&BillDetail{},
		&PurchaseOrder{},
		&SalesOrder{},
		&InventoryAdjustment{},
		&User{},
	)
}
