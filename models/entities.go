package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// The sync engine only touches the slices of the ERP schema below. Each row
// carries company_id for the tenant guard and updated_at for the engine's
// fast-bailout checks.

type Customer struct {
	ID              int       `gorm:"primary_key" json:"id"`
	CompanyId       string    `gorm:"index;not null" json:"company_id"`
	Name            string    `gorm:"size:255;not null" json:"name"`
	Email           string    `gorm:"size:255" json:"email"`
	Phone           string    `gorm:"size:50" json:"phone"`
	TaxNumber       string    `gorm:"size:100" json:"tax_number"`
	CurrencyCode    string    `gorm:"size:10" json:"currency_code"`
	AccountNumber   string    `gorm:"size:100" json:"account_number"`
	IsActive        bool      `gorm:"default:true" json:"is_active"`
	BillingAddress  string    `gorm:"type:text" json:"billing_address"`
	ShippingAddress string    `gorm:"type:text" json:"shipping_address"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type Supplier struct {
	ID            int       `gorm:"primary_key" json:"id"`
	CompanyId     string    `gorm:"index;not null" json:"company_id"`
	Name          string    `gorm:"size:255;not null" json:"name"`
	Email         string    `gorm:"size:255" json:"email"`
	Phone         string    `gorm:"size:50" json:"phone"`
	TaxNumber     string    `gorm:"size:100" json:"tax_number"`
	CurrencyCode  string    `gorm:"size:10" json:"currency_code"`
	AccountNumber string    `gorm:"size:100" json:"account_number"`
	IsActive      bool      `gorm:"default:true" json:"is_active"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type Item struct {
	ID            int             `gorm:"primary_key" json:"id"`
	CompanyId     string          `gorm:"index;not null" json:"company_id"`
	Name          string          `gorm:"size:255;not null" json:"name"`
	Sku           string          `gorm:"size:100" json:"sku"`
	Barcode       string          `gorm:"size:100" json:"barcode"`
	Description   string          `gorm:"type:text" json:"description"`
	SalesPrice    decimal.Decimal `gorm:"type:decimal(20,8)" json:"sales_price"`
	PurchasePrice decimal.Decimal `gorm:"type:decimal(20,8)" json:"purchase_price"`
	IsTracked     bool            `gorm:"default:false" json:"is_tracked"`
	IsActive      bool            `gorm:"default:true" json:"is_active"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

const (
	DocStatusDraft     = "DRAFT"
	DocStatusConfirmed = "CONFIRMED"
	DocStatusVoid      = "VOID"
)

type SalesInvoice struct {
	ID              int                  `gorm:"primary_key" json:"id"`
	CompanyId       string               `gorm:"index;not null" json:"company_id"`
	CustomerId      int                  `gorm:"index;not null" json:"customer_id"`
	InvoiceNumber   string               `gorm:"size:100" json:"invoice_number"`
	ReferenceNumber string               `gorm:"size:100" json:"reference_number"`
	InvoiceDate     time.Time            `json:"invoice_date"`
	DueDate         *time.Time           `json:"due_date"`
	CurrencyCode    string               `gorm:"size:10" json:"currency_code"`
	SubTotal        decimal.Decimal      `gorm:"type:decimal(20,8)" json:"sub_total"`
	TaxAmount       decimal.Decimal      `gorm:"type:decimal(20,8)" json:"tax_amount"`
	TotalAmount     decimal.Decimal      `gorm:"type:decimal(20,8)" json:"total_amount"`
	CurrentStatus   string               `gorm:"size:20" json:"current_status"`
	Details         []SalesInvoiceDetail `gorm:"foreignKey:InvoiceId" json:"details"`
	CreatedAt       time.Time            `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time            `gorm:"autoUpdateTime" json:"updated_at"`
}

type SalesInvoiceDetail struct {
	ID        int             `gorm:"primary_key" json:"id"`
	InvoiceId int             `gorm:"index;not null" json:"invoice_id"`
	ItemId    int             `gorm:"index" json:"item_id"`
	Name      string          `gorm:"size:255" json:"name"`
	Qty       decimal.Decimal `gorm:"type:decimal(20,8)" json:"qty"`
	UnitRate  decimal.Decimal `gorm:"type:decimal(20,8)" json:"unit_rate"`
	TaxAmount decimal.Decimal `gorm:"type:decimal(20,8)" json:"tax_amount"`
	Amount    decimal.Decimal `gorm:"type:decimal(20,8)" json:"amount"`
}

type Bill struct {
	ID              int             `gorm:"primary_key" json:"id"`
	CompanyId       string          `gorm:"index;not null" json:"company_id"`
	SupplierId      int             `gorm:"index;not null" json:"supplier_id"`
	BillNumber      string          `gorm:"size:100" json:"bill_number"`
	ReferenceNumber string          `gorm:"size:100" json:"reference_number"`
	BillDate        time.Time       `json:"bill_date"`
	DueDate         *time.Time      `json:"due_date"`
	CurrencyCode    string          `gorm:"size:10" json:"currency_code"`
	SubTotal        decimal.Decimal `gorm:"type:decimal(20,8)" json:"sub_total"`
	TaxAmount       decimal.Decimal `gorm:"type:decimal(20,8)" json:"tax_amount"`
	TotalAmount     decimal.Decimal `gorm:"type:decimal(20,8)" json:"total_amount"`
	CurrentStatus   string          `gorm:"size:20" json:"current_status"`
	Details         []BillDetail    `gorm:"foreignKey:BillId" json:"details"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type BillDetail struct {
	ID       int             `gorm:"primary_key" json:"id"`
	BillId   int             `gorm:"index;not null" json:"bill_id"`
	ItemId   int             `gorm:"index" json:"item_id"`
	Name     string          `gorm:"size:255" json:"name"`
	Qty      decimal.Decimal `gorm:"type:decimal(20,8)" json:"qty"`
	UnitRate decimal.Decimal `gorm:"type:decimal(20,8)" json:"unit_rate"`
	Amount   decimal.Decimal `gorm:"type:decimal(20,8)" json:"amount"`
}

type PurchaseOrder struct {
	ID            int             `gorm:"primary_key" json:"id"`
	CompanyId     string          `gorm:"index;not null" json:"company_id"`
	SupplierId    int             `gorm:"index;not null" json:"supplier_id"`
	OrderNumber   string          `gorm:"size:100" json:"order_number"`
	OrderDate     time.Time       `json:"order_date"`
	CurrencyCode  string          `gorm:"size:10" json:"currency_code"`
	TotalAmount   decimal.Decimal `gorm:"type:decimal(20,8)" json:"total_amount"`
	CurrentStatus string          `gorm:"size:20" json:"current_status"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type SalesOrder struct {
	ID            int             `gorm:"primary_key" json:"id"`
	CompanyId     string          `gorm:"index;not null" json:"company_id"`
	CustomerId    int             `gorm:"index;not null" json:"customer_id"`
	OrderNumber   string          `gorm:"size:100" json:"order_number"`
	OrderDate     time.Time       `json:"order_date"`
	CurrencyCode  string          `gorm:"size:10" json:"currency_code"`
	TotalAmount   decimal.Decimal `gorm:"type:decimal(20,8)" json:"total_amount"`
	CurrentStatus string          `gorm:"size:20" json:"current_status"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type InventoryAdjustment struct {
	ID               int             `gorm:"primary_key" json:"id"`
	CompanyId        string          `gorm:"index;not null" json:"company_id"`
	ItemId           int             `gorm:"index;not null" json:"item_id"`
	AdjustmentNumber string          `gorm:"size:100" json:"adjustment_number"`
	AdjustmentDate   time.Time       `json:"adjustment_date"`
	Reason           string          `gorm:"size:255" json:"reason"`
	QtyDelta         decimal.Decimal `gorm:"type:decimal(20,8)" json:"qty_delta"`
	ValueDelta       decimal.Decimal `gorm:"type:decimal(20,8)" json:"value_delta"`
	CurrentStatus    string          `gorm:"size:20" json:"current_status"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type User struct {
	ID        int       `gorm:"primary_key" json:"id"`
	Username  string    `gorm:"uniqueIndex;size:100;not null" json:"username"`
	CompanyId string    `gorm:"index;not null" json:"company_id"`
	Role      string    `gorm:"size:20" json:"role"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

const UserRoleAdmin = "admin"
