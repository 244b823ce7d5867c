package accsync

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/crbnos/accounting_sync/models"
	"github.com/crbnos/accounting_sync/utils"
	"gorm.io/gorm"
)

func init() {
	registerOps(models.EntityTypeCustomer, func(f *Factory) EntityOps {
		return &customerOps{providerOps: providerOps{f.Provider, FamilyContact}, db: f.DB}
	})
	registerOps(models.EntityTypeSupplier, func(f *Factory) EntityOps {
		return &supplierOps{providerOps: providerOps{f.Provider, FamilyContact}, db: f.DB}
	})
}

// Customers and suppliers both land in the provider's contact family,
// distinguished by sub-type. Pulling keeps the two local tables separate by
// filtering on the sub-type the provider reports.

type customerOps struct {
	providerOps
	db *gorm.DB
}

func (o *customerOps) EntityType() string  { return models.EntityTypeCustomer }
func (o *customerOps) SourceTable() string { return "customers" }

func (o *customerOps) FetchLocal(ctx context.Context, entityId string) (*LocalEntity, error) {
	id, err := parseEntityId(entityId)
	if err != nil {
		return nil, err
	}
	var customer models.Customer
	if err := o.db.WithContext(ctx).Take(&customer, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &LocalEntity{Id: entityId, UpdatedAt: customer.UpdatedAt, Data: &customer}, nil
}

func (o *customerOps) FetchLocalBatch(ctx context.Context, entityIds []string) (map[string]*LocalEntity, error) {
	ids := make([]int, 0, len(entityIds))
	for _, entityId := range entityIds {
		id, err := parseEntityId(entityId)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	var customers []models.Customer
	if err := o.db.WithContext(ctx).Where("id IN ?", ids).Find(&customers).Error; err != nil {
		return nil, err
	}
	out := make(map[string]*LocalEntity, len(customers))
	for i := range customers {
		c := customers[i]
		out[strconv.Itoa(c.ID)] = &LocalEntity{Id: strconv.Itoa(c.ID), UpdatedAt: c.UpdatedAt, Data: &c}
	}
	return out, nil
}

func (o *customerOps) MapToRemote(ctx context.Context, local *LocalEntity) (map[string]any, error) {
	customer, ok := local.Data.(*models.Customer)
	if !ok {
		return nil, errors.New("expected *models.Customer")
	}
	return map[string]any{
		"subType":         ContactSubTypeCustomer,
		"name":            customer.Name,
		"email":           customer.Email,
		"phone":           customer.Phone,
		"taxNumber":       customer.TaxNumber,
		"currencyCode":    customer.CurrencyCode,
		"accountNumber":   customer.AccountNumber,
		"isActive":        customer.IsActive,
		"billingAddress":  customer.BillingAddress,
		"shippingAddress": customer.ShippingAddress,
	}, nil
}

func (o *customerOps) MapToLocal(ctx context.Context, remote *RemoteEntity) (any, error) {
	p := remote.Payload
	return &models.Customer{
		Name:            payloadString(p, "name"),
		Email:           payloadString(p, "email"),
		Phone:           payloadString(p, "phone"),
		TaxNumber:       payloadString(p, "taxNumber"),
		CurrencyCode:    payloadString(p, "currencyCode"),
		AccountNumber:   payloadString(p, "accountNumber"),
		IsActive:        payloadBool(p, "isActive", true),
		BillingAddress:  payloadString(p, "billingAddress"),
		ShippingAddress: payloadString(p, "shippingAddress"),
	}, nil
}

func (o *customerOps) UpsertLocal(ctx context.Context, tx *gorm.DB, existingEntityId string, payload any) (string, error) {
	customer, ok := payload.(*models.Customer)
	if !ok {
		return "", errors.New("expected *models.Customer")
	}
	return upsertContactRow(ctx, tx, existingEntityId, customer)
}

func (o *customerOps) ShouldSync() ShouldSyncFunc {
	return func(ctx context.Context, sc ShouldSyncContext) (bool, string) {
		if sc.Direction == DirectionPull && sc.Remote != nil &&
			sc.Remote.SubType != "" && sc.Remote.SubType != ContactSubTypeCustomer {
			return false, "contact is not a customer"
		}
		if sc.Direction == DirectionPush && sc.IsFirstSync {
			if c, ok := sc.LocalEntity.Data.(*models.Customer); ok && !c.IsActive {
				return false, "customer is inactive"
			}
		}
		return true, ""
	}
}

type supplierOps struct {
	providerOps
	db *gorm.DB
}

func (o *supplierOps) EntityType() string  { return models.EntityTypeSupplier }
func (o *supplierOps) SourceTable() string { return "suppliers" }

func (o *supplierOps) FetchLocal(ctx context.Context, entityId string) (*LocalEntity, error) {
	id, err := parseEntityId(entityId)
	if err != nil {
		return nil, err
	}
	var supplier models.Supplier
	if err := o.db.WithContext(ctx).Take(&supplier, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &LocalEntity{Id: entityId, UpdatedAt: supplier.UpdatedAt, Data: &supplier}, nil
}

func (o *supplierOps) FetchLocalBatch(ctx context.Context, entityIds []string) (map[string]*LocalEntity, error) {
	ids := make([]int, 0, len(entityIds))
	for _, entityId := range entityIds {
		id, err := parseEntityId(entityId)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	var suppliers []models.Supplier
	if err := o.db.WithContext(ctx).Where("id IN ?", ids).Find(&suppliers).Error; err != nil {
		return nil, err
	}
	out := make(map[string]*LocalEntity, len(suppliers))
	for i := range suppliers {
		s := suppliers[i]
		out[strconv.Itoa(s.ID)] = &LocalEntity{Id: strconv.Itoa(s.ID), UpdatedAt: s.UpdatedAt, Data: &s}
	}
	return out, nil
}

func (o *supplierOps) MapToRemote(ctx context.Context, local *LocalEntity) (map[string]any, error) {
	supplier, ok := local.Data.(*models.Supplier)
	if !ok {
		return nil, errors.New("expected *models.Supplier")
	}
	return map[string]any{
		"subType":       ContactSubTypeVendor,
		"name":          supplier.Name,
		"email":         supplier.Email,
		"phone":         supplier.Phone,
		"taxNumber":     supplier.TaxNumber,
		"currencyCode":  supplier.CurrencyCode,
		"accountNumber": supplier.AccountNumber,
		"isActive":      supplier.IsActive,
	}, nil
}

func (o *supplierOps) MapToLocal(ctx context.Context, remote *RemoteEntity) (any, error) {
	p := remote.Payload
	return &models.Supplier{
		Name:          payloadString(p, "name"),
		Email:         payloadString(p, "email"),
		Phone:         payloadString(p, "phone"),
		TaxNumber:     payloadString(p, "taxNumber"),
		CurrencyCode:  payloadString(p, "currencyCode"),
		AccountNumber: payloadString(p, "accountNumber"),
		IsActive:      payloadBool(p, "isActive", true),
	}, nil
}

func (o *supplierOps) UpsertLocal(ctx context.Context, tx *gorm.DB, existingEntityId string, payload any) (string, error) {
	supplier, ok := payload.(*models.Supplier)
	if !ok {
		return "", errors.New("expected *models.Supplier")
	}
	return upsertContactRow(ctx, tx, existingEntityId, supplier)
}

func (o *supplierOps) ShouldSync() ShouldSyncFunc {
	return func(ctx context.Context, sc ShouldSyncContext) (bool, string) {
		if sc.Direction == DirectionPull && sc.Remote != nil &&
			sc.Remote.SubType != "" && sc.Remote.SubType != ContactSubTypeVendor {
			return false, "contact is not a vendor"
		}
		if sc.Direction == DirectionPush && sc.IsFirstSync {
			if s, ok := sc.LocalEntity.Data.(*models.Supplier); ok && !s.IsActive {
				return false, "supplier is inactive"
			}
		}
		return true, ""
	}
}

// upsertContactRow writes a pulled contact. Updates use struct semantics, so
// zero-valued remote fields leave the local column alone; create stamps the
// tenant from ctx.
func upsertContactRow(ctx context.Context, tx *gorm.DB, existingEntityId string, row any) (string, error) {
	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok {
		return "", errors.New("company id missing from context")
	}

	switch r := row.(type) {
	case *models.Customer:
		r.CompanyId = companyId
		if existingEntityId != "" {
			id, err := parseEntityId(existingEntityId)
			if err != nil {
				return "", err
			}
			r.ID = id
			r.UpdatedAt = time.Now()
			if err := tx.Model(&models.Customer{}).Where("id = ?", id).Updates(r).Error; err != nil {
				return "", err
			}
			return existingEntityId, nil
		}
		if err := tx.Create(r).Error; err != nil {
			return "", err
		}
		return strconv.Itoa(r.ID), nil
	case *models.Supplier:
		r.CompanyId = companyId
		if existingEntityId != "" {
			id, err := parseEntityId(existingEntityId)
			if err != nil {
				return "", err
			}
			r.ID = id
			r.UpdatedAt = time.Now()
			if err := tx.Model(&models.Supplier{}).Where("id = ?", id).Updates(r).Error; err != nil {
				return "", err
			}
			return existingEntityId, nil
		}
		if err := tx.Create(r).Error; err != nil {
			return "", err
		}
		return strconv.Itoa(r.ID), nil
	default:
		return "", errors.New("unsupported contact row type")
	}
}
