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
	registerOps(models.EntityTypeBill, func(f *Factory) EntityOps {
		return &billOps{
			providerOps: providerOps{f.Provider, FamilyBill},
			db:          f.DB,
			store:       f.Store,
			resolver:    f.Resolver,
			integration: f.Integration,
		}
	})
}

type billOps struct {
	providerOps
	db          *gorm.DB
	store       MappingStore
	resolver    *DependencyResolver
	integration string
}

func (o *billOps) EntityType() string  { return models.EntityTypeBill }
func (o *billOps) SourceTable() string { return "bills" }

func (o *billOps) FetchLocal(ctx context.Context, entityId string) (*LocalEntity, error) {
	id, err := parseEntityId(entityId)
	if err != nil {
		return nil, err
	}
	var bill models.Bill
	if err := o.db.WithContext(ctx).Preload("Details").Take(&bill, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &LocalEntity{Id: entityId, UpdatedAt: bill.UpdatedAt, Data: &bill}, nil
}

func (o *billOps) FetchLocalBatch(ctx context.Context, entityIds []string) (map[string]*LocalEntity, error) {
	ids := make([]int, 0, len(entityIds))
	for _, entityId := range entityIds {
		id, err := parseEntityId(entityId)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	var bills []models.Bill
	if err := o.db.WithContext(ctx).Preload("Details").Where("id IN ?", ids).Find(&bills).Error; err != nil {
		return nil, err
	}
	out := make(map[string]*LocalEntity, len(bills))
	for i := range bills {
		b := bills[i]
		out[strconv.Itoa(b.ID)] = &LocalEntity{Id: strconv.Itoa(b.ID), UpdatedAt: b.UpdatedAt, Data: &b}
	}
	return out, nil
}

func (o *billOps) MapToRemote(ctx context.Context, local *LocalEntity) (map[string]any, error) {
	bill, ok := local.Data.(*models.Bill)
	if !ok {
		return nil, errors.New("expected *models.Bill")
	}

	contactId, err := o.resolver.EnsureSynced(ctx, models.EntityTypeSupplier, strconv.Itoa(bill.SupplierId))
	if err != nil {
		return nil, err
	}

	lines := make([]map[string]any, 0, len(bill.Details))
	for _, d := range bill.Details {
		line := map[string]any{
			"description": d.Name,
			"quantity":    d.Qty.String(),
			"unitRate":    d.UnitRate.String(),
			"amount":      d.Amount.String(),
		}
		if d.ItemId != 0 {
			itemId, err := o.resolver.EnsureSynced(ctx, models.EntityTypeItem, strconv.Itoa(d.ItemId))
			if err != nil {
				return nil, err
			}
			line["itemId"] = itemId
		}
		lines = append(lines, line)
	}

	payload := map[string]any{
		"contactId":       contactId,
		"billNumber":      bill.BillNumber,
		"referenceNumber": bill.ReferenceNumber,
		"billDate":        bill.BillDate.Format("2006-01-02"),
		"currencyCode":    bill.CurrencyCode,
		"subTotal":        bill.SubTotal.String(),
		"taxAmount":       bill.TaxAmount.String(),
		"totalAmount":     bill.TotalAmount.String(),
		"status":          bill.CurrentStatus,
		"lines":           lines,
	}
	if bill.DueDate != nil {
		payload["dueDate"] = bill.DueDate.Format("2006-01-02")
	}
	return payload, nil
}

func (o *billOps) MapToLocal(ctx context.Context, remote *RemoteEntity) (any, error) {
	p := remote.Payload

	supplierId, err := o.store.GetEntityId(ctx, models.EntityTypeSupplier, payloadString(p, "contactId"), o.integration)
	if err != nil {
		return nil, err
	}
	if supplierId == "" {
		return nil, errors.New("bill supplier has not been pulled yet")
	}
	localSupplierId, err := parseEntityId(supplierId)
	if err != nil {
		return nil, err
	}

	bill := &models.Bill{
		SupplierId:      localSupplierId,
		BillNumber:      payloadString(p, "billNumber"),
		ReferenceNumber: payloadString(p, "referenceNumber"),
		BillDate:        payloadTime(p, "billDate"),
		CurrencyCode:    payloadString(p, "currencyCode"),
		SubTotal:        payloadDecimal(p, "subTotal"),
		TaxAmount:       payloadDecimal(p, "taxAmount"),
		TotalAmount:     payloadDecimal(p, "totalAmount"),
		CurrentStatus:   payloadString(p, "status"),
	}
	if due := payloadTime(p, "dueDate"); !due.IsZero() {
		bill.DueDate = &due
	}

	for _, line := range payloadSlice(p, "lines") {
		detail := models.BillDetail{
			Name:     payloadString(line, "description"),
			Qty:      payloadDecimal(line, "quantity"),
			UnitRate: payloadDecimal(line, "unitRate"),
			Amount:   payloadDecimal(line, "amount"),
		}
		if remoteItemId := payloadString(line, "itemId"); remoteItemId != "" {
			itemId, err := o.store.GetEntityId(ctx, models.EntityTypeItem, remoteItemId, o.integration)
			if err != nil {
				return nil, err
			}
			if itemId != "" {
				if id, err := parseEntityId(itemId); err == nil {
					detail.ItemId = id
				}
			}
		}
		bill.Details = append(bill.Details, detail)
	}
	return bill, nil
}

func (o *billOps) UpsertLocal(ctx context.Context, tx *gorm.DB, existingEntityId string, payload any) (string, error) {
	bill, ok := payload.(*models.Bill)
	if !ok {
		return "", errors.New("expected *models.Bill")
	}
	companyId, found := utils.GetCompanyIdFromContext(ctx)
	if !found {
		return "", errors.New("company id missing from context")
	}
	bill.CompanyId = companyId

	if existingEntityId != "" {
		id, err := parseEntityId(existingEntityId)
		if err != nil {
			return "", err
		}
		bill.ID = id
		if err := tx.Where("bill_id = ?", id).Delete(&models.BillDetail{}).Error; err != nil {
			return "", err
		}
		for i := range bill.Details {
			bill.Details[i].BillId = id
		}
		if err := tx.Model(&models.Bill{}).Where("id = ?", id).Updates(bill).Error; err != nil {
			return "", err
		}
		if len(bill.Details) > 0 {
			if err := tx.Create(&bill.Details).Error; err != nil {
				return "", err
			}
		}
		return existingEntityId, nil
	}
	if err := tx.Create(bill).Error; err != nil {
		return "", err
	}
	return strconv.Itoa(bill.ID), nil
}

func (o *billOps) ShouldSync() ShouldSyncFunc {
	return func(ctx context.Context, sc ShouldSyncContext) (bool, string) {
		if sc.Direction == DirectionPush {
			if bill, ok := sc.LocalEntity.Data.(*models.Bill); ok {
				if bill.CurrentStatus == models.DocStatusDraft {
					return false, "draft bills are not synced"
				}
				if sc.IsFirstSync && bill.CurrentStatus == models.DocStatusVoid {
					return false, "void bill was never synced"
				}
			}
		}
		return true, ""
	}
}
