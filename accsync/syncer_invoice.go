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
	registerOps(models.EntityTypeSalesInvoice, func(f *Factory) EntityOps {
		return &invoiceOps{
			providerOps: providerOps{f.Provider, FamilyInvoice},
			db:          f.DB,
			store:       f.Store,
			resolver:    f.Resolver,
			integration: f.Integration,
		}
	})
}

// invoiceOps syncs sales invoices. Pushing an invoice first resolves its
// customer and line items through the dependency resolver so the provider
// never sees a dangling reference.
type invoiceOps struct {
	providerOps
	db          *gorm.DB
	store       MappingStore
	resolver    *DependencyResolver
	integration string
}

func (o *invoiceOps) EntityType() string  { return models.EntityTypeSalesInvoice }
func (o *invoiceOps) SourceTable() string { return "sales_invoices" }

func (o *invoiceOps) FetchLocal(ctx context.Context, entityId string) (*LocalEntity, error) {
	id, err := parseEntityId(entityId)
	if err != nil {
		return nil, err
	}
	var invoice models.SalesInvoice
	if err := o.db.WithContext(ctx).Preload("Details").Take(&invoice, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &LocalEntity{Id: entityId, UpdatedAt: invoice.UpdatedAt, Data: &invoice}, nil
}

func (o *invoiceOps) FetchLocalBatch(ctx context.Context, entityIds []string) (map[string]*LocalEntity, error) {
	ids := make([]int, 0, len(entityIds))
	for _, entityId := range entityIds {
		id, err := parseEntityId(entityId)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	var invoices []models.SalesInvoice
	if err := o.db.WithContext(ctx).Preload("Details").Where("id IN ?", ids).Find(&invoices).Error; err != nil {
		return nil, err
	}
	out := make(map[string]*LocalEntity, len(invoices))
	for i := range invoices {
		inv := invoices[i]
		out[strconv.Itoa(inv.ID)] = &LocalEntity{Id: strconv.Itoa(inv.ID), UpdatedAt: inv.UpdatedAt, Data: &inv}
	}
	return out, nil
}

func (o *invoiceOps) MapToRemote(ctx context.Context, local *LocalEntity) (map[string]any, error) {
	invoice, ok := local.Data.(*models.SalesInvoice)
	if !ok {
		return nil, errors.New("expected *models.SalesInvoice")
	}

	contactId, err := o.resolver.EnsureSynced(ctx, models.EntityTypeCustomer, strconv.Itoa(invoice.CustomerId))
	if err != nil {
		return nil, err
	}

	lines := make([]map[string]any, 0, len(invoice.Details))
	for _, d := range invoice.Details {
		line := map[string]any{
			"description": d.Name,
			"quantity":    d.Qty.String(),
			"unitRate":    d.UnitRate.String(),
			"taxAmount":   d.TaxAmount.String(),
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
		"invoiceNumber":   invoice.InvoiceNumber,
		"referenceNumber": invoice.ReferenceNumber,
		"invoiceDate":     invoice.InvoiceDate.Format("2006-01-02"),
		"currencyCode":    invoice.CurrencyCode,
		"subTotal":        invoice.SubTotal.String(),
		"taxAmount":       invoice.TaxAmount.String(),
		"totalAmount":     invoice.TotalAmount.String(),
		"status":          invoice.CurrentStatus,
		"lines":           lines,
	}
	if invoice.DueDate != nil {
		payload["dueDate"] = invoice.DueDate.Format("2006-01-02")
	}
	return payload, nil
}

func (o *invoiceOps) MapToLocal(ctx context.Context, remote *RemoteEntity) (any, error) {
	p := remote.Payload

	// Remote references come back as provider ids; translate the contact
	// through the mapping store. An unmapped contact means its pull has not
	// happened yet and this invoice retries later.
	customerId, err := o.store.GetEntityId(ctx, models.EntityTypeCustomer, payloadString(p, "contactId"), o.integration)
	if err != nil {
		return nil, err
	}
	if customerId == "" {
		return nil, errors.New("invoice customer has not been pulled yet")
	}
	localCustomerId, err := parseEntityId(customerId)
	if err != nil {
		return nil, err
	}

	invoice := &models.SalesInvoice{
		CustomerId:      localCustomerId,
		InvoiceNumber:   payloadString(p, "invoiceNumber"),
		ReferenceNumber: payloadString(p, "referenceNumber"),
		InvoiceDate:     payloadTime(p, "invoiceDate"),
		CurrencyCode:    payloadString(p, "currencyCode"),
		SubTotal:        payloadDecimal(p, "subTotal"),
		TaxAmount:       payloadDecimal(p, "taxAmount"),
		TotalAmount:     payloadDecimal(p, "totalAmount"),
		CurrentStatus:   payloadString(p, "status"),
	}
	if due := payloadTime(p, "dueDate"); !due.IsZero() {
		invoice.DueDate = &due
	}

	for _, line := range payloadSlice(p, "lines") {
		detail := models.SalesInvoiceDetail{
			Name:      payloadString(line, "description"),
			Qty:       payloadDecimal(line, "quantity"),
			UnitRate:  payloadDecimal(line, "unitRate"),
			TaxAmount: payloadDecimal(line, "taxAmount"),
			Amount:    payloadDecimal(line, "amount"),
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
		invoice.Details = append(invoice.Details, detail)
	}
	return invoice, nil
}

func (o *invoiceOps) UpsertLocal(ctx context.Context, tx *gorm.DB, existingEntityId string, payload any) (string, error) {
	invoice, ok := payload.(*models.SalesInvoice)
	if !ok {
		return "", errors.New("expected *models.SalesInvoice")
	}
	companyId, found := utils.GetCompanyIdFromContext(ctx)
	if !found {
		return "", errors.New("company id missing from context")
	}
	invoice.CompanyId = companyId

	if existingEntityId != "" {
		id, err := parseEntityId(existingEntityId)
		if err != nil {
			return "", err
		}
		invoice.ID = id
		// Replace the detail rows wholesale; partial line diffs are not worth
		// the bookkeeping for pulled documents.
		if err := tx.Where("invoice_id = ?", id).Delete(&models.SalesInvoiceDetail{}).Error; err != nil {
			return "", err
		}
		for i := range invoice.Details {
			invoice.Details[i].InvoiceId = id
		}
		if err := tx.Model(&models.SalesInvoice{}).Where("id = ?", id).
			Omit("Details").Updates(invoice).Error; err != nil {
			return "", err
		}
		if len(invoice.Details) > 0 {
			if err := tx.Create(&invoice.Details).Error; err != nil {
				return "", err
			}
		}
		return existingEntityId, nil
	}
	if err := tx.Create(invoice).Error; err != nil {
		return "", err
	}
	return strconv.Itoa(invoice.ID), nil
}

func (o *invoiceOps) ShouldSync() ShouldSyncFunc {
	return func(ctx context.Context, sc ShouldSyncContext) (bool, string) {
		if sc.Direction == DirectionPush {
			if inv, ok := sc.LocalEntity.Data.(*models.SalesInvoice); ok {
				if inv.CurrentStatus == models.DocStatusDraft {
					return false, "draft invoices are not synced"
				}
				if sc.IsFirstSync && inv.CurrentStatus == models.DocStatusVoid {
					return false, "void invoice was never synced"
				}
			}
		}
		return true, ""
	}
}
