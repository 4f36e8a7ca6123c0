package service

import (
	"context"
	"fmt"
	"time"

	"github.com/vipul43/ledgersync/internal/models"
	"github.com/vipul43/ledgersync/internal/repository"
)

// localRecord is the entity-independent view of a local row.
type localRecord struct {
	ID        string
	RemoteID  *string
	UpdatedAt time.Time
	Fields    map[string]interface{}
	Summary   map[string]interface{}
	model     interface{}
}

// remoteRecord is the entity-independent view of a remote object.
type remoteRecord struct {
	ID        string
	UpdatedAt time.Time
	Fields    map[string]interface{}
	value     interface{}
}

// entitySyncer adapts one entity type to the reconciler.
type entitySyncer interface {
	load(ctx context.Context, tenantID string, localID string) (*localRecord, error)
	// payload builds the outbound object, pushing referenced entities
	// first when they have no remote id yet.
	payload(ctx context.Context, run *pushRun, local *localRecord) (interface{}, error)
	fetch(ctx context.Context, accessToken string, remoteID string) (*remoteRecord, error)
	create(ctx context.Context, accessToken string, payload interface{}, correlationID string) (*remoteRecord, error)
	update(ctx context.Context, accessToken string, remoteID string, payload interface{}, correlationID string) (*remoteRecord, error)
	attach(ctx context.Context, localID string, remoteID string) error
	// apply overwrites the local row with remote values and returns the
	// row's new updated_at.
	apply(ctx context.Context, run *pushRun, local *localRecord, remote *remoteRecord) (time.Time, error)
}

func optionalString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func optionalPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Contacts

type contactSyncer struct {
	r *Reconciler
}

func contactFields(name, email string, isCustomer, isSupplier bool) map[string]interface{} {
	return map[string]interface{}{
		"name":        name,
		"email":       email,
		"is_customer": isCustomer,
		"is_supplier": isSupplier,
	}
}

func contactRecord(c *RemoteContact) *remoteRecord {
	return &remoteRecord{
		ID:        c.ID,
		UpdatedAt: c.UpdatedAt,
		Fields:    contactFields(c.Name, c.Email, c.IsCustomer, c.IsSupplier),
		value:     c,
	}
}

func (s contactSyncer) load(ctx context.Context, tenantID string, localID string) (*localRecord, error) {
	contact, err := s.r.stores.Contacts.GetByID(ctx, localID)
	if err != nil {
		return nil, err
	}
	if contact.TenantID != tenantID {
		return nil, repository.ErrContactNotFound
	}
	return &localRecord{
		ID:        contact.ID,
		RemoteID:  contact.RemoteContactID,
		UpdatedAt: contact.UpdatedAt,
		Fields:    contactFields(contact.Name, optionalString(contact.Email), contact.ActsAsCustomer, contact.ActsAsSupplier),
		Summary: map[string]interface{}{
			"name":             contact.Name,
			"email":            optionalString(contact.Email),
			"acts_as_customer": contact.ActsAsCustomer,
			"acts_as_supplier": contact.ActsAsSupplier,
		},
		model: contact,
	}, nil
}

func (s contactSyncer) payload(ctx context.Context, run *pushRun, local *localRecord) (interface{}, error) {
	contact := local.model.(*models.Contact)
	return RemoteContact{
		Name:       contact.Name,
		Email:      optionalString(contact.Email),
		IsCustomer: contact.ActsAsCustomer,
		IsSupplier: contact.ActsAsSupplier,
	}, nil
}

func (s contactSyncer) fetch(ctx context.Context, accessToken string, remoteID string) (*remoteRecord, error) {
	remote, err := s.r.client.GetContact(ctx, accessToken, remoteID)
	if err != nil {
		return nil, err
	}
	return contactRecord(remote), nil
}

func (s contactSyncer) create(ctx context.Context, accessToken string, payload interface{}, correlationID string) (*remoteRecord, error) {
	remote, err := s.r.client.CreateContact(ctx, accessToken, payload.(RemoteContact), correlationID)
	if err != nil {
		return nil, err
	}
	return contactRecord(remote), nil
}

func (s contactSyncer) update(ctx context.Context, accessToken string, remoteID string, payload interface{}, correlationID string) (*remoteRecord, error) {
	contact := payload.(RemoteContact)
	contact.ID = remoteID
	remote, err := s.r.client.UpdateContact(ctx, accessToken, contact, correlationID)
	if err != nil {
		return nil, err
	}
	return contactRecord(remote), nil
}

func (s contactSyncer) attach(ctx context.Context, localID string, remoteID string) error {
	return s.r.stores.Contacts.AttachRemote(ctx, localID, remoteID, "")
}

func (s contactSyncer) apply(ctx context.Context, run *pushRun, local *localRecord, remote *remoteRecord) (time.Time, error) {
	contact := local.model.(*models.Contact)
	rc := remote.value.(*RemoteContact)
	contact.Name = rc.Name
	contact.Email = optionalPtr(rc.Email)
	if rc.IsCustomer {
		contact.ActsAsCustomer = true
	}
	if rc.IsSupplier {
		contact.ActsAsSupplier = true
	}
	contact.Archived = rc.Archived
	if err := s.r.stores.Contacts.Update(ctx, contact); err != nil {
		return time.Time{}, err
	}
	return contact.UpdatedAt, nil
}

// Invoices

type invoiceSyncer struct {
	r         *Reconciler
	direction models.InvoiceDirection
}

// invoiceEntityType maps a direction onto the table it is stored in.
func invoiceEntityType(direction models.InvoiceDirection) models.EntityType {
	if direction == models.DirectionInbound {
		return models.EntityPayableInvoice
	}
	return models.EntityReceivableInvoice
}

func invoiceFields(number, reference, currency string, total, amountDue float64, status string, issueDate time.Time, dueDate *time.Time) map[string]interface{} {
	fields := map[string]interface{}{
		"number":     number,
		"reference":  reference,
		"currency":   currency,
		"total":      amountString(total),
		"amount_due": amountString(amountDue),
		"status":     status,
		"issue_date": dateString(issueDate),
		"due_date":   "",
	}
	if dueDate != nil {
		fields["due_date"] = dateString(*dueDate)
	}
	return fields
}

func invoiceRecord(inv *RemoteInvoice) *remoteRecord {
	return &remoteRecord{
		ID:        inv.ID,
		UpdatedAt: inv.UpdatedAt,
		Fields:    invoiceFields(inv.Number, inv.Reference, inv.Currency, inv.Total, inv.AmountDue, inv.Status, inv.IssueDate, inv.DueDate),
		value:     inv,
	}
}

func (s invoiceSyncer) load(ctx context.Context, tenantID string, localID string) (*localRecord, error) {
	invoice, err := s.r.stores.Invoices.GetByID(ctx, s.direction, localID)
	if err != nil {
		return nil, err
	}
	if invoice.TenantID != tenantID {
		return nil, repository.ErrInvoiceNotFound
	}
	return &localRecord{
		ID:        invoice.ID,
		RemoteID:  invoice.RemoteInvoiceID,
		UpdatedAt: invoice.UpdatedAt,
		Fields: invoiceFields(invoice.Number, optionalString(invoice.Reference), invoice.Currency,
			invoice.Total, invoice.AmountDue, invoice.Status, invoice.IssueDate, invoice.DueDate),
		Summary: map[string]interface{}{
			"number":     invoice.Number,
			"contact_id": invoice.ContactID,
			"currency":   invoice.Currency,
			"total":      amountString(invoice.Total),
			"status":     invoice.Status,
			"direction":  string(s.direction),
		},
		model: invoice,
	}, nil
}

func (s invoiceSyncer) payload(ctx context.Context, run *pushRun, local *localRecord) (interface{}, error) {
	invoice := local.model.(*models.InvoiceFields)
	contact, err := s.r.stores.Contacts.GetByID(ctx, invoice.ContactID)
	if err != nil {
		return nil, fmt.Errorf("failed to load invoice contact: %w", err)
	}
	remoteContactID, err := s.r.ensureRemoteContact(ctx, run, contact)
	if err != nil {
		return nil, err
	}
	return RemoteInvoice{
		Direction:   s.direction,
		ContactID:   remoteContactID,
		ContactName: contact.Name,
		Number:      invoice.Number,
		Reference:   optionalString(invoice.Reference),
		Currency:    invoice.Currency,
		Total:       invoice.Total,
		AmountDue:   invoice.AmountDue,
		Status:      invoice.Status,
		IssueDate:   invoice.IssueDate,
		DueDate:     invoice.DueDate,
	}, nil
}

func (s invoiceSyncer) fetch(ctx context.Context, accessToken string, remoteID string) (*remoteRecord, error) {
	remote, err := s.r.client.GetInvoice(ctx, accessToken, remoteID)
	if err != nil {
		return nil, err
	}
	if remote.Direction != "" && remote.Direction != s.direction {
		return nil, NewSyncError(KindConflict, "fetch_invoice",
			fmt.Errorf("remote invoice %s is %s but stored as %s", remoteID, remote.Direction, s.direction))
	}
	return invoiceRecord(remote), nil
}

func (s invoiceSyncer) create(ctx context.Context, accessToken string, payload interface{}, correlationID string) (*remoteRecord, error) {
	remote, err := s.r.client.CreateInvoice(ctx, accessToken, payload.(RemoteInvoice), correlationID)
	if err != nil {
		return nil, err
	}
	return invoiceRecord(remote), nil
}

func (s invoiceSyncer) update(ctx context.Context, accessToken string, remoteID string, payload interface{}, correlationID string) (*remoteRecord, error) {
	invoice := payload.(RemoteInvoice)
	invoice.ID = remoteID
	remote, err := s.r.client.UpdateInvoice(ctx, accessToken, invoice, correlationID)
	if err != nil {
		return nil, err
	}
	return invoiceRecord(remote), nil
}

func (s invoiceSyncer) attach(ctx context.Context, localID string, remoteID string) error {
	return s.r.stores.Invoices.AttachRemote(ctx, s.direction, localID, remoteID)
}

func (s invoiceSyncer) apply(ctx context.Context, run *pushRun, local *localRecord, remote *remoteRecord) (time.Time, error) {
	invoice := local.model.(*models.InvoiceFields)
	ri := remote.value.(*RemoteInvoice)

	if ri.ContactID != "" {
		resolution, err := s.r.resolver.Resolve(ctx, invoice.TenantID,
			RemoteContactRef{ID: ri.ContactID, Name: ri.ContactName}, s.direction.Role())
		if err != nil {
			return time.Time{}, fmt.Errorf("failed to resolve invoice contact: %w", err)
		}
		invoice.ContactID = resolution.Contact.ID
	}
	invoice.Number = ri.Number
	invoice.Reference = optionalPtr(ri.Reference)
	invoice.Currency = ri.Currency
	invoice.Total = ri.Total
	invoice.AmountDue = ri.AmountDue
	invoice.Status = ri.Status
	invoice.IssueDate = ri.IssueDate
	invoice.DueDate = ri.DueDate
	if err := s.r.stores.Invoices.Update(ctx, s.direction, invoice); err != nil {
		return time.Time{}, err
	}
	return invoice.UpdatedAt, nil
}

// Payments

type paymentSyncer struct {
	r *Reconciler
}

func paymentFields(amount float64, currency string, date time.Time, reference, status string) map[string]interface{} {
	return map[string]interface{}{
		"amount":    amountString(amount),
		"currency":  currency,
		"date":      dateString(date),
		"reference": reference,
		"status":    status,
	}
}

func paymentRecord(p *RemotePayment) *remoteRecord {
	return &remoteRecord{
		ID:        p.ID,
		UpdatedAt: p.UpdatedAt,
		Fields:    paymentFields(p.Amount, p.Currency, p.Date, p.Reference, p.Status),
		value:     p,
	}
}

func (s paymentSyncer) load(ctx context.Context, tenantID string, localID string) (*localRecord, error) {
	payment, err := s.r.stores.Payments.GetByID(ctx, localID)
	if err != nil {
		return nil, err
	}
	if payment.TenantID != tenantID {
		return nil, repository.ErrPaymentNotFound
	}
	return &localRecord{
		ID:        payment.ID,
		RemoteID:  payment.RemotePaymentID,
		UpdatedAt: payment.UpdatedAt,
		Fields:    paymentFields(payment.Amount, payment.Currency, payment.Date, optionalString(payment.Reference), payment.Status),
		Summary: map[string]interface{}{
			"amount":     amountString(payment.Amount),
			"currency":   payment.Currency,
			"date":       dateString(payment.Date),
			"reference":  optionalString(payment.Reference),
			"invoice_id": payment.InvoiceID,
			"status":     payment.Status,
		},
		model: payment,
	}, nil
}

func (s paymentSyncer) payload(ctx context.Context, run *pushRun, local *localRecord) (interface{}, error) {
	payment := local.model.(*models.Payment)

	invoice, err := s.r.stores.Invoices.GetByID(ctx, payment.InvoiceDirection, payment.InvoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load payment invoice: %w", err)
	}
	remoteInvoiceID := optionalString(invoice.RemoteInvoiceID)
	if remoteInvoiceID == "" && !run.opts.DryRun {
		outcome, err := s.r.syncEntity(ctx, run, invoiceEntityType(payment.InvoiceDirection), invoice.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to push invoice %s: %w", invoice.ID, err)
		}
		if outcome.RemoteID == "" {
			return nil, NewSyncError(KindInternal, "push_invoice", fmt.Errorf("invoice %s has no remote id after push", invoice.ID))
		}
		remoteInvoiceID = outcome.RemoteID
	}

	return RemotePayment{
		InvoiceID: remoteInvoiceID,
		Amount:    payment.Amount,
		Currency:  payment.Currency,
		Date:      payment.Date,
		Reference: optionalString(payment.Reference),
		Status:    payment.Status,
	}, nil
}

func (s paymentSyncer) fetch(ctx context.Context, accessToken string, remoteID string) (*remoteRecord, error) {
	remote, err := s.r.client.GetPayment(ctx, accessToken, remoteID)
	if err != nil {
		return nil, err
	}
	return paymentRecord(remote), nil
}

func (s paymentSyncer) create(ctx context.Context, accessToken string, payload interface{}, correlationID string) (*remoteRecord, error) {
	remote, err := s.r.client.CreatePayment(ctx, accessToken, payload.(RemotePayment), correlationID)
	if err != nil {
		return nil, err
	}
	return paymentRecord(remote), nil
}

func (s paymentSyncer) update(ctx context.Context, accessToken string, remoteID string, payload interface{}, correlationID string) (*remoteRecord, error) {
	payment := payload.(RemotePayment)
	payment.ID = remoteID
	remote, err := s.r.client.UpdatePayment(ctx, accessToken, payment, correlationID)
	if err != nil {
		return nil, err
	}
	return paymentRecord(remote), nil
}

func (s paymentSyncer) attach(ctx context.Context, localID string, remoteID string) error {
	return s.r.stores.Payments.AttachRemote(ctx, localID, remoteID)
}

func (s paymentSyncer) apply(ctx context.Context, run *pushRun, local *localRecord, remote *remoteRecord) (time.Time, error) {
	payment := local.model.(*models.Payment)
	rp := remote.value.(*RemotePayment)
	payment.Amount = rp.Amount
	payment.Currency = rp.Currency
	payment.Date = rp.Date
	payment.Reference = optionalPtr(rp.Reference)
	payment.Status = rp.Status
	if err := s.r.stores.Payments.Update(ctx, payment); err != nil {
		return time.Time{}, err
	}
	return payment.UpdatedAt, nil
}
