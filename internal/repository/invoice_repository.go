package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vipul43/ledgersync/internal/models"
	"gorm.io/gorm"
)

var (
	ErrInvoiceNotFound = errors.New("invoice not found")
	// ErrRemoteInvoiceClaimed is returned when a remote invoice id is already
	// stored in the other invoice table, or on a different local invoice.
	ErrRemoteInvoiceClaimed = errors.New("remote invoice id already claimed by another invoice")
)

// CrossDirectionDuplicate is a remote invoice id stored in both tables.
type CrossDirectionDuplicate struct {
	RemoteInvoiceID     string `json:"remote_invoice_id"`
	ReceivableInvoiceID string `json:"receivable_invoice_id"`
	PayableInvoiceID    string `json:"payable_invoice_id"`
	TenantID            string `json:"tenant_id"`
}

// InvoiceRepository reads and writes both invoice representations. The
// direction selects the table.
type InvoiceRepository struct {
	db *gorm.DB
}

func NewInvoiceRepository(db *gorm.DB) *InvoiceRepository {
	return &InvoiceRepository{db: db}
}

func invoiceTable(direction models.InvoiceDirection) string {
	if direction == models.DirectionInbound {
		return models.PayableInvoice{}.TableName()
	}
	return models.ReceivableInvoice{}.TableName()
}

// Create creates a new invoice in the table for its direction
func (r *InvoiceRepository) Create(ctx context.Context, direction models.InvoiceDirection, invoice *models.InvoiceFields) error {
	invoice.RemoteDirection = direction
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if invoice.RemoteInvoiceID != nil {
			if err := claimRemoteInvoice(tx, *invoice.RemoteInvoiceID, direction, invoice.ID); err != nil {
				return err
			}
		}
		if err := tx.Table(invoiceTable(direction)).Create(invoice).Error; err != nil {
			return fmt.Errorf("failed to create invoice: %w", err)
		}
		return nil
	})
}

// GetByID retrieves invoice by ID
func (r *InvoiceRepository) GetByID(ctx context.Context, direction models.InvoiceDirection, invoiceID string) (*models.InvoiceFields, error) {
	var invoice models.InvoiceFields
	result := r.db.WithContext(ctx).Table(invoiceTable(direction)).First(&invoice, "id = ?", invoiceID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrInvoiceNotFound
		}
		return nil, fmt.Errorf("failed to get invoice: %w", result.Error)
	}
	return &invoice, nil
}

// GetByRemoteID retrieves the invoice stored under a remote invoice id
func (r *InvoiceRepository) GetByRemoteID(ctx context.Context, direction models.InvoiceDirection, remoteInvoiceID string) (*models.InvoiceFields, error) {
	var invoice models.InvoiceFields
	result := r.db.WithContext(ctx).Table(invoiceTable(direction)).
		First(&invoice, "remote_invoice_id = ?", remoteInvoiceID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrInvoiceNotFound
		}
		return nil, fmt.Errorf("failed to get invoice by remote id: %w", result.Error)
	}
	return &invoice, nil
}

// Update saves every field of the invoice
func (r *InvoiceRepository) Update(ctx context.Context, direction models.InvoiceDirection, invoice *models.InvoiceFields) error {
	invoice.UpdatedAt = time.Now()
	if err := r.db.WithContext(ctx).Table(invoiceTable(direction)).Save(invoice).Error; err != nil {
		return fmt.Errorf("failed to update invoice: %w", err)
	}
	return nil
}

// AttachRemote records the remote id returned by a create call, without
// touching updated_at
func (r *InvoiceRepository) AttachRemote(ctx context.Context, direction models.InvoiceDirection, invoiceID string, remoteInvoiceID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := claimRemoteInvoice(tx, remoteInvoiceID, direction, invoiceID); err != nil {
			return err
		}
		result := tx.Table(invoiceTable(direction)).
			Where("id = ?", invoiceID).
			UpdateColumn("remote_invoice_id", remoteInvoiceID)
		if result.Error != nil {
			return fmt.Errorf("failed to attach remote invoice: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrInvoiceNotFound
		}
		return nil
	})
}

// UpsertRemote writes a pulled invoice. An existing row carrying the same
// remote id is updated in place; otherwise a new row is created. The
// remote id is claimed in the same transaction.
func (r *InvoiceRepository) UpsertRemote(ctx context.Context, direction models.InvoiceDirection, invoice *models.InvoiceFields) (bool, error) {
	if invoice.RemoteInvoiceID == nil {
		return false, fmt.Errorf("upsert requires a remote invoice id")
	}
	invoice.RemoteDirection = direction
	created := false

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.InvoiceFields
		result := tx.Table(invoiceTable(direction)).
			Where("remote_invoice_id = ?", *invoice.RemoteInvoiceID).
			Limit(1).
			Find(&existing)
		if result.Error != nil {
			return fmt.Errorf("failed to look up invoice: %w", result.Error)
		}
		if result.RowsAffected > 0 {
			invoice.ID = existing.ID
			invoice.CreatedAt = existing.CreatedAt
		} else {
			created = true
			if invoice.ID == "" {
				invoice.ID = uuid.NewString()
			}
		}

		if err := claimRemoteInvoice(tx, *invoice.RemoteInvoiceID, direction, invoice.ID); err != nil {
			return err
		}

		invoice.UpdatedAt = time.Now()
		if created {
			if err := tx.Table(invoiceTable(direction)).Create(invoice).Error; err != nil {
				return fmt.Errorf("failed to create invoice: %w", err)
			}
			return nil
		}
		if err := tx.Table(invoiceTable(direction)).Save(invoice).Error; err != nil {
			return fmt.Errorf("failed to update invoice: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

// claimRemoteInvoice inserts the link row for a remote invoice id, or
// confirms the existing one points at the same local invoice.
func claimRemoteInvoice(tx *gorm.DB, remoteInvoiceID string, direction models.InvoiceDirection, localInvoiceID string) error {
	var link models.RemoteInvoiceLink
	result := tx.Where("remote_invoice_id = ?", remoteInvoiceID).Limit(1).Find(&link)
	if result.Error != nil {
		return fmt.Errorf("failed to read remote invoice link: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		if link.Direction != direction || link.LocalInvoiceID != localInvoiceID {
			return fmt.Errorf("%w: %s is held by %s invoice %s", ErrRemoteInvoiceClaimed, remoteInvoiceID, link.Direction, link.LocalInvoiceID)
		}
		return nil
	}

	link = models.RemoteInvoiceLink{
		RemoteInvoiceID: remoteInvoiceID,
		Direction:       direction,
		LocalInvoiceID:  localInvoiceID,
		CreatedAt:       time.Now(),
	}
	if err := tx.Create(&link).Error; err != nil {
		return fmt.Errorf("failed to claim remote invoice: %w", err)
	}
	return nil
}

// FindCrossDirectionDuplicates reports remote invoice ids present in both
// tables. Rows written before the link table existed can violate the
// single-representation rule; this is the audit for them.
func (r *InvoiceRepository) FindCrossDirectionDuplicates(ctx context.Context) ([]CrossDirectionDuplicate, error) {
	var duplicates []CrossDirectionDuplicate
	result := r.db.WithContext(ctx).Raw(`
		SELECT ri.remote_invoice_id AS remote_invoice_id,
		       ri.id AS receivable_invoice_id,
		       pi.id AS payable_invoice_id,
		       ri.tenant_id AS tenant_id
		FROM receivable_invoice ri
		JOIN payable_invoice pi ON pi.remote_invoice_id = ri.remote_invoice_id
		WHERE ri.remote_invoice_id IS NOT NULL
		ORDER BY ri.remote_invoice_id`).
		Scan(&duplicates)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to find duplicate invoices: %w", result.Error)
	}
	return duplicates, nil
}
