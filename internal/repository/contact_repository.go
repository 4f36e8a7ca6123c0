package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vipul43/ledgersync/internal/models"
	"gorm.io/gorm"
)

var ErrContactNotFound = errors.New("contact not found")

type ContactRepository struct {
	db *gorm.DB
}

func NewContactRepository(db *gorm.DB) *ContactRepository {
	return &ContactRepository{db: db}
}

// Create creates a new contact
func (r *ContactRepository) Create(ctx context.Context, contact *models.Contact) error {
	if err := r.db.WithContext(ctx).Create(contact).Error; err != nil {
		return fmt.Errorf("failed to create contact: %w", err)
	}
	return nil
}

// GetByID retrieves contact by ID
func (r *ContactRepository) GetByID(ctx context.Context, contactID string) (*models.Contact, error) {
	var contact models.Contact
	result := r.db.WithContext(ctx).First(&contact, "id = ?", contactID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrContactNotFound
		}
		return nil, fmt.Errorf("failed to get contact: %w", result.Error)
	}
	return &contact, nil
}

// GetByRemoteID retrieves the contact linked to a remote contact id
func (r *ContactRepository) GetByRemoteID(ctx context.Context, tenantID string, remoteContactID string) (*models.Contact, error) {
	var contact models.Contact
	result := r.db.WithContext(ctx).
		Where("tenant_id = ? AND remote_contact_id = ?", tenantID, remoteContactID).
		First(&contact)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrContactNotFound
		}
		return nil, fmt.Errorf("failed to get contact by remote id: %w", result.Error)
	}
	return &contact, nil
}

// ListActive retrieves all non-archived contacts of a tenant, ordered by id
// so that callers iterating candidates see a stable order
func (r *ContactRepository) ListActive(ctx context.Context, tenantID string) ([]models.Contact, error) {
	var contacts []models.Contact
	result := r.db.WithContext(ctx).
		Where("tenant_id = ? AND archived = ?", tenantID, false).
		Order("id ASC").
		Find(&contacts)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list contacts: %w", result.Error)
	}
	return contacts, nil
}

// Update saves every field of the contact
func (r *ContactRepository) Update(ctx context.Context, contact *models.Contact) error {
	contact.UpdatedAt = time.Now()
	if err := r.db.WithContext(ctx).Save(contact).Error; err != nil {
		return fmt.Errorf("failed to update contact: %w", err)
	}
	return nil
}

// AttachRemote links a contact to a remote contact id and turns on the role
// flag for the document that caused the link. An empty role changes no flag.
// updated_at is left alone so the link does not read as a local edit.
func (r *ContactRepository) AttachRemote(ctx context.Context, contactID string, remoteContactID string, role models.ContactRole) error {
	updates := map[string]interface{}{
		"remote_contact_id": remoteContactID,
	}
	switch role {
	case models.RoleCustomer:
		updates["acts_as_customer"] = true
	case models.RoleSupplier:
		updates["acts_as_supplier"] = true
	}

	result := r.db.WithContext(ctx).Model(&models.Contact{}).
		Where("id = ?", contactID).
		UpdateColumns(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to attach remote contact: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrContactNotFound
	}
	return nil
}
