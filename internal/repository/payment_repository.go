package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vipul43/ledgersync/internal/models"
	"gorm.io/gorm"
)

var ErrPaymentNotFound = errors.New("payment not found")

type PaymentRepository struct {
	db *gorm.DB
}

func NewPaymentRepository(db *gorm.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

// Create creates a new payment
func (r *PaymentRepository) Create(ctx context.Context, payment *models.Payment) error {
	if err := r.db.WithContext(ctx).Create(payment).Error; err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}
	return nil
}

// GetByID retrieves payment by ID
func (r *PaymentRepository) GetByID(ctx context.Context, paymentID string) (*models.Payment, error) {
	var payment models.Payment
	result := r.db.WithContext(ctx).First(&payment, "id = ?", paymentID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("failed to get payment: %w", result.Error)
	}
	return &payment, nil
}

// GetByRemoteID retrieves the payment linked to a remote payment id
func (r *PaymentRepository) GetByRemoteID(ctx context.Context, remotePaymentID string) (*models.Payment, error) {
	var payment models.Payment
	result := r.db.WithContext(ctx).First(&payment, "remote_payment_id = ?", remotePaymentID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("failed to get payment by remote id: %w", result.Error)
	}
	return &payment, nil
}

// GetByTenantID retrieves all payments for a tenant, newest first
func (r *PaymentRepository) GetByTenantID(ctx context.Context, tenantID string) ([]models.Payment, error) {
	var payments []models.Payment
	result := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("date DESC").
		Find(&payments)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list payments: %w", result.Error)
	}
	return payments, nil
}

// Update saves every field of the payment
func (r *PaymentRepository) Update(ctx context.Context, payment *models.Payment) error {
	payment.UpdatedAt = time.Now()
	if err := r.db.WithContext(ctx).Save(payment).Error; err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}
	return nil
}

// AttachRemote records the remote id returned by a create call. It leaves
// updated_at alone: linking is bookkeeping, not a local edit.
func (r *PaymentRepository) AttachRemote(ctx context.Context, paymentID string, remotePaymentID string) error {
	result := r.db.WithContext(ctx).Model(&models.Payment{}).
		Where("id = ?", paymentID).
		UpdateColumn("remote_payment_id", remotePaymentID)
	if result.Error != nil {
		return fmt.Errorf("failed to attach remote payment: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrPaymentNotFound
	}
	return nil
}
