package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vipul43/ledgersync/internal/models"
	"gorm.io/gorm"
)

var ErrCredentialNotFound = errors.New("credential not found")

type CredentialRepository struct {
	db *gorm.DB
}

func NewCredentialRepository(db *gorm.DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

// Create stores a new credential
func (r *CredentialRepository) Create(ctx context.Context, credential *models.Credential) error {
	if err := r.db.WithContext(ctx).Create(credential).Error; err != nil {
		return fmt.Errorf("failed to create credential: %w", err)
	}
	return nil
}

// GetActive retrieves the active credential for a tenant
func (r *CredentialRepository) GetActive(ctx context.Context, tenantID string) (*models.Credential, error) {
	var credential models.Credential
	result := r.db.WithContext(ctx).
		Where("tenant_id = ? AND active = ?", tenantID, true).
		Order("updated_at DESC").
		First(&credential)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrCredentialNotFound
		}
		return nil, fmt.Errorf("failed to get credential: %w", result.Error)
	}
	return &credential, nil
}

// UpdateTokens persists the result of a refresh exchange
func (r *CredentialRepository) UpdateTokens(ctx context.Context, credentialID string, accessToken string, refreshToken string, expiresAt time.Time) error {
	result := r.db.WithContext(ctx).Model(&models.Credential{}).
		Where("id = ?", credentialID).
		Updates(map[string]interface{}{
			"access_token":  accessToken,
			"refresh_token": refreshToken,
			"expires_at":    expiresAt,
			"updated_at":    time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update tokens: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrCredentialNotFound
	}
	return nil
}

// Deactivate marks a credential unusable; the tenant must reconnect
func (r *CredentialRepository) Deactivate(ctx context.Context, credentialID string) error {
	result := r.db.WithContext(ctx).Model(&models.Credential{}).
		Where("id = ?", credentialID).
		Updates(map[string]interface{}{
			"active":     false,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to deactivate credential: %w", result.Error)
	}
	return nil
}

// ListActiveTenants returns every tenant that has an active credential
func (r *CredentialRepository) ListActiveTenants(ctx context.Context) ([]string, error) {
	var tenants []string
	result := r.db.WithContext(ctx).Model(&models.Credential{}).
		Where("active = ?", true).
		Distinct("tenant_id").
		Order("tenant_id").
		Pluck("tenant_id", &tenants)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list active tenants: %w", result.Error)
	}
	return tenants, nil
}
