package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vipul43/ledgersync/internal/models"
	"gorm.io/gorm"
)

var ErrSyncStateNotFound = errors.New("sync state not found")

// ConflictFilter narrows ListConflicts.
type ConflictFilter struct {
	TenantID   string
	EntityType models.EntityType
	Status     models.SyncStatus
	Limit      int
}

type SyncStateRepository struct {
	db *gorm.DB
}

func NewSyncStateRepository(db *gorm.DB) *SyncStateRepository {
	return &SyncStateRepository{db: db}
}

// Create creates a new sync state row
func (r *SyncStateRepository) Create(ctx context.Context, state *models.SyncState) error {
	if err := r.db.WithContext(ctx).Create(state).Error; err != nil {
		return fmt.Errorf("failed to create sync state: %w", err)
	}
	return nil
}

// Get retrieves the sync state of one local entity
func (r *SyncStateRepository) Get(ctx context.Context, entityType models.EntityType, localEntityID string) (*models.SyncState, error) {
	var state models.SyncState
	result := r.db.WithContext(ctx).
		Where("entity_type = ? AND local_entity_id = ?", entityType, localEntityID).
		First(&state)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrSyncStateNotFound
		}
		return nil, fmt.Errorf("failed to get sync state: %w", result.Error)
	}
	return &state, nil
}

// GetByID retrieves sync state by ID
func (r *SyncStateRepository) GetByID(ctx context.Context, stateID string) (*models.SyncState, error) {
	var state models.SyncState
	result := r.db.WithContext(ctx).First(&state, "id = ?", stateID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrSyncStateNotFound
		}
		return nil, fmt.Errorf("failed to get sync state: %w", result.Error)
	}
	return &state, nil
}

// GetByRemoteID retrieves the sync state linked to a remote id
func (r *SyncStateRepository) GetByRemoteID(ctx context.Context, entityType models.EntityType, remoteID string) (*models.SyncState, error) {
	var state models.SyncState
	result := r.db.WithContext(ctx).
		Where("entity_type = ? AND remote_id = ?", entityType, remoteID).
		First(&state)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrSyncStateNotFound
		}
		return nil, fmt.Errorf("failed to get sync state by remote id: %w", result.Error)
	}
	return &state, nil
}

// Save writes every column, including cleared (nil) ones
func (r *SyncStateRepository) Save(ctx context.Context, state *models.SyncState) error {
	state.UpdatedAt = time.Now()
	if err := r.db.WithContext(ctx).Save(state).Error; err != nil {
		return fmt.Errorf("failed to save sync state: %w", err)
	}
	return nil
}

// ClaimCorrelationID stores candidate as the state's idempotency key if the
// stored key still equals expected (nil meaning none), then returns whichever
// key is stored. Racing callers that loaded the same expected key all get
// the winner's key back.
func (r *SyncStateRepository) ClaimCorrelationID(ctx context.Context, stateID string, expected *string, candidate string) (string, error) {
	query := r.db.WithContext(ctx).Model(&models.SyncState{}).Where("id = ?", stateID)
	if expected == nil {
		query = query.Where("correlation_id IS NULL")
	} else {
		query = query.Where("correlation_id = ?", *expected)
	}
	if err := query.Updates(map[string]interface{}{
		"correlation_id": candidate,
		"updated_at":     time.Now(),
	}).Error; err != nil {
		return "", fmt.Errorf("failed to claim correlation id: %w", err)
	}

	var state models.SyncState
	result := r.db.WithContext(ctx).Select("correlation_id").First(&state, "id = ?", stateID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return "", ErrSyncStateNotFound
		}
		return "", fmt.Errorf("failed to read claimed correlation id: %w", result.Error)
	}
	if state.CorrelationID == nil {
		return "", fmt.Errorf("sync state %s holds no correlation id after claim", stateID)
	}
	return *state.CorrelationID, nil
}

// ListByStatus retrieves a tenant's sync states in any of the given statuses,
// oldest first
func (r *SyncStateRepository) ListByStatus(ctx context.Context, tenantID string, statuses []models.SyncStatus, limit int) ([]models.SyncState, error) {
	var states []models.SyncState
	query := r.db.WithContext(ctx).
		Where("tenant_id = ? AND status IN ?", tenantID, statuses).
		Order("updated_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&states).Error; err != nil {
		return nil, fmt.Errorf("failed to list sync states: %w", err)
	}
	return states, nil
}

// ListConflicts retrieves sync states for the conflict view. Status defaults
// to CONFLICT.
func (r *SyncStateRepository) ListConflicts(ctx context.Context, filter ConflictFilter) ([]models.SyncState, error) {
	status := filter.Status
	if status == "" {
		status = models.SyncStatusConflict
	}

	query := r.db.WithContext(ctx).
		Where("tenant_id = ? AND status = ?", filter.TenantID, status)
	if filter.EntityType != "" {
		query = query.Where("entity_type = ?", filter.EntityType)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var states []models.SyncState
	if err := query.Order("updated_at DESC").Find(&states).Error; err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	return states, nil
}
