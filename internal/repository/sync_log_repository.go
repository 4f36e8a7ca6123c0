package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vipul43/ledgersync/internal/models"
	"gorm.io/gorm"
)

var ErrSyncLogNotFound = errors.New("sync log not found")

const (
	defaultLogPageSize = 50
	maxLogPageSize     = 500
)

// SyncLogFilter selects a page of sync logs. Empty fields do not filter.
type SyncLogFilter struct {
	TenantID   string
	EntityType models.EntityType
	EntityID   string
	Status     string
	Direction  string
	From       *time.Time
	To         *time.Time
	Page       int
	Limit      int
}

// Normalize clamps paging to sane values
func (f *SyncLogFilter) Normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit <= 0 {
		f.Limit = defaultLogPageSize
	}
	if f.Limit > maxLogPageSize {
		f.Limit = maxLogPageSize
	}
}

type SyncLogRepository struct {
	db *gorm.DB
}

func NewSyncLogRepository(db *gorm.DB) *SyncLogRepository {
	return &SyncLogRepository{db: db}
}

// Create appends an audit record
func (r *SyncLogRepository) Create(ctx context.Context, log *models.SyncLog) error {
	if err := r.db.WithContext(ctx).Create(log).Error; err != nil {
		return fmt.Errorf("failed to create sync log: %w", err)
	}
	return nil
}

// GetByID retrieves sync log by ID
func (r *SyncLogRepository) GetByID(ctx context.Context, logID string) (*models.SyncLog, error) {
	var log models.SyncLog
	result := r.db.WithContext(ctx).First(&log, "id = ?", logID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrSyncLogNotFound
		}
		return nil, fmt.Errorf("failed to get sync log: %w", result.Error)
	}
	return &log, nil
}

// List returns one page of logs, newest first, and the total match count
func (r *SyncLogRepository) List(ctx context.Context, filter SyncLogFilter) ([]models.SyncLog, int64, error) {
	filter.Normalize()

	query := r.db.WithContext(ctx).Model(&models.SyncLog{}).
		Where("tenant_id = ?", filter.TenantID)
	if filter.EntityType != "" {
		query = query.Where("entity_type = ?", filter.EntityType)
	}
	if filter.EntityID != "" {
		query = query.Where("entity_id = ?", filter.EntityID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Direction != "" {
		query = query.Where("direction = ?", filter.Direction)
	}
	if filter.From != nil {
		query = query.Where("created_at >= ?", *filter.From)
	}
	if filter.To != nil {
		query = query.Where("created_at <= ?", *filter.To)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count sync logs: %w", err)
	}

	var logs []models.SyncLog
	result := query.
		Order("created_at DESC").
		Offset((filter.Page - 1) * filter.Limit).
		Limit(filter.Limit).
		Find(&logs)
	if result.Error != nil {
		return nil, 0, fmt.Errorf("failed to list sync logs: %w", result.Error)
	}
	return logs, total, nil
}
