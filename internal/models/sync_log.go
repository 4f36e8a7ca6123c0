package models

import "time"

// Sync log operations
const (
	OperationPush         = "push"
	OperationPull         = "pull"
	OperationConflict     = "conflict"
	OperationResolve      = "resolve"
	OperationRetry        = "retry"
	OperationBackfill     = "backfill"
	OperationTokenRefresh = "token_refresh"
)

// Sync log directions
const (
	DirectionPush = "push"
	DirectionPull = "pull"
	DirectionNone = "none"
)

// Sync log statuses
const (
	LogStatusSuccess  = "success"
	LogStatusFailed   = "failed"
	LogStatusConflict = "conflict"
	LogStatusSkipped  = "skipped"
	LogStatusDryRun   = "dry_run"
)

// SyncLog is one audit record of a sync attempt, outcome, or conflict.
type SyncLog struct {
	ID            string     `gorm:"column:id;primaryKey" json:"id"`
	TenantID      string     `gorm:"column:tenant_id;index" json:"tenant_id"`
	EntityType    EntityType `gorm:"column:entity_type;index" json:"entity_type,omitempty"`
	EntityID      string     `gorm:"column:entity_id;index" json:"entity_id,omitempty"`
	Operation     string     `gorm:"column:operation" json:"operation"`
	Direction     string     `gorm:"column:direction" json:"direction"`
	Status        string     `gorm:"column:status;index" json:"status"`
	ErrorKind     *string    `gorm:"column:error_kind" json:"error_kind,omitempty"`
	Message       *string    `gorm:"column:message" json:"message,omitempty"`
	CorrelationID *string    `gorm:"column:correlation_id" json:"correlation_id,omitempty"`
	Actor         string     `gorm:"column:actor" json:"actor"`
	Details       JSONB      `gorm:"column:details;type:jsonb" json:"details,omitempty"`
	CreatedAt     time.Time  `gorm:"column:created_at;index" json:"created_at"`
}

// TableName specifies the table name for GORM
func (SyncLog) TableName() string {
	return "sync_log"
}
