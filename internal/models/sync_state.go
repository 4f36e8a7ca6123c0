package models

import "time"

// SyncStatus is the reconciliation status of one local entity.
type SyncStatus string

const (
	SyncStatusPending  SyncStatus = "PENDING"
	SyncStatusSynced   SyncStatus = "SYNCED"
	SyncStatusConflict SyncStatus = "CONFLICT"
	SyncStatusFailed   SyncStatus = "FAILED"
)

// EntityType names the local entity a SyncState row tracks.
type EntityType string

const (
	EntityContact           EntityType = "contact"
	EntityReceivableInvoice EntityType = "receivable_invoice"
	EntityPayableInvoice    EntityType = "payable_invoice"
	EntityPayment           EntityType = "payment"
)

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	switch t {
	case EntityContact, EntityReceivableInvoice, EntityPayableInvoice, EntityPayment:
		return true
	}
	return false
}

// SyncState is one row per (entity_type, local_entity_id).
type SyncState struct {
	ID                   string     `gorm:"column:id;primaryKey" json:"id"`
	TenantID             string     `gorm:"column:tenant_id;index" json:"tenant_id"`
	EntityType           EntityType `gorm:"column:entity_type;uniqueIndex:idx_sync_state_entity" json:"entity_type"`
	LocalEntityID        string     `gorm:"column:local_entity_id;uniqueIndex:idx_sync_state_entity" json:"local_entity_id"`
	RemoteID             *string    `gorm:"column:remote_id" json:"remote_id,omitempty"`
	Status               SyncStatus `gorm:"column:status;index" json:"status"`
	LastSyncedAt         *time.Time `gorm:"column:last_synced_at" json:"last_synced_at,omitempty"`
	LastLocalModifiedAt  *time.Time `gorm:"column:last_local_modified_at" json:"last_local_modified_at,omitempty"`
	LastRemoteModifiedAt *time.Time `gorm:"column:last_remote_modified_at" json:"last_remote_modified_at,omitempty"`
	ConflictSnapshot     JSONB      `gorm:"column:conflict_snapshot;type:jsonb" json:"conflict_snapshot,omitempty"`
	CorrelationID        *string    `gorm:"column:correlation_id" json:"correlation_id,omitempty"`
	Attempts             int        `gorm:"column:attempts" json:"attempts"`
	ErrorKind            *string    `gorm:"column:error_kind" json:"error_kind,omitempty"`
	LastError            *string    `gorm:"column:last_error" json:"last_error,omitempty"`
	ResolvedBy           *string    `gorm:"column:resolved_by" json:"resolved_by,omitempty"`
	Resolution           *string    `gorm:"column:resolution" json:"resolution,omitempty"`
	CreatedAt            time.Time  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt            time.Time  `gorm:"column:updated_at" json:"updated_at"`
}

// TableName specifies the table name for GORM
func (SyncState) TableName() string {
	return "sync_state"
}
