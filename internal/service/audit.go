package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vipul43/ledgersync/internal/models"
)

// SystemActor is recorded for work not triggered by a user.
const SystemActor = "system"

// AuditEntry describes one sync attempt, outcome, or conflict.
type AuditEntry struct {
	TenantID      string
	EntityType    models.EntityType
	EntityID      string
	Operation     string
	Direction     string
	Status        string
	Err           error
	Message       string
	CorrelationID string
	Actor         string
	Details       models.JSONB
}

// AuditSink writes audit records to the sync log table and mirrors them to
// the structured log.
type AuditSink struct {
	logs   LogStore
	logger *zap.Logger
	now    func() time.Time
}

func NewAuditSink(logs LogStore, logger *zap.Logger) *AuditSink {
	return &AuditSink{logs: logs, logger: logger, now: time.Now}
}

// Record persists entry. A failed write is logged and swallowed so that
// audit trouble never changes the outcome of a sync.
func (a *AuditSink) Record(ctx context.Context, entry AuditEntry) *models.SyncLog {
	log := &models.SyncLog{
		ID:         uuid.New().String(),
		TenantID:   entry.TenantID,
		EntityType: entry.EntityType,
		EntityID:   entry.EntityID,
		Operation:  entry.Operation,
		Direction:  entry.Direction,
		Status:     entry.Status,
		Actor:      entry.Actor,
		Details:    entry.Details,
		CreatedAt:  a.now(),
	}
	if log.Actor == "" {
		log.Actor = SystemActor
	}
	if log.Direction == "" {
		log.Direction = models.DirectionNone
	}
	if entry.CorrelationID != "" {
		log.CorrelationID = &entry.CorrelationID
	}

	message := entry.Message
	if entry.Err != nil {
		kind := string(KindOf(entry.Err))
		log.ErrorKind = &kind
		if message == "" {
			message = entry.Err.Error()
		}
	}
	if message != "" {
		log.Message = &message
	}

	fields := []zap.Field{
		zap.String("tenant_id", log.TenantID),
		zap.String("operation", log.Operation),
		zap.String("status", log.Status),
		zap.String("actor", log.Actor),
	}
	if log.EntityID != "" {
		fields = append(fields, zap.String("entity_type", string(log.EntityType)), zap.String("entity_id", log.EntityID))
	}
	if entry.CorrelationID != "" {
		fields = append(fields, zap.String("correlation_id", entry.CorrelationID))
	}
	if entry.Err != nil {
		fields = append(fields, zap.String("error_kind", *log.ErrorKind), zap.Error(entry.Err))
		a.logger.Warn("sync audit", fields...)
	} else {
		a.logger.Info("sync audit", fields...)
	}

	if err := a.logs.Create(ctx, log); err != nil {
		a.logger.Error("failed to write sync log", zap.String("tenant_id", log.TenantID), zap.Error(err))
	}
	return log
}
