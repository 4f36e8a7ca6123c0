package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vipul43/ledgersync/internal/models"
	"github.com/vipul43/ledgersync/internal/repository"
	"github.com/vipul43/ledgersync/internal/service"
)

// SyncService is the part of the reconciler the routes drive.
type SyncService interface {
	PushBatch(ctx context.Context, tenantID string, entityType models.EntityType, ids []string, opts service.PushOptions) (*service.BatchResult, error)
	PendingIDs(ctx context.Context, tenantID string, entityType models.EntityType) ([]string, error)
	ListConflicts(ctx context.Context, filter repository.ConflictFilter) ([]service.Conflict, error)
	ResolveConflict(ctx context.Context, tenantID string, stateID string, resolution service.Resolution, notes string, actor string) (*models.SyncState, error)
	Retry(ctx context.Context, tenantID string, logID string, actor string) (*service.BatchResult, error)
}

type BackfillService interface {
	StartBackfill(ctx context.Context, opts models.BackfillOptions) (string, error)
	GetJobStatus(ctx context.Context, tenantID string, jobID string) (*models.BackfillJob, error)
	ListJobs(ctx context.Context, tenantID string) ([]models.BackfillJob, error)
}

type LogLister interface {
	List(ctx context.Context, filter repository.SyncLogFilter) ([]models.SyncLog, int64, error)
}

type Handler struct {
	sync     SyncService
	backfill BackfillService
	logs     LogLister
	logger   *zap.Logger
}

func NewHandler(sync SyncService, backfill BackfillService, logs LogLister, logger *zap.Logger) *Handler {
	return &Handler{sync: sync, backfill: backfill, logs: logs, logger: logger}
}

type startBackfillRequest struct {
	SyncContacts    *bool      `json:"sync_contacts"`
	SyncInvoices    *bool      `json:"sync_invoices"`
	SyncPayments    *bool      `json:"sync_payments"`
	ForceRefresh    bool       `json:"force_refresh"`
	ModifiedSince   *time.Time `json:"modified_since"`
	IncludeArchived *bool      `json:"include_archived"`
	PageSize        int        `json:"page_size"`
}

type startBackfillResponse struct {
	JobID     string `json:"job_id"`
	StatusURL string `json:"status_url"`
}

func boolOr(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}

// StartBackfill launches a full-history import and returns before any
// remote call is made.
func (h *Handler) StartBackfill(c *gin.Context) {
	claims, _ := claimsFrom(c)

	var req startBackfillRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abortWithError(c, http.StatusBadRequest, "validation", err.Error())
			return
		}
	}

	jobID, err := h.backfill.StartBackfill(c.Request.Context(), models.BackfillOptions{
		TenantID:        claims.TenantID,
		SyncContacts:    boolOr(req.SyncContacts, true),
		SyncInvoices:    boolOr(req.SyncInvoices, true),
		SyncPayments:    boolOr(req.SyncPayments, true),
		ForceRefresh:    req.ForceRefresh,
		ModifiedSince:   req.ModifiedSince,
		IncludeArchived: boolOr(req.IncludeArchived, true),
		PageSize:        req.PageSize,
		Actor:           claims.UserID,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, startBackfillResponse{
		JobID:     jobID,
		StatusURL: "/api/accounting/backfill/" + jobID,
	})
}

func (h *Handler) GetBackfillStatus(c *gin.Context) {
	claims, _ := claimsFrom(c)

	job, err := h.backfill.GetJobStatus(c.Request.Context(), claims.TenantID, c.Param("jobId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *Handler) ListBackfills(c *gin.Context) {
	claims, _ := claimsFrom(c)

	jobs, err := h.backfill.ListJobs(c.Request.Context(), claims.TenantID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": jobs})
}

type pushRequest struct {
	IDs            []string          `json:"ids"`
	ID             string            `json:"id"`
	DryRun         bool              `json:"dry_run"`
	CorrelationIDs map[string]string `json:"correlation_ids"`
	// Direction selects the invoice table: receivable (default) or payable.
	Direction string `json:"direction"`
}

type pushResponse struct {
	Success   bool                 `json:"success"`
	Pushed    int                  `json:"pushed"`
	Failed    int                  `json:"failed"`
	Conflicts int                  `json:"conflicts"`
	DryRun    bool                 `json:"dry_run"`
	Details   *service.BatchResult `json:"details"`
}

func newPushResponse(result *service.BatchResult, dryRun bool) pushResponse {
	return pushResponse{
		Success:   len(result.Failed) == 0,
		Pushed:    result.Pushed(),
		Failed:    len(result.Failed),
		Conflicts: len(result.Conflicts),
		DryRun:    dryRun,
		Details:   result,
	}
}

func (h *Handler) PushPayments(c *gin.Context) {
	h.push(c, func(pushRequest) (models.EntityType, error) {
		return models.EntityPayment, nil
	})
}

func (h *Handler) PushInvoices(c *gin.Context) {
	h.push(c, func(req pushRequest) (models.EntityType, error) {
		switch req.Direction {
		case "", "receivable", string(models.DirectionOutbound):
			return models.EntityReceivableInvoice, nil
		case "payable", string(models.DirectionInbound):
			return models.EntityPayableInvoice, nil
		}
		return "", fmt.Errorf("unknown invoice direction %q", req.Direction)
	})
}

// push runs one batch. Without an explicit id list every pending entity of
// the type is pushed. Partial failure is still a 200.
func (h *Handler) push(c *gin.Context, entityTypeFor func(pushRequest) (models.EntityType, error)) {
	claims, _ := claimsFrom(c)
	ctx := c.Request.Context()

	var req pushRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abortWithError(c, http.StatusBadRequest, "validation", err.Error())
			return
		}
	}
	entityType, err := entityTypeFor(req)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, "validation", err.Error())
		return
	}

	ids := req.IDs
	if req.ID != "" {
		ids = append(ids, req.ID)
	}
	if len(ids) == 0 {
		ids, err = h.sync.PendingIDs(ctx, claims.TenantID, entityType)
		if err != nil {
			writeError(c, err)
			return
		}
	}

	result, err := h.sync.PushBatch(ctx, claims.TenantID, entityType, ids, service.PushOptions{
		DryRun:         req.DryRun,
		CorrelationIDs: req.CorrelationIDs,
		Actor:          claims.UserID,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newPushResponse(result, req.DryRun))
}

func (h *Handler) ListConflicts(c *gin.Context) {
	claims, _ := claimsFrom(c)

	filter := repository.ConflictFilter{
		TenantID:   claims.TenantID,
		EntityType: models.EntityType(c.Query("entity_type")),
		Status:     models.SyncStatus(c.Query("status")),
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			abortWithError(c, http.StatusBadRequest, "validation", "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}

	conflicts, err := h.sync.ListConflicts(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, conflicts)
}

type resolveRequest struct {
	Resolution service.Resolution `json:"resolution" binding:"required"`
	Notes      string             `json:"notes"`
}

// ResolveConflict applies an operator decision. When the follow-up push or
// pull fails the updated state is still returned, with the error alongside.
func (h *Handler) ResolveConflict(c *gin.Context) {
	claims, _ := claimsFrom(c)

	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "validation", err.Error())
		return
	}

	state, err := h.sync.ResolveConflict(c.Request.Context(), claims.TenantID, c.Param("id"), req.Resolution, req.Notes, claims.UserID)
	if err != nil && state == nil {
		writeError(c, err)
		return
	}

	response := gin.H{"state": state}
	if err != nil {
		h.logger.Warn("conflict resolved but sync failed",
			zap.String("tenant_id", claims.TenantID),
			zap.String("sync_state_id", state.ID),
			zap.Error(err))
		response["error"] = err.Error()
	}
	c.JSON(http.StatusOK, response)
}

func (h *Handler) RetryLog(c *gin.Context) {
	claims, _ := claimsFrom(c)

	result, err := h.sync.Retry(c.Request.Context(), claims.TenantID, c.Param("id"), claims.UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newPushResponse(result, false))
}

type logsResponse struct {
	Items []models.SyncLog `json:"items"`
	Page  int              `json:"page"`
	Limit int              `json:"limit"`
	Total int64            `json:"total"`
}

func (h *Handler) ListLogs(c *gin.Context) {
	claims, _ := claimsFrom(c)

	filter, err := parseLogFilter(c)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, "validation", err.Error())
		return
	}
	filter.TenantID = claims.TenantID
	filter.Normalize()

	logs, total, err := h.logs.List(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	if logs == nil {
		logs = []models.SyncLog{}
	}
	c.JSON(http.StatusOK, logsResponse{Items: logs, Page: filter.Page, Limit: filter.Limit, Total: total})
}

func parseLogFilter(c *gin.Context) (repository.SyncLogFilter, error) {
	filter := repository.SyncLogFilter{
		EntityType: models.EntityType(c.Query("entity_type")),
		EntityID:   c.Query("entity_id"),
		Status:     c.Query("status"),
		Direction:  c.Query("direction"),
	}

	var err error
	if filter.Page, err = intQuery(c, "page"); err != nil {
		return filter, err
	}
	if filter.Limit, err = intQuery(c, "limit"); err != nil {
		return filter, err
	}
	if filter.From, err = timeQuery(c, "from"); err != nil {
		return filter, err
	}
	if filter.To, err = timeQuery(c, "to"); err != nil {
		return filter, err
	}
	if filter.From != nil && filter.To != nil && filter.To.Before(*filter.From) {
		return filter, errors.New("to must not be before from")
	}
	return filter, nil
}

func intQuery(c *gin.Context, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", key)
	}
	return n, nil
}

func timeQuery(c *gin.Context, key string) (*time.Time, error) {
	raw := c.Query(key)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		if t, err = time.Parse(time.DateOnly, raw); err != nil {
			return nil, fmt.Errorf("%s must be an RFC3339 timestamp or a date", key)
		}
	}
	return &t, nil
}
