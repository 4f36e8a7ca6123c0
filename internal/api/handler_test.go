package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vipul43/ledgersync/internal/jobstore"
	"github.com/vipul43/ledgersync/internal/models"
	"github.com/vipul43/ledgersync/internal/repository"
	"github.com/vipul43/ledgersync/internal/service"
)

const testSecret = "test-secret"

type fakeSync struct {
	pushFunc    func(entityType models.EntityType, ids []string, opts service.PushOptions) (*service.BatchResult, error)
	pending     map[models.EntityType][]string
	conflicts   []service.Conflict
	resolveFunc func(stateID string, resolution service.Resolution) (*models.SyncState, error)
	retryFunc   func(logID string) (*service.BatchResult, error)

	lastTenant string
	lastActor  string
	lastFilter repository.ConflictFilter
}

func (f *fakeSync) PushBatch(ctx context.Context, tenantID string, entityType models.EntityType, ids []string, opts service.PushOptions) (*service.BatchResult, error) {
	f.lastTenant = tenantID
	f.lastActor = opts.Actor
	return f.pushFunc(entityType, ids, opts)
}

func (f *fakeSync) PendingIDs(ctx context.Context, tenantID string, entityType models.EntityType) ([]string, error) {
	return f.pending[entityType], nil
}

func (f *fakeSync) ListConflicts(ctx context.Context, filter repository.ConflictFilter) ([]service.Conflict, error) {
	f.lastFilter = filter
	return f.conflicts, nil
}

func (f *fakeSync) ResolveConflict(ctx context.Context, tenantID string, stateID string, resolution service.Resolution, notes string, actor string) (*models.SyncState, error) {
	f.lastTenant = tenantID
	f.lastActor = actor
	return f.resolveFunc(stateID, resolution)
}

func (f *fakeSync) Retry(ctx context.Context, tenantID string, logID string, actor string) (*service.BatchResult, error) {
	return f.retryFunc(logID)
}

type fakeBackfill struct {
	started []models.BackfillOptions
	jobs    map[string]*models.BackfillJob
	err     error
}

func (f *fakeBackfill) StartBackfill(ctx context.Context, opts models.BackfillOptions) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.started = append(f.started, opts)
	id := fmt.Sprintf("job-%d", len(f.started))
	f.jobs[id] = &models.BackfillJob{ID: id, TenantID: opts.TenantID, Status: models.BackfillStarting, Options: opts}
	return id, nil
}

func (f *fakeBackfill) GetJobStatus(ctx context.Context, tenantID string, jobID string) (*models.BackfillJob, error) {
	job, ok := f.jobs[jobID]
	if !ok || job.TenantID != tenantID {
		return nil, jobstore.ErrJobNotFound
	}
	return job, nil
}

func (f *fakeBackfill) ListJobs(ctx context.Context, tenantID string) ([]models.BackfillJob, error) {
	var out []models.BackfillJob
	for _, job := range f.jobs {
		if job.TenantID == tenantID {
			out = append(out, *job)
		}
	}
	return out, nil
}

type fakeLogs struct {
	filter repository.SyncLogFilter
	logs   []models.SyncLog
}

func (f *fakeLogs) List(ctx context.Context, filter repository.SyncLogFilter) ([]models.SyncLog, int64, error) {
	f.filter = filter
	return f.logs, int64(len(f.logs)), nil
}

type testServer struct {
	router   *gin.Engine
	auth     *Authenticator
	sync     *fakeSync
	backfill *fakeBackfill
	logs     *fakeLogs
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s := &testServer{
		auth:     NewAuthenticator(testSecret, time.Hour),
		sync:     &fakeSync{pending: map[models.EntityType][]string{}},
		backfill: &fakeBackfill{jobs: map[string]*models.BackfillJob{}},
		logs:     &fakeLogs{},
	}
	handler := NewHandler(s.sync, s.backfill, s.logs, zap.NewNop())
	s.router = NewRouter(handler, s.auth, []string{"admin", "finance"}, zap.NewNop())
	return s
}

func (s *testServer) token(t *testing.T, tenantID string, roles ...string) string {
	t.Helper()
	token, err := s.auth.GenerateToken("user-1", tenantID, roles)
	require.NoError(t, err)
	return token
}

func (s *testServer) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestHealthzNeedsNoToken(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/healthz", "", "")

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthGate(t *testing.T) {
	s := newTestServer(t)
	other := NewAuthenticator("other-secret", time.Hour)
	forged, err := other.GenerateToken("user-1", "tenant-1", []string{"admin"})
	require.NoError(t, err)

	tests := []struct {
		name   string
		token  string
		header string
		status int
	}{
		{"missing header", "", "", http.StatusUnauthorized},
		{"not bearer", "", "Basic abc", http.StatusUnauthorized},
		{"wrong signature", forged, "", http.StatusUnauthorized},
		{"no privileged role", s.token(t, "tenant-1", "viewer"), "", http.StatusForbidden},
		{"finance role", s.token(t, "tenant-1", "viewer", "finance"), "", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/accounting/backfill", nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			s.router.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestTokenWithoutTenantIsRejected(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/accounting/backfill", s.token(t, "", "admin"), "")

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPushPaymentsPartialFailureIs200(t *testing.T) {
	s := newTestServer(t)
	var gotIDs []string
	var gotOpts service.PushOptions
	s.sync.pushFunc = func(entityType models.EntityType, ids []string, opts service.PushOptions) (*service.BatchResult, error) {
		assert.Equal(t, models.EntityPayment, entityType)
		gotIDs, gotOpts = ids, opts
		return &service.BatchResult{
			Success: []service.EntityOutcome{
				{ID: "p1", EntityType: models.EntityPayment, Action: service.DecisionPush, RemoteID: "rp-1"},
				{ID: "p3", EntityType: models.EntityPayment, Action: service.DecisionPush, RemoteID: "rp-3"},
			},
			Failed: []service.EntityFailure{
				{ID: "p2", EntityType: models.EntityPayment, Error: "create_payment: validation (status 400): closed period", Kind: service.KindValidation},
			},
			Conflicts: []service.EntityOutcome{},
		}, nil
	}

	rec := s.do(t, http.MethodPost, "/api/accounting/payments/push", s.token(t, "tenant-1", "admin"),
		`{"ids":["p1","p2","p3"],"correlation_ids":{"p1":"corr-1"}}`)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body struct {
		Success bool                `json:"success"`
		Pushed  int                 `json:"pushed"`
		Failed  int                 `json:"failed"`
		Details service.BatchResult `json:"details"`
	}
	decode(t, rec, &body)

	assert.False(t, body.Success)
	assert.Equal(t, 2, body.Pushed)
	assert.Equal(t, 1, body.Failed)
	assert.Equal(t, []string{"p1", "p3"}, body.Details.SuccessIDs())
	assert.Equal(t, []string{"p1", "p2", "p3"}, gotIDs)
	assert.Equal(t, "corr-1", gotOpts.CorrelationIDs["p1"])
	assert.Equal(t, "user-1", gotOpts.Actor)
	assert.Equal(t, "tenant-1", s.sync.lastTenant)
}

func TestPushPaymentsDefaultsToPending(t *testing.T) {
	s := newTestServer(t)
	s.sync.pending[models.EntityPayment] = []string{"p7", "p8"}
	var gotIDs []string
	s.sync.pushFunc = func(entityType models.EntityType, ids []string, opts service.PushOptions) (*service.BatchResult, error) {
		gotIDs = ids
		assert.True(t, opts.DryRun)
		return &service.BatchResult{}, nil
	}

	rec := s.do(t, http.MethodPost, "/api/accounting/payments/push", s.token(t, "tenant-1", "admin"), `{"dry_run":true}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"p7", "p8"}, gotIDs)
}

func TestPushReconnectRequired(t *testing.T) {
	s := newTestServer(t)
	s.sync.pushFunc = func(models.EntityType, []string, service.PushOptions) (*service.BatchResult, error) {
		return nil, service.NewSyncError(service.KindAuthExpired, "ensure_fresh", service.ErrReconnectRequired)
	}

	rec := s.do(t, http.MethodPost, "/api/accounting/payments/push", s.token(t, "tenant-1", "admin"), `{"id":"p1"}`)

	assert.Equal(t, http.StatusConflict, rec.Code)
	var body errorResponse
	decode(t, rec, &body)
	assert.Equal(t, "reconnect_required", body.Error)
}

func TestPushInvoicesDirection(t *testing.T) {
	s := newTestServer(t)
	var got models.EntityType
	s.sync.pushFunc = func(entityType models.EntityType, ids []string, opts service.PushOptions) (*service.BatchResult, error) {
		got = entityType
		return &service.BatchResult{}, nil
	}
	token := s.token(t, "tenant-1", "admin")

	rec := s.do(t, http.MethodPost, "/api/accounting/invoices/push", token, `{"id":"inv-1","direction":"payable"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.EntityPayableInvoice, got)

	rec = s.do(t, http.MethodPost, "/api/accounting/invoices/push", token, `{"id":"inv-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.EntityReceivableInvoice, got)

	rec = s.do(t, http.MethodPost, "/api/accounting/invoices/push", token, `{"id":"inv-1","direction":"sideways"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartBackfillAndPollStatus(t *testing.T) {
	s := newTestServer(t)
	token := s.token(t, "tenant-1", "admin")

	rec := s.do(t, http.MethodPost, "/api/accounting/backfill", token, `{"sync_payments":false,"force_refresh":true}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var started startBackfillResponse
	decode(t, rec, &started)
	assert.Equal(t, "job-1", started.JobID)
	assert.Equal(t, "/api/accounting/backfill/job-1", started.StatusURL)

	require.Len(t, s.backfill.started, 1)
	opts := s.backfill.started[0]
	assert.Equal(t, "tenant-1", opts.TenantID)
	assert.True(t, opts.SyncContacts)
	assert.True(t, opts.SyncInvoices)
	assert.False(t, opts.SyncPayments)
	assert.True(t, opts.ForceRefresh)
	assert.True(t, opts.IncludeArchived)
	assert.Equal(t, "user-1", opts.Actor)

	rec = s.do(t, http.MethodGet, started.StatusURL, token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var job models.BackfillJob
	decode(t, rec, &job)
	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, models.BackfillStarting, job.Status)

	rec = s.do(t, http.MethodGet, started.StatusURL, s.token(t, "tenant-2", "admin"), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartBackfillWhileRunning(t *testing.T) {
	s := newTestServer(t)
	s.backfill.err = fmt.Errorf("%w (job job-0)", service.ErrBackfillRunning)

	rec := s.do(t, http.MethodPost, "/api/accounting/backfill", s.token(t, "tenant-1", "admin"), "")

	assert.Equal(t, http.StatusConflict, rec.Code)
	var body errorResponse
	decode(t, rec, &body)
	assert.Equal(t, "backfill_running", body.Error)
}

func TestListConflicts(t *testing.T) {
	s := newTestServer(t)
	s.sync.conflicts = []service.Conflict{{
		SyncState:    models.SyncState{ID: "state-1", TenantID: "tenant-1", EntityType: models.EntityPayment, LocalEntityID: "p1", Status: models.SyncStatusConflict},
		LocalSummary: map[string]interface{}{"amount": 150.0},
	}}

	rec := s.do(t, http.MethodGet, "/api/accounting/conflicts?limit=5&entity_type=payment", s.token(t, "tenant-1", "admin"), "")

	require.Equal(t, http.StatusOK, rec.Code)
	var conflicts []service.Conflict
	decode(t, rec, &conflicts)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "state-1", conflicts[0].ID)
	assert.Equal(t, 150.0, conflicts[0].LocalSummary["amount"])
	assert.Equal(t, 5, s.sync.lastFilter.Limit)
	assert.Equal(t, models.EntityPayment, s.sync.lastFilter.EntityType)
	assert.Equal(t, "tenant-1", s.sync.lastFilter.TenantID)

	rec = s.do(t, http.MethodGet, "/api/accounting/conflicts?limit=many", s.token(t, "tenant-1", "admin"), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResolveConflict(t *testing.T) {
	s := newTestServer(t)
	s.sync.resolveFunc = func(stateID string, resolution service.Resolution) (*models.SyncState, error) {
		switch stateID {
		case "state-1":
			return &models.SyncState{ID: stateID, Status: models.SyncStatusSynced}, nil
		case "state-2":
			return nil, service.ErrNotInConflict
		case "state-3":
			return &models.SyncState{ID: stateID, Status: models.SyncStatusPending},
				service.NewSyncError(service.KindTransientNetwork, "update_payment", errors.New("timeout"))
		}
		return nil, repository.ErrSyncStateNotFound
	}
	token := s.token(t, "tenant-1", "admin")

	rec := s.do(t, http.MethodPost, "/api/accounting/conflicts/state-1/resolve", token, `{"resolution":"ignore","notes":"checked"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-1", s.sync.lastActor)

	rec = s.do(t, http.MethodPost, "/api/accounting/conflicts/state-2/resolve", token, `{"resolution":"keep-local"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/accounting/conflicts/state-3/resolve", token, `{"resolution":"keep-local"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var partial struct {
		State models.SyncState `json:"state"`
		Error string           `json:"error"`
	}
	decode(t, rec, &partial)
	assert.Equal(t, models.SyncStatusPending, partial.State.Status)
	assert.Contains(t, partial.Error, "timeout")

	rec = s.do(t, http.MethodPost, "/api/accounting/conflicts/missing/resolve", token, `{"resolution":"ignore"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/accounting/conflicts/state-1/resolve", token, `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRetryLog(t *testing.T) {
	s := newTestServer(t)
	s.sync.retryFunc = func(logID string) (*service.BatchResult, error) {
		if logID != "log-1" {
			return nil, repository.ErrSyncLogNotFound
		}
		return &service.BatchResult{Success: []service.EntityOutcome{{ID: "p2", Action: service.DecisionPush}}}, nil
	}
	token := s.token(t, "tenant-1", "admin")

	rec := s.do(t, http.MethodPost, "/api/accounting/logs/log-1/retry", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body pushResponse
	decode(t, rec, &body)
	assert.True(t, body.Success)
	assert.Equal(t, 1, body.Pushed)

	rec = s.do(t, http.MethodPost, "/api/accounting/logs/log-9/retry", token, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListLogsFilters(t *testing.T) {
	s := newTestServer(t)
	s.logs.logs = []models.SyncLog{{ID: "log-1", TenantID: "tenant-1", Status: models.LogStatusFailed}}

	rec := s.do(t, http.MethodGet,
		"/api/accounting/logs?entity_type=payment&status=failed&direction=push&from=2024-01-01&to=2024-02-01T00:00:00Z&page=2&limit=10",
		s.token(t, "tenant-1", "admin"), "")

	require.Equal(t, http.StatusOK, rec.Code)
	var body logsResponse
	decode(t, rec, &body)
	assert.Len(t, body.Items, 1)
	assert.Equal(t, 2, body.Page)
	assert.Equal(t, 10, body.Limit)
	assert.EqualValues(t, 1, body.Total)

	f := s.logs.filter
	assert.Equal(t, "tenant-1", f.TenantID)
	assert.Equal(t, models.EntityPayment, f.EntityType)
	assert.Equal(t, "failed", f.Status)
	assert.Equal(t, "push", f.Direction)
	require.NotNil(t, f.From)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), *f.From)

	rec = s.do(t, http.MethodGet, "/api/accounting/logs?from=yesterday", s.token(t, "tenant-1", "admin"), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/accounting/logs?from=2024-02-01&to=2024-01-01", s.token(t, "tenant-1", "admin"), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{service.ErrReconnectRequired, http.StatusConflict, "reconnect_required"},
		{service.NewSyncError(service.KindValidation, "push", errors.New("bad")), http.StatusBadRequest, "validation"},
		{repository.ErrPaymentNotFound, http.StatusNotFound, "not_found"},
		{jobstore.ErrJobNotFound, http.StatusNotFound, "not_found"},
		{service.NewSyncError(service.KindRateLimited, "push", nil), http.StatusServiceUnavailable, "rate_limited"},
		{errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		status, code := statusFor(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
		assert.Equal(t, tt.code, code, tt.err.Error())
	}
}
