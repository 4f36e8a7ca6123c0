package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vipul43/ledgersync/internal/jobstore"
	"github.com/vipul43/ledgersync/internal/models"
	"github.com/vipul43/ledgersync/internal/repository"
)

const (
	DefaultBackfillPageSize = 100
	MaxBackfillPageSize     = 500
	// maxConsecutivePageFailures ends one listing early; the next listing
	// still runs.
	maxConsecutivePageFailures = 3
)

type importOutcome int

const (
	importCreated importOutcome = iota
	importUpdated
	importSkipped
)

// backfillItem is one remote record of a fetched page, ready to import.
type backfillItem struct {
	remoteID   string
	entityType models.EntityType
	importFn   func(ctx context.Context) (importOutcome, error)
}

type fetchPageFunc func(ctx context.Context, accessToken string, opts ListOptions) ([]backfillItem, bool, error)

// BackfillOrchestrator imports the full remote history as background jobs.
// Jobs run on the orchestrator's own context, which Shutdown cancels.
type BackfillOrchestrator struct {
	jobs            JobStore
	tokens          *TokenManager
	client          AccountingClient
	resolver        *ContactResolver
	reconciler      *Reconciler
	stores          Stores
	audit           *AuditSink
	logger          *zap.Logger
	pageSize        int
	allowConcurrent bool
	now             func() time.Time

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	running map[string]string // tenant id -> job id
}

func NewBackfillOrchestrator(
	jobs JobStore,
	tokens *TokenManager,
	client AccountingClient,
	reconciler *Reconciler,
	audit *AuditSink,
	logger *zap.Logger,
	pageSize int,
	allowConcurrent bool,
) *BackfillOrchestrator {
	if pageSize <= 0 {
		pageSize = DefaultBackfillPageSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &BackfillOrchestrator{
		jobs:            jobs,
		tokens:          tokens,
		client:          client,
		resolver:        reconciler.resolver,
		reconciler:      reconciler,
		stores:          reconciler.stores,
		audit:           audit,
		logger:          logger,
		pageSize:        pageSize,
		allowConcurrent: allowConcurrent,
		now:             time.Now,
		baseCtx:         ctx,
		cancel:          cancel,
		running:         make(map[string]string),
	}
}

// StartBackfill registers a job and runs it in the background. It returns
// the job id without waiting for any remote call.
func (o *BackfillOrchestrator) StartBackfill(ctx context.Context, opts models.BackfillOptions) (string, error) {
	if opts.TenantID == "" {
		return "", NewSyncError(KindValidation, "start_backfill", errors.New("tenant id is required"))
	}
	if !opts.SyncContacts && !opts.SyncInvoices && !opts.SyncPayments {
		return "", NewSyncError(KindValidation, "start_backfill", errors.New("nothing selected to sync"))
	}
	if opts.PageSize <= 0 {
		opts.PageSize = o.pageSize
	}
	if opts.PageSize > MaxBackfillPageSize {
		opts.PageSize = MaxBackfillPageSize
	}
	if opts.Actor == "" {
		opts.Actor = SystemActor
	}
	if o.baseCtx.Err() != nil {
		return "", errors.New("backfill orchestrator is shut down")
	}

	job := &models.BackfillJob{
		ID:        uuid.New().String(),
		TenantID:  opts.TenantID,
		Status:    models.BackfillStarting,
		Options:   opts,
		StartedAt: o.now(),
		Failures:  make([]models.BackfillFailure, 0),
	}

	o.mu.Lock()
	if runningID, ok := o.running[opts.TenantID]; ok && !o.allowConcurrent {
		o.mu.Unlock()
		return "", fmt.Errorf("%w (job %s)", ErrBackfillRunning, runningID)
	}
	if err := o.jobs.Create(ctx, job); err != nil {
		o.mu.Unlock()
		return "", fmt.Errorf("failed to register backfill job: %w", err)
	}
	if !o.allowConcurrent {
		o.running[opts.TenantID] = job.ID
	}
	o.wg.Add(1)
	o.mu.Unlock()

	o.logger.Info("backfill started",
		zap.String("job_id", job.ID),
		zap.String("tenant_id", job.TenantID),
		zap.Bool("contacts", opts.SyncContacts),
		zap.Bool("invoices", opts.SyncInvoices),
		zap.Bool("payments", opts.SyncPayments),
		zap.Bool("force_refresh", opts.ForceRefresh))

	go o.run(job)
	return job.ID, nil
}

// GetJobStatus returns a snapshot of a tenant's job.
func (o *BackfillOrchestrator) GetJobStatus(ctx context.Context, tenantID string, jobID string) (*models.BackfillJob, error) {
	job, err := o.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.TenantID != tenantID {
		return nil, jobstore.ErrJobNotFound
	}
	return job, nil
}

// ListJobs returns a tenant's jobs, newest first.
func (o *BackfillOrchestrator) ListJobs(ctx context.Context, tenantID string) ([]models.BackfillJob, error) {
	return o.jobs.List(ctx, tenantID)
}

// Shutdown cancels running jobs and waits for them to record their final
// state, or for ctx to expire.
func (o *BackfillOrchestrator) Shutdown(ctx context.Context) error {
	o.cancel()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every started job has finished.
func (o *BackfillOrchestrator) Wait() {
	o.wg.Wait()
}

func (o *BackfillOrchestrator) run(job *models.BackfillJob) {
	defer o.wg.Done()
	defer o.release(job)

	ctx := o.baseCtx
	logger := o.logger.With(zap.String("job_id", job.ID), zap.String("tenant_id", job.TenantID))

	job.Status = models.BackfillRunning
	o.save(job)

	// Bad credentials fail the whole job before any page is fetched.
	err := o.tokens.Require(ctx, job.TenantID)
	if err == nil && job.Options.SyncContacts {
		err = o.importListing(ctx, job, models.EntityContact, o.contactPage(job))
	}
	if err == nil && job.Options.SyncInvoices {
		err = o.importListing(ctx, job, models.EntityReceivableInvoice, o.invoicePage(job))
	}
	if err == nil && job.Options.SyncPayments {
		err = o.importListing(ctx, job, models.EntityPayment, o.paymentPage(job))
	}
	if err == nil && ctx.Err() != nil {
		err = errors.New("backfill interrupted by shutdown")
	}

	o.finish(job, err)
	logger.Info("backfill finished",
		zap.String("status", string(job.Status)),
		zap.Int("pages", job.Progress.PagesProcessed),
		zap.Int("processed", job.Progress.Processed),
		zap.Int("created", job.Progress.Created),
		zap.Int("updated", job.Progress.Updated),
		zap.Int("skipped", job.Progress.Skipped),
		zap.Int("errored", job.Progress.Errored),
		zap.Int("failures", len(job.Failures)))
}

// importListing walks one paginated listing. A failed page is recorded and
// the next page is tried; only a lost credential aborts the job.
func (o *BackfillOrchestrator) importListing(ctx context.Context, job *models.BackfillJob, entityType models.EntityType, fetch fetchPageFunc) error {
	consecutiveFailures := 0
	for page := 1; ; page++ {
		if ctx.Err() != nil {
			return nil
		}

		var items []backfillItem
		var hasMore bool
		err := o.tokens.WithFreshToken(ctx, job.TenantID, func(ctx context.Context, accessToken string) error {
			var err error
			items, hasMore, err = fetch(ctx, accessToken, ListOptions{
				Page:            page,
				PageSize:        job.Options.PageSize,
				ModifiedSince:   job.Options.ModifiedSince,
				IncludeArchived: job.Options.IncludeArchived,
			})
			return err
		})
		if err != nil {
			if KindOf(err) == KindAuthExpired {
				return err
			}
			job.Failures = append(job.Failures, models.BackfillFailure{
				Page:       page,
				EntityType: entityType,
				Error:      err.Error(),
			})
			o.save(job)
			o.logger.Warn("backfill page failed",
				zap.String("job_id", job.ID),
				zap.String("entity_type", string(entityType)),
				zap.Int("page", page),
				zap.Error(err))

			consecutiveFailures++
			if consecutiveFailures >= maxConsecutivePageFailures {
				o.logger.Error("giving up on listing after consecutive page failures",
					zap.String("job_id", job.ID),
					zap.String("entity_type", string(entityType)),
					zap.Int("page", page))
				return nil
			}
			continue
		}
		consecutiveFailures = 0

		progress := models.BackfillProgress{PagesProcessed: 1}
		for _, item := range items {
			progress.Processed++
			outcome, err := item.importFn(ctx)
			if err != nil {
				progress.Errored++
				job.Failures = append(job.Failures, models.BackfillFailure{
					Page:       page,
					EntityType: item.entityType,
					RemoteID:   item.remoteID,
					Error:      err.Error(),
				})
				continue
			}
			switch outcome {
			case importCreated:
				progress.Created++
			case importUpdated:
				progress.Updated++
			default:
				progress.Skipped++
			}
		}
		job.Progress.Add(progress)
		o.save(job)

		if !hasMore || len(items) == 0 {
			return nil
		}
	}
}

func (o *BackfillOrchestrator) contactPage(job *models.BackfillJob) fetchPageFunc {
	return func(ctx context.Context, accessToken string, opts ListOptions) ([]backfillItem, bool, error) {
		page, err := o.client.ListContacts(ctx, accessToken, opts)
		if err != nil {
			return nil, false, err
		}
		items := make([]backfillItem, 0, len(page.Items))
		for i := range page.Items {
			rc := page.Items[i]
			items = append(items, backfillItem{
				remoteID:   rc.ID,
				entityType: models.EntityContact,
				importFn:   func(ctx context.Context) (importOutcome, error) { return o.importContact(ctx, job, rc) },
			})
		}
		return items, page.HasMore, nil
	}
}

func (o *BackfillOrchestrator) invoicePage(job *models.BackfillJob) fetchPageFunc {
	return func(ctx context.Context, accessToken string, opts ListOptions) ([]backfillItem, bool, error) {
		page, err := o.client.ListInvoices(ctx, accessToken, opts)
		if err != nil {
			return nil, false, err
		}
		items := make([]backfillItem, 0, len(page.Items))
		for i := range page.Items {
			ri := page.Items[i]
			items = append(items, backfillItem{
				remoteID:   ri.ID,
				entityType: invoiceEntityType(ri.Direction),
				importFn:   func(ctx context.Context) (importOutcome, error) { return o.importInvoice(ctx, job, ri) },
			})
		}
		return items, page.HasMore, nil
	}
}

func (o *BackfillOrchestrator) paymentPage(job *models.BackfillJob) fetchPageFunc {
	return func(ctx context.Context, accessToken string, opts ListOptions) ([]backfillItem, bool, error) {
		page, err := o.client.ListPayments(ctx, accessToken, opts)
		if err != nil {
			return nil, false, err
		}
		items := make([]backfillItem, 0, len(page.Items))
		for i := range page.Items {
			rp := page.Items[i]
			items = append(items, backfillItem{
				remoteID:   rp.ID,
				entityType: models.EntityPayment,
				importFn:   func(ctx context.Context) (importOutcome, error) { return o.importPayment(ctx, job, rp) },
			})
		}
		return items, page.HasMore, nil
	}
}

func (o *BackfillOrchestrator) importContact(ctx context.Context, job *models.BackfillJob, rc RemoteContact) (importOutcome, error) {
	var roles []models.ContactRole
	if rc.IsCustomer {
		roles = append(roles, models.RoleCustomer)
	}
	if rc.IsSupplier {
		roles = append(roles, models.RoleSupplier)
	}

	resolution, err := o.resolver.Resolve(ctx, job.TenantID, RemoteContactRef{ID: rc.ID, Name: rc.Name, Email: rc.Email}, roles...)
	if err != nil {
		return importSkipped, err
	}
	remote := contactRecord(&rc)
	if resolution.Created {
		return importCreated, o.markPulled(ctx, job, nil, models.EntityContact, resolution.Contact.ID, remote, resolution.Contact.UpdatedAt)
	}
	return o.reconcilePulled(ctx, job, models.EntityContact, resolution.Contact.ID, remote)
}

func (o *BackfillOrchestrator) importInvoice(ctx context.Context, job *models.BackfillJob, ri RemoteInvoice) (importOutcome, error) {
	if ri.Direction != models.DirectionInbound && ri.Direction != models.DirectionOutbound {
		return importSkipped, NewSyncError(KindValidation, "import_invoice", fmt.Errorf("remote invoice %s has unknown direction %q", ri.ID, ri.Direction))
	}
	entityType := invoiceEntityType(ri.Direction)
	remote := invoiceRecord(&ri)

	existing, err := o.stores.Invoices.GetByRemoteID(ctx, ri.Direction, ri.ID)
	if err == nil {
		return o.reconcilePulled(ctx, job, entityType, existing.ID, remote)
	}
	if !errors.Is(err, repository.ErrInvoiceNotFound) {
		return importSkipped, err
	}

	resolution, err := o.resolver.Resolve(ctx, job.TenantID, RemoteContactRef{ID: ri.ContactID, Name: ri.ContactName}, ri.Direction.Role())
	if err != nil {
		return importSkipped, err
	}

	remoteID := ri.ID
	invoice := &models.InvoiceFields{
		TenantID:        job.TenantID,
		ContactID:       resolution.Contact.ID,
		Number:          ri.Number,
		Reference:       optionalPtr(ri.Reference),
		Currency:        ri.Currency,
		Total:           ri.Total,
		AmountDue:       ri.AmountDue,
		Status:          ri.Status,
		IssueDate:       ri.IssueDate,
		DueDate:         ri.DueDate,
		RemoteInvoiceID: &remoteID,
		CreatedAt:       o.now(),
	}
	if _, err := o.stores.Invoices.UpsertRemote(ctx, ri.Direction, invoice); err != nil {
		return importSkipped, err
	}
	return importCreated, o.markPulled(ctx, job, nil, entityType, invoice.ID, remote, invoice.UpdatedAt)
}

func (o *BackfillOrchestrator) importPayment(ctx context.Context, job *models.BackfillJob, rp RemotePayment) (importOutcome, error) {
	remote := paymentRecord(&rp)

	existing, err := o.stores.Payments.GetByRemoteID(ctx, rp.ID)
	if err == nil {
		return o.reconcilePulled(ctx, job, models.EntityPayment, existing.ID, remote)
	}
	if !errors.Is(err, repository.ErrPaymentNotFound) {
		return importSkipped, err
	}

	var invoice *models.InvoiceFields
	var direction models.InvoiceDirection
	for _, d := range []models.InvoiceDirection{models.DirectionOutbound, models.DirectionInbound} {
		found, err := o.stores.Invoices.GetByRemoteID(ctx, d, rp.InvoiceID)
		if err == nil {
			invoice, direction = found, d
			break
		}
		if !errors.Is(err, repository.ErrInvoiceNotFound) {
			return importSkipped, err
		}
	}
	if invoice == nil {
		return importSkipped, NewSyncError(KindNotFound, "import_payment", fmt.Errorf("invoice %s for payment %s is not imported", rp.InvoiceID, rp.ID))
	}

	remoteID := rp.ID
	now := o.now()
	payment := &models.Payment{
		ID:               uuid.New().String(),
		TenantID:         job.TenantID,
		InvoiceID:        invoice.ID,
		InvoiceDirection: direction,
		ContactID:        invoice.ContactID,
		Amount:           rp.Amount,
		Currency:         rp.Currency,
		Date:             rp.Date,
		Reference:        optionalPtr(rp.Reference),
		Status:           rp.Status,
		RemotePaymentID:  &remoteID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := o.stores.Payments.Create(ctx, payment); err != nil {
		return importSkipped, err
	}
	return importCreated, o.markPulled(ctx, job, nil, models.EntityPayment, payment.ID, remote, payment.UpdatedAt)
}

// reconcilePulled applies a remote record to an existing local row through
// the sync state machine: records not modified since the last import are
// skipped unless the job forces a refresh, unsynced local edits are never
// overwritten, and edits on both sides become a conflict.
func (o *BackfillOrchestrator) reconcilePulled(ctx context.Context, job *models.BackfillJob, entityType models.EntityType, localID string, remote *remoteRecord) (importOutcome, error) {
	state, err := o.stores.SyncStates.Get(ctx, entityType, localID)
	if err != nil && !errors.Is(err, repository.ErrSyncStateNotFound) {
		return importSkipped, err
	}
	if errors.Is(err, repository.ErrSyncStateNotFound) {
		state = nil
	}

	if state != nil {
		if state.Status == models.SyncStatusConflict {
			return importSkipped, nil
		}
		if !job.Options.ForceRefresh && state.LastRemoteModifiedAt != nil && !remote.UpdatedAt.After(*state.LastRemoteModifiedAt) {
			return importSkipped, nil
		}
	}

	syncer := o.reconciler.syncers[entityType]
	local, err := syncer.load(ctx, job.TenantID, localID)
	if err != nil {
		return importSkipped, err
	}

	if state != nil && state.LastSyncedAt != nil {
		touchLocal(state, local.UpdatedAt)
		if state.RemoteID == nil {
			remoteID := remote.ID
			state.RemoteID = &remoteID
		}
		if remote.UpdatedAt.After(timeOrZero(state.LastRemoteModifiedAt)) {
			t := remote.UpdatedAt
			state.LastRemoteModifiedAt = &t
		}

		switch Decide(state) {
		case DecisionConflict:
			snapshot := BuildConflictSnapshot(state, local.Fields, remote.Fields, o.now())
			state.Status = models.SyncStatusConflict
			state.ConflictSnapshot = snapshot.JSONB()
			if err := o.stores.SyncStates.Save(ctx, state); err != nil {
				return importSkipped, err
			}
			o.audit.Record(ctx, AuditEntry{
				TenantID:   job.TenantID,
				EntityType: entityType,
				EntityID:   localID,
				Operation:  models.OperationConflict,
				Status:     models.LogStatusConflict,
				Actor:      job.Options.Actor,
				Details:    state.ConflictSnapshot,
			})
			return importSkipped, nil
		case DecisionPush:
			// local edit waiting to be pushed wins over the import
			return importSkipped, o.stores.SyncStates.Save(ctx, state)
		case DecisionNoop:
			if !job.Options.ForceRefresh {
				return importSkipped, nil
			}
		}
	}

	localUpdated, err := syncer.apply(ctx, &pushRun{tenantID: job.TenantID, opts: PushOptions{Actor: job.Options.Actor}}, local, remote)
	if err != nil {
		return importSkipped, err
	}
	return importUpdated, o.markPulled(ctx, job, state, entityType, localID, remote, localUpdated)
}

// markPulled records that local and remote agree as of now.
func (o *BackfillOrchestrator) markPulled(ctx context.Context, job *models.BackfillJob, state *models.SyncState, entityType models.EntityType, localID string, remote *remoteRecord, localUpdated time.Time) error {
	isNew := state == nil
	if isNew {
		existing, err := o.stores.SyncStates.Get(ctx, entityType, localID)
		switch {
		case err == nil:
			state, isNew = existing, false
		case errors.Is(err, repository.ErrSyncStateNotFound):
			state = newSyncState(job.TenantID, entityType, localID, nil, time.Time{})
		default:
			return err
		}
	}

	syncedAt := latest(o.now(), localUpdated, remote.UpdatedAt)
	remoteID := remote.ID
	remoteUpdated := remote.UpdatedAt
	state.RemoteID = &remoteID
	state.Status = models.SyncStatusSynced
	state.LastSyncedAt = &syncedAt
	state.LastLocalModifiedAt = &syncedAt
	state.LastRemoteModifiedAt = &remoteUpdated
	state.Attempts = 0
	clearErrors(state)

	if isNew {
		return o.stores.SyncStates.Create(ctx, state)
	}
	return o.stores.SyncStates.Save(ctx, state)
}

func (o *BackfillOrchestrator) finish(job *models.BackfillJob, err error) {
	now := o.now()
	job.CompletedAt = &now

	switch {
	case err != nil:
		job.Status = models.BackfillFailed
		msg := err.Error()
		job.Error = &msg
	case job.Progress.PagesProcessed == 0 && len(job.Failures) > 0:
		job.Status = models.BackfillFailed
		msg := "no page could be fetched"
		job.Error = &msg
	default:
		job.Status = models.BackfillCompleted
	}
	o.save(job)

	status := models.LogStatusSuccess
	if job.Status == models.BackfillFailed {
		status = models.LogStatusFailed
	}
	o.audit.Record(context.Background(), AuditEntry{
		TenantID:  job.TenantID,
		Operation: models.OperationBackfill,
		Direction: models.DirectionPull,
		Status:    status,
		Err:       err,
		Actor:     job.Options.Actor,
		Details: models.JSONB{
			"job_id":          job.ID,
			"pages_processed": job.Progress.PagesProcessed,
			"processed":       job.Progress.Processed,
			"created":         job.Progress.Created,
			"updated":         job.Progress.Updated,
			"skipped":         job.Progress.Skipped,
			"errored":         job.Progress.Errored,
			"failures":        len(job.Failures),
		},
	})
}

// save stores the job on a fresh context so the final state is recorded
// even after shutdown cancelled the run.
func (o *BackfillOrchestrator) save(job *models.BackfillJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.jobs.Update(ctx, job); err != nil {
		o.logger.Error("failed to save backfill job", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (o *BackfillOrchestrator) release(job *models.BackfillJob) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running[job.TenantID] == job.ID {
		delete(o.running, job.TenantID)
	}
}
