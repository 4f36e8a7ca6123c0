package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vipul43/ledgersync/internal/models"
	"github.com/vipul43/ledgersync/internal/repository"
)

// Stores groups the relational repositories the sync engine writes through.
type Stores struct {
	Contacts   ContactStore
	Invoices   *repository.InvoiceRepository
	Payments   *repository.PaymentRepository
	SyncStates *repository.SyncStateRepository
	SyncLogs   *repository.SyncLogRepository
}

// PushOptions control a push batch.
type PushOptions struct {
	// DryRun resolves and validates every entity but performs no remote
	// mutation and no local write besides the audit record.
	DryRun bool
	// CorrelationIDs overrides the idempotency key per local entity id.
	CorrelationIDs map[string]string
	Actor          string
}

// EntityOutcome is one entity that was synced, skipped as unchanged, or
// found in conflict.
type EntityOutcome struct {
	ID            string            `json:"id"`
	EntityType    models.EntityType `json:"entity_type"`
	Action        Decision          `json:"action"`
	RemoteID      string            `json:"remote_id,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	DryRun        bool              `json:"dry_run,omitempty"`
}

// EntityFailure is one entity whose sync failed.
type EntityFailure struct {
	ID         string            `json:"id"`
	EntityType models.EntityType `json:"entity_type"`
	Error      string            `json:"error"`
	Kind       ErrorKind         `json:"kind"`
	Retryable  bool              `json:"retryable"`
}

// BatchResult collects per-entity results. A failed entity never stops the
// batch.
type BatchResult struct {
	Success   []EntityOutcome `json:"success"`
	Failed    []EntityFailure `json:"failed"`
	Conflicts []EntityOutcome `json:"conflicts"`
}

func newBatchResult() *BatchResult {
	return &BatchResult{
		Success:   make([]EntityOutcome, 0),
		Failed:    make([]EntityFailure, 0),
		Conflicts: make([]EntityOutcome, 0),
	}
}

// SuccessIDs returns the ids of successful entities in batch order.
func (b *BatchResult) SuccessIDs() []string {
	ids := make([]string, 0, len(b.Success))
	for _, o := range b.Success {
		ids = append(ids, o.ID)
	}
	return ids
}

// Pushed counts successes that moved data to the remote side.
func (b *BatchResult) Pushed() int {
	n := 0
	for _, o := range b.Success {
		if o.Action == DecisionPush && !o.DryRun {
			n++
		}
	}
	return n
}

func (b *BatchResult) merge(o *BatchResult) {
	b.Success = append(b.Success, o.Success...)
	b.Failed = append(b.Failed, o.Failed...)
	b.Conflicts = append(b.Conflicts, o.Conflicts...)
}

// pushRun carries per-batch state through nested dependency pushes.
type pushRun struct {
	tenantID string
	token    string
	opts     PushOptions
	// force skips the timestamp comparison; used by conflict resolution.
	force Decision
}

// Reconciler runs the per-entity sync state machine against the remote
// accounting platform.
type Reconciler struct {
	tokens      *TokenManager
	client      AccountingClient
	resolver    *ContactResolver
	stores      Stores
	audit       *AuditSink
	validator   *PayloadValidator
	logger      *zap.Logger
	maxAttempts int
	now         func() time.Time
	syncers     map[models.EntityType]entitySyncer
}

func NewReconciler(
	tokens *TokenManager,
	client AccountingClient,
	resolver *ContactResolver,
	stores Stores,
	audit *AuditSink,
	validator *PayloadValidator,
	logger *zap.Logger,
	maxAttempts int,
) *Reconciler {
	r := &Reconciler{
		tokens:      tokens,
		client:      client,
		resolver:    resolver,
		stores:      stores,
		audit:       audit,
		validator:   validator,
		logger:      logger,
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
	r.syncers = map[models.EntityType]entitySyncer{
		models.EntityContact:           contactSyncer{r: r},
		models.EntityReceivableInvoice: invoiceSyncer{r: r, direction: models.DirectionOutbound},
		models.EntityPayableInvoice:    invoiceSyncer{r: r, direction: models.DirectionInbound},
		models.EntityPayment:           paymentSyncer{r: r},
	}
	return r
}

// PushBatch syncs the given local entities one after another. The returned
// error is non-nil only when nothing could be attempted, such as when the
// tenant must reconnect.
func (r *Reconciler) PushBatch(ctx context.Context, tenantID string, entityType models.EntityType, ids []string, opts PushOptions) (*BatchResult, error) {
	if !entityType.Valid() {
		return nil, NewSyncError(KindValidation, "push", fmt.Errorf("unknown entity type %q", entityType))
	}

	if err := r.tokens.Require(ctx, tenantID); err != nil {
		r.audit.Record(ctx, AuditEntry{
			TenantID:   tenantID,
			EntityType: entityType,
			Operation:  models.OperationPush,
			Direction:  models.DirectionPush,
			Status:     models.LogStatusFailed,
			Err:        err,
			Actor:      opts.Actor,
		})
		return nil, err
	}

	result := newBatchResult()
	run := &pushRun{tenantID: tenantID, opts: opts}
	for _, id := range dedupe(ids) {
		r.pushOne(ctx, run, entityType, id, result)
	}

	r.logger.Info("push batch finished",
		zap.String("tenant_id", tenantID),
		zap.String("entity_type", string(entityType)),
		zap.Int("success", len(result.Success)),
		zap.Int("failed", len(result.Failed)),
		zap.Int("conflicts", len(result.Conflicts)),
		zap.Bool("dry_run", opts.DryRun))
	return result, nil
}

// pendingOrder pushes referenced entities before the entities that point at
// them.
var pendingOrder = []models.EntityType{
	models.EntityContact,
	models.EntityReceivableInvoice,
	models.EntityPayableInvoice,
	models.EntityPayment,
}

// PushPending syncs every PENDING entity of a tenant, plus FAILED ones whose
// last failure was retryable and that still have attempts left.
func (r *Reconciler) PushPending(ctx context.Context, tenantID string) (*BatchResult, error) {
	byType, err := r.pendingByType(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	result := newBatchResult()
	if len(byType) == 0 {
		return result, nil
	}

	if err := r.tokens.Require(ctx, tenantID); err != nil {
		return nil, err
	}

	run := &pushRun{tenantID: tenantID, opts: PushOptions{Actor: SystemActor}}
	for _, entityType := range pendingOrder {
		for _, id := range byType[entityType] {
			r.pushOne(ctx, run, entityType, id, result)
		}
	}
	return result, nil
}

// PendingIDs returns the local ids of one entity type that PushPending
// would pick up.
func (r *Reconciler) PendingIDs(ctx context.Context, tenantID string, entityType models.EntityType) ([]string, error) {
	byType, err := r.pendingByType(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return byType[entityType], nil
}

func (r *Reconciler) pendingByType(ctx context.Context, tenantID string) (map[models.EntityType][]string, error) {
	states, err := r.stores.SyncStates.ListByStatus(ctx, tenantID,
		[]models.SyncStatus{models.SyncStatusPending, models.SyncStatusFailed}, 0)
	if err != nil {
		return nil, err
	}

	byType := make(map[models.EntityType][]string)
	for _, state := range states {
		if state.Status == models.SyncStatusFailed {
			kind := ErrorKind(optionalString(state.ErrorKind))
			if !kind.Retryable() || state.Attempts >= r.maxAttempts {
				continue
			}
		}
		byType[state.EntityType] = append(byType[state.EntityType], state.LocalEntityID)
	}
	return byType, nil
}

// Retry resets the entity behind a sync log entry to PENDING and pushes it
// once more.
func (r *Reconciler) Retry(ctx context.Context, tenantID string, logID string, actor string) (*BatchResult, error) {
	entry, err := r.stores.SyncLogs.GetByID(ctx, logID)
	if err != nil {
		return nil, err
	}
	if entry.TenantID != tenantID {
		return nil, repository.ErrSyncLogNotFound
	}
	if entry.EntityID == "" || !entry.EntityType.Valid() {
		return nil, NewSyncError(KindValidation, "retry", errors.New("log entry is not tied to an entity"))
	}

	state, err := r.stores.SyncStates.Get(ctx, entry.EntityType, entry.EntityID)
	switch {
	case err == nil:
		if state.Status == models.SyncStatusConflict {
			return nil, NewSyncError(KindConflict, "retry", errors.New("entity is in conflict; resolve it instead"))
		}
		state.Status = models.SyncStatusPending
		state.Attempts = 0
		if err := r.stores.SyncStates.Save(ctx, state); err != nil {
			return nil, err
		}
	case errors.Is(err, repository.ErrSyncStateNotFound):
		// the push below creates it
	default:
		return nil, err
	}

	r.audit.Record(ctx, AuditEntry{
		TenantID:   tenantID,
		EntityType: entry.EntityType,
		EntityID:   entry.EntityID,
		Operation:  models.OperationRetry,
		Status:     models.LogStatusSuccess,
		Actor:      actor,
		Details:    models.JSONB{"log_id": logID},
	})

	return r.PushBatch(ctx, tenantID, entry.EntityType, []string{entry.EntityID}, PushOptions{Actor: actor})
}

// MarkLocalChange records a local create or edit. The first call creates the
// PENDING state; later calls move the local timestamp forward and put a
// SYNCED or FAILED entity back into PENDING.
func (r *Reconciler) MarkLocalChange(ctx context.Context, tenantID string, entityType models.EntityType, localID string, modifiedAt time.Time) (*models.SyncState, error) {
	if !entityType.Valid() {
		return nil, NewSyncError(KindValidation, "mark_local_change", fmt.Errorf("unknown entity type %q", entityType))
	}

	state, err := r.stores.SyncStates.Get(ctx, entityType, localID)
	if errors.Is(err, repository.ErrSyncStateNotFound) {
		state = newSyncState(tenantID, entityType, localID, nil, modifiedAt)
		if err := r.stores.SyncStates.Create(ctx, state); err != nil {
			return nil, err
		}
		return state, nil
	}
	if err != nil {
		return nil, err
	}

	if touchLocal(state, modifiedAt) {
		if err := r.stores.SyncStates.Save(ctx, state); err != nil {
			return nil, err
		}
	}
	return state, nil
}

func newSyncState(tenantID string, entityType models.EntityType, localID string, remoteID *string, modifiedAt time.Time) *models.SyncState {
	now := time.Now()
	state := &models.SyncState{
		ID:            uuid.New().String(),
		TenantID:      tenantID,
		EntityType:    entityType,
		LocalEntityID: localID,
		RemoteID:      remoteID,
		Status:        models.SyncStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if !modifiedAt.IsZero() {
		state.LastLocalModifiedAt = &modifiedAt
	}
	return state
}

// touchLocal moves the local timestamp forward. It reports whether the state
// changed.
func touchLocal(state *models.SyncState, modifiedAt time.Time) bool {
	if !modifiedAt.After(timeOrZero(state.LastLocalModifiedAt)) {
		return false
	}
	state.LastLocalModifiedAt = &modifiedAt
	switch state.Status {
	case models.SyncStatusSynced:
		// a new attempt cycle gets a new idempotency key
		state.Status = models.SyncStatusPending
		state.CorrelationID = nil
	case models.SyncStatusFailed:
		state.Status = models.SyncStatusPending
		state.Attempts = 0
	}
	return true
}

// pushOne syncs one entity with a token checked just before it, so a long
// batch never outlives the token it started with.
func (r *Reconciler) pushOne(ctx context.Context, run *pushRun, entityType models.EntityType, id string, result *BatchResult) {
	err := r.tokens.WithFreshToken(ctx, run.tenantID, func(ctx context.Context, accessToken string) error {
		run.token = accessToken
		r.runOne(ctx, run, entityType, id, result)
		return nil
	})
	if err != nil {
		result.Failed = append(result.Failed, failureOf(entityType, id, err))
	}
}

func failureOf(entityType models.EntityType, id string, err error) EntityFailure {
	kind := KindOf(err)
	return EntityFailure{
		ID:         id,
		EntityType: entityType,
		Error:      err.Error(),
		Kind:       kind,
		Retryable:  kind.Retryable(),
	}
}

func (r *Reconciler) runOne(ctx context.Context, run *pushRun, entityType models.EntityType, id string, result *BatchResult) {
	outcome, err := r.syncEntity(ctx, run, entityType, id)
	if err != nil {
		result.Failed = append(result.Failed, failureOf(entityType, id, err))
		return
	}
	if outcome.Action == DecisionConflict {
		result.Conflicts = append(result.Conflicts, outcome)
		return
	}
	result.Success = append(result.Success, outcome)
}

// syncEntity runs one state machine step for one entity. Every outcome after
// the local row is loaded is written to the audit sink, except the
// unchanged no-op.
func (r *Reconciler) syncEntity(ctx context.Context, run *pushRun, entityType models.EntityType, localID string) (EntityOutcome, error) {
	outcome := EntityOutcome{ID: localID, EntityType: entityType, DryRun: run.opts.DryRun}
	syncer := r.syncers[entityType]

	local, err := syncer.load(ctx, run.tenantID, localID)
	if err != nil {
		syncErr := classify("load", err)
		r.audit.Record(ctx, AuditEntry{
			TenantID:   run.tenantID,
			EntityType: entityType,
			EntityID:   localID,
			Operation:  models.OperationPush,
			Direction:  models.DirectionPush,
			Status:     models.LogStatusFailed,
			Err:        syncErr,
			Actor:      run.opts.Actor,
		})
		return outcome, syncErr
	}

	state, err := r.loadState(ctx, run, entityType, local)
	if err != nil {
		return outcome, classify("load_state", err)
	}
	if state.Status == models.SyncStatusConflict && run.force == "" {
		outcome.Action = DecisionConflict
		return outcome, nil
	}

	var remote *remoteRecord
	if state.RemoteID != nil {
		remote, err = syncer.fetch(ctx, run.token, *state.RemoteID)
		if err != nil {
			return outcome, r.fail(ctx, run, state, "fetch", err, true)
		}
		if remote.UpdatedAt.After(timeOrZero(state.LastRemoteModifiedAt)) {
			t := remote.UpdatedAt
			state.LastRemoteModifiedAt = &t
		}
		outcome.RemoteID = remote.ID
	}

	decision := run.force
	if decision == "" {
		decision = Decide(state)
	}
	outcome.Action = decision

	switch decision {
	case DecisionNoop:
		if state.Status == models.SyncStatusSynced {
			return outcome, nil
		}
		if run.opts.DryRun {
			r.recordDryRun(ctx, run, state, decision, "")
			return outcome, nil
		}
		state.Status = models.SyncStatusSynced
		clearErrors(state)
		if err := r.stores.SyncStates.Save(ctx, state); err != nil {
			return outcome, classify("save_state", err)
		}
		return outcome, nil

	case DecisionConflict:
		snapshot := BuildConflictSnapshot(state, local.Fields, remote.Fields, r.now())
		if run.opts.DryRun {
			r.recordDryRun(ctx, run, state, decision, "")
			return outcome, nil
		}
		state.Status = models.SyncStatusConflict
		state.ConflictSnapshot = snapshot.JSONB()
		if err := r.stores.SyncStates.Save(ctx, state); err != nil {
			return outcome, classify("save_state", err)
		}
		r.audit.Record(ctx, AuditEntry{
			TenantID:   run.tenantID,
			EntityType: entityType,
			EntityID:   localID,
			Operation:  models.OperationConflict,
			Status:     models.LogStatusConflict,
			Actor:      run.opts.Actor,
			Message:    fmt.Sprintf("%d field(s) differ", len(snapshot.Differences)),
			Details:    state.ConflictSnapshot,
		})
		return outcome, nil

	case DecisionPull:
		if remote == nil {
			return outcome, r.fail(ctx, run, state, "pull", NewSyncError(KindNotFound, "pull", errors.New("entity has no remote id")), true)
		}
		if run.opts.DryRun {
			r.recordDryRun(ctx, run, state, decision, "")
			return outcome, nil
		}
		localUpdated, err := syncer.apply(ctx, run, local, remote)
		if err != nil {
			return outcome, r.fail(ctx, run, state, "pull", err, true)
		}
		syncedAt := latest(r.now(), localUpdated, remote.UpdatedAt)
		state.Status = models.SyncStatusSynced
		state.LastSyncedAt = &syncedAt
		state.LastLocalModifiedAt = &syncedAt
		if !remote.UpdatedAt.IsZero() {
			t := remote.UpdatedAt
			state.LastRemoteModifiedAt = &t
		}
		clearErrors(state)
		if err := r.stores.SyncStates.Save(ctx, state); err != nil {
			return outcome, classify("save_state", err)
		}
		r.audit.Record(ctx, AuditEntry{
			TenantID:   run.tenantID,
			EntityType: entityType,
			EntityID:   localID,
			Operation:  models.OperationPull,
			Direction:  models.DirectionPull,
			Status:     models.LogStatusSuccess,
			Actor:      run.opts.Actor,
		})
		return outcome, nil

	default:
		return r.push(ctx, run, syncer, local, state, outcome)
	}
}

func (r *Reconciler) push(ctx context.Context, run *pushRun, syncer entitySyncer, local *localRecord, state *models.SyncState, outcome EntityOutcome) (EntityOutcome, error) {
	payload, err := syncer.payload(ctx, run, local)
	if err != nil {
		return outcome, r.fail(ctx, run, state, "resolve", err, false)
	}
	if err := r.validator.Validate(state.EntityType, payload); err != nil {
		return outcome, r.fail(ctx, run, state, "validate", err, false)
	}

	correlationID, err := r.correlationFor(ctx, run, state)
	if err != nil {
		return outcome, classify("claim_correlation_id", err)
	}
	outcome.CorrelationID = correlationID
	if run.opts.DryRun {
		r.recordDryRun(ctx, run, state, DecisionPush, correlationID)
		return outcome, nil
	}

	// Persist the key before the remote call so a crash or timeout retries
	// with the same one.
	state.CorrelationID = &correlationID
	state.Attempts++
	if err := r.stores.SyncStates.Save(ctx, state); err != nil {
		return outcome, classify("save_state", err)
	}

	var remote *remoteRecord
	if state.RemoteID == nil {
		remote, err = syncer.create(ctx, run.token, payload, correlationID)
	} else {
		remote, err = syncer.update(ctx, run.token, *state.RemoteID, payload, correlationID)
	}
	if err != nil {
		return outcome, r.fail(ctx, run, state, "push", err, false)
	}

	if state.RemoteID == nil || *state.RemoteID != remote.ID {
		if err := syncer.attach(ctx, local.ID, remote.ID); err != nil {
			return outcome, r.fail(ctx, run, state, "attach", err, false)
		}
		remoteID := remote.ID
		state.RemoteID = &remoteID
	}

	// The remote clock may run ahead of ours; never record a sync time
	// earlier than the remote modification it covers.
	syncedAt := latest(r.now(), remote.UpdatedAt)
	state.Status = models.SyncStatusSynced
	state.LastSyncedAt = &syncedAt
	if !remote.UpdatedAt.IsZero() {
		t := remote.UpdatedAt
		state.LastRemoteModifiedAt = &t
	}
	clearErrors(state)
	state.Attempts = 0
	if err := r.stores.SyncStates.Save(ctx, state); err != nil {
		return outcome, classify("save_state", err)
	}

	r.audit.Record(ctx, AuditEntry{
		TenantID:      run.tenantID,
		EntityType:    state.EntityType,
		EntityID:      local.ID,
		Operation:     models.OperationPush,
		Direction:     models.DirectionPush,
		Status:        models.LogStatusSuccess,
		CorrelationID: correlationID,
		Actor:         run.opts.Actor,
		Details:       models.JSONB{"remote_id": remote.ID},
	})
	outcome.RemoteID = remote.ID
	return outcome, nil
}

// correlationFor returns the idempotency key for a push. The key of an
// unfinished attempt is reused unless that attempt was definitively
// rejected, in which case replaying it would only replay the rejection.
// A new key is swapped in only if the stored key is still the one this
// push loaded, so concurrent pushes of one entity share a key.
func (r *Reconciler) correlationFor(ctx context.Context, run *pushRun, state *models.SyncState) (string, error) {
	if id := run.opts.CorrelationIDs[state.LocalEntityID]; id != "" {
		return id, nil
	}
	if state.CorrelationID != nil && state.Status != models.SyncStatusSynced {
		kind := ErrorKind(optionalString(state.ErrorKind))
		if kind == "" || kind.Retryable() {
			return *state.CorrelationID, nil
		}
	}
	candidate := uuid.New().String()
	if run.opts.DryRun {
		return candidate, nil
	}
	return r.stores.SyncStates.ClaimCorrelationID(ctx, state.ID, state.CorrelationID, candidate)
}

// fail classifies err, moves the state to PENDING or FAILED and records the
// failure. countAttempt is set for failures before the push counter was
// bumped.
func (r *Reconciler) fail(ctx context.Context, run *pushRun, state *models.SyncState, op string, err error, countAttempt bool) error {
	syncErr := classify(op, err)
	if run.opts.DryRun {
		r.audit.Record(ctx, AuditEntry{
			TenantID:   run.tenantID,
			EntityType: state.EntityType,
			EntityID:   state.LocalEntityID,
			Operation:  models.OperationPush,
			Status:     models.LogStatusDryRun,
			Err:        syncErr,
			Actor:      run.opts.Actor,
		})
		return syncErr
	}

	if countAttempt {
		state.Attempts++
	}
	kind := string(syncErr.Kind)
	message := syncErr.Error()
	state.ErrorKind = &kind
	state.LastError = &message

	switch {
	case syncErr.Kind == KindAuthExpired:
		state.Status = models.SyncStatusPending
	case syncErr.Kind.Retryable() && state.Attempts < r.maxAttempts:
		state.Status = models.SyncStatusPending
	default:
		state.Status = models.SyncStatusFailed
	}
	if saveErr := r.stores.SyncStates.Save(ctx, state); saveErr != nil {
		r.logger.Error("failed to save sync state after failure",
			zap.String("entity_type", string(state.EntityType)),
			zap.String("entity_id", state.LocalEntityID),
			zap.Error(saveErr))
	}

	r.audit.Record(ctx, AuditEntry{
		TenantID:      run.tenantID,
		EntityType:    state.EntityType,
		EntityID:      state.LocalEntityID,
		Operation:     models.OperationPush,
		Direction:     models.DirectionPush,
		Status:        models.LogStatusFailed,
		Err:           syncErr,
		CorrelationID: optionalString(state.CorrelationID),
		Actor:         run.opts.Actor,
		Details:       models.JSONB{"attempts": state.Attempts, "status": string(state.Status)},
	})
	return syncErr
}

func (r *Reconciler) recordDryRun(ctx context.Context, run *pushRun, state *models.SyncState, decision Decision, correlationID string) {
	r.audit.Record(ctx, AuditEntry{
		TenantID:      run.tenantID,
		EntityType:    state.EntityType,
		EntityID:      state.LocalEntityID,
		Operation:     models.OperationPush,
		Direction:     models.DirectionNone,
		Status:        models.LogStatusDryRun,
		CorrelationID: correlationID,
		Actor:         run.opts.Actor,
		Details:       models.JSONB{"decision": string(decision)},
	})
}

// loadState returns the entity's SyncState, creating it PENDING on first
// sight. Dry runs never write it.
func (r *Reconciler) loadState(ctx context.Context, run *pushRun, entityType models.EntityType, local *localRecord) (*models.SyncState, error) {
	state, err := r.stores.SyncStates.Get(ctx, entityType, local.ID)
	if errors.Is(err, repository.ErrSyncStateNotFound) {
		state = newSyncState(run.tenantID, entityType, local.ID, local.RemoteID, local.UpdatedAt)
		if run.opts.DryRun {
			return state, nil
		}
		if err := r.stores.SyncStates.Create(ctx, state); err != nil {
			return nil, err
		}
		return state, nil
	}
	if err != nil {
		return nil, err
	}

	changed := touchLocal(state, local.UpdatedAt)
	if state.RemoteID == nil && local.RemoteID != nil {
		state.RemoteID = local.RemoteID
		changed = true
	}
	if changed && !run.opts.DryRun {
		if err := r.stores.SyncStates.Save(ctx, state); err != nil {
			return nil, err
		}
	}
	return state, nil
}

// ensureRemoteContact returns the contact's remote id, pushing the contact
// first when it has none. Dry runs return an empty id instead.
func (r *Reconciler) ensureRemoteContact(ctx context.Context, run *pushRun, contact *models.Contact) (string, error) {
	if contact.RemoteContactID != nil {
		return *contact.RemoteContactID, nil
	}
	if run.opts.DryRun {
		return "", nil
	}
	outcome, err := r.syncEntity(ctx, run, models.EntityContact, contact.ID)
	if err != nil {
		return "", fmt.Errorf("failed to push contact %s: %w", contact.ID, err)
	}
	if outcome.RemoteID == "" {
		return "", NewSyncError(KindInternal, "push_contact", fmt.Errorf("contact %s has no remote id after push", contact.ID))
	}
	return outcome.RemoteID, nil
}

func clearErrors(state *models.SyncState) {
	state.ErrorKind = nil
	state.LastError = nil
	state.ConflictSnapshot = nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
