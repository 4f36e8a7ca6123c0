package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/vipul43/ledgersync/internal/models"
	"github.com/vipul43/ledgersync/internal/repository"
)

// Resolution is an operator's choice for a conflicted entity.
type Resolution string

const (
	ResolutionKeepLocal  Resolution = "keep-local"
	ResolutionKeepRemote Resolution = "keep-remote"
	ResolutionIgnore     Resolution = "ignore"
)

func (r Resolution) Valid() bool {
	switch r {
	case ResolutionKeepLocal, ResolutionKeepRemote, ResolutionIgnore:
		return true
	}
	return false
}

// Conflict is a conflicted SyncState with a summary of the local entity.
type Conflict struct {
	models.SyncState
	LocalSummary map[string]interface{} `json:"local_summary,omitempty"`
}

// ListConflicts returns conflicted states enriched with the local entity's
// key fields. Entities that no longer exist locally have no summary.
func (r *Reconciler) ListConflicts(ctx context.Context, filter repository.ConflictFilter) ([]Conflict, error) {
	states, err := r.stores.SyncStates.ListConflicts(ctx, filter)
	if err != nil {
		return nil, err
	}

	conflicts := make([]Conflict, 0, len(states))
	for _, state := range states {
		conflict := Conflict{SyncState: state}
		if syncer, ok := r.syncers[state.EntityType]; ok {
			local, err := syncer.load(ctx, state.TenantID, state.LocalEntityID)
			if err == nil {
				conflict.LocalSummary = local.Summary
			} else {
				r.logger.Debug("conflict entity not loadable",
					zap.String("entity_type", string(state.EntityType)),
					zap.String("entity_id", state.LocalEntityID),
					zap.Error(err))
			}
		}
		conflicts = append(conflicts, conflict)
	}
	return conflicts, nil
}

// ResolveConflict applies an operator decision. keep-local pushes the local
// copy over the remote one, keep-remote pulls the remote copy over the local
// one, and ignore accepts the divergence. The snapshot is cleared and
// last_synced_at set to now in every case. A failed re-push or re-pull is
// returned together with the updated state.
func (r *Reconciler) ResolveConflict(ctx context.Context, tenantID string, stateID string, resolution Resolution, notes string, actor string) (*models.SyncState, error) {
	if !resolution.Valid() {
		return nil, NewSyncError(KindValidation, "resolve", fmt.Errorf("unknown resolution %q", resolution))
	}

	state, err := r.stores.SyncStates.GetByID(ctx, stateID)
	if err != nil {
		return nil, err
	}
	if state.TenantID != tenantID {
		return nil, repository.ErrSyncStateNotFound
	}
	if state.Status != models.SyncStatusConflict {
		return nil, ErrNotInConflict
	}

	previous := state.ConflictSnapshot
	now := r.now()
	resolvedBy := actor
	chosen := string(resolution)
	state.ResolvedBy = &resolvedBy
	state.Resolution = &chosen
	state.LastSyncedAt = &now
	clearErrors(state)

	if resolution == ResolutionIgnore {
		state.Status = models.SyncStatusSynced
	} else {
		state.Status = models.SyncStatusPending
		state.CorrelationID = nil
		state.Attempts = 0
	}
	if err := r.stores.SyncStates.Save(ctx, state); err != nil {
		return nil, err
	}

	details := models.JSONB{
		"resolution":        chosen,
		"previous_snapshot": map[string]interface{}(previous),
	}
	if notes != "" {
		details["notes"] = notes
	}
	r.audit.Record(ctx, AuditEntry{
		TenantID:   tenantID,
		EntityType: state.EntityType,
		EntityID:   state.LocalEntityID,
		Operation:  models.OperationResolve,
		Status:     models.LogStatusSuccess,
		Actor:      actor,
		Message:    notes,
		Details:    details,
	})

	if resolution == ResolutionIgnore {
		return state, nil
	}

	force := DecisionPush
	if resolution == ResolutionKeepRemote {
		force = DecisionPull
	}
	moveErr := r.tokens.WithFreshToken(ctx, tenantID, func(ctx context.Context, accessToken string) error {
		run := &pushRun{tenantID: tenantID, token: accessToken, opts: PushOptions{Actor: actor}, force: force}
		_, err := r.syncEntity(ctx, run, state.EntityType, state.LocalEntityID)
		return err
	})

	updated, err := r.stores.SyncStates.GetByID(ctx, stateID)
	if err != nil {
		return nil, err
	}
	return updated, moveErr
}
