package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vipul43/ledgersync/internal/models"
)

func TestSyncStateRepository_UniquePerEntity(t *testing.T) {
	ctx := context.Background()
	repo := NewSyncStateRepository(newTestDB(t))

	require.NoError(t, repo.Create(ctx, &models.SyncState{
		ID: "s-1", TenantID: "t", EntityType: models.EntityPayment, LocalEntityID: "p-1", Status: models.SyncStatusPending,
	}))
	err := repo.Create(ctx, &models.SyncState{
		ID: "s-2", TenantID: "t", EntityType: models.EntityPayment, LocalEntityID: "p-1", Status: models.SyncStatusPending,
	})
	assert.Error(t, err)

	// Same local id under another entity type is a different row
	require.NoError(t, repo.Create(ctx, &models.SyncState{
		ID: "s-3", TenantID: "t", EntityType: models.EntityContact, LocalEntityID: "p-1", Status: models.SyncStatusPending,
	}))
}

func TestSyncStateRepository_SaveClearsSnapshot(t *testing.T) {
	ctx := context.Background()
	repo := NewSyncStateRepository(newTestDB(t))

	state := &models.SyncState{
		ID: "s-1", TenantID: "t", EntityType: models.EntityPayment, LocalEntityID: "p-1",
		Status:           models.SyncStatusConflict,
		ConflictSnapshot: models.JSONB{"fields": []interface{}{"amount"}},
		RemoteID:         strPtr("remote-1"),
	}
	require.NoError(t, repo.Create(ctx, state))

	now := time.Now().UTC()
	state.Status = models.SyncStatusSynced
	state.ConflictSnapshot = nil
	state.LastSyncedAt = &now
	require.NoError(t, repo.Save(ctx, state))

	got, err := repo.Get(ctx, models.EntityPayment, "p-1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusSynced, got.Status)
	assert.Nil(t, got.ConflictSnapshot)
	require.NotNil(t, got.LastSyncedAt)

	byRemote, err := repo.GetByRemoteID(ctx, models.EntityPayment, "remote-1")
	require.NoError(t, err)
	assert.Equal(t, "s-1", byRemote.ID)
}

func TestSyncStateRepository_Listing(t *testing.T) {
	ctx := context.Background()
	repo := NewSyncStateRepository(newTestDB(t))

	rows := []models.SyncState{
		{ID: "1", TenantID: "t", EntityType: models.EntityPayment, LocalEntityID: "a", Status: models.SyncStatusPending},
		{ID: "2", TenantID: "t", EntityType: models.EntityPayment, LocalEntityID: "b", Status: models.SyncStatusFailed},
		{ID: "3", TenantID: "t", EntityType: models.EntityPayment, LocalEntityID: "c", Status: models.SyncStatusConflict},
		{ID: "4", TenantID: "t", EntityType: models.EntityContact, LocalEntityID: "d", Status: models.SyncStatusConflict},
		{ID: "5", TenantID: "x", EntityType: models.EntityPayment, LocalEntityID: "e", Status: models.SyncStatusPending},
	}
	for i := range rows {
		require.NoError(t, repo.Create(ctx, &rows[i]))
	}

	pending, err := repo.ListByStatus(ctx, "t", []models.SyncStatus{models.SyncStatusPending, models.SyncStatusFailed}, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	conflicts, err := repo.ListConflicts(ctx, ConflictFilter{TenantID: "t"})
	require.NoError(t, err)
	assert.Len(t, conflicts, 2)

	conflicts, err = repo.ListConflicts(ctx, ConflictFilter{TenantID: "t", EntityType: models.EntityContact, Limit: 5})
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "4", conflicts[0].ID)
}

func TestSyncStateRepository_ClaimCorrelationID(t *testing.T) {
	ctx := context.Background()
	repo := NewSyncStateRepository(newTestDB(t))

	require.NoError(t, repo.Create(ctx, &models.SyncState{
		ID: "s-1", TenantID: "t", EntityType: models.EntityPayment, LocalEntityID: "p-1", Status: models.SyncStatusPending,
	}))

	// Both callers loaded the state without a key; the first claim wins.
	first, err := repo.ClaimCorrelationID(ctx, "s-1", nil, "key-a")
	require.NoError(t, err)
	assert.Equal(t, "key-a", first)

	second, err := repo.ClaimCorrelationID(ctx, "s-1", nil, "key-b")
	require.NoError(t, err)
	assert.Equal(t, "key-a", second)

	// Replacing a rejected key only works against the key that was loaded.
	rotated, err := repo.ClaimCorrelationID(ctx, "s-1", strPtr("key-a"), "key-c")
	require.NoError(t, err)
	assert.Equal(t, "key-c", rotated)

	stale, err := repo.ClaimCorrelationID(ctx, "s-1", strPtr("key-a"), "key-d")
	require.NoError(t, err)
	assert.Equal(t, "key-c", stale)

	got, err := repo.Get(ctx, models.EntityPayment, "p-1")
	require.NoError(t, err)
	require.NotNil(t, got.CorrelationID)
	assert.Equal(t, "key-c", *got.CorrelationID)

	_, err = repo.ClaimCorrelationID(ctx, "missing", nil, "key-e")
	assert.ErrorIs(t, err, ErrSyncStateNotFound)
}
