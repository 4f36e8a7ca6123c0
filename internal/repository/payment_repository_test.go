package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vipul43/ledgersync/internal/models"
)

func TestPaymentRepository_CreateAttachAndFetch(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	seedContact(t, NewContactRepository(db))
	repo := NewPaymentRepository(db)

	payment := &models.Payment{
		ID:               "p-1",
		TenantID:         "t",
		InvoiceID:        "inv-1",
		InvoiceDirection: models.DirectionOutbound,
		ContactID:        "c-1",
		Amount:           12.5,
		Currency:         "SGD",
		Date:             time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Status:           models.PaymentStatusPaid,
		Metadata:         models.JSONB{"source": "bank"},
	}
	require.NoError(t, repo.Create(ctx, payment))
	require.NoError(t, repo.AttachRemote(ctx, "p-1", "remote-p-1"))

	got, err := repo.GetByRemoteID(ctx, "remote-p-1")
	require.NoError(t, err)
	assert.Equal(t, "p-1", got.ID)
	assert.Equal(t, "bank", got.Metadata["source"])

	got.Amount = 15
	require.NoError(t, repo.Update(ctx, got))

	payments, err := repo.GetByTenantID(ctx, "t")
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, 15.0, payments[0].Amount)
}

func TestPaymentRepository_NotFound(t *testing.T) {
	repo := NewPaymentRepository(newTestDB(t))
	_, err := repo.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrPaymentNotFound)
	assert.ErrorIs(t, repo.AttachRemote(context.Background(), "missing", "r"), ErrPaymentNotFound)
}
