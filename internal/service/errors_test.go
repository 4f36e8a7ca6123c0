package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vipul43/ledgersync/internal/repository"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ""},
		{"sync error", &SyncError{Kind: KindRateLimited, StatusCode: 429}, KindRateLimited},
		{"wrapped sync error", fmt.Errorf("push: %w", NewSyncError(KindValidation, "push", errors.New("bad"))), KindValidation},
		{"reconnect", ErrReconnectRequired, KindAuthExpired},
		{"revoked refresh token", fmt.Errorf("refresh: %w", ErrRefreshTokenRevoked), KindAuthExpired},
		{"deadline", context.DeadlineExceeded, KindTransientNetwork},
		{"net error", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, KindTransientNetwork},
		{"missing payment", repository.ErrPaymentNotFound, KindNotFound},
		{"missing state", fmt.Errorf("load: %w", repository.ErrSyncStateNotFound), KindNotFound},
		{"claimed remote invoice", repository.ErrRemoteInvoiceClaimed, KindConflict},
		{"not in conflict", ErrNotInConflict, KindConflict},
		{"anything else", errors.New("boom"), KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestErrorKindRetryable(t *testing.T) {
	assert.True(t, KindRateLimited.Retryable())
	assert.True(t, KindTransientNetwork.Retryable())
	assert.False(t, KindAuthExpired.Retryable())
	assert.False(t, KindValidation.Retryable())
	assert.False(t, KindNotFound.Retryable())
	assert.False(t, KindConflict.Retryable())
	assert.False(t, KindInternal.Retryable())
}

func TestSyncErrorMessage(t *testing.T) {
	err := &SyncError{Kind: KindRateLimited, Op: "create_payment", StatusCode: 429, Err: errors.New("slow down")}
	assert.Equal(t, "create_payment: rate_limited (status 429): slow down", err.Error())

	cause := errors.New("root")
	assert.ErrorIs(t, NewSyncError(KindInternal, "x", cause), cause)
}

func TestClassifyKeepsExistingSyncError(t *testing.T) {
	original := &SyncError{Kind: KindNotFound, Op: "get_contact", StatusCode: 404}
	assert.Same(t, original, classify("push", fmt.Errorf("wrapped: %w", original)))

	wrapped := classify("push", repository.ErrContactNotFound)
	assert.Equal(t, KindNotFound, wrapped.Kind)
	assert.Equal(t, "push", wrapped.Op)
}
