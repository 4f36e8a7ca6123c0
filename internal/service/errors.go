package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/vipul43/ledgersync/internal/repository"
)

// ErrorKind classifies a sync failure.
type ErrorKind string

const (
	KindAuthExpired      ErrorKind = "auth_expired"
	KindRateLimited      ErrorKind = "rate_limited"
	KindValidation       ErrorKind = "validation"
	KindNotFound         ErrorKind = "not_found"
	KindConflict         ErrorKind = "conflict"
	KindTransientNetwork ErrorKind = "transient_network"
	KindInternal         ErrorKind = "internal"
)

// Retryable reports whether a failure of this kind may succeed on a later
// attempt without operator action.
func (k ErrorKind) Retryable() bool {
	return k == KindRateLimited || k == KindTransientNetwork
}

var (
	// ErrReconnectRequired means the tenant's refresh token is revoked or
	// missing and a user has to reconnect the accounting platform.
	ErrReconnectRequired = errors.New("accounting connection requires manual reconnect")
	// ErrRefreshTokenRevoked is returned by the remote token endpoint client
	// when the refresh token was rejected.
	ErrRefreshTokenRevoked = errors.New("refresh token revoked or expired")
	ErrNotInConflict       = errors.New("sync state is not in conflict")
	ErrBackfillRunning     = errors.New("a backfill is already running for this tenant")
)

// SyncError is the classified error carried through batch results and audit
// records.
type SyncError struct {
	Kind       ErrorKind
	Op         string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *SyncError) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// NewSyncError wraps err with a kind and the operation that failed.
func NewSyncError(kind ErrorKind, op string, err error) *SyncError {
	return &SyncError{Kind: kind, Op: op, Err: err}
}

// KindOf classifies any error. Unclassified errors are internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Kind
	}

	switch {
	case errors.Is(err, ErrReconnectRequired), errors.Is(err, ErrRefreshTokenRevoked):
		return KindAuthExpired
	case errors.Is(err, context.DeadlineExceeded):
		return KindTransientNetwork
	case errors.Is(err, repository.ErrContactNotFound),
		errors.Is(err, repository.ErrInvoiceNotFound),
		errors.Is(err, repository.ErrPaymentNotFound),
		errors.Is(err, repository.ErrSyncStateNotFound),
		errors.Is(err, repository.ErrSyncLogNotFound):
		return KindNotFound
	case errors.Is(err, repository.ErrRemoteInvoiceClaimed), errors.Is(err, ErrNotInConflict):
		return KindConflict
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransientNetwork
	}
	return KindInternal
}

// classify returns err as a *SyncError, wrapping it when needed.
func classify(op string, err error) *SyncError {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr
	}
	return NewSyncError(KindOf(err), op, err)
}
