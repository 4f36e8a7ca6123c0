package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/vipul43/ledgersync/internal/models"
	"github.com/vipul43/ledgersync/internal/repository"
)

// refreshTimeout bounds one refresh flight, which outlives its callers.
const refreshTimeout = 30 * time.Second

// TokenRefresher exchanges a refresh token for a new access token.
type TokenRefresher interface {
	RefreshAccessToken(ctx context.Context, refreshToken string) (*TokenRefreshResult, error)
}

// TokenManager keeps one valid access credential per tenant. Refreshes for
// the same tenant are collapsed into a single exchange, since using a
// refresh token invalidates it.
type TokenManager struct {
	credentials CredentialStore
	refresher   TokenRefresher
	audit       *AuditSink
	logger      *zap.Logger
	minValidity time.Duration
	group       singleflight.Group
	now         func() time.Time
}

func NewTokenManager(
	credentials CredentialStore,
	refresher TokenRefresher,
	audit *AuditSink,
	logger *zap.Logger,
	minValidity time.Duration,
) *TokenManager {
	return &TokenManager{
		credentials: credentials,
		refresher:   refresher,
		audit:       audit,
		logger:      logger,
		minValidity: minValidity,
		now:         time.Now,
	}
}

// EnsureFresh makes sure the tenant's access token stays valid for at least
// minValidity, refreshing it if needed. It returns false without an error
// when the tenant has to reconnect: no active credential, or the refresh
// token was rejected. Other refresh failures are returned as errors.
func (m *TokenManager) EnsureFresh(ctx context.Context, tenantID string, minValidity time.Duration) (bool, error) {
	credential, err := m.credentials.GetActive(ctx, tenantID)
	if err != nil {
		if errors.Is(err, repository.ErrCredentialNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get credential: %w", err)
	}
	if credential.RemainingValidity(m.now()) >= minValidity {
		return true, nil
	}

	// The exchange rotates the refresh token, so the flight must persist the
	// new pair even if every waiting caller gives up.
	ch := m.group.DoChan(tenantID, func() (interface{}, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return m.refresh(flightCtx, tenantID, minValidity)
	})

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case res := <-ch:
		if res.Shared {
			m.logger.Debug("joined in-flight token refresh", zap.String("tenant_id", tenantID))
		}
		if res.Err != nil {
			return false, res.Err
		}
		return res.Val.(bool), nil
	}
}

// refresh runs inside the per-tenant flight. The credential is read again
// because a flight that finished just before this one started may already
// have rotated it.
func (m *TokenManager) refresh(ctx context.Context, tenantID string, minValidity time.Duration) (bool, error) {
	credential, err := m.credentials.GetActive(ctx, tenantID)
	if err != nil {
		if errors.Is(err, repository.ErrCredentialNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get credential: %w", err)
	}
	if credential.RemainingValidity(m.now()) >= minValidity {
		return true, nil
	}
	if credential.RefreshToken == "" {
		m.revoke(ctx, credential, errors.New("credential has no refresh token"))
		return false, nil
	}

	m.logger.Info("refreshing access token",
		zap.String("tenant_id", tenantID),
		zap.Duration("remaining", credential.RemainingValidity(m.now())))

	result, err := m.refresher.RefreshAccessToken(ctx, credential.RefreshToken)
	if err != nil {
		if errors.Is(err, ErrRefreshTokenRevoked) {
			m.revoke(ctx, credential, err)
			return false, nil
		}
		m.audit.Record(ctx, AuditEntry{
			TenantID:  tenantID,
			Operation: models.OperationTokenRefresh,
			Status:    models.LogStatusFailed,
			Err:       err,
		})
		return false, fmt.Errorf("failed to refresh token: %w", err)
	}

	refreshToken := result.RefreshToken
	if refreshToken == "" {
		refreshToken = credential.RefreshToken
	}
	if err := m.credentials.UpdateTokens(ctx, credential.ID, result.AccessToken, refreshToken, result.ExpiresAt); err != nil {
		return false, fmt.Errorf("failed to update tokens: %w", err)
	}

	m.audit.Record(ctx, AuditEntry{
		TenantID:  tenantID,
		Operation: models.OperationTokenRefresh,
		Status:    models.LogStatusSuccess,
		Details:   models.JSONB{"expires_at": result.ExpiresAt.UTC().Format(time.RFC3339)},
	})
	return true, nil
}

func (m *TokenManager) revoke(ctx context.Context, credential *models.Credential, cause error) {
	m.logger.Warn("refresh token rejected, tenant must reconnect",
		zap.String("tenant_id", credential.TenantID),
		zap.Error(cause))

	if err := m.credentials.Deactivate(ctx, credential.ID); err != nil {
		m.logger.Error("failed to deactivate credential", zap.String("tenant_id", credential.TenantID), zap.Error(err))
	}
	m.audit.Record(ctx, AuditEntry{
		TenantID:  credential.TenantID,
		Operation: models.OperationTokenRefresh,
		Status:    models.LogStatusFailed,
		Err:       NewSyncError(KindAuthExpired, "refresh", cause),
		Message:   ErrReconnectRequired.Error(),
	})
}

// Require refreshes the tenant's token if needed and fails with
// ErrReconnectRequired when the tenant has to reconnect.
func (m *TokenManager) Require(ctx context.Context, tenantID string) error {
	ok, err := m.EnsureFresh(ctx, tenantID, m.minValidity)
	if err != nil {
		return classify("ensure_fresh", err)
	}
	if !ok {
		return NewSyncError(KindAuthExpired, "ensure_fresh", ErrReconnectRequired)
	}
	return nil
}

// WithFreshToken runs fn with a valid access token for the tenant. Every
// remote call goes through it; long loops call it once per unit of work so
// the token cannot expire mid-loop.
func (m *TokenManager) WithFreshToken(ctx context.Context, tenantID string, fn func(ctx context.Context, accessToken string) error) error {
	if err := m.Require(ctx, tenantID); err != nil {
		return err
	}

	credential, err := m.credentials.GetActive(ctx, tenantID)
	if err != nil {
		if errors.Is(err, repository.ErrCredentialNotFound) {
			return NewSyncError(KindAuthExpired, "ensure_fresh", ErrReconnectRequired)
		}
		return classify("ensure_fresh", err)
	}
	return fn(ctx, credential.AccessToken)
}
