package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vipul43/ledgersync/internal/models"
	"github.com/vipul43/ledgersync/internal/repository"
)

func expireCredentialIn(t *testing.T, env *testEnv, d time.Duration) {
	t.Helper()
	require.NoError(t, env.credentials.UpdateTokens(context.Background(), "cred-1", "access", "refresh", time.Now().Add(d)))
}

func TestEnsureFreshSkipsValidToken(t *testing.T) {
	env := newTestEnv(t)

	ok, err := env.tokens.EnsureFresh(context.Background(), testTenant, 20*time.Minute)

	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, env.client.refreshCalls)
}

func TestEnsureFreshRefreshesOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	expireCredentialIn(t, env, 10*time.Minute)

	ok, err := env.tokens.EnsureFresh(ctx, testTenant, 20*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = env.tokens.EnsureFresh(ctx, testTenant, 20*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, 1, env.client.refreshCalls)

	credential, err := env.credentials.GetActive(ctx, testTenant)
	require.NoError(t, err)
	assert.Equal(t, "new-access", credential.AccessToken)
	assert.Equal(t, "new-refresh", credential.RefreshToken)
	assert.Greater(t, credential.RemainingValidity(time.Now()), 20*time.Minute)

	logs, total, err := env.logs.List(ctx, repository.SyncLogFilter{TenantID: testTenant, Status: models.LogStatusSuccess})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Equal(t, models.OperationTokenRefresh, logs[0].Operation)
}

func TestEnsureFreshConcurrentCallsShareOneExchange(t *testing.T) {
	env := newTestEnv(t)
	expireCredentialIn(t, env, time.Minute)

	release := make(chan struct{})
	env.client.refreshFunc = func(ctx context.Context, refreshToken string) (*TokenRefreshResult, error) {
		<-release
		return &TokenRefreshResult{AccessToken: "new-access", RefreshToken: "rotated", ExpiresAt: time.Now().Add(time.Hour)}, nil
	}

	const callers = 5
	var wg sync.WaitGroup
	results := make([]bool, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.tokens.EnsureFresh(context.Background(), testTenant, 20*time.Minute)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.True(t, results[i])
	}
	assert.Equal(t, 1, env.client.refreshCalls)

	credential, err := env.credentials.GetActive(context.Background(), testTenant)
	require.NoError(t, err)
	assert.Equal(t, "rotated", credential.RefreshToken)
}

func TestEnsureFreshPersistsRotationWhenCallerCancels(t *testing.T) {
	env := newTestEnv(t)
	expireCredentialIn(t, env, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.client.refreshFunc = func(flightCtx context.Context, refreshToken string) (*TokenRefreshResult, error) {
		// The caller goes away after the platform has already rotated the
		// refresh token.
		cancel()
		assert.NoError(t, flightCtx.Err())
		return &TokenRefreshResult{AccessToken: "rotated-access", RefreshToken: "rotated", ExpiresAt: time.Now().Add(time.Hour)}, nil
	}

	_, _ = env.tokens.EnsureFresh(ctx, testTenant, 20*time.Minute)

	assert.Eventually(t, func() bool {
		credential, err := env.credentials.GetActive(context.Background(), testTenant)
		return err == nil && credential.RefreshToken == "rotated" && credential.AccessToken == "rotated-access"
	}, 2*time.Second, 10*time.Millisecond)

	ok, err := env.tokens.EnsureFresh(context.Background(), testTenant, 20*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, env.client.refreshCalls)
}

func TestEnsureFreshWaiterLeavesOnCancel(t *testing.T) {
	env := newTestEnv(t)
	expireCredentialIn(t, env, time.Minute)

	release := make(chan struct{})
	env.client.refreshFunc = func(ctx context.Context, refreshToken string) (*TokenRefreshResult, error) {
		<-release
		return &TokenRefreshResult{AccessToken: "new-access", RefreshToken: "rotated", ExpiresAt: time.Now().Add(time.Hour)}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := env.tokens.EnsureFresh(ctx, testTenant, 20*time.Minute)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("EnsureFresh did not return after its context was cancelled")
	}

	close(release)
	assert.Eventually(t, func() bool {
		credential, err := env.credentials.GetActive(context.Background(), testTenant)
		return err == nil && credential.RefreshToken == "rotated"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEnsureFreshRevokedRefreshToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	expireCredentialIn(t, env, time.Minute)
	env.client.refreshFunc = func(ctx context.Context, refreshToken string) (*TokenRefreshResult, error) {
		return nil, NewSyncError(KindAuthExpired, "refresh", ErrRefreshTokenRevoked)
	}

	ok, err := env.tokens.EnsureFresh(ctx, testTenant, 20*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = env.credentials.GetActive(ctx, testTenant)
	assert.ErrorIs(t, err, repository.ErrCredentialNotFound)

	logs, _, err := env.logs.List(ctx, repository.SyncLogFilter{TenantID: testTenant, Status: models.LogStatusFailed})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.OperationTokenRefresh, logs[0].Operation)
	assert.Equal(t, string(KindAuthExpired), *logs[0].ErrorKind)

	// no credential left: still false, and no further exchange
	ok, err = env.tokens.EnsureFresh(ctx, testTenant, 20*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, env.client.refreshCalls)
}

func TestEnsureFreshTransientFailureIsAnError(t *testing.T) {
	env := newTestEnv(t)
	expireCredentialIn(t, env, time.Minute)
	env.client.refreshFunc = func(ctx context.Context, refreshToken string) (*TokenRefreshResult, error) {
		return nil, NewSyncError(KindTransientNetwork, "refresh", errors.New("connection reset"))
	}

	ok, err := env.tokens.EnsureFresh(context.Background(), testTenant, 20*time.Minute)

	require.Error(t, err)
	assert.False(t, ok)
	assert.Equal(t, KindTransientNetwork, KindOf(err))

	_, err = env.credentials.GetActive(context.Background(), testTenant)
	assert.NoError(t, err, "credential stays active after a transient failure")
}

func TestWithFreshTokenRequiresReconnect(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.credentials.Deactivate(ctx, "cred-1"))

	called := false
	err := env.tokens.WithFreshToken(ctx, testTenant, func(ctx context.Context, accessToken string) error {
		called = true
		return nil
	})

	assert.False(t, called)
	assert.ErrorIs(t, err, ErrReconnectRequired)
	assert.Equal(t, KindAuthExpired, KindOf(err))
}

func TestWithFreshTokenPassesAccessToken(t *testing.T) {
	env := newTestEnv(t)

	var got string
	err := env.tokens.WithFreshToken(context.Background(), testTenant, func(ctx context.Context, accessToken string) error {
		got = accessToken
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, "access", got)
}
