package watcher

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/vipul43/ledgersync/internal/service"
)

// processTenant pushes one tenant. Failures are logged and the pass moves
// on to the next tenant.
func (w *Watcher) processTenant(ctx context.Context, tenantID string) {
	result, err := w.pusher.PushPending(ctx, tenantID)
	if err != nil {
		if errors.Is(err, service.ErrReconnectRequired) {
			w.logger.Warn("tenant needs to reconnect, skipping", zap.String("tenant_id", tenantID))
			return
		}
		w.logger.Error("failed to push pending entities",
			zap.String("tenant_id", tenantID),
			zap.Error(err))
		return
	}

	total := len(result.Success) + len(result.Failed) + len(result.Conflicts)
	if total == 0 {
		return
	}
	w.logger.Info("pushed pending entities",
		zap.String("tenant_id", tenantID),
		zap.Int("pushed", result.Pushed()),
		zap.Int("failed", len(result.Failed)),
		zap.Int("conflicts", len(result.Conflicts)))
}

// cronLogger routes scheduler messages through zap.
type cronLogger struct {
	sugar *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}
