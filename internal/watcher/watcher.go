package watcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/vipul43/ledgersync/internal/service"
)

// TenantLister returns tenants with a usable accounting connection.
type TenantLister interface {
	ListActiveTenants(ctx context.Context) ([]string, error)
}

// Pusher pushes a tenant's PENDING and retryable FAILED entities.
type Pusher interface {
	PushPending(ctx context.Context, tenantID string) (*service.BatchResult, error)
}

// Watcher is the scheduled trigger: on every tick it pushes the pending
// entities of every connected tenant, one tenant after another.
type Watcher struct {
	schedule string
	tenants  TenantLister
	pusher   Pusher
	logger   *zap.Logger

	cron    *cron.Cron
	running sync.Mutex
	cancel  context.CancelFunc
}

func New(schedule string, tenants TenantLister, pusher Pusher, logger *zap.Logger) *Watcher {
	return &Watcher{
		schedule: schedule,
		tenants:  tenants,
		pusher:   pusher,
		logger:   logger,
	}
}

// Start registers the schedule and runs one pass right away. It does not
// block.
func (w *Watcher) Start(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)

	cronLogger := cronLogger{w.logger.Sugar()}
	w.cron = cron.New(
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger)),
	)
	if _, err := w.cron.AddFunc(w.schedule, func() { w.RunOnce(ctx) }); err != nil {
		w.cancel()
		return fmt.Errorf("invalid sync schedule %q: %w", w.schedule, err)
	}

	w.logger.Info("starting sync watcher", zap.String("schedule", w.schedule))
	w.cron.Start()

	// Process anything left pending by a previous run
	go w.RunOnce(ctx)
	return nil
}

// Stop halts the schedule and waits for a running pass to return.
func (w *Watcher) Stop(ctx context.Context) error {
	if w.cron == nil {
		return nil
	}
	w.cancel()
	done := w.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	// RunOnce may have been started outside the scheduler
	locked := make(chan struct{})
	go func() {
		w.running.Lock()
		w.running.Unlock()
		close(locked)
	}()
	select {
	case <-locked:
		w.logger.Info("sync watcher stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce pushes every tenant's pending entities. A pass that is still
// running makes the next one a no-op.
func (w *Watcher) RunOnce(ctx context.Context) {
	if !w.running.TryLock() {
		w.logger.Debug("previous sync pass still running, skipping")
		return
	}
	defer w.running.Unlock()

	tenants, err := w.tenants.ListActiveTenants(ctx)
	if err != nil {
		w.logger.Error("failed to list tenants", zap.Error(err))
		return
	}

	start := time.Now()
	for _, tenantID := range tenants {
		if ctx.Err() != nil {
			return
		}
		w.processTenant(ctx, tenantID)
	}
	if len(tenants) > 0 {
		w.logger.Info("sync pass finished",
			zap.Int("tenants", len(tenants)),
			zap.Duration("took", time.Since(start)))
	}
}
