package main

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/vipul43/ledgersync/internal/accounting"
	"github.com/vipul43/ledgersync/internal/config"
	"github.com/vipul43/ledgersync/internal/database"
	"github.com/vipul43/ledgersync/internal/jobstore"
	"github.com/vipul43/ledgersync/internal/logger"
	"github.com/vipul43/ledgersync/internal/repository"
	"github.com/vipul43/ledgersync/internal/service"
)

// coreModule wires storage and the sync engine. The serve and backfill
// commands build on it; each supplies the loaded *config.Config.
var coreModule = fx.Options(
	fx.Provide(
		logger.New,
		newDatabase,

		repository.NewCredentialRepository,
		repository.NewContactRepository,
		repository.NewInvoiceRepository,
		repository.NewPaymentRepository,
		repository.NewSyncStateRepository,
		repository.NewSyncLogRepository,

		newAccountingClient,
		func(c *accounting.Client) service.AccountingClient { return c },
		func(c *accounting.Client) service.TokenRefresher { return c },
		func(r *repository.CredentialRepository) service.CredentialStore { return r },
		func(r *repository.SyncLogRepository) service.LogStore { return r },
		func(r *repository.ContactRepository) service.ContactStore { return r },

		service.NewAuditSink,
		service.NewContactResolver,
		service.NewPayloadValidator,
		newTokenManager,
		newStores,
		newReconciler,
		newJobStore,
		newBackfillOrchestrator,
	),
)

func newDatabase(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (*gorm.DB, error) {
	db, err := database.Connect(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	log.Info("database connected", zap.String("driver", cfg.DatabaseDriver))

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return database.Close(db)
		},
	})
	return db, nil
}

func newAccountingClient(cfg *config.Config, log *zap.Logger) *accounting.Client {
	return accounting.NewClient(accounting.Options{
		BaseURL:      cfg.AccountingBaseURL,
		TokenURL:     cfg.AccountingTokenURL,
		ClientID:     cfg.AccountingClientID,
		ClientSecret: cfg.AccountingClientSecret,
		MaxRetries:   cfg.MaxRetries,
		Logger:       log.Named("accounting"),
	})
}

func newTokenManager(cfg *config.Config, credentials service.CredentialStore, refresher service.TokenRefresher, audit *service.AuditSink, log *zap.Logger) *service.TokenManager {
	return service.NewTokenManager(credentials, refresher, audit, log.Named("tokens"), cfg.TokenMinValidity)
}

func newStores(
	contacts service.ContactStore,
	invoices *repository.InvoiceRepository,
	payments *repository.PaymentRepository,
	states *repository.SyncStateRepository,
	logs *repository.SyncLogRepository,
) service.Stores {
	return service.Stores{
		Contacts:   contacts,
		Invoices:   invoices,
		Payments:   payments,
		SyncStates: states,
		SyncLogs:   logs,
	}
}

func newReconciler(
	cfg *config.Config,
	tokens *service.TokenManager,
	client service.AccountingClient,
	resolver *service.ContactResolver,
	stores service.Stores,
	audit *service.AuditSink,
	validator *service.PayloadValidator,
	log *zap.Logger,
) *service.Reconciler {
	return service.NewReconciler(tokens, client, resolver, stores, audit, validator, log.Named("reconciler"), cfg.SyncMaxAttempts)
}

// newJobStore opens the backfill job registry. The bolt store survives
// restarts, so jobs cut short by the previous process are marked failed.
func newJobStore(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (service.JobStore, error) {
	if cfg.JobStore != "bolt" {
		store := jobstore.NewMemoryStore()
		lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { return store.Close() }})
		return store, nil
	}

	store, err := jobstore.OpenBoltStore(cfg.JobStorePath)
	if err != nil {
		return nil, err
	}
	interrupted, err := store.MarkInterrupted(time.Now())
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if interrupted > 0 {
		log.Warn("marked interrupted backfill jobs as failed", zap.Int("count", interrupted))
	}

	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { return store.Close() }})
	return store, nil
}

func newBackfillOrchestrator(
	lc fx.Lifecycle,
	cfg *config.Config,
	jobs service.JobStore,
	tokens *service.TokenManager,
	client service.AccountingClient,
	reconciler *service.Reconciler,
	audit *service.AuditSink,
	log *zap.Logger,
) *service.BackfillOrchestrator {
	orchestrator := service.NewBackfillOrchestrator(jobs, tokens, client, reconciler, audit, log.Named("backfill"), cfg.BackfillPageSize, cfg.AllowConcurrentBackfill)
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return orchestrator.Shutdown(ctx)
		},
	})
	return orchestrator
}
