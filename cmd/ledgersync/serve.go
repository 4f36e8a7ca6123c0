package main

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/vipul43/ledgersync/internal/api"
	"github.com/vipul43/ledgersync/internal/config"
	"github.com/vipul43/ledgersync/internal/database"
	"github.com/vipul43/ledgersync/internal/repository"
	"github.com/vipul43/ledgersync/internal/service"
	"github.com/vipul43/ledgersync/internal/watcher"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the scheduled sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			app := fx.New(
				fx.Supply(cfg),
				fx.StopTimeout(cfg.ShutdownTimeout),
				coreModule,
				fx.Provide(
					newAuthenticator,
					newAPIHandler,
					newRouter,
					newWatcher,
				),
				fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
					return &fxevent.ZapLogger{Logger: log}
				}),
				fx.Invoke(
					migrateOnBoot,
					startHTTPServer,
					startWatcher,
				),
			)
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
}

func migrateOnBoot(cfg *config.Config, db *gorm.DB, log *zap.Logger) error {
	log.Info("running database migrations")
	if err := database.Migrate(cfg.DatabaseDriver, cfg.DatabaseURL, db); err != nil {
		return err
	}
	log.Info("migrations completed")
	return nil
}

func newAuthenticator(cfg *config.Config) *api.Authenticator {
	return api.NewAuthenticator(cfg.JWTSecret, 0)
}

func newAPIHandler(reconciler *service.Reconciler, orchestrator *service.BackfillOrchestrator, logs *repository.SyncLogRepository, log *zap.Logger) *api.Handler {
	return api.NewHandler(reconciler, orchestrator, logs, log.Named("api"))
}

func newRouter(cfg *config.Config, handler *api.Handler, auth *api.Authenticator, log *zap.Logger) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	return api.NewRouter(handler, auth, cfg.PrivilegedRoles, log.Named("http"))
}

func startHTTPServer(lc fx.Lifecycle, shutdowner fx.Shutdowner, cfg *config.Config, router *gin.Engine, log *zap.Logger) {
	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			listener, err := net.Listen("tcp", server.Addr)
			if err != nil {
				return err
			}
			log.Info("http server listening", zap.String("addr", server.Addr))
			go func() {
				if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("http server failed", zap.Error(err))
					_ = shutdowner.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return server.Shutdown(ctx)
		},
	})
}

func newWatcher(cfg *config.Config, credentials *repository.CredentialRepository, reconciler *service.Reconciler, log *zap.Logger) *watcher.Watcher {
	return watcher.New(cfg.SyncSchedule, credentials, reconciler, log.Named("watcher"))
}

func startWatcher(lc fx.Lifecycle, w *watcher.Watcher) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// ctx only lives as long as OnStart
			return w.Start(context.Background())
		},
		OnStop: func(ctx context.Context) error {
			return w.Stop(ctx)
		},
	})
}
