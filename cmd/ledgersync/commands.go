package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/vipul43/ledgersync/internal/api"
	"github.com/vipul43/ledgersync/internal/config"
	"github.com/vipul43/ledgersync/internal/database"
	"github.com/vipul43/ledgersync/internal/models"
	"github.com/vipul43/ledgersync/internal/repository"
	"github.com/vipul43/ledgersync/internal/service"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			db, err := database.Connect(cfg.DatabaseDriver, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer database.Close(db)

			if err := database.Migrate(cfg.DatabaseDriver, cfg.DatabaseURL, db); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Migrations completed successfully")
			return nil
		},
	}
}

type backfillFlags struct {
	tenantID        string
	contacts        bool
	invoices        bool
	payments        bool
	force           bool
	since           string
	includeArchived bool
	pageSize        int
	pollInterval    time.Duration
}

// newBackfillCommand runs one backfill in the foreground and prints its
// progress until it finishes.
func newBackfillCommand() *cobra.Command {
	flags := &backfillFlags{}

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Import the accounting platform's history for one tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackfill(cmd, flags)
		},
	}

	cmd.Flags().StringVar(&flags.tenantID, "tenant", "", "tenant id (required)")
	cmd.Flags().BoolVar(&flags.contacts, "contacts", true, "import contacts")
	cmd.Flags().BoolVar(&flags.invoices, "invoices", true, "import invoices")
	cmd.Flags().BoolVar(&flags.payments, "payments", true, "import payments")
	cmd.Flags().BoolVar(&flags.force, "force", false, "overwrite local rows even when unchanged")
	cmd.Flags().StringVar(&flags.since, "since", "", "only records modified since this RFC3339 time")
	cmd.Flags().BoolVar(&flags.includeArchived, "include-archived", true, "include archived records")
	cmd.Flags().IntVar(&flags.pageSize, "page-size", 0, "records per page (default BACKFILL_PAGE_SIZE)")
	cmd.Flags().DurationVar(&flags.pollInterval, "poll", 2*time.Second, "progress poll interval")
	_ = cmd.MarkFlagRequired("tenant")

	return cmd
}

func runBackfill(cmd *cobra.Command, flags *backfillFlags) error {
	opts := models.BackfillOptions{
		TenantID:        flags.tenantID,
		SyncContacts:    flags.contacts,
		SyncInvoices:    flags.invoices,
		SyncPayments:    flags.payments,
		ForceRefresh:    flags.force,
		IncludeArchived: flags.includeArchived,
		PageSize:        flags.pageSize,
		Actor:           "cli",
	}
	if flags.since != "" {
		since, err := time.Parse(time.RFC3339, flags.since)
		if err != nil {
			return fmt.Errorf("invalid --since: %w", err)
		}
		opts.ModifiedSince = &since
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	var orchestrator *service.BackfillOrchestrator
	app := fx.New(
		fx.Supply(cfg),
		fx.StopTimeout(cfg.ShutdownTimeout),
		coreModule,
		fx.NopLogger,
		fx.Invoke(migrateOnBoot),
		fx.Populate(&orchestrator),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = app.Stop(stopCtx)
	}()

	jobID, err := orchestrator.StartBackfill(ctx, opts)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Backfill %s started for tenant %s\n", jobID, opts.TenantID)

	ticker := time.NewTicker(flags.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// app.Stop cancels the job and waits for it to record its state
			return fmt.Errorf("backfill %s interrupted", jobID)
		case <-ticker.C:
		}

		job, err := orchestrator.GetJobStatus(context.Background(), opts.TenantID, jobID)
		if err != nil {
			return err
		}
		p := job.Progress
		fmt.Fprintf(out, "%s: pages=%d processed=%d created=%d updated=%d skipped=%d errored=%d\n",
			job.Status, p.PagesProcessed, p.Processed, p.Created, p.Updated, p.Skipped, p.Errored)

		if job.Status.Terminal() {
			return printJob(cmd, job)
		}
	}
}

func printJob(cmd *cobra.Command, job *models.BackfillJob) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(job); err != nil {
		return err
	}
	if job.Status == models.BackfillFailed {
		msg := "unknown error"
		if job.Error != nil {
			msg = *job.Error
		}
		return fmt.Errorf("backfill %s failed: %s", job.ID, msg)
	}
	return nil
}

// newAuditInvoicesCommand lists remote invoice ids stored in both the
// receivable and payable tables.
func newAuditInvoicesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "audit-invoices",
		Short: "Report remote invoices linked to both a receivable and a payable invoice",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			var invoices *repository.InvoiceRepository
			var log *zap.Logger
			app := fx.New(
				fx.Supply(cfg),
				coreModule,
				fx.NopLogger,
				fx.Populate(&invoices, &log),
			)
			if err := app.Start(cmd.Context()); err != nil {
				return err
			}
			defer func() { _ = app.Stop(context.Background()) }()

			duplicates, err := invoices.FindCrossDirectionDuplicates(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(duplicates) == 0 {
				fmt.Fprintln(out, "No remote invoice is linked to both directions")
				return nil
			}
			for _, d := range duplicates {
				fmt.Fprintf(out, "%s\ttenant=%s\treceivable=%s\tpayable=%s\n",
					d.RemoteInvoiceID, d.TenantID, d.ReceivableInvoiceID, d.PayableInvoiceID)
			}
			log.Warn("cross-direction invoice duplicates found", zap.Int("count", len(duplicates)))
			return fmt.Errorf("%d remote invoice(s) linked to both directions", len(duplicates))
		},
	}
}

// newTokenCommand issues a session token for operators and scripts calling
// the HTTP API.
func newTokenCommand() *cobra.Command {
	var userID, tenantID, roles string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			auth := api.NewAuthenticator(cfg.JWTSecret, ttl)
			token, err := auth.GenerateToken(userID, tenantID, splitRoles(roles))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "cli", "user id")
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant id (required)")
	cmd.Flags().StringVar(&roles, "roles", "admin", "comma separated roles")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("tenant")

	return cmd
}

func splitRoles(s string) []string {
	var roles []string
	for _, role := range strings.Split(s, ",") {
		if role = strings.TrimSpace(role); role != "" {
			roles = append(roles, role)
		}
	}
	return roles
}
