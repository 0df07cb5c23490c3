// Command stellapath runs the payment lifecycle monitors.
//
// Subcommands:
//
//	serve    — worker pool + periodic sweeps + metrics endpoint (production)
//	migrate  — run pending database migrations and exit
//	sweep    — run one reconciliation pass over all monitors and exit
//	cleanup  — delete terminal invoices past retention and exit
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	// Embeds the IANA timezone database in the binary so that
	// time.LoadLocation works inside distroless containers that have no
	// /usr/share/zoneinfo.
	_ "time/tzdata"

	// Automatically sets GOMEMLIMIT from the cgroup memory limit so that
	// the Go GC triggers before the OOM killer fires in containers.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/seniormugambe/stellapath/internal/config"
	"github.com/seniormugambe/stellapath/internal/escrow"
	"github.com/seniormugambe/stellapath/internal/invoice"
	"github.com/seniormugambe/stellapath/internal/ledger"
	"github.com/seniormugambe/stellapath/internal/metrics"
	"github.com/seniormugambe/stellapath/internal/notify"
	"github.com/seniormugambe/stellapath/internal/queue"
	"github.com/seniormugambe/stellapath/internal/store"
	"github.com/seniormugambe/stellapath/internal/txsync"
	"github.com/seniormugambe/stellapath/migrations"
)

func main() {
	root := &cobra.Command{
		Use:   "stellapath",
		Short: "StellaPath — payment lifecycle monitors",
		// Silence default error printing; we print it ourselves with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		serveCmd(),
		migrateCmd(),
		sweepCmd(),
		cleanupCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// ── serve ─────────────────────────────────────────────────────────────────────

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the worker pool, periodic sweeps and metrics endpoint",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	db, err := store.Connect(cmd.Context(), cfg.DatabaseURL, store.PoolSettings{
		MaxConns:           cfg.DBMaxConns,
		MaxConnIdleTime:    cfg.DBMaxConnIdleTime,
		StatementTimeoutMS: cfg.DBStatementTimeoutMS,
	})
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	app := buildApp(cfg, db, logger)

	// Worker pool: each monitor's queue gets its own bounded worker set.
	pool := queue.NewPool(app.q)
	pool.Register(escrow.QueueName, app.escrowMon.HandleJob, cfg.EscrowConcurrency)
	pool.Register(invoice.QueueName, app.invoiceMon.HandleJob, cfg.InvoiceConcurrency)
	pool.Register(txsync.QueueName, app.syncer.HandleJob, cfg.TxSyncConcurrency)

	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		pool.Start(ctx) //nolint:contextcheck // ctx is the process-lifetime context
	}()

	// The repeating batch sweep is queue-scheduled and dedup'd by its fixed
	// key, so registering it on every boot is safe.
	if err := app.syncer.StartPeriodicSync(ctx); err != nil {
		return fmt.Errorf("periodic sync: %w", err)
	}

	// Cron safety nets: reconcile escrows and invoices hourly independent of
	// their per-entity jobs, purge old terminal invoices nightly.
	c := cron.New()
	mustSchedule(c, "@every 1h", func() { sweepEscrows(ctx, app.escrowMon, logger) })
	mustSchedule(c, "@every 1h", func() { sweepInvoices(ctx, app.invoiceMon, logger) })
	mustSchedule(c, "0 3 * * *", func() { cleanupInvoices(ctx, app.invoiceMon, cfg.RetentionDays, logger) })
	c.Start()
	defer c.Stop()

	// Metrics endpoint. Explicit timeouts to prevent Slowloris-style stalls.
	mux := http.NewServeMux()
	mux.Handle("/metrics", app.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context()); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("metrics server started", "addr", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("metrics server error: %w", err)
	case <-ctx.Done():
		stop() // release signal notification
	}

	slog.Info("shutting down", "timeout_seconds", cfg.ShutdownTimeoutSeconds)
	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}

	// Workers stop claiming on ctx cancellation; wait for in-flight jobs.
	select {
	case <-poolDone:
	case <-shutdownCtx.Done():
		slog.Warn("worker pool did not drain within shutdown timeout")
	}
	slog.Info("server stopped")
	return nil
}

// ── migrate ───────────────────────────────────────────────────────────────────

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run pending database migrations and exit",
		RunE:  runMigrate,
	}
}

func runMigrate(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	slog.Info("running migrations")

	// Source: embedded SQL files from the migrations package.
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	// golang-migrate requires a *sql.DB. Use pgx's stdlib adapter so the same
	// driver is used project-wide. No pooling needed here — this is a one-shot
	// migration run.
	connCfg, err := pgx.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("parse db url: %w", err)
	}
	db := stdlib.OpenDB(*connCfg)
	defer db.Close() //nolint:errcheck

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	version, _, _ := m.Version() //nolint:errcheck
	slog.Info("migrations complete", "version", version)
	return nil
}

// ── sweep ─────────────────────────────────────────────────────────────────────

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one reconciliation pass over all monitors and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, app *application, logger *slog.Logger) error {
				sweepEscrows(ctx, app.escrowMon, logger)
				sweepInvoices(ctx, app.invoiceMon, logger)
				if _, err := app.syncer.SyncAllPending(ctx); err != nil {
					return fmt.Errorf("transaction sweep: %w", err)
				}
				return nil
			})
		},
	}
}

// ── cleanup ───────────────────────────────────────────────────────────────────

func cleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete terminal invoices past retention and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, app *application, logger *slog.Logger) error {
				cfg := app.cfg
				cleanupInvoices(ctx, app.invoiceMon, cfg.RetentionDays, logger)
				return nil
			})
		},
	}
}

// ── wiring ────────────────────────────────────────────────────────────────────

// application is the composition root: every component constructed once, no
// cycles, dependencies flowing inward through narrow interfaces.
type application struct {
	cfg        *config.Config
	q          *queue.PG
	metrics    *metrics.Metrics
	escrowMon  *escrow.Monitor
	invoiceMon *invoice.Monitor
	syncer     *txsync.Syncer
}

func buildApp(cfg *config.Config, pool *pgxpool.Pool, logger *slog.Logger) *application {
	st := store.New(pool)
	q := queue.NewPG(pool)
	m := metrics.New()

	dispatcher := notify.NewDispatcher(st, notify.SmtpConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		From:     cfg.SMTPFrom,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		TLS:      cfg.SMTPTLS,
	}, logger)

	escrowSvc := escrow.NewService(st, logger)
	escrowMon := escrow.NewMonitor(st, escrowSvc, q, dispatcher, m,
		cfg.EscrowCheckInterval, cfg.JobMaxAttempts, logger)
	invoiceMon := invoice.NewMonitor(st, q, dispatcher, m, cfg.JobMaxAttempts, logger)

	horizon := ledger.NewHorizonClient(cfg.HorizonURL, ledger.BuildHTTPClient(), cfg.HorizonRPS)
	syncer := txsync.NewSyncer(st, horizon, q, dispatcher, m,
		cfg.TxSyncInterval, cfg.TxMaxRetries, cfg.TxBackoffBase, cfg.TxBackoffMax, logger)

	return &application{
		cfg:        cfg,
		q:          q,
		metrics:    m,
		escrowMon:  escrowMon,
		invoiceMon: invoiceMon,
		syncer:     syncer,
	}
}

// withApp loads config, connects, builds the app, runs fn, and tears down.
// Shared by the one-shot subcommands.
func withApp(parent context.Context, fn func(context.Context, *application, *slog.Logger) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	db, err := store.Connect(parent, cfg.DatabaseURL, store.PoolSettings{
		MaxConns:           cfg.DBMaxConns,
		MaxConnIdleTime:    cfg.DBMaxConnIdleTime,
		StatementTimeoutMS: cfg.DBStatementTimeoutMS,
	})
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	return fn(ctx, buildApp(cfg, db, logger), logger)
}

func sweepEscrows(ctx context.Context, mon *escrow.Monitor, logger *slog.Logger) {
	results, err := mon.CheckAllActive(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "escrow sweep failed", "error", err)
		return
	}
	logger.InfoContext(ctx, "escrow sweep complete", "checked", len(results))
}

func sweepInvoices(ctx context.Context, mon *invoice.Monitor, logger *slog.Logger) {
	results, err := mon.ProcessExpiredInvoices(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "invoice sweep failed", "error", err)
		return
	}
	logger.InfoContext(ctx, "invoice sweep complete", "checked", len(results))
}

func cleanupInvoices(ctx context.Context, mon *invoice.Monitor, retentionDays int, logger *slog.Logger) {
	res, err := mon.CleanupOld(ctx, retentionDays)
	if err != nil {
		logger.ErrorContext(ctx, "invoice cleanup failed", "error", err)
		return
	}
	logger.InfoContext(ctx, "invoice cleanup complete",
		"deleted", res.DeletedCount, "errors", len(res.Errors))
}

func mustSchedule(c *cron.Cron, spec string, fn func()) {
	if _, err := c.AddFunc(spec, fn); err != nil {
		panic(fmt.Sprintf("cron schedule %q: %v", spec, err))
	}
}

// newLogger creates a slog.Logger based on the configured log level and format.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" || cfg.IsDevelopment() {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
