package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/bal-adresse/publication-server/internal/api"
	"github.com/bal-adresse/publication-server/internal/checkpoint"
	"github.com/bal-adresse/publication-server/internal/config"
	"github.com/bal-adresse/publication-server/internal/db"
	"github.com/bal-adresse/publication-server/internal/export"
	"github.com/bal-adresse/publication-server/internal/habilitation"
	"github.com/bal-adresse/publication-server/internal/notify"
	"github.com/bal-adresse/publication-server/internal/revision"
	"github.com/bal-adresse/publication-server/internal/scheduler"
	"github.com/bal-adresse/publication-server/internal/store"
	internalsync "github.com/bal-adresse/publication-server/internal/sync"
	"github.com/bal-adresse/publication-server/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the publication server",
	Long: `Start the publication server: the serial reconciliation scheduler
(outdated detection, conflict detection, outdated synchronization, demo
purge) and the admin HTTP API.

The server requires a configuration file (--config) specifying the deposit
registry endpoint, the habilitation service, the database and the scheduler
cadence. See examples/ for a sample configuration.`,
	RunE: runServe,
}

const (
	defaultGracefulTimeout = 30 * time.Second
	serverReadTimeout      = 10 * time.Second
	serverWriteTimeout     = 15 * time.Second
	serverIdleTimeout      = 60 * time.Second

	// demoRetention is how long demo base locales are kept before the
	// daily purge removes them.
	demoRetention = 30 * 24 * time.Hour
)

func init() {
	serveCmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")
	if err := viper.BindPFlag("config", serveCmd.Flags().Lookup("config")); err != nil {
		panic(err)
	}
	if err := serveCmd.MarkFlagRequired("config"); err != nil {
		panic(err)
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	setupLogging()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConfig(config.WithConfigPath(viper.GetString("config")))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	pool, err := db.Connect(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	// Metrics through the Prometheus exporter, served at /metrics.
	meterProvider, err := telemetry.NewPrometheusMeterProvider()
	if err != nil {
		return fmt.Errorf("failed to create meter provider: %w", err)
	}
	syncMetrics, err := telemetry.NewSyncMetrics(meterProvider)
	if err != nil {
		return fmt.Errorf("failed to create sync metrics: %w", err)
	}

	registryToken, err := cfg.GetRegistryToken()
	if err != nil {
		return err
	}
	habToken, err := cfg.GetHabilitationToken()
	if err != nil {
		return err
	}
	adminToken, err := cfg.GetAdminToken()
	if err != nil {
		return err
	}

	records := store.NewPostgres(pool)
	checkpoints := checkpoint.NewPostgres(pool)
	revisions := revision.NewHTTPClient(cfg.Registry.Endpoint, registryToken, cfg.GetRegistryTimeout())
	habilitations := habilitation.NewHTTPClient(cfg.Habilitations.Endpoint, habToken, 0)
	producer := export.NewCSVProducer(records)

	var sender notify.Sender = notify.LogSender{}
	if cfg.SMTP != nil {
		sender = notify.NewSMTPSender(
			cfg.SMTP.Addr(), cfg.SMTP.From, cfg.SMTP.User, cfg.SMTP.Password, cfg.SMTP.Host)
	}

	manager := internalsync.NewManager(internalsync.Deps{
		Store:         records,
		Export:        producer,
		Habilitations: habilitations,
		Revisions:     revisions,
		Notify:        sender,
		Metrics:       syncMetrics,
	})

	outdated := internalsync.NewOutdatedDetector(records, syncMetrics)
	conflicts := internalsync.NewConflictDetector(records, revisions, checkpoints, syncMetrics,
		internalsync.WithSettleDelay(cfg.Scheduler.GetSettleDelay()))
	batch := internalsync.NewOutdatedBatch(records, manager,
		internalsync.WithDebounceWindow(cfg.Scheduler.GetDebounceWindow()))

	sched := scheduler.New(scheduler.WithMetrics(syncMetrics))
	sched.Register(scheduler.TaskDetectOutdated, outdated.Run)
	sched.Register(scheduler.TaskDetectConflict, conflicts.Run)
	sched.Register(scheduler.TaskSyncOutdated, batch.Run)
	sched.Register(scheduler.TaskPurgeDemo, func(ctx context.Context) error {
		removed, err := records.DeleteDemosCreatedBefore(ctx, time.Now().Add(-demoRetention))
		if err != nil {
			return err
		}
		if removed > 0 {
			slog.Info("purged demo base locales", "count", removed)
		}
		return nil
	})
	sched.Every(scheduler.TaskDetectOutdated, cfg.Scheduler.GetDetectInterval())
	sched.Every(scheduler.TaskDetectConflict, cfg.Scheduler.GetDetectInterval())
	sched.Every(scheduler.TaskSyncOutdated, cfg.Scheduler.GetSyncInterval())
	sched.DailyAt(scheduler.TaskPurgeDemo, cfg.Scheduler.GetPurgeHour(), 0)

	router := api.NewServer(
		api.NewHandler(sched, manager),
		api.WithAdminToken(adminToken),
	)
	server := &http.Server{
		Addr:         cfg.API.GetAddress(),
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	slog.Info("starting publication server",
		"address", cfg.API.GetAddress(),
		"registry", cfg.Registry.Endpoint)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sched.Start(gctx)
	})

	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("publication server stopped")
	return nil
}
