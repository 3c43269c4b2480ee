package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/viniciusdev772/n8n-manager/pkg/api"
	"github.com/viniciusdev772/n8n-manager/pkg/config"
	"github.com/viniciusdev772/n8n-manager/pkg/infra"
	"github.com/viniciusdev772/n8n-manager/pkg/instance"
	"github.com/viniciusdev772/n8n-manager/pkg/jobstore"
	"github.com/viniciusdev772/n8n-manager/pkg/log"
	"github.com/viniciusdev772/n8n-manager/pkg/queue"
	"github.com/viniciusdev772/n8n-manager/pkg/runtime"
	"github.com/viniciusdev772/n8n-manager/pkg/sweeper"
	"github.com/viniciusdev772/n8n-manager/pkg/worker"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	logLevel string
	jsonLogs bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "n8n-manager",
	Short: "Single-host provisioning service for managed n8n instances",
	Long: `n8n-manager provisions and supervises one n8n container per tenant
on a single Docker host, behind a shared Traefik reverse proxy.

It exposes a REST+SSE API for the control panel, runs provisioning
jobs through a durable RabbitMQ queue, and evicts expired instances.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: jsonLogs})
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"n8n-manager version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", true, "Emit JSON logs instead of console output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(reconcileCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server, provisioning worker and eviction sweeper",
	Long: `Start the full service: bootstrap shared infrastructure (Traefik,
Redis, RabbitMQ, fallback site), reconcile existing instances against
the current configuration, then serve the HTTP API while consuming
provisioning jobs from the queue.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		logger := log.WithComponent("main")

		rt, err := runtime.NewDockerRuntime()
		if err != nil {
			return fmt.Errorf("failed to connect to Docker: %w", err)
		}
		defer rt.Close()

		ctx := context.Background()
		infra.New(rt, cfg).Run(ctx)

		mgr := instance.NewManager(rt, cfg)
		if rebuilt, err := mgr.ReconcileAll(ctx); err != nil {
			logger.Warn().Err(err).Msg("Startup reconciliation failed")
		} else if rebuilt > 0 {
			logger.Info().Int("rebuilt", rebuilt).Msg("Reconciled instances against current config")
		}

		store := jobstore.NewStore(cfg.RedisAddr(), cfg.JobTTL, cfg.JobCleanupTTL)
		defer store.Close()
		pub := queue.NewPublisher(cfg.RabbitMQURL())
		defer pub.Close()

		wrk := worker.New(cfg, store, mgr)
		wrk.Start()

		swp := sweeper.New(mgr, cfg.CleanupMaxAgeDays, cfg.CleanupIntervalSeconds)
		swp.Start()

		srv := api.NewServer(cfg, mgr, store, pub, rt)
		errCh := make(chan error, 1)
		go func() {
			if err := srv.Start(); err != nil {
				errCh <- err
			}
		}()

		logger.Info().
			Int("port", cfg.ServerPort).
			Str("base_domain", cfg.BaseDomain).
			Msg("n8n-manager is running")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			logger.Info().Str("signal", sig.String()).Msg("Shutting down")
		case err := <-errCh:
			logger.Error().Err(err).Msg("API server failed")
		}

		swp.Stop()
		wrk.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Stop(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("HTTP shutdown did not drain cleanly")
		}

		logger.Info().Msg("Shutdown complete")
		return nil
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Run one eviction pass and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()

		rt, err := runtime.NewDockerRuntime()
		if err != nil {
			return fmt.Errorf("failed to connect to Docker: %w", err)
		}
		defer rt.Close()

		mgr := instance.NewManager(rt, cfg)
		evicted := sweeper.New(mgr, cfg.CleanupMaxAgeDays, cfg.CleanupIntervalSeconds).Sweep(context.Background())
		fmt.Printf("Evicted %d instance(s) older than %d days\n", evicted, cfg.CleanupMaxAgeDays)
		return nil
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Rebuild instances whose environment drifted from the current config",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()

		rt, err := runtime.NewDockerRuntime()
		if err != nil {
			return fmt.Errorf("failed to connect to Docker: %w", err)
		}
		defer rt.Close()

		mgr := instance.NewManager(rt, cfg)
		rebuilt, err := mgr.ReconcileAll(context.Background())
		if err != nil {
			return fmt.Errorf("reconciliation failed: %w", err)
		}
		fmt.Printf("Rebuilt %d instance(s)\n", rebuilt)
		return nil
	},
}
