// Command gatewayd starts the MongoDB-wire-to-PostgreSQL gateway.
// CLI argument parsing and config-file loading are external
// collaborators per spec.md §1 — this wires Cobra/Viper to populate a
// config.Config and hand it to the core, the way the teacher's
// cli/root.go + cli/cmd_configurator.go wires its own server start.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fauxdb/mongopg-gateway/internal/config"
	"github.com/fauxdb/mongopg-gateway/internal/dispatcher"
	"github.com/fauxdb/mongopg-gateway/internal/logging"
	"github.com/fauxdb/mongopg-gateway/internal/pool"
	"github.com/fauxdb/mongopg-gateway/internal/resilience"
	"github.com/fauxdb/mongopg-gateway/internal/server"
	"github.com/fauxdb/mongopg-gateway/internal/storage"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "gatewayd",
		Short: "MongoDB-wire-protocol gateway backed by a PostgreSQL-family database",
		RunE: func(c *cobra.Command, _ []string) error {
			cfg, err := config.Load(c.Flags(), configPath)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}

	flags := cmd.Flags()
	flags.String("server.host", "0.0.0.0", "listener host")
	flags.Int("server.port", 27018, "listener port")
	flags.Int("server.max_connections", 1000, "hard ceiling on concurrent connections")
	flags.String("database.connection_string", "", "backend PostgreSQL connection string")
	flags.Int("database.pool_size", 20, "backend connection pool max size")
	flags.Bool("logging.debug", false, "enable debug logging")
	flags.String("logging.format", "console", "log encoder: console or json")
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")

	return cmd
}

// run wires every collaborator the core needs — pool, storage gateway,
// resilience fabric, dispatcher, serving loop — and blocks until a
// shutdown signal has fully drained, exiting non-zero on backend
// unreachability or force-shutdown (spec.md §6 exit codes).
func run(cfg *config.Config) error {
	logger, err := logging.New(logging.Format(cfg.Logging.Format), cfg.Logging.Debug)
	if err != nil {
		return fmt.Errorf("gatewayd: build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Database.ConnectionTimeout)
	defer cancel()
	pg, err := pool.New(ctx, pool.Config{
		ConnectionString:  cfg.Database.ConnectionString,
		PoolSize:          int32(cfg.Database.PoolSize),
		MaxLifetime:       cfg.Database.MaxLifetime,
		IdleTimeout:       cfg.Database.IdleTimeout,
		ConnectionTimeout: cfg.Database.ConnectionTimeout,
		QueryTimeout:      cfg.Database.QueryTimeout,
	}, logger)
	if err != nil {
		logger.Error("backend unreachable at startup", zap.Error(err))
		return err
	}
	defer pg.Close()

	gw := storage.New(pg, cfg.Database.ConnectionTimeout, cfg.Database.QueryTimeout)

	breakers := resilience.NewRegistry(resilience.BreakerConfig{
		VolumeThreshold:  int64(cfg.CircuitBreaker.VolumeThreshold),
		FailureThreshold: int64(cfg.CircuitBreaker.FailureThreshold),
		SuccessThreshold: int64(cfg.CircuitBreaker.SuccessThreshold),
		SleepWindow:      cfg.CircuitBreaker.SleepWindow,
		Timeout:          cfg.CircuitBreaker.Timeout,
	})
	limiter := resilience.NewLimiter(resilience.RateLimitConfig{
		Enabled:           cfg.RateLimiting.Enabled,
		RequestsPerSecond: cfg.RateLimiting.RequestsPerSecond,
		BurstSize:         cfg.RateLimiting.BurstSize,
	})
	defer limiter.Close()

	deps := &dispatcher.Deps{
		Storage:   gw,
		Config:    cfg,
		Breakers:  breakers,
		Pool:      pg,
		Logger:    logger,
		StartedAt: time.Now(),
	}
	disp := dispatcher.New(deps)

	shutdown := resilience.NewShutdown(logger, cfg.Server.GracefulTimeout, cfg.Server.ForceTimeout)
	srv := server.New(cfg, disp, breakers, limiter, shutdown, logger)

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- srv.Run() }()

	go shutdown.Wait()
	go func() {
		<-shutdown.Done()
		shutdown.ForceExitAfter(srv.Drain())
	}()

	select {
	case err := <-runErrCh:
		if err != nil {
			logger.Error("server exited", zap.Error(err))
			return err
		}
	case <-shutdown.Done():
		<-runErrCh
	}
	logger.Info("gateway shut down cleanly")
	return nil
}
