package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/slidescan/internal/observability"
	"github.com/3leaps/slidescan/internal/server"
	"github.com/3leaps/slidescan/internal/server/handlers"
	"github.com/3leaps/slidescan/pkg/provider"
	"github.com/3leaps/slidescan/pkg/statusstore"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long: `Start the HTTP API server.

On start the status store is loaded and jobs left queued or running by a
previous process are queued again. SIGINT/SIGTERM stop accepting requests,
interrupt running pipeline processes, and leave their records in place for
the next start.

Examples:
  slidescan serve
  slidescan serve --port 3000 --max-concurrent 4
  slidescan serve --results-root s3://slides/predictRes --status-backend sqlite`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	f := serveCmd.Flags()
	f.String("host", "", "Listen host")
	f.Int("port", 0, "Listen port")
	f.Int("max-concurrent", 0, "Maximum concurrent pipeline runs")
	f.String("status-backend", "", "Status backend (file, sqlite)")
	f.String("status-dir", "", "Status directory for the file backend")
	f.String("sqlite-path", "", "Database path for the sqlite backend")
	f.String("results-root", "", "Result tree (directory or s3://bucket/prefix)")
	f.Bool("pprof", false, "Expose /debug/pprof")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := appConfig
	logger := observability.ServerLogger

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := openCore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	health := handlers.InitHealthManager(versionInfo.Version)
	health.RegisterChecker("identity", identityHealthChecker{
		binaryName: appIdentity.BinaryName,
		envPrefix:  appIdentity.EnvPrefix,
		configName: appIdentity.ConfigName,
	})
	health.RegisterChecker("status_store", &storeHealthChecker{store: c.store})
	health.RegisterChecker("results", resultsHealthChecker{provider: c.provider})

	api, err := handlers.NewAPI(handlers.APIDeps{
		Queue:         c.queue,
		Store:         c.store,
		Events:        c.bus,
		Previewer:     c.extractor,
		Pipeline:      c.runner,
		SlidePatterns: cfg.Slides.Patterns,
		Logger:        logger,
	})
	if err != nil {
		_ = c.close(context.Background())
		return exitError(ExitInternal, "Failed to build API", err)
	}

	opts := []server.Option{
		server.WithAPI(api),
		server.WithLogger(logger),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
		server.WithCORS(cfg.Server.CORSOrigins),
		server.WithPprof(cfg.Debug.Enabled || cfg.Debug.PprofEnabled),
		server.WithStatic("/originImage", cfg.Preview.OutputDir),
	}
	if cfg.RateLimit.Enabled {
		opts = append(opts, server.WithRateLimit(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst))
	}
	if cfg.Results.ServeStatic && !cfg.ResultsOnS3() {
		opts = append(opts, server.WithStatic("/predictRes", cfg.Results.Root))
	}
	srv := server.New(cfg.Server.Host, cfg.Server.Port, opts...)

	recovered := c.queue.Recover(ctx)
	logger.Info("Status store loaded",
		zap.Int("records", c.store.Len()),
		zap.Int("recovered", recovered),
		zap.Int("max_concurrent", cfg.Analysis.MaxConcurrent),
		zap.String("results_root", cfg.Results.Root),
		zap.String("status_backend", cfg.Analysis.StatusBackend))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown http server: %w", err))
		}
		if err := c.close(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		return exitError(ExitFailure, "Server stopped with errors", err)
	}
	logger.Info("Server stopped")
	return nil
}

// identityHealthChecker verifies the app identity is complete.
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(context.Context) error {
	switch {
	case c.binaryName == "":
		return errors.New("app identity: missing binary name")
	case c.envPrefix == "":
		return errors.New("app identity: missing env prefix")
	case c.configName == "":
		return errors.New("app identity: missing config name")
	}
	return nil
}

// storeHealthChecker fails when status writes failed since the last check.
type storeHealthChecker struct {
	store    interface{ Stats() statusstore.Stats }
	lastSeen atomic.Int64
}

func (c *storeHealthChecker) CheckHealth(context.Context) error {
	failures := c.store.Stats().PersistFailures
	prev := c.lastSeen.Swap(failures)
	if failures > prev {
		return fmt.Errorf("status store: %d persistence failures since last check", failures-prev)
	}
	return nil
}

// resultsHealthChecker verifies the result tree can be listed. An absent
// tree is healthy; the pipeline creates it on first run.
type resultsHealthChecker struct {
	provider provider.Provider
}

func (c resultsHealthChecker) CheckHealth(ctx context.Context) error {
	_, err := c.provider.List(ctx, provider.ListOptions{MaxKeys: 1})
	switch {
	case err == nil, provider.IsNotFound(err):
		return nil
	case provider.IsAccessDenied(err):
		return fmt.Errorf("result storage: check credentials and permissions: %w", err)
	case provider.IsTransient(err):
		return fmt.Errorf("result storage temporarily unavailable: %w", err)
	default:
		return fmt.Errorf("result storage: %w", err)
	}
}
