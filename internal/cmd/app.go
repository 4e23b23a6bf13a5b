package cmd

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/slidescan/internal/config"
	"github.com/3leaps/slidescan/pkg/eventbus"
	"github.com/3leaps/slidescan/pkg/pipeline"
	"github.com/3leaps/slidescan/pkg/provider"
	"github.com/3leaps/slidescan/pkg/provider/file"
	"github.com/3leaps/slidescan/pkg/provider/s3"
	"github.com/3leaps/slidescan/pkg/resultcache"
	"github.com/3leaps/slidescan/pkg/statusstore"
	"github.com/3leaps/slidescan/pkg/taskqueue"
)

// core is the job machinery shared by serve and analyze.
type core struct {
	provider  provider.Provider
	cache     *resultcache.Cache
	runner    *pipeline.Runner
	extractor *pipeline.Extractor
	bus       *eventbus.Bus
	store     *statusstore.Store
	queue     *taskqueue.Queue
	logger    *zap.Logger
}

// openCore wires provider → cache → runner, backend → store → bus, and the
// queue on top. Nothing is dispatched until Submit or Recover.
func openCore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *core, err error) {
	c := &core{logger: logger}
	defer func() {
		if err != nil {
			c.close(context.Background())
		}
	}()

	c.provider, err = openProvider(ctx, cfg.Results)
	if err != nil {
		return nil, exitError(ExitExternalServiceUnavailable, "Failed to open result storage", err)
	}
	c.cache = resultcache.New(c.provider, resultcache.WithLogger(logger))

	c.runner, err = pipeline.New(pipeline.Config{
		Command:      cfg.Pipeline.Command,
		WorkDir:      cfg.Pipeline.WorkDir,
		Timeout:      cfg.Pipeline.Timeout,
		FailOnStderr: cfg.Pipeline.FailOnStderr,
		LogDir:       cfg.Pipeline.LogDir,
		ResultField:  cfg.Pipeline.ResultField,
	}, c.cache, pipeline.WithLogger(logger))
	if err != nil {
		return nil, exitError(ExitConfigError, "Invalid pipeline configuration", err)
	}

	c.extractor, err = pipeline.NewExtractor(pipeline.ExtractorConfig{
		Command:      cfg.Preview.Command,
		OutputDir:    cfg.Preview.OutputDir,
		WorkDir:      cfg.Pipeline.WorkDir,
		Timeout:      cfg.Preview.Timeout,
		FailOnStderr: cfg.Preview.FailOnStderr,
	}, logger)
	if err != nil {
		return nil, exitError(ExitConfigError, "Invalid preview configuration", err)
	}

	c.bus = eventbus.New(eventbus.WithBuffer(cfg.Events.Buffer), eventbus.WithLogger(logger))

	backend, err := openBackend(ctx, cfg.Analysis)
	if err != nil {
		return nil, exitError(ExitFileWriteError, "Failed to open status store", err)
	}
	c.store, err = statusstore.Open(ctx, backend,
		statusstore.WithNotifier(c.bus),
		statusstore.WithLogger(logger))
	if err != nil {
		_ = backend.Close()
		return nil, exitError(ExitDataError, "Failed to load status records", err)
	}

	c.queue, err = taskqueue.New(taskqueue.Config{MaxConcurrent: cfg.Analysis.MaxConcurrent},
		c.runner, c.store, taskqueue.WithLogger(logger))
	if err != nil {
		return nil, exitError(ExitConfigError, "Invalid queue configuration", err)
	}
	return c, nil
}

func openProvider(ctx context.Context, rc config.ResultsConfig) (provider.Provider, error) {
	if !s3.IsURI(rc.Root) {
		return file.New(file.Config{BaseDir: rc.Root})
	}
	bucket, prefix, err := s3.ParseURI(rc.Root)
	if err != nil {
		return nil, err
	}
	return s3.New(ctx, s3.Config{
		Bucket:         bucket,
		Prefix:         prefix,
		Region:         rc.Region,
		Endpoint:       rc.Endpoint,
		Profile:        rc.Profile,
		ForcePathStyle: rc.ForcePathStyle,
	})
}

func openBackend(ctx context.Context, ac config.AnalysisConfig) (statusstore.Backend, error) {
	switch ac.StatusBackend {
	case config.BackendSQLite:
		return statusstore.OpenSQLite(ctx, ac.SQLitePath)
	case config.BackendFile:
		return statusstore.NewFileBackend(ac.StatusDir)
	default:
		return nil, fmt.Errorf("unknown status backend %q", ac.StatusBackend)
	}
}

// close stops the queue (interrupting running jobs), then releases the bus,
// store, and provider.
func (c *core) close(ctx context.Context) error {
	var errs []error
	if c.queue != nil {
		if err := c.queue.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close queue: %w", err))
		}
	}
	if c.bus != nil {
		c.bus.Close()
	}
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close status store: %w", err))
		}
	}
	if c.provider != nil {
		if err := c.provider.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close result storage: %w", err))
		}
	}
	return errors.Join(errs...)
}
