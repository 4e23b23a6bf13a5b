package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/slidescan/internal/observability"
	"github.com/3leaps/slidescan/pkg/analysis"
	"github.com/3leaps/slidescan/pkg/eventbus"
	"github.com/3leaps/slidescan/pkg/output"
	"github.com/3leaps/slidescan/pkg/provider"
	"github.com/3leaps/slidescan/pkg/slides"
)

var (
	analyzeVariant string
	analyzeNoWait  bool
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <folder> [file...]",
	Short: "Analyze slides in a folder",
	Long: `Analyze slides in a folder and print one JSONL status record per job.

Without file arguments every slide in the folder is analyzed. Jobs already
completed are answered from the status store; jobs whose results exist in
the result tree skip the pipeline.

The command runs the pipeline in-process against the configured status
store; do not point it at a store a running server is using.

Examples:
  slidescan analyze /data/slides
  slidescan analyze /data/slides TCGA-01.svs --variant notNormalized
  slidescan analyze /data/slides --max-concurrent 4 --timeout 2h`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAnalyze,
}

func init() {
	rootCmd.AddCommand(analyzeCmd)
	f := analyzeCmd.Flags()
	f.StringVar(&analyzeVariant, "variant", string(analysis.VariantNormalized), "Processing variant (normalized, notNormalized)")
	f.BoolVar(&analyzeNoWait, "no-wait", false, "Print the admission state and exit without running jobs")
	f.Int("max-concurrent", 0, "Maximum concurrent pipeline runs")
	f.Duration("timeout", 0, "Per-job pipeline timeout (0 disables)")
	f.StringSlice("pattern", nil, "Slide file patterns when no files are given")
	f.String("status-backend", "", "Status backend (file, sqlite)")
	f.String("status-dir", "", "Status directory for the file backend")
	f.String("sqlite-path", "", "Database path for the sqlite backend")
	f.String("results-root", "", "Result tree (directory or s3://bucket/prefix)")
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	cfg := appConfig
	logger := observability.CLILogger
	start := time.Now()

	variant, err := analysis.ParseVariant(analyzeVariant)
	if err != nil {
		return exitError(ExitInvalidArgument, "Invalid --variant value", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	folder, files := args[0], args[1:]
	if len(files) == 0 {
		files, err = slides.List(ctx, folder, cfg.Slides.Patterns)
		if err != nil {
			return exitError(ExitFileNotFound, "Failed to list slides", err)
		}
		if len(files) == 0 {
			logger.Warn("No slides found", zap.String("folder", folder), zap.Strings("patterns", cfg.Slides.Patterns))
			return nil
		}
	}

	keys := make([]analysis.JobKey, len(files))
	for i, f := range files {
		keys[i] = analysis.JobKey{ContainerPath: folder, FileID: f, Variant: variant}
	}

	c, err := openCore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := c.close(closeCtx); err != nil {
			logger.Warn("Shutdown incomplete", zap.Error(err))
		}
	}()

	w := output.NewJSONLWriter(cmd.OutOrStdout(), uuid.NewString(), sourceName(c.provider))
	defer func() { _ = w.Close() }()

	// Subscribe before submitting so no transition is missed.
	sub := c.bus.Subscribe()
	defer c.bus.Unsubscribe(sub)

	admitted := c.queue.Submit(ctx, keys)
	final := make(map[string]analysis.StatusRecord, len(admitted))
	for _, rec := range admitted {
		final[rec.Key.String()] = rec
	}

	pending := countPending(final)
	if !analyzeNoWait && pending > 0 {
		logger.Info("Waiting for jobs", zap.Int("pending", pending), zap.Int("total", len(admitted)))
		pending = waitForJobs(ctx, sub, c.store.Get, final, logger)
	}

	writeCtx := context.WithoutCancel(ctx)
	states := make(map[analysis.JobState]int)
	failed := 0
	for _, key := range keys {
		rec, ok := final[key.String()]
		if !ok {
			continue
		}
		states[rec.State]++
		if rec.State == analysis.StateFailed {
			failed++
		}
		if err := w.WriteStatus(writeCtx, output.FromStatus(rec)); err != nil {
			return exitError(ExitFileWriteError, "Failed to write output", err)
		}
		delete(final, key.String())
	}
	elapsed := time.Since(start)
	if err := w.WriteSummary(writeCtx, &output.SummaryRecord{
		Jobs:          len(keys),
		States:        states,
		Duration:      elapsed,
		DurationHuman: elapsed.Round(time.Millisecond).String(),
	}); err != nil {
		return exitError(ExitFileWriteError, "Failed to write output", err)
	}

	switch {
	case ctx.Err() != nil && pending > 0:
		return exitError(ExitSignalInt, "analyze cancelled", ctx.Err())
	case failed > 0:
		return exitError(ExitFailure, "analyze completed with failures", fmt.Errorf("failed=%d", failed))
	}
	return nil
}

// waitForJobs waits until every tracked key is terminal or ctx ends and
// returns the number of keys still pending. Events wake the loop; the store
// is the source of truth, and a periodic rescan covers dropped events.
func waitForJobs(ctx context.Context, sub *eventbus.Subscription, get func(analysis.JobKey) (analysis.StatusRecord, bool), final map[string]analysis.StatusRecord, logger *zap.Logger) int {
	refresh := func(key analysis.JobKey) {
		id := key.String()
		prev, tracked := final[id]
		if !tracked || prev.State.IsTerminal() {
			return
		}
		rec, ok := get(key)
		if !ok {
			return
		}
		final[id] = rec
		if rec.State.IsTerminal() {
			logger.Info("Job finished",
				zap.String("file", key.FileID),
				zap.String("state", string(rec.State)),
				zap.Int("remaining", countPending(final)))
		}
	}

	ticker := time.NewTicker(waitRescanInterval)
	defer ticker.Stop()

	for {
		pending := countPending(final)
		if pending == 0 {
			return 0
		}
		select {
		case <-ctx.Done():
			return pending
		case e, ok := <-sub.C:
			if !ok {
				return pending
			}
			refresh(e.Key)
		case <-ticker.C:
			for _, rec := range final {
				refresh(rec.Key)
			}
		}
	}
}

// waitRescanInterval bounds how long a dropped event can delay analyze.
const waitRescanInterval = 2 * time.Second

func countPending(final map[string]analysis.StatusRecord) int {
	n := 0
	for _, rec := range final {
		if !rec.State.IsTerminal() {
			n++
		}
	}
	return n
}

func sourceName(p provider.Provider) string {
	if _, ok := p.(interface{ BaseDir() string }); ok {
		return provider.ProviderFile.String()
	}
	return provider.ProviderS3.String()
}
