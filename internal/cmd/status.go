package cmd

import (
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/3leaps/slidescan/internal/config"
	"github.com/3leaps/slidescan/pkg/analysis"
	"github.com/3leaps/slidescan/pkg/output"
	"github.com/3leaps/slidescan/pkg/statusstore"
)

var (
	statusStates []string
	statusFolder string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print persisted job status records",
	Long: `Print persisted job status records as JSONL, sorted by key.

Examples:
  slidescan status
  slidescan status --state failed
  slidescan status --folder /data/slides --status-backend sqlite`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	f := statusCmd.Flags()
	f.StringSliceVar(&statusStates, "state", nil, "Only records in these states (queued, running, completed, failed)")
	f.StringVar(&statusFolder, "folder", "", "Only records for this folder")
	f.String("status-backend", "", "Status backend (file, sqlite)")
	f.String("status-dir", "", "Status directory for the file backend")
	f.String("sqlite-path", "", "Database path for the sqlite backend")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg := appConfig
	start := time.Now()

	want := make(map[analysis.JobState]bool, len(statusStates))
	for _, s := range statusStates {
		st := analysis.JobState(s)
		if !st.Valid() {
			return exitError(ExitInvalidArgument, "Invalid --state value", errInvalidState(s))
		}
		want[st] = true
	}

	store, err := openStore(cmd, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	w := output.NewJSONLWriter(cmd.OutOrStdout(), uuid.NewString(), cfg.Analysis.StatusBackend)
	defer func() { _ = w.Close() }()

	states := make(map[analysis.JobState]int)
	n := 0
	for _, rec := range store.List() {
		if len(want) > 0 && !want[rec.State] {
			continue
		}
		if statusFolder != "" && rec.Key.ContainerPath != statusFolder {
			continue
		}
		if err := w.WriteStatus(ctx, output.FromStatus(rec)); err != nil {
			return exitError(ExitFileWriteError, "Failed to write output", err)
		}
		states[rec.State]++
		n++
	}

	elapsed := time.Since(start)
	if err := w.WriteSummary(ctx, &output.SummaryRecord{
		Jobs:          n,
		States:        states,
		Duration:      elapsed,
		DurationHuman: elapsed.Round(time.Millisecond).String(),
	}); err != nil {
		return exitError(ExitFileWriteError, "Failed to write output", err)
	}
	return nil
}

func openStore(cmd *cobra.Command, cfg *config.Config) (*statusstore.Store, error) {
	backend, err := openBackend(cmd.Context(), cfg.Analysis)
	if err != nil {
		return nil, exitError(ExitFileNotFound, "Failed to open status store", err)
	}
	store, err := statusstore.Open(cmd.Context(), backend)
	if err != nil {
		_ = backend.Close()
		return nil, exitError(ExitDataError, "Failed to load status records", err)
	}
	return store, nil
}

type errInvalidState string

func (e errInvalidState) Error() string {
	return "unknown state " + string(e)
}
