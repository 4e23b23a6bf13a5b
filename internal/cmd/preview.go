package cmd

import (
	"errors"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/3leaps/slidescan/internal/observability"
	"github.com/3leaps/slidescan/pkg/analysis"
	"github.com/3leaps/slidescan/pkg/output"
	"github.com/3leaps/slidescan/pkg/pipeline"
)

var previewCmd = &cobra.Command{
	Use:   "preview <folder> <file>",
	Short: "Extract a PNG preview of a slide",
	Long: `Extract a PNG preview of a slide into the preview directory.

An existing preview is reused.

Examples:
  slidescan preview /data/slides TCGA-01.svs`,
	Args: cobra.ExactArgs(2),
	RunE: runPreview,
}

func init() {
	rootCmd.AddCommand(previewCmd)
}

func runPreview(cmd *cobra.Command, args []string) error {
	cfg := appConfig
	folder, file := args[0], args[1]

	ex, err := pipeline.NewExtractor(pipeline.ExtractorConfig{
		Command:      cfg.Preview.Command,
		OutputDir:    cfg.Preview.OutputDir,
		WorkDir:      cfg.Pipeline.WorkDir,
		Timeout:      cfg.Preview.Timeout,
		FailOnStderr: cfg.Preview.FailOnStderr,
	}, observability.CLILogger)
	if err != nil {
		return exitError(ExitConfigError, "Invalid preview configuration", err)
	}

	name, err := ex.Extract(cmd.Context(), folder, file)
	if err != nil {
		if errors.Is(err, analysis.ErrInvalidKey) {
			return exitError(ExitInvalidArgument, "Invalid slide", err)
		}
		return exitError(ExitExternalServiceUnavailable, "Preview extraction failed", err)
	}

	w := output.NewJSONLWriter(cmd.OutOrStdout(), uuid.NewString(), "file")
	defer func() { _ = w.Close() }()
	if err := w.WritePreview(cmd.Context(), &output.PreviewRecord{
		Folder: folder,
		File:   file,
		Image:  name,
		Path:   filepath.Join(ex.OutputDir(), name),
	}); err != nil {
		return exitError(ExitFileWriteError, "Failed to write output", err)
	}
	return nil
}
