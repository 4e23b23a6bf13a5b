package cmd

import (
	"errors"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/3leaps/slidescan/pkg/output"
	"github.com/3leaps/slidescan/pkg/slides"
)

var filesCmd = &cobra.Command{
	Use:   "files <folder>",
	Short: "List slide files in a folder",
	Long: `List the slide files directly inside a folder as JSONL.

Examples:
  slidescan files /data/slides
  slidescan files /data/slides --pattern '*.svs' --pattern '*.ndpi'`,
	Args: cobra.ExactArgs(1),
	RunE: runFiles,
}

func init() {
	rootCmd.AddCommand(filesCmd)
	filesCmd.Flags().StringSlice("pattern", nil, "Slide file patterns (default *.svs)")
}

func runFiles(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	folder := args[0]

	names, err := slides.List(ctx, folder, appConfig.Slides.Patterns)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return exitError(ExitFileNotFound, "Folder not found", err)
		}
		return exitError(ExitInvalidArgument, "Failed to list slides", err)
	}

	w := output.NewJSONLWriter(cmd.OutOrStdout(), uuid.NewString(), "file")
	defer func() { _ = w.Close() }()
	for _, name := range names {
		if err := w.WriteSlide(ctx, &output.SlideRecord{Folder: folder, File: name}); err != nil {
			return exitError(ExitFileWriteError, "Failed to write output", err)
		}
	}
	return nil
}
