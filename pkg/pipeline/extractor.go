package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/3leaps/slidescan/pkg/analysis"
	"github.com/3leaps/slidescan/pkg/resultcache"
)

// ExtractorConfig configures preview extraction.
type ExtractorConfig struct {
	// Command is the preview tool and its leading arguments.
	// Default: python algorithm/utils/extractPng.py
	Command []string

	// OutputDir is where the tool writes <folder base>_<file stem>.png.
	OutputDir string

	WorkDir      string
	Env          []string
	Timeout      time.Duration
	FailOnStderr bool
}

// DefaultExtractorConfig returns the default preview configuration.
func DefaultExtractorConfig() ExtractorConfig {
	return ExtractorConfig{
		Command:      []string{"python", filepath.Join("algorithm", "utils", "extractPng.py")},
		OutputDir:    filepath.Join("public", "originImage"),
		FailOnStderr: true,
	}
}

// Extractor produces a PNG preview of a slide.
//
// Previews are cached by file existence; concurrent requests for the same
// slide share one tool invocation, which a departing caller does not cancel.
type Extractor struct {
	cfg    ExtractorConfig
	group  singleflight.Group
	logger *zap.Logger
}

// NewExtractor returns an Extractor.
func NewExtractor(cfg ExtractorConfig, logger *zap.Logger) (*Extractor, error) {
	def := DefaultExtractorConfig()
	if len(cfg.Command) == 0 {
		cfg.Command = def.Command
	}
	if strings.TrimSpace(cfg.OutputDir) == "" {
		return nil, errors.New("preview output dir is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{cfg: cfg, logger: logger}, nil
}

// OutputDir returns the preview directory.
func (e *Extractor) OutputDir() string { return e.cfg.OutputDir }

// PreviewName returns the preview file name for a slide.
func PreviewName(containerPath, fileID string) string {
	return resultcache.FolderBase(containerPath) + "_" + resultcache.FileStem(fileID) + ".png"
}

// Extract makes sure the preview for (containerPath, fileID) exists and
// returns its file name relative to OutputDir.
func (e *Extractor) Extract(ctx context.Context, containerPath, fileID string) (string, error) {
	if strings.TrimSpace(containerPath) == "" || strings.TrimSpace(fileID) == "" {
		return "", fmt.Errorf("%w: slide folder and file name are required", analysis.ErrInvalidKey)
	}
	if strings.ContainsAny(fileID, `/\`) {
		return "", fmt.Errorf("%w: file name %q must not contain path separators", analysis.ErrInvalidKey, fileID)
	}

	name := PreviewName(containerPath, fileID)
	target := filepath.Join(e.cfg.OutputDir, name)
	if fileExists(target) {
		return name, nil
	}

	// The shared run outlives any single caller; only the configured
	// timeout bounds it. Each caller stops waiting when its own ctx ends.
	ch := e.group.DoChan(name, func() (any, error) {
		if fileExists(target) {
			return nil, nil
		}
		return nil, e.run(context.WithoutCancel(ctx), containerPath, fileID)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return name, nil
	}
}

func (e *Extractor) run(ctx context.Context, containerPath, fileID string) error {
	runCtx := ctx
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	args := append([]string{}, e.cfg.Command[1:]...)
	args = append(args, "--slide_folder", containerPath, "--slide_file_name", fileID)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, e.cfg.Command[0], args...)
	cmd.Dir = e.cfg.WorkDir
	cmd.Env = append(os.Environ(), e.cfg.Env...)
	cmd.Stderr = &stderr
	cmd.WaitDelay = 5 * time.Second

	e.logger.Info("Extracting slide preview",
		zap.String("folder", containerPath),
		zap.String("file", fileID))

	err := cmd.Run()
	detail := strings.TrimSpace(stderr.String())
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case runCtx.Err() != nil:
		return fmt.Errorf("%w: preview extraction exceeded %s", analysis.ErrTimeout, e.cfg.Timeout)
	case err != nil:
		return fmt.Errorf("%w: %w: %s", analysis.ErrExternalProcess, err, detail)
	case e.cfg.FailOnStderr && detail != "":
		return fmt.Errorf("%w: %s", analysis.ErrExternalProcess, detail)
	}
	return nil
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}
