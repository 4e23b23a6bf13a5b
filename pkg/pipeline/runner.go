// Package pipeline runs the external slide-analysis pipeline for one job.
//
// A run first asks the result cache whether a prediction already exists
// and, if so, serves it from disk without starting a process. Otherwise the
// configured command is executed as:
//
//	<command...> --slide_folder <folder> --slide_file_name <file> --isNormalized <variant>
//	             [--isSegmented True] [--justOriginSegmented True]
//
// The process reports its result by printing a JSON line that names the
// result artifact (by default {"res_json_path": "..."}). Every outcome is
// returned as a value; Run never panics across its boundary.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/slidescan/pkg/analysis"
	"github.com/3leaps/slidescan/pkg/resultcache"
)

// DefaultResultField is the stdout JSON field naming the result artifact.
const DefaultResultField = "res_json_path"

// Config configures a Runner.
type Config struct {
	// Command is the executable and its leading arguments.
	// Default: python algorithm/main.py
	Command []string

	// WorkDir is the process working directory. Relative artifact paths
	// printed by the pipeline resolve against it. Empty means the current
	// directory.
	WorkDir string

	// Env holds extra KEY=VALUE pairs appended to the inherited environment.
	Env []string

	// Timeout bounds a single run. Zero disables the bound.
	Timeout time.Duration

	// FailOnStderr treats any stderr output as a failure, even with a zero
	// exit status.
	FailOnStderr bool

	// LogDir, when set, receives per-job stdout/stderr copies under
	// <LogDir>/<job token>/.
	LogDir string

	// ResultField is the stdout JSON field naming the result artifact.
	ResultField string
}

// DefaultConfig returns the default pipeline configuration.
func DefaultConfig() Config {
	return Config{
		Command:      []string{"python", filepath.Join("algorithm", "main.py")},
		FailOnStderr: true,
		ResultField:  DefaultResultField,
	}
}

// Cache is the subset of the result cache a Runner needs.
type Cache interface {
	Probe(ctx context.Context, key analysis.JobKey) (resultcache.Probe, error)
	Load(ctx context.Context, artifactKey string) ([]byte, error)
}

// Runner executes analysis jobs.
type Runner struct {
	cfg    Config
	cache  Cache
	logger *zap.Logger

	invocations atomic.Int64
	cacheHits   atomic.Int64
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// New returns a Runner. Zero-valued Command and ResultField take their
// defaults.
func New(cfg Config, cache Cache, opts ...Option) (*Runner, error) {
	if cache == nil {
		return nil, errors.New("result cache is required")
	}
	def := DefaultConfig()
	if len(cfg.Command) == 0 {
		cfg.Command = def.Command
	}
	if strings.TrimSpace(cfg.Command[0]) == "" {
		return nil, errors.New("pipeline command is empty")
	}
	if cfg.ResultField == "" {
		cfg.ResultField = def.ResultField
	}
	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("pipeline timeout must be >= 0, got %s", cfg.Timeout)
	}

	r := &Runner{cfg: cfg, cache: cache, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Invocations returns how many external processes have been started.
func (r *Runner) Invocations() int64 { return r.invocations.Load() }

// CacheHits returns how many runs were served from an existing artifact.
func (r *Runner) CacheHits() int64 { return r.cacheHits.Load() }

// Run processes key and blocks until it reaches an outcome.
//
// A canceled ctx (as opposed to an expired Timeout) returns ctx.Err()
// unwrapped so callers can tell an interrupted run from a failed one.
func (r *Runner) Run(ctx context.Context, key analysis.JobKey) (*analysis.Result, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	probe, err := r.cache.Probe(ctx, key)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &analysis.JobError{Op: "probe", Key: key, Err: err}
	}

	if probe.Predicted {
		r.cacheHits.Add(1)
		r.logger.Debug("Serving cached result",
			zap.String("file", key.FileID),
			zap.String("artifact", probe.ArtifactKey))
		data, err := r.cache.Load(ctx, probe.ArtifactKey)
		if err != nil {
			return nil, &analysis.JobError{Op: "read-cached", Key: key, Err: err}
		}
		return parseArtifact(key, "parse-cached", data)
	}

	stdout, err := r.execute(ctx, key, r.args(key, probe))
	if err != nil {
		return nil, err
	}

	artifact, ok := findArtifactPath(stdout, r.cfg.ResultField)
	if !ok {
		return nil, analysis.NewJobError("parse-stdout", key, analysis.ErrOutputParse, nil,
			fmt.Sprintf("no JSON line with a non-empty %q field in pipeline output", r.cfg.ResultField))
	}

	path := r.resolveArtifact(artifact)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, analysis.NewJobError("read-artifact", key, analysis.ErrArtifactRead, err, "")
	}
	return parseArtifact(key, "parse-artifact", data)
}

func (r *Runner) args(key analysis.JobKey, probe resultcache.Probe) []string {
	args := append([]string{}, r.cfg.Command[1:]...)
	args = append(args,
		"--slide_folder", key.ContainerPath,
		"--slide_file_name", key.FileID,
		"--isNormalized", key.Variant.String(),
	)
	if probe.Segmented {
		args = append(args, "--isSegmented", "True")
	}
	if probe.BaseVariantSegmented {
		args = append(args, "--justOriginSegmented", "True")
	}
	return args
}

func (r *Runner) execute(ctx context.Context, key analysis.JobKey, args []string) ([]byte, error) {
	runCtx := ctx
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	var stdoutW, stderrW io.Writer = &stdout, &stderr
	if r.cfg.LogDir != "" {
		closeLogs, outLog, errLog, err := r.openLogs(key)
		if err != nil {
			r.logger.Warn("Per-job logs unavailable", zap.String("file", key.FileID), zap.Error(err))
		} else {
			defer closeLogs()
			stdoutW = io.MultiWriter(&stdout, outLog)
			stderrW = io.MultiWriter(&stderr, errLog)
		}
	}

	cmd := exec.CommandContext(runCtx, r.cfg.Command[0], args...)
	cmd.Dir = r.cfg.WorkDir
	cmd.Env = append(os.Environ(), r.cfg.Env...)
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	cmd.WaitDelay = 5 * time.Second

	r.invocations.Add(1)
	start := time.Now()
	r.logger.Info("Starting analysis pipeline",
		zap.String("folder", key.ContainerPath),
		zap.String("file", key.FileID),
		zap.String("variant", key.Variant.String()),
		zap.Strings("args", args))

	runErr := cmd.Run()
	elapsed := time.Since(start)

	switch {
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case runCtx.Err() != nil:
		return nil, analysis.NewJobError("exec", key, analysis.ErrTimeout, nil,
			fmt.Sprintf("pipeline exceeded %s", r.cfg.Timeout))
	case runErr != nil:
		detail := strings.TrimSpace(stderr.String())
		r.logger.Warn("Analysis pipeline failed",
			zap.String("file", key.FileID),
			zap.Duration("elapsed", elapsed),
			zap.Error(runErr))
		return nil, analysis.NewJobError("exec", key, analysis.ErrExternalProcess, runErr, detail)
	case r.cfg.FailOnStderr && strings.TrimSpace(stderr.String()) != "":
		r.logger.Warn("Analysis pipeline wrote to stderr",
			zap.String("file", key.FileID),
			zap.Duration("elapsed", elapsed))
		return nil, analysis.NewJobError("exec", key, analysis.ErrExternalProcess, nil, strings.TrimSpace(stderr.String()))
	}

	r.logger.Info("Analysis pipeline finished",
		zap.String("file", key.FileID),
		zap.Duration("elapsed", elapsed))
	return stdout.Bytes(), nil
}

func (r *Runner) openLogs(key analysis.JobKey) (closeFn func(), stdout, stderr *os.File, err error) {
	dir := filepath.Join(r.cfg.LogDir, key.Encode())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, nil, fmt.Errorf("create job log dir: %w", err)
	}
	stdout, err = os.Create(filepath.Join(dir, "stdout.log"))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create stdout log: %w", err)
	}
	stderr, err = os.Create(filepath.Join(dir, "stderr.log"))
	if err != nil {
		_ = stdout.Close()
		return nil, nil, nil, fmt.Errorf("create stderr log: %w", err)
	}
	return func() {
		_ = stdout.Close()
		_ = stderr.Close()
	}, stdout, stderr, nil
}

func (r *Runner) resolveArtifact(p string) string {
	if filepath.IsAbs(p) || r.cfg.WorkDir == "" {
		return p
	}
	return filepath.Join(r.cfg.WorkDir, p)
}

// findArtifactPath walks output from the last line backward and returns
// the field value of the first JSON object line carrying a non-empty string
// field. Lines have no length limit.
func findArtifactPath(stdout []byte, field string) (string, bool) {
	rest := stdout
	for len(rest) > 0 {
		line := rest
		if i := bytes.LastIndexByte(rest, '\n'); i >= 0 {
			line, rest = rest[i+1:], rest[:i]
		} else {
			rest = nil
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var rec map[string]json.RawMessage
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		raw, ok := rec[field]
		if !ok {
			continue
		}
		var p string
		if err := json.Unmarshal(raw, &p); err != nil || strings.TrimSpace(p) == "" {
			continue
		}
		return p, true
	}
	return "", false
}

func parseArtifact(key analysis.JobKey, op string, data []byte) (*analysis.Result, error) {
	res, err := analysis.ParseResult(data)
	if err != nil {
		return nil, analysis.NewJobError(op, key, analysis.ErrOutputParse, err, "")
	}
	return res, nil
}
