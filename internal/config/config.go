package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/3leaps/slidescan/pkg/provider/s3"
	"github.com/3leaps/slidescan/pkg/slides"
)

// Config is the effective slidescan configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Health    HealthConfig    `mapstructure:"health" yaml:"health"`
	Debug     DebugConfig     `mapstructure:"debug" yaml:"debug"`
	Analysis  AnalysisConfig  `mapstructure:"analysis" yaml:"analysis"`
	Results   ResultsConfig   `mapstructure:"results" yaml:"results"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline" yaml:"pipeline"`
	Preview   PreviewConfig   `mapstructure:"preview" yaml:"preview"`
	Slides    SlidesConfig    `mapstructure:"slides" yaml:"slides"`
	Events    EventsConfig    `mapstructure:"events" yaml:"events"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins" yaml:"cors_origins"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level" yaml:"level"`
	Profile string `mapstructure:"profile" yaml:"profile"`
}

type HealthConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

type DebugConfig struct {
	Enabled      bool `mapstructure:"enabled" yaml:"enabled"`
	PprofEnabled bool `mapstructure:"pprof_enabled" yaml:"pprof_enabled"`
}

// AnalysisConfig controls job admission and status persistence.
type AnalysisConfig struct {
	MaxConcurrent int `mapstructure:"max_concurrent" yaml:"max_concurrent"`

	// StatusBackend is "file" (one JSON document per job) or "sqlite".
	StatusBackend string `mapstructure:"status_backend" yaml:"status_backend"`
	StatusDir     string `mapstructure:"status_dir" yaml:"status_dir"`
	SQLitePath    string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
}

// ResultsConfig locates the pipeline's result tree.
//
// Root is a local directory or an s3://bucket/prefix URI.
type ResultsConfig struct {
	Root           string `mapstructure:"root" yaml:"root"`
	Region         string `mapstructure:"region" yaml:"region"`
	Endpoint       string `mapstructure:"endpoint" yaml:"endpoint"`
	Profile        string `mapstructure:"profile" yaml:"profile"`
	ForcePathStyle bool   `mapstructure:"force_path_style" yaml:"force_path_style"`

	// ServeStatic exposes a local result tree under /predictRes/.
	ServeStatic bool `mapstructure:"serve_static" yaml:"serve_static"`
}

type PipelineConfig struct {
	Command      []string      `mapstructure:"command" yaml:"command"`
	WorkDir      string        `mapstructure:"work_dir" yaml:"work_dir"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
	FailOnStderr bool          `mapstructure:"fail_on_stderr" yaml:"fail_on_stderr"`
	LogDir       string        `mapstructure:"log_dir" yaml:"log_dir"`
	ResultField  string        `mapstructure:"result_field" yaml:"result_field"`
}

type PreviewConfig struct {
	Command      []string      `mapstructure:"command" yaml:"command"`
	OutputDir    string        `mapstructure:"output_dir" yaml:"output_dir"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
	FailOnStderr bool          `mapstructure:"fail_on_stderr" yaml:"fail_on_stderr"`
}

type SlidesConfig struct {
	Patterns []string `mapstructure:"patterns" yaml:"patterns"`
}

type EventsConfig struct {
	// Buffer is the per-subscriber event buffer.
	Buffer int `mapstructure:"buffer" yaml:"buffer"`
}

type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled" yaml:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Burst             int     `mapstructure:"burst" yaml:"burst"`
}

// Status backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Validate checks cross-field constraints viper cannot express.
func (c *Config) Validate() error {
	var problems []string

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if c.Analysis.MaxConcurrent < 1 {
		problems = append(problems, "analysis.max_concurrent must be >= 1")
	}
	switch c.Analysis.StatusBackend {
	case BackendFile:
		if strings.TrimSpace(c.Analysis.StatusDir) == "" {
			problems = append(problems, "analysis.status_dir is required for the file backend")
		}
	case BackendSQLite:
		if strings.TrimSpace(c.Analysis.SQLitePath) == "" {
			problems = append(problems, "analysis.sqlite_path is required for the sqlite backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("analysis.status_backend %q must be %q or %q", c.Analysis.StatusBackend, BackendFile, BackendSQLite))
	}
	if strings.TrimSpace(c.Results.Root) == "" {
		problems = append(problems, "results.root is required")
	} else if s3.IsURI(c.Results.Root) {
		if _, _, err := s3.ParseURI(c.Results.Root); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if len(c.Pipeline.Command) == 0 {
		problems = append(problems, "pipeline.command is required")
	}
	if c.Pipeline.Timeout < 0 {
		problems = append(problems, "pipeline.timeout must not be negative")
	}
	if len(c.Preview.Command) == 0 {
		problems = append(problems, "preview.command is required")
	}
	if err := slides.ValidatePatterns(c.Slides.Patterns); err != nil {
		problems = append(problems, err.Error())
	}
	if c.Events.Buffer < 1 {
		problems = append(problems, "events.buffer must be >= 1")
	}
	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst < 1) {
		problems = append(problems, "rate_limit requires requests_per_second > 0 and burst >= 1")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ResultsOnS3 reports whether the result tree lives in S3.
func (c *Config) ResultsOnS3() bool {
	return s3.IsURI(c.Results.Root)
}
