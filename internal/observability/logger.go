// Package observability owns the process-wide loggers.
//
// CLILogger is used by commands for operator-facing output; ServerLogger
// is used by the HTTP server and the job machinery it hosts. Both start
// as no-op loggers so packages can log before Init runs (tests, init()).
package observability

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logging profiles.
const (
	ProfileStructured = "STRUCTURED"
	ProfileConsole    = "CONSOLE"
)

var (
	// CLILogger writes command output to stderr.
	CLILogger = zap.NewNop()

	// ServerLogger is the logger for the serve command.
	ServerLogger = zap.NewNop()
)

// Config selects the logger level and encoding.
type Config struct {
	Level   string
	Profile string
}

// NewLogger builds a zap logger writing to stderr.
//
// STRUCTURED produces JSON lines; CONSOLE produces the human-readable
// console encoding.
func NewLogger(cfg Config, service string) (*zap.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var encCfg zapcore.EncoderConfig
	var encoder zapcore.Encoder
	switch strings.ToUpper(strings.TrimSpace(cfg.Profile)) {
	case "", ProfileStructured:
		encCfg = zap.NewProductionEncoderConfig()
		encCfg.TimeKey = "ts"
		encCfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder
		encoder = zapcore.NewJSONEncoder(encCfg)
	case ProfileConsole:
		encCfg = zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		encoder = zapcore.NewConsoleEncoder(encCfg)
	default:
		return nil, fmt.Errorf("unknown logging profile %q (want %s or %s)", cfg.Profile, ProfileStructured, ProfileConsole)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level)
	logger := zap.New(core, zap.AddCaller())
	if service != "" {
		logger = logger.With(zap.String("service", service))
	}
	return logger, nil
}

// ParseLevel parses a level name; an empty string is info.
func ParseLevel(s string) (zapcore.Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	if s == "warning" {
		s = "warn"
	}
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

// InitCLI replaces CLILogger.
func InitCLI(cfg Config, service string) error {
	logger, err := NewLogger(cfg, service)
	if err != nil {
		return err
	}
	CLILogger = logger
	return nil
}

// InitServer replaces ServerLogger.
func InitServer(cfg Config, service string) error {
	logger, err := NewLogger(cfg, service)
	if err != nil {
		return err
	}
	ServerLogger = logger
	return nil
}

// Sync flushes both loggers. Errors from syncing stderr are ignored.
func Sync() {
	_ = CLILogger.Sync()
	_ = ServerLogger.Sync()
}
