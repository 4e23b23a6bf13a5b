// Package cmd implements the slidescan command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/3leaps/slidescan/internal/config"
	"github.com/3leaps/slidescan/internal/observability"
	"github.com/3leaps/slidescan/internal/server/handlers"
)

type buildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

var versionInfo = buildInfo{Version: "dev", Commit: "unknown", BuildDate: "unknown"}

var (
	appIdentity *config.AppIdentity
	appConfig   *config.Config

	cfgFile    string
	logLevel   string
	logProfile string
)

var rootCmd = &cobra.Command{
	Use:   "slidescan",
	Short: "Tumor-stroma analysis job service for whole-slide images",
	Long: `slidescan runs the slide analysis pipeline over whole-slide images,
deduplicates requests for the same slide, and tracks every job's status
durably across restarts.

Run 'slidescan serve' for the HTTP API, or use the analyze, status, files,
and preview commands directly.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file (default: ./slidescan.yaml)")
	pf.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&logProfile, "log-profile", "", "Log profile (STRUCTURED, CONSOLE)")
}

// SetVersionInfo records build metadata for version output.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

// GetAppIdentity returns the identity of the loaded config, or nil.
func GetAppIdentity() *config.AppIdentity {
	return appIdentity
}

// Execute runs the root command and exits with the mapped exit code.
func Execute() {
	err := rootCmd.ExecuteContext(context.Background())
	observability.Sync()
	if err == nil {
		return
	}
	if !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(exitCodeOf(err))
}

// loadConfig loads configuration once per invocation. Subcommands add
// their flag overrides through overridesFor.
func loadConfig(cmd *cobra.Command, _ []string) error {
	config.SetConfigFile(cfgFile)

	cfg, err := config.Load(cmd.Context(), overridesFor(cmd))
	if err != nil {
		return exitError(ExitConfigError, "Failed to load configuration", err)
	}
	appConfig = cfg
	appIdentity = config.GetIdentity()

	logCfg := observability.Config{Level: cfg.Logging.Level, Profile: cfg.Logging.Profile}
	if err := observability.InitCLI(logCfg, appIdentity.BinaryName); err != nil {
		return exitError(ExitConfigError, "Invalid logging configuration", err)
	}
	if err := observability.InitServer(logCfg, appIdentity.BinaryName); err != nil {
		return exitError(ExitConfigError, "Invalid logging configuration", err)
	}
	return nil
}

// overridesFor maps explicitly set flags onto config keys.
func overridesFor(cmd *cobra.Command) map[string]any {
	out := map[string]any{}
	if cmd.Flags().Changed("log-level") {
		out["logging.level"] = logLevel
	}
	if cmd.Flags().Changed("log-profile") {
		out["logging.profile"] = logProfile
	}
	for flag, key := range flagConfigKeys {
		f := cmd.Flags().Lookup(flag)
		if f == nil || !f.Changed {
			continue
		}
		switch f.Value.Type() {
		case "int":
			v, _ := cmd.Flags().GetInt(flag)
			out[key] = v
		case "bool":
			v, _ := cmd.Flags().GetBool(flag)
			out[key] = v
		case "stringSlice":
			v, _ := cmd.Flags().GetStringSlice(flag)
			out[key] = v
		case "duration":
			v, _ := cmd.Flags().GetDuration(flag)
			out[key] = v
		default:
			out[key] = f.Value.String()
		}
	}
	return out
}

// flagConfigKeys maps subcommand flag names to config keys.
var flagConfigKeys = map[string]string{
	"host":           "server.host",
	"port":           "server.port",
	"max-concurrent": "analysis.max_concurrent",
	"status-backend": "analysis.status_backend",
	"status-dir":     "analysis.status_dir",
	"sqlite-path":    "analysis.sqlite_path",
	"results-root":   "results.root",
	"timeout":        "pipeline.timeout",
	"pattern":        "slides.patterns",
	"pprof":          "debug.pprof_enabled",
}
