// Package config loads slidescan configuration.
//
// Sources, lowest to highest precedence:
//
//  1. built-in defaults
//  2. user config (<user config dir>/slidescan/slidescan.yaml)
//  3. project config (<project root>/slidescan.yaml) or an explicit --config file
//  4. SLIDESCAN_* environment variables
//  5. runtime overrides (CLI flags)
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// AppIdentity names the binary and its config/env namespaces.
type AppIdentity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

// DefaultIdentity is the slidescan identity.
func DefaultIdentity() *AppIdentity {
	return &AppIdentity{
		BinaryName: "slidescan",
		EnvPrefix:  "SLIDESCAN_",
		ConfigName: "slidescan",
	}
}

// EnvSpec maps one environment variable onto a config path.
type EnvSpec struct {
	Name string
	Path string
}

var (
	configMu    sync.RWMutex
	appIdentity *AppIdentity
	appConfig   *Config
	configFile  string
)

// envSuffixes lists the supported environment variables (without prefix).
var envSuffixes = []EnvSpec{
	{Name: "HOST", Path: "server.host"},
	{Name: "PORT", Path: "server.port"},
	{Name: "READ_TIMEOUT", Path: "server.read_timeout"},
	{Name: "WRITE_TIMEOUT", Path: "server.write_timeout"},
	{Name: "IDLE_TIMEOUT", Path: "server.idle_timeout"},
	{Name: "SHUTDOWN_TIMEOUT", Path: "server.shutdown_timeout"},
	{Name: "CORS_ORIGINS", Path: "server.cors_origins"},
	{Name: "LOG_LEVEL", Path: "logging.level"},
	{Name: "LOG_PROFILE", Path: "logging.profile"},
	{Name: "HEALTH_ENABLED", Path: "health.enabled"},
	{Name: "DEBUG_ENABLED", Path: "debug.enabled"},
	{Name: "PPROF_ENABLED", Path: "debug.pprof_enabled"},
	{Name: "MAX_CONCURRENT", Path: "analysis.max_concurrent"},
	{Name: "STATUS_BACKEND", Path: "analysis.status_backend"},
	{Name: "STATUS_DIR", Path: "analysis.status_dir"},
	{Name: "SQLITE_PATH", Path: "analysis.sqlite_path"},
	{Name: "RESULTS_ROOT", Path: "results.root"},
	{Name: "RESULTS_REGION", Path: "results.region"},
	{Name: "RESULTS_ENDPOINT", Path: "results.endpoint"},
	{Name: "RESULTS_PROFILE", Path: "results.profile"},
	{Name: "RESULTS_FORCE_PATH_STYLE", Path: "results.force_path_style"},
	{Name: "PIPELINE_COMMAND", Path: "pipeline.command"},
	{Name: "PIPELINE_WORK_DIR", Path: "pipeline.work_dir"},
	{Name: "PIPELINE_TIMEOUT", Path: "pipeline.timeout"},
	{Name: "PIPELINE_FAIL_ON_STDERR", Path: "pipeline.fail_on_stderr"},
	{Name: "PIPELINE_LOG_DIR", Path: "pipeline.log_dir"},
	{Name: "PREVIEW_COMMAND", Path: "preview.command"},
	{Name: "PREVIEW_OUTPUT_DIR", Path: "preview.output_dir"},
	{Name: "SLIDE_PATTERNS", Path: "slides.patterns"},
	{Name: "EVENTS_BUFFER", Path: "events.buffer"},
	{Name: "RATE_LIMIT_ENABLED", Path: "rate_limit.enabled"},
	{Name: "RATE_LIMIT_RPS", Path: "rate_limit.requests_per_second"},
	{Name: "RATE_LIMIT_BURST", Path: "rate_limit.burst"},
}

// CI boundary variables, in priority order.
var ciBoundaryVars = []string{"SLIDESCAN_WORKSPACE_ROOT", "GITHUB_WORKSPACE", "CI_PROJECT_DIR", "WORKSPACE"}

// projectMarkers identify a project root.
var projectMarkers = []string{"go.mod", ".git", "slidescan.yaml"}

// SetConfigFile selects an explicit config file, replacing the project
// config lookup. An empty path restores the default lookup.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = path
}

// Load builds the effective configuration and stores it for GetConfig.
//
// Each overrides map is applied on top of everything else, in order.
// Nested maps address nested keys ({"server": {"port": 9000}}); dotted
// keys ("server.port") are accepted too.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.Lock()
	if appIdentity == nil {
		appIdentity = DefaultIdentity()
	}
	explicit := configFile
	configMu.Unlock()

	v := viper.New()
	setDefaults(v)

	for _, path := range getUserConfigPaths() {
		if err := mergeFile(v, path, false); err != nil {
			return nil, err
		}
	}
	if explicit != "" {
		if err := mergeFile(v, explicit, true); err != nil {
			return nil, err
		}
	} else if root, err := findProjectRoot(); err == nil {
		if err := mergeFile(v, filepath.Join(root, appIdentity.ConfigName+".yaml"), false); err != nil {
			return nil, err
		}
	}

	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, value := range flatten("", o) {
			v.Set(key, value)
		}
	}

	cfg := &Config{}
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Logging.Profile = strings.ToUpper(strings.TrimSpace(cfg.Logging.Profile))
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = cfg
	configMu.Unlock()
	return cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// GetIdentity returns the identity Load used, or nil before the first Load.
func GetIdentity() *AppIdentity {
	configMu.RLock()
	defer configMu.RUnlock()
	return appIdentity
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "STRUCTURED")

	v.SetDefault("health.enabled", true)

	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.pprof_enabled", false)

	v.SetDefault("analysis.max_concurrent", 2)
	v.SetDefault("analysis.status_backend", BackendFile)
	v.SetDefault("analysis.status_dir", "data/status")
	v.SetDefault("analysis.sqlite_path", "data/status.db")

	v.SetDefault("results.root", "public/predictRes")
	v.SetDefault("results.region", "")
	v.SetDefault("results.endpoint", "")
	v.SetDefault("results.profile", "")
	v.SetDefault("results.force_path_style", false)
	v.SetDefault("results.serve_static", true)

	v.SetDefault("pipeline.command", []string{"python", "algorithm/main.py"})
	v.SetDefault("pipeline.work_dir", "")
	v.SetDefault("pipeline.timeout", "0s")
	v.SetDefault("pipeline.fail_on_stderr", true)
	v.SetDefault("pipeline.log_dir", "data/logs")
	v.SetDefault("pipeline.result_field", "res_json_path")

	v.SetDefault("preview.command", []string{"python", "algorithm/utils/extractPng.py"})
	v.SetDefault("preview.output_dir", "public/originImage")
	v.SetDefault("preview.timeout", "10m")
	v.SetDefault("preview.fail_on_stderr", true)

	v.SetDefault("slides.patterns", []string{"*.svs"})

	v.SetDefault("events.buffer", 100)

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests_per_second", 5.0)
	v.SetDefault("rate_limit.burst", 10)
}

// mergeFile merges a YAML file into v. Missing files are skipped unless
// required.
func mergeFile(v *viper.Viper, path string, required bool) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) && !required {
			return nil
		}
		return fmt.Errorf("config file %s: %w", path, err)
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.MergeInConfig(); err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	return nil
}

func getEnvSpecs() []EnvSpec {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil {
		return []EnvSpec{}
	}

	specs := make([]EnvSpec, 0, len(envSuffixes))
	for _, s := range envSuffixes {
		specs = append(specs, EnvSpec{Name: id.EnvPrefix + s.Name, Path: s.Path})
	}
	return specs
}

func getUserConfigPaths() []string {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil {
		return []string{}
	}

	dir, err := os.UserConfigDir()
	if err != nil {
		return []string{}
	}
	return []string{filepath.Join(dir, id.BinaryName, id.ConfigName+".yaml")}
}

// findProjectRoot walks up from the working directory to the nearest
// directory holding a project marker. In CI, an absolute boundary that
// contains the working directory stops the walk; invalid boundaries are
// ignored. When no marker is found the working directory is returned.
func findProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	cwd = filepath.Clean(cwd)

	boundary := ciBoundary(cwd)

	for dir := cwd; ; {
		for _, marker := range projectMarkers {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return dir, nil
			}
		}
		if boundary != "" && dir == boundary {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return cwd, nil
}

func ciBoundary(cwd string) string {
	if !isCI() {
		return ""
	}
	for _, name := range ciBoundaryVars {
		b := strings.TrimSpace(os.Getenv(name))
		if b == "" || !filepath.IsAbs(b) {
			continue
		}
		info, err := os.Stat(b)
		if err != nil || !info.IsDir() {
			continue
		}
		b = filepath.Clean(b)
		rel, err := filepath.Rel(b, cwd)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		return b
	}
	return ""
}

func isCI() bool {
	for _, name := range []string{"CI", "GITHUB_ACTIONS", "GITLAB_CI"} {
		if strings.EqualFold(os.Getenv(name), "true") {
			return true
		}
	}
	return false
}

// flatten converts nested override maps to dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := m[k].(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = m[k]
	}
	return out
}
