package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// EnvConfigPath names the environment variable consulted when no --config
// flag is given.
const EnvConfigPath = "BRIDGE_CONFIG"

// Load reads, interpolates, defaults and validates a config file. A directory
// is taken to contain config.yaml.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.SourceFile = absPath
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	interpolated := interpolateEnv(string(data))
	if err := yaml.Unmarshal([]byte(interpolated), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	applyConfigDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Resolve picks the config path from the flag value, then BRIDGE_CONFIG.
// It returns "" when neither is set.
func Resolve(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv(EnvConfigPath)
}

// LoadOrDefaults loads path, or returns validated defaults when path is "".
func LoadOrDefaults(path string) (*Config, error) {
	if path == "" {
		cfg := Defaults()
		if err := validate(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return Load(path)
}

// applyConfigDefaults fills values an explicit empty YAML entry cleared.
func applyConfigDefaults(cfg *Config) {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}
	cfg.Service.LogLevel = strings.ToLower(cfg.Service.LogLevel)

	w := &cfg.Worker
	if w.ReadyMode == "" {
		w.ReadyMode = defaults.Worker.ReadyMode
	}
	if w.ReadyTimeout == 0 {
		w.ReadyTimeout = defaults.Worker.ReadyTimeout
	}
	if w.GracefulTimeout == 0 {
		w.GracefulTimeout = defaults.Worker.GracefulTimeout
	}
	if w.KillGrace == 0 {
		w.KillGrace = defaults.Worker.KillGrace
	}
	if w.DrainTimeout == 0 {
		w.DrainTimeout = defaults.Worker.DrainTimeout
	}
	if w.MaxLineBytes == 0 {
		w.MaxLineBytes = defaults.Worker.MaxLineBytes
	}
	if w.StopAction == "" {
		w.StopAction = defaults.Worker.StopAction
	}
	if w.Layout.ResourceRoot == "" {
		w.Layout.ResourceRoot = defaults.Worker.Layout.ResourceRoot
	}

	if cfg.Progress.Buffer == 0 {
		cfg.Progress.Buffer = defaults.Progress.Buffer
	}
	if cfg.Journal.Path == "" {
		cfg.Journal.Path = defaults.Journal.Path
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
	if cfg.Lock.Path == "" {
		cfg.Lock.Path = defaults.Lock.Path
	}
}

// interpolateEnv replaces ${VAR} with environment values. Unknown variables
// are left in place and rejected by validation where they matter.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	w := cfg.Worker
	if w.ReadyMode != "started" && w.ReadyMode != "handshake" {
		return fmt.Errorf("worker.ready_mode must be started or handshake (got %q)", w.ReadyMode)
	}
	for name, d := range map[string]int64{
		"worker.ready_timeout":    int64(w.ReadyTimeout),
		"worker.graceful_timeout": int64(w.GracefulTimeout),
		"worker.kill_grace":       int64(w.KillGrace),
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if w.DrainTimeout < 0 {
		return fmt.Errorf("worker.drain_timeout must not be negative")
	}
	if w.MaxLineBytes < 1024 {
		return fmt.Errorf("worker.max_line_bytes must be at least 1024 (got %d)", w.MaxLineBytes)
	}
	l := w.Layout
	if l.PackagedPath == "" && l.ScanDir == "" && l.Script == "" {
		return fmt.Errorf("worker.layout must set at least one of packaged_path, scan_dir or script")
	}
	if w.Checksum != "" {
		if err := checkUnresolved("worker.checksum", w.Checksum); err != nil {
			return err
		}
		if len(w.Checksum) != 64 {
			return fmt.Errorf("worker.checksum must be a 64-character BLAKE3 hex digest")
		}
	}
	for k, v := range w.Env {
		if err := checkUnresolved("worker.env."+k, v); err != nil {
			return err
		}
	}
	for i, s := range w.SuccessStatuses {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("worker.success_statuses[%d] is empty", i)
		}
	}

	if cfg.Progress.Buffer < 0 {
		return fmt.Errorf("progress.buffer must not be negative")
	}
	if cfg.Progress.Grace < 0 {
		return fmt.Errorf("progress.grace must not be negative")
	}

	if cfg.Journal.Enabled && cfg.Journal.Path == "" {
		return fmt.Errorf("journal.path is required when the journal is enabled")
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when api is enabled")
		}
		if cfg.API.Token == "" {
			return fmt.Errorf("api.token is required when api is enabled")
		}
		if err := checkUnresolved("api.token", cfg.API.Token); err != nil {
			return err
		}
	}

	return nil
}

func checkUnresolved(field, value string) error {
	if envVarPattern.MatchString(value) {
		return fmt.Errorf("%s references an unset environment variable: %s", field, value)
	}
	return nil
}
