package config

import "time"

// Config represents the complete bridge configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Worker   WorkerConfig   `yaml:"worker"`
	Progress ProgressConfig `yaml:"progress"`
	Journal  JournalConfig  `yaml:"journal"`
	API      APIConfig      `yaml:"api,omitempty"`
	Lock     LockConfig     `yaml:"lock"`

	// SourceFile is the absolute path the config was loaded from.
	SourceFile string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// WorkerConfig defines how the worker process is found, started and stopped.
type WorkerConfig struct {
	Layout LayoutConfig      `yaml:"layout"`
	Args   []string          `yaml:"args,omitempty"`
	Env    map[string]string `yaml:"env,omitempty"`
	Dir    string            `yaml:"dir,omitempty"`

	ReadyMode       string        `yaml:"ready_mode"` // "started" or "handshake"
	ReadyTimeout    time.Duration `yaml:"ready_timeout"`
	GracefulTimeout time.Duration `yaml:"graceful_timeout"`
	KillGrace       time.Duration `yaml:"kill_grace"`
	DrainTimeout    time.Duration `yaml:"drain_timeout"`

	// Checksum is an optional BLAKE3 hex digest of the worker entry file.
	Checksum string `yaml:"checksum,omitempty"`

	MaxLineBytes    int      `yaml:"max_line_bytes"`
	SuccessStatuses []string `yaml:"success_statuses,omitempty"` // in addition to the built-in ones
	StopAction      string   `yaml:"stop_action"`
}

// LayoutConfig lists the places the worker may be installed.
type LayoutConfig struct {
	InstallRoot         string   `yaml:"install_root"`
	ResourceRoot        string   `yaml:"resource_root"`
	PackagedPath        string   `yaml:"packaged_path,omitempty"`
	ScanDir             string   `yaml:"scan_dir,omitempty"`
	Executable          string   `yaml:"executable,omitempty"`
	EmbeddedInterpreter string   `yaml:"embedded_interpreter,omitempty"`
	Script              string   `yaml:"script,omitempty"`
	SystemInterpreters  []string `yaml:"system_interpreters,omitempty"`
}

// ProgressConfig defines progress fan-out settings.
type ProgressConfig struct {
	Buffer int           `yaml:"buffer"`
	Grace  time.Duration `yaml:"grace"` // how long a finished batch stays on screen
}

// JournalConfig defines the command journal.
type JournalConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// APIConfig defines the local control API.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Token   string `yaml:"token"`
}

// LockConfig defines the single-instance lock.
type LockConfig struct {
	Path string `yaml:"path"`
}

// Defaults returns a Config with default values.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "valuetech-bridge",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Worker: WorkerConfig{
			Layout: LayoutConfig{
				ResourceRoot:       ".",
				PackagedPath:       "bin/worker",
				ScanDir:            "worker",
				Script:             "worker/worker.py",
				SystemInterpreters: []string{"python3", "python"},
			},
			ReadyMode:       "started",
			ReadyTimeout:    10 * time.Second,
			GracefulTimeout: 5 * time.Second,
			KillGrace:       3 * time.Second,
			DrainTimeout:    500 * time.Millisecond,
			MaxLineBytes:    16 << 20,
			StopAction:      "shutdown",
		},
		Progress: ProgressConfig{
			Buffer: 100,
			Grace:  3 * time.Second,
		},
		Journal: JournalConfig{
			Enabled:   true,
			Path:      "./data/journal.db",
			Retention: 30 * 24 * time.Hour,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8765",
		},
		Lock: LockConfig{
			Path: "./data/bridge.lock",
		},
	}
}
