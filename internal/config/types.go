package config

import "time"

// Config represents the complete mender configuration.
type Config struct {
	Service       ServiceConfig       `yaml:"service"`
	State         StateConfig         `yaml:"state"`
	Backups       BackupsConfig       `yaml:"backups"`
	Sandbox       SandboxConfig       `yaml:"sandbox"`
	Learning      LearningConfig      `yaml:"learning"`
	Engine        EngineConfig        `yaml:"engine"`
	Collaborators CollaboratorsConfig `yaml:"collaborators"`
	API           APIConfig           `yaml:"api,omitempty"`
	Scheduler     SchedulerConfig     `yaml:"scheduler,omitempty"`
}

// ServiceConfig defines process-wide settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// StateConfig defines where the SQLite database lives.
type StateConfig struct {
	Path string `yaml:"path"`
}

// BackupsConfig defines snapshot storage and retention.
type BackupsConfig struct {
	Dir  string `yaml:"dir"`
	Keep int    `yaml:"keep"`
}

// SandboxConfig defines how candidate fixes are validated.
type SandboxConfig struct {
	// Backend is "process" or "container".
	Backend               string        `yaml:"backend"`
	Timeout               time.Duration `yaml:"timeout"`
	Concurrency           int           `yaml:"concurrency"`
	ScratchDir            string        `yaml:"scratch_dir"`
	ToolchainsDir         string        `yaml:"toolchains_dir,omitempty"`
	Checks                []string      `yaml:"checks"`
	MemoryMB              int           `yaml:"memory_mb,omitempty"`
	CPUs                  float64       `yaml:"cpus,omitempty"`
	ContainerRuntime      string        `yaml:"container_runtime,omitempty"`
	ProvisionFailureLimit int           `yaml:"provision_failure_limit"`
}

// LearningConfig defines corpus retention and export policy.
type LearningConfig struct {
	Retention        time.Duration `yaml:"retention"`
	CategoryCap      int           `yaml:"category_cap"`
	MinExportScore   float64       `yaml:"min_export_score"`
	PerformanceDecay float64       `yaml:"performance_decay"`
}

// EngineConfig defines remediation session behaviour.
type EngineConfig struct {
	// MaxAttempts is the number of candidates tried per issue (first + retries).
	MaxAttempts    int  `yaml:"max_attempts"`
	RevertOnCancel bool `yaml:"revert_on_cancel"`
}

// CollaboratorsConfig names the scanner and fix generator plugins.
type CollaboratorsConfig struct {
	PluginsDir string        `yaml:"plugins_dir"`
	Scanner    string        `yaml:"scanner"`
	Fixer      string        `yaml:"fixer"`
	Timeout    time.Duration `yaml:"timeout"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is a single bearer token with full access.
	// Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token, its scopes and, optionally, the
// workspace roots it may remediate.
type APIToken struct {
	Name       string   `yaml:"name,omitempty"`
	Token      string   `yaml:"token"`
	Scopes     []string `yaml:"scopes"`
	Workspaces []string `yaml:"workspaces,omitempty"`
}

// SchedulerConfig lists workspaces that are remediated without a caller.
type SchedulerConfig struct {
	Workspaces []ScheduledWorkspace `yaml:"workspaces,omitempty"`
}

// ScheduledWorkspace triggers automated runs on an interval, on file changes,
// or both.
type ScheduledWorkspace struct {
	Path        string        `yaml:"path"`
	Every       time.Duration `yaml:"every,omitempty"`
	Watch       bool          `yaml:"watch,omitempty"`
	Debounce    time.Duration `yaml:"debounce,omitempty"`
	Categories  []string      `yaml:"categories,omitempty"`
	MinSeverity string        `yaml:"min_severity,omitempty"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "mender",
			LogLevel:  "info",
			LogFormat: "json",
		},
		State: StateConfig{
			Path: "./data/mender.db",
		},
		Backups: BackupsConfig{
			Dir:  "./data/backups",
			Keep: 5,
		},
		Sandbox: SandboxConfig{
			Backend:               "process",
			Timeout:               60 * time.Second,
			Concurrency:           4,
			ScratchDir:            "./data/sandboxes",
			Checks:                []string{"syntax", "lint", "type", "unit"},
			MemoryMB:              1024,
			CPUs:                  1,
			ContainerRuntime:      "docker",
			ProvisionFailureLimit: 3,
		},
		Learning: LearningConfig{
			Retention:        90 * 24 * time.Hour,
			CategoryCap:      1000,
			MinExportScore:   0.3,
			PerformanceDecay: 0.9,
		},
		Engine: EngineConfig{
			MaxAttempts: 2,
		},
		Collaborators: CollaboratorsConfig{
			PluginsDir: "./plugins",
			Timeout:    120 * time.Second,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
	}
}
