package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file. A directory argument is
// treated as the directory holding mender.yaml.
// Relative paths inside the file are resolved against the file's directory.
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
		absPath = filepath.Join(absPath, "mender.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but mender.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	resolvePaths(cfg, filepath.Dir(absPath))
	return cfg, nil
}

// Parse decodes YAML on top of Defaults(), interpolates ${ENV} references and
// validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	expanded := interpolateEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Discover finds a config file by checking standard locations.
// Priority order: $MENDER_CONFIG, ./mender.yaml, ~/.config/mender/mender.yaml.
// An empty string with a nil error means no config exists and defaults apply.
func Discover() (string, error) {
	if p := os.Getenv("MENDER_CONFIG"); p != "" {
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("MENDER_CONFIG points to a missing file: %s", p)
		}
		return p, nil
	}
	if _, err := os.Stat("mender.yaml"); err == nil {
		return "mender.yaml", nil
	}
	if home, err := os.UserHomeDir(); err == nil {
		p := filepath.Join(home, ".config", "mender", "mender.yaml")
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", nil
}

func resolvePaths(cfg *Config, baseDir string) {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(baseDir, p)
	}
	cfg.State.Path = resolve(cfg.State.Path)
	cfg.Backups.Dir = resolve(cfg.Backups.Dir)
	cfg.Sandbox.ScratchDir = resolve(cfg.Sandbox.ScratchDir)
	cfg.Sandbox.ToolchainsDir = resolve(cfg.Sandbox.ToolchainsDir)
	cfg.Collaborators.PluginsDir = resolve(cfg.Collaborators.PluginsDir)
	for i := range cfg.Scheduler.Workspaces {
		cfg.Scheduler.Workspaces[i].Path = resolve(cfg.Scheduler.Workspaces[i].Path)
	}
}

func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Left in place so validation can name the missing variable.
		return match
	})
}

func unresolved(field, value string) error {
	if m := envVarPattern.FindStringSubmatch(value); len(m) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, m[1])
	}
	return nil
}

var validChecks = map[string]bool{"syntax": true, "lint": true, "type": true, "unit": true}

func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	if err := unresolved("state.path", cfg.State.Path); err != nil {
		return err
	}

	if cfg.Backups.Dir == "" {
		return fmt.Errorf("backups.dir is required")
	}
	if cfg.Backups.Keep < 1 {
		return fmt.Errorf("backups.keep must be at least 1")
	}

	switch cfg.Sandbox.Backend {
	case "process", "container":
	default:
		return fmt.Errorf("sandbox.backend must be one of: process, container (got %q)", cfg.Sandbox.Backend)
	}
	if cfg.Sandbox.Timeout <= 0 {
		return fmt.Errorf("sandbox.timeout must be positive")
	}
	if cfg.Sandbox.Concurrency < 1 {
		return fmt.Errorf("sandbox.concurrency must be at least 1")
	}
	if cfg.Sandbox.ScratchDir == "" {
		return fmt.Errorf("sandbox.scratch_dir is required")
	}
	if len(cfg.Sandbox.Checks) == 0 {
		return fmt.Errorf("sandbox.checks must list at least one check")
	}
	for _, c := range cfg.Sandbox.Checks {
		if !validChecks[c] {
			return fmt.Errorf("sandbox.checks: unknown check %q (valid: syntax, lint, type, unit)", c)
		}
	}
	if cfg.Sandbox.ProvisionFailureLimit < 1 {
		return fmt.Errorf("sandbox.provision_failure_limit must be at least 1")
	}

	if cfg.Learning.Retention <= 0 {
		return fmt.Errorf("learning.retention must be positive")
	}
	if cfg.Learning.CategoryCap < 1 {
		return fmt.Errorf("learning.category_cap must be at least 1")
	}
	if cfg.Learning.MinExportScore < 0 || cfg.Learning.MinExportScore > 1 {
		return fmt.Errorf("learning.min_export_score must be within [0,1]")
	}
	if cfg.Learning.PerformanceDecay <= 0 || cfg.Learning.PerformanceDecay > 1 {
		return fmt.Errorf("learning.performance_decay must be within (0,1]")
	}

	if cfg.Engine.MaxAttempts < 1 {
		return fmt.Errorf("engine.max_attempts must be at least 1")
	}
	if cfg.Collaborators.Timeout <= 0 {
		return fmt.Errorf("collaborators.timeout must be positive")
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when the API is enabled")
		}
		if err := unresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
			return err
		}
		if cfg.API.Auth.APIKey == "" && len(cfg.API.Auth.Tokens) == 0 {
			return fmt.Errorf("api.auth requires api_key or tokens when the API is enabled")
		}
		for i, tok := range cfg.API.Auth.Tokens {
			if tok.Token == "" {
				return fmt.Errorf("api.auth.tokens[%d].token is required", i)
			}
			if err := unresolved(fmt.Sprintf("api.auth.tokens[%d].token", i), tok.Token); err != nil {
				return err
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
			}
			for j, ws := range tok.Workspaces {
				if !filepath.IsAbs(ws) {
					return fmt.Errorf("api.auth.tokens[%d].workspaces[%d] must be an absolute path", i, j)
				}
			}
		}
	}

	for i, ws := range cfg.Scheduler.Workspaces {
		if strings.TrimSpace(ws.Path) == "" {
			return fmt.Errorf("scheduler.workspaces[%d].path is required", i)
		}
		if ws.Every <= 0 && !ws.Watch {
			return fmt.Errorf("scheduler.workspaces[%d]: set every, watch, or both", i)
		}
		if ws.Every > 0 && ws.Every < time.Minute {
			return fmt.Errorf("scheduler.workspaces[%d].every must be at least 1m", i)
		}
	}

	return nil
}
