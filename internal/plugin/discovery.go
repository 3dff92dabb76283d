package plugin

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/mender/internal/protocol"
)

const manifestFilename = "manifest.yaml"

// Registry holds discovered plugins indexed by name.
type Registry struct {
	plugins map[string]*Plugin
}

// NewRegistry creates an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		plugins: make(map[string]*Plugin),
	}
}

// Get retrieves a plugin by name.
func (r *Registry) Get(name string) (*Plugin, bool) {
	p, ok := r.plugins[name]
	return p, ok
}

// All returns all registered plugins.
func (r *Registry) All() map[string]*Plugin {
	return r.plugins
}

// OfKind returns the plugins of kind k sorted by name.
func (r *Registry) OfKind(k Kind) []*Plugin {
	var out []*Plugin
	for _, p := range r.plugins {
		if p.Kind == k {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Add registers a plugin in the registry.
func (r *Registry) Add(plugin *Plugin) error {
	if _, exists := r.plugins[plugin.Name]; exists {
		return fmt.Errorf("plugin %q already registered", plugin.Name)
	}
	r.plugins[plugin.Name] = plugin
	return nil
}

// Discover walks root for manifest.yaml files at any depth and returns the
// plugins that validate. A broken plugin is reported through logger and
// skipped; only an unusable root is an error.
func Discover(root string, logger func(level, msg string, args ...any)) (*Registry, error) {
	if logger == nil {
		logger = func(string, string, ...any) {}
	}
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("plugins directory is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve plugins directory %q: %w", root, err)
	}
	info, err := os.Stat(abs)
	switch {
	case os.IsNotExist(err):
		return nil, fmt.Errorf("plugins directory does not exist: %s", abs)
	case err != nil:
		return nil, fmt.Errorf("stat plugins directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("plugins directory is not a directory: %s", abs)
	}

	registry := NewRegistry()
	walkErr := filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != manifestFilename {
			return nil
		}
		dir := filepath.Dir(path)
		p, err := loadPlugin(dir, abs)
		if err != nil {
			logger("warn", "plugin skipped", "path", dir, "error", err.Error())
			return nil
		}
		if existing, ok := registry.Get(p.Name); ok {
			logger("warn", "duplicate plugin name, keeping first", "plugin", p.Name, "kept", existing.Path, "skipped", p.Path)
			return nil
		}
		_ = registry.Add(p)
		logger("debug", "plugin loaded", "plugin", p.Name, "kind", string(p.Kind), "version", p.Version)
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("walk plugins directory %s: %w", abs, walkErr)
	}
	return registry, nil
}

func loadPlugin(dir, root string) (*Plugin, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestFilename))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", manifestFilename, err)
	}
	if err := validateManifest(&m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	entrypoint := filepath.Join(dir, m.Entrypoint)
	if err := validateTrust(entrypoint, dir, root); err != nil {
		return nil, err
	}
	return &Plugin{
		Name:        m.Name,
		Kind:        m.Kind,
		Path:        dir,
		Entrypoint:  entrypoint,
		Protocol:    m.Protocol,
		Version:     m.Version,
		Description: m.Description,
		Commands:    m.Commands,
		Languages:   m.Languages,
		Timeout:     m.Timeout,
		Config:      m.Config,
	}, nil
}

// validateManifest checks required manifest fields.
func validateManifest(m *Manifest) error {
	if m.Name == "" {
		return fmt.Errorf("name is required")
	}

	if m.Protocol == 0 {
		return fmt.Errorf("protocol version is required")
	}
	if m.Protocol != protocol.Version {
		return fmt.Errorf("unsupported protocol version %d (supported: %d)", m.Protocol, protocol.Version)
	}

	if m.Entrypoint == "" {
		return fmt.Errorf("entrypoint is required")
	}

	// Check for path traversal in entrypoint
	if strings.Contains(m.Entrypoint, "..") {
		return fmt.Errorf("entrypoint contains path traversal: %s", m.Entrypoint)
	}

	if len(m.Commands) == 0 {
		return fmt.Errorf("at least one command must be declared")
	}

	validCommands := map[string]bool{
		protocol.CommandScan:    true,
		protocol.CommandPropose: true,
		protocol.CommandHealth:  true,
	}
	for _, cmd := range m.Commands {
		if cmd == "" {
			return fmt.Errorf("command name is required")
		}
		if !validCommands[cmd] {
			return fmt.Errorf("invalid command %q (valid: scan, propose, health)", cmd)
		}
	}

	if m.Kind == "" {
		// Infer from the commands when only one role is possible.
		switch {
		case slices.Contains(m.Commands, protocol.CommandScan) && !slices.Contains(m.Commands, protocol.CommandPropose):
			m.Kind = KindScanner
		case slices.Contains(m.Commands, protocol.CommandPropose) && !slices.Contains(m.Commands, protocol.CommandScan):
			m.Kind = KindFixer
		default:
			return fmt.Errorf("kind is required when commands do not imply one")
		}
	}
	required := requiredCommand(m.Kind)
	if required == "" {
		return fmt.Errorf("invalid kind %q (valid: scanner, fixer)", m.Kind)
	}
	if !slices.Contains(m.Commands, required) {
		return fmt.Errorf("%s plugin must declare the %q command", m.Kind, required)
	}
	if m.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}

	return nil
}

// validateTrust refuses entrypoints that escape the plugin directory or the
// plugins root, are not executable, or live in a world-writable directory.
func validateTrust(entrypoint, pluginDir, root string) error {
	resolved := make([]string, 0, 3)
	for _, p := range []string{entrypoint, pluginDir, root} {
		r, err := filepath.EvalSymlinks(p)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", p, err)
		}
		resolved = append(resolved, r)
	}
	entry, dir, rootDir := resolved[0], resolved[1], resolved[2]

	if !under(entry, rootDir) {
		return fmt.Errorf("entrypoint %s is outside the plugins directory", entry)
	}
	if !under(entry, dir) {
		return fmt.Errorf("entrypoint %s is outside plugin directory %s", entry, dir)
	}

	info, err := os.Stat(entry)
	if err != nil {
		return fmt.Errorf("stat entrypoint: %w", err)
	}
	if info.Mode()&0o111 == 0 {
		return fmt.Errorf("entrypoint is not executable: %s", entry)
	}
	dirInfo, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("stat plugin directory: %w", err)
	}
	if dirInfo.Mode().Perm()&0o002 != 0 {
		return fmt.Errorf("plugin directory is world-writable: %s", dir)
	}
	return nil
}

func under(path, dir string) bool {
	return strings.HasPrefix(path, dir+string(os.PathSeparator))
}
