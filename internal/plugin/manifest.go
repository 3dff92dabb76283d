package plugin

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/mender/internal/protocol"
)

// Kind says which collaborator role a plugin fills.
type Kind string

const (
	KindScanner Kind = "scanner"
	KindFixer   Kind = "fixer"
)

// Commands is a list of supported command names.
//
// Accepted formats:
//   - string array: commands: [scan, health]
//   - object array: commands: [{name: scan, description: ...}]
type Commands []string

func (c *Commands) UnmarshalYAML(n *yaml.Node) error {
	if n == nil {
		*c = nil
		return nil
	}
	if n.Kind != yaml.SequenceNode {
		return fmt.Errorf("commands must be a sequence")
	}

	out := make([]string, 0, len(n.Content))
	for _, item := range n.Content {
		switch item.Kind {
		case yaml.ScalarNode:
			out = append(out, strings.TrimSpace(item.Value))
		case yaml.MappingNode:
			var tmp struct {
				Name        string `yaml:"name"`
				Description string `yaml:"description,omitempty"`
			}
			if err := item.Decode(&tmp); err != nil {
				return fmt.Errorf("invalid command object: %w", err)
			}
			out = append(out, strings.TrimSpace(tmp.Name))
		default:
			return fmt.Errorf("invalid command entry (must be string or object)")
		}
	}

	*c = out
	return nil
}

// Manifest defines the structure of a plugin's manifest.yaml file.
type Manifest struct {
	Name        string         `yaml:"name"`
	Version     string         `yaml:"version"`
	Protocol    int            `yaml:"protocol"`
	Kind        Kind           `yaml:"kind"`
	Entrypoint  string         `yaml:"entrypoint"`
	Description string         `yaml:"description,omitempty"`
	Commands    Commands       `yaml:"commands"`
	Languages   []string       `yaml:"languages,omitempty"`
	Timeout     time.Duration  `yaml:"timeout,omitempty"`
	Config      map[string]any `yaml:"config,omitempty"`
}

// Plugin represents a discovered and validated plugin.
type Plugin struct {
	Name        string   // Plugin name from manifest
	Kind        Kind     // scanner or fixer
	Path        string   // Absolute path to plugin directory
	Entrypoint  string   // Absolute path to entrypoint executable
	Protocol    int      // Protocol version
	Version     string   // Plugin version
	Description string   // Human-readable description
	Commands    Commands // Supported commands (scan, propose, health)
	Languages   []string // Languages the plugin handles; empty means any
	Timeout     time.Duration
	Config      map[string]any
}

// SupportsCommand checks if the plugin supports a given command.
func (p *Plugin) SupportsCommand(cmd string) bool {
	return slices.Contains(p.Commands, cmd)
}

// Handles reports whether the plugin declared support for language.
func (p *Plugin) Handles(language string) bool {
	return len(p.Languages) == 0 || slices.Contains(p.Languages, language)
}

// requiredCommand is the command a plugin of each kind must implement.
func requiredCommand(k Kind) string {
	switch k {
	case KindScanner:
		return protocol.CommandScan
	case KindFixer:
		return protocol.CommandPropose
	default:
		return ""
	}
}
