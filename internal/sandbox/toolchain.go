package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Toolchain maps check kinds to commands for one language. Arguments may use
// {file} (the candidate file, relative to the workspace) and {dir} (the
// workspace root as seen by the command).
type Toolchain struct {
	Language string                 `yaml:"language"`
	Image    string                 `yaml:"image,omitempty"`
	Checks   map[CheckKind][]string `yaml:"checks"`
	Env      map[string]string      `yaml:"env,omitempty"`
}

// Command returns the argv for kind, if the toolchain defines one.
func (t Toolchain) Command(kind CheckKind) ([]string, bool) {
	argv, ok := t.Checks[kind]
	if !ok || len(argv) == 0 {
		return nil, false
	}
	return argv, true
}

// Toolchains is a registry of toolchains keyed by language.
type Toolchains struct {
	byLanguage map[string]Toolchain
}

// DefaultToolchains returns the built-in toolchains.
func DefaultToolchains() *Toolchains {
	t := &Toolchains{byLanguage: map[string]Toolchain{}}
	for _, tc := range []Toolchain{
		{
			Language: "go",
			Image:    "golang:1.25",
			Checks: map[CheckKind][]string{
				CheckSyntax: {"gofmt", "-l", "-e", "{file}"},
				CheckLint:   {"go", "vet", "./..."},
				CheckType:   {"go", "build", "./..."},
				CheckUnit:   {"go", "test", "./..."},
			},
		},
		{
			Language: "python",
			Image:    "python:3.12-slim",
			Checks: map[CheckKind][]string{
				CheckSyntax: {"python3", "-m", "py_compile", "{file}"},
				CheckLint:   {"python3", "-m", "pyflakes", "{file}"},
				CheckType:   {"python3", "-m", "mypy", "{file}"},
				CheckUnit:   {"python3", "-m", "pytest", "-q"},
			},
		},
		{
			Language: "javascript",
			Image:    "node:22-slim",
			Checks: map[CheckKind][]string{
				CheckSyntax: {"node", "--check", "{file}"},
				CheckLint:   {"npx", "--no-install", "eslint", "{file}"},
				CheckUnit:   {"npm", "test", "--silent"},
			},
		},
		{
			Language: "typescript",
			Image:    "node:22-slim",
			Checks: map[CheckKind][]string{
				CheckLint: {"npx", "--no-install", "eslint", "{file}"},
				CheckType: {"npx", "--no-install", "tsc", "--noEmit", "-p", "{dir}"},
				CheckUnit: {"npm", "test", "--silent"},
			},
		},
		{
			Language: "shell",
			Image:    "koalaman/shellcheck-alpine:stable",
			Checks: map[CheckKind][]string{
				CheckSyntax: {"sh", "-n", "{file}"},
				CheckLint:   {"shellcheck", "{file}"},
			},
		},
	} {
		t.byLanguage[tc.Language] = tc
	}
	return t
}

// LoadToolchains returns the built-in toolchains overlaid with every
// *.yaml file in dir. A file replaces the checks it names for its language
// and keeps the rest. A missing dir is not an error.
func LoadToolchains(dir string) (*Toolchains, error) {
	t := DefaultToolchains()
	if strings.TrimSpace(dir) == "" {
		return t, nil
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("glob toolchains: %w", err)
	}
	sort.Strings(matches)
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read toolchain %s: %w", path, err)
		}
		var tc Toolchain
		if err := yaml.Unmarshal(data, &tc); err != nil {
			return nil, fmt.Errorf("parse toolchain %s: %w", path, err)
		}
		if err := t.Merge(tc); err != nil {
			return nil, fmt.Errorf("toolchain %s: %w", path, err)
		}
	}
	return t, nil
}

// Merge overlays tc onto the registry.
func (t *Toolchains) Merge(tc Toolchain) error {
	lang := strings.ToLower(strings.TrimSpace(tc.Language))
	if lang == "" {
		return fmt.Errorf("language is required")
	}
	for kind, argv := range tc.Checks {
		if kind.Weight() == 0 {
			return fmt.Errorf("unknown check %q", kind)
		}
		if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
			return fmt.Errorf("check %q has an empty command", kind)
		}
	}

	existing, ok := t.byLanguage[lang]
	if !ok {
		existing = Toolchain{Language: lang, Checks: map[CheckKind][]string{}}
	}
	if tc.Image != "" {
		existing.Image = tc.Image
	}
	merged := make(map[CheckKind][]string, len(existing.Checks)+len(tc.Checks))
	for k, v := range existing.Checks {
		merged[k] = v
	}
	for k, v := range tc.Checks {
		merged[k] = v
	}
	existing.Checks = merged
	if len(tc.Env) > 0 {
		env := make(map[string]string, len(existing.Env)+len(tc.Env))
		for k, v := range existing.Env {
			env[k] = v
		}
		for k, v := range tc.Env {
			env[k] = v
		}
		existing.Env = env
	}
	t.byLanguage[lang] = existing
	return nil
}

// Lookup returns the toolchain for language.
func (t *Toolchains) Lookup(language string) (Toolchain, bool) {
	tc, ok := t.byLanguage[strings.ToLower(language)]
	return tc, ok
}

// Languages lists the registered languages, sorted.
func (t *Toolchains) Languages() []string {
	out := make([]string, 0, len(t.byLanguage))
	for lang := range t.byLanguage {
		out = append(out, lang)
	}
	sort.Strings(out)
	return out
}

func expandArgs(argv []string, file, dir string) []string {
	out := make([]string, len(argv))
	r := strings.NewReplacer("{file}", file, "{dir}", dir)
	for i, a := range argv {
		out[i] = r.Replace(a)
	}
	return out
}
