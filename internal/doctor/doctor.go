// Package doctor checks that a mender configuration can actually run: that
// the collaborators resolve, the sandbox tools exist and the scheduled
// workspaces are sane. Static field validation lives in config.
package doctor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	"github.com/mattjoyce/mender/internal/auth"
	"github.com/mattjoyce/mender/internal/config"
	"github.com/mattjoyce/mender/internal/plugin"
	"github.com/mattjoyce/mender/internal/sandbox"
	"github.com/mattjoyce/mender/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates configuration against the discovered plugins and the
// host.
type Doctor struct {
	cfg        *config.Config
	registry   *plugin.Registry
	toolchains *sandbox.Toolchains

	lookPath func(string) (string, error)
	stat     func(string) (os.FileInfo, error)
	checkFS  func(path, use string) error
}

// Option customises a Doctor.
type Option func(*Doctor)

// WithLookPath replaces exec.LookPath.
func WithLookPath(f func(string) (string, error)) Option { return func(d *Doctor) { d.lookPath = f } }

// WithFilesystemCheck replaces storage.CheckLocal.
func WithFilesystemCheck(f func(path, use string) error) Option {
	return func(d *Doctor) { d.checkFS = f }
}

func New(cfg *config.Config, registry *plugin.Registry, toolchains *sandbox.Toolchains, opts ...Option) *Doctor {
	d := &Doctor{
		cfg:        cfg,
		registry:   registry,
		toolchains: toolchains,
		lookPath:   exec.LookPath,
		stat:       os.Stat,
		checkFS:    storage.CheckLocal,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateCollaborators(r)
	d.validateSandbox(r)
	d.validateTokenScopes(r)
	d.validateScheduler(r)
	d.validateFilesystems(r)
	d.warnUnusedPlugins(r)
	d.warnDeprecatedSyntax(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateCollaborators checks that a scanner and a fixer resolve the same
// way the engine resolves them.
func (d *Doctor) validateCollaborators(r *Result) {
	cc := d.cfg.Collaborators
	for _, role := range []struct {
		kind  plugin.Kind
		name  string
		field string
	}{
		{plugin.KindScanner, cc.Scanner, "collaborators.scanner"},
		{plugin.KindFixer, cc.Fixer, "collaborators.fixer"},
	} {
		if role.name == "" {
			candidates := d.registry.OfKind(role.kind)
			switch len(candidates) {
			case 0:
				d.addError(r, "collaborators", role.field,
					fmt.Sprintf("no %s plugin found in %s", role.kind, cc.PluginsDir))
			case 1:
			default:
				d.addWarning(r, "collaborators", role.field,
					fmt.Sprintf("%d %s plugins found; %q is used, set %s to choose", len(candidates), role.kind, candidates[0].Name, role.field))
			}
			continue
		}
		p, ok := d.registry.Get(role.name)
		if !ok {
			d.addError(r, "collaborators", role.field,
				fmt.Sprintf("plugin %q not found in %s", role.name, cc.PluginsDir))
			continue
		}
		if p.Kind != role.kind {
			d.addError(r, "collaborators", role.field,
				fmt.Sprintf("plugin %q is a %s, not a %s", role.name, p.Kind, role.kind))
		}
	}
}

// validateSandbox checks that every configured check can run somewhere.
func (d *Doctor) validateSandbox(r *Result) {
	sc := d.cfg.Sandbox
	checks, err := sandbox.ParseChecks(sc.Checks)
	if err != nil {
		d.addError(r, "sandbox", "sandbox.checks", err.Error())
		return
	}

	if sc.Backend == "container" {
		if _, err := d.lookPath(sc.ContainerRuntime); err != nil {
			d.addError(r, "sandbox", "sandbox.container_runtime",
				fmt.Sprintf("container runtime %q not found on PATH", sc.ContainerRuntime))
		}
		return
	}

	// The process backend runs toolchain commands on the host.
	for _, lang := range d.toolchains.Languages() {
		tc, _ := d.toolchains.Lookup(lang)
		var missing []string
		for _, kind := range checks {
			argv, ok := tc.Command(kind)
			if !ok {
				continue
			}
			if _, err := d.lookPath(argv[0]); err != nil && !slices.Contains(missing, argv[0]) {
				missing = append(missing, argv[0])
			}
		}
		if len(missing) > 0 {
			d.addWarning(r, "sandbox", "sandbox.checks",
				fmt.Sprintf("%s: %s not on PATH; candidates in %s will fail validation", lang, strings.Join(missing, ", "), lang))
		}
	}
}

// validateTokenScopes checks that every token scope is one the API checks.
func (d *Doctor) validateTokenScopes(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	knownScopes := auth.KnownScopes()
	for i, token := range d.cfg.API.Auth.Tokens {
		for j, scope := range token.Scopes {
			if !slices.Contains(knownScopes, scope) {
				d.addError(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].scopes[%d]", i, j),
					fmt.Sprintf("unknown scope %q (valid: %s)", scope, strings.Join(knownScopes, ", ")))
			}
		}
	}
}

// validateScheduler checks scheduled workspaces exist and that mender's own
// files do not live inside a watched tree.
func (d *Doctor) validateScheduler(r *Result) {
	seen := map[string]int{}
	for i, ws := range d.cfg.Scheduler.Workspaces {
		field := fmt.Sprintf("scheduler.workspaces[%d]", i)
		abs, err := filepath.Abs(ws.Path)
		if err != nil {
			d.addError(r, "scheduler", field+".path", err.Error())
			continue
		}
		info, err := d.stat(abs)
		if err != nil {
			d.addError(r, "scheduler", field+".path", fmt.Sprintf("workspace %s: %v", ws.Path, err))
			continue
		}
		if !info.IsDir() {
			d.addError(r, "scheduler", field+".path", fmt.Sprintf("workspace %s is not a directory", ws.Path))
			continue
		}
		if prev, dup := seen[abs]; dup {
			d.addError(r, "scheduler", field+".path",
				fmt.Sprintf("workspace %s is also scheduler.workspaces[%d]", ws.Path, prev))
		}
		seen[abs] = i

		for _, own := range []struct{ field, path string }{
			{"state.path", filepath.Dir(d.cfg.State.Path)},
			{"backups.dir", d.cfg.Backups.Dir},
			{"sandbox.scratch_dir", d.cfg.Sandbox.ScratchDir},
		} {
			if !within(abs, own.path) {
				continue
			}
			msg := fmt.Sprintf("%s is inside scheduled workspace %s", own.field, ws.Path)
			if ws.Watch {
				d.addError(r, "scheduler", field, msg+"; every session would retrigger the watcher")
			} else {
				d.addWarning(r, "scheduler", field, msg+"; backups will include mender's own files")
			}
		}
	}
}

// validateFilesystems flags mender paths on network mounts. The state
// database and workspaces need local locking; backups only lose atomic
// renames, so they warn.
func (d *Doctor) validateFilesystems(r *Result) {
	type target struct {
		field, path, use string
		fatal            bool
	}
	targets := []target{
		{"state.path", d.cfg.State.Path, "state database", true},
		{"backups.dir", d.cfg.Backups.Dir, "backups", false},
	}
	for i, ws := range d.cfg.Scheduler.Workspaces {
		targets = append(targets, target{fmt.Sprintf("scheduler.workspaces[%d].path", i), ws.Path, "workspace", true})
	}

	for _, t := range targets {
		if t.path == "" {
			continue
		}
		err := d.checkFS(t.path, t.use)
		switch {
		case err == nil:
		case !errors.Is(err, storage.ErrNetworkFilesystem):
			d.addWarning(r, "filesystem", t.field, err.Error())
		case t.fatal:
			d.addError(r, "filesystem", t.field, err.Error()+"; locking is not reliable there")
		default:
			d.addWarning(r, "filesystem", t.field, err.Error()+"; snapshots and restores are not atomic there")
		}
	}
}

func within(root, path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// warnUnusedPlugins warns about discovered plugins the engine will never
// pick.
func (d *Doctor) warnUnusedPlugins(r *Result) {
	cc := d.cfg.Collaborators
	for name, p := range d.registry.All() {
		switch {
		case p.Kind == plugin.KindScanner && cc.Scanner != "" && cc.Scanner != name,
			p.Kind == plugin.KindFixer && cc.Fixer != "" && cc.Fixer != name:
			d.addWarning(r, "unused", "",
				fmt.Sprintf("plugin %q discovered but not selected", name))
		}
	}
}

// warnDeprecatedSyntax warns about legacy config patterns.
func (d *Doctor) warnDeprecatedSyntax(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) > 0 {
		d.addWarning(r, "deprecated", "api.auth",
			"both api_key and tokens configured; prefer tokens array only")
	}
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addWarning(r, "deprecated", "api.auth.api_key",
			"legacy api_key grants full access; migrate to tokens array with scopes")
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
