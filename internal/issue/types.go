// Package issue holds the value types exchanged between the scanner, the fix
// generator, the sandbox and the learning store. Values are immutable once
// produced; nothing in this package performs I/O.
package issue

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
)

// Severity ranks how urgent an issue is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown values rank lowest.
func (s Severity) Rank() int {
	switch Severity(strings.ToLower(string(s))) {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Location points into a file. Lines are 1-based; zero means unknown.
type Location struct {
	Line    int `json:"line,omitempty"`
	Column  int `json:"column,omitempty"`
	EndLine int `json:"end_line,omitempty"`
}

func (l Location) String() string {
	if l.Line == 0 {
		return "?"
	}
	if l.Column == 0 {
		return fmt.Sprintf("%d", l.Line)
	}
	return fmt.Sprintf("%d:%d", l.Line, l.Column)
}

// Issue is a finding reported by a scanner. File is relative to the workspace.
type Issue struct {
	ID          string   `json:"id"`
	File        string   `json:"file"`
	Location    Location `json:"location"`
	Category    string   `json:"category"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
	Language    string   `json:"language,omitempty"`
}

// Lang returns the declared language or one derived from the file extension.
func (i Issue) Lang() string {
	if i.Language != "" {
		return i.Language
	}
	return LanguageFromPath(i.File)
}

// Filter narrows a scan. Empty fields match everything.
type Filter struct {
	Categories  []string `json:"categories,omitempty"`
	MinSeverity Severity `json:"min_severity,omitempty"`
	Files       []string `json:"files,omitempty"`
	Languages   []string `json:"languages,omitempty"`
}

// Match reports whether is passes the filter.
func (f *Filter) Match(is Issue) bool {
	if f == nil {
		return true
	}
	if len(f.Categories) > 0 && !slices.Contains(f.Categories, is.Category) {
		return false
	}
	if f.MinSeverity != "" && is.Severity.Rank() < f.MinSeverity.Rank() {
		return false
	}
	if len(f.Files) > 0 && !slices.Contains(f.Files, filepath.ToSlash(is.File)) {
		return false
	}
	if len(f.Languages) > 0 && !slices.Contains(f.Languages, is.Lang()) {
		return false
	}
	return true
}

// Apply returns the issues that pass the filter, preserving order.
func (f *Filter) Apply(issues []Issue) []Issue {
	if f == nil {
		return issues
	}
	out := make([]Issue, 0, len(issues))
	for _, is := range issues {
		if f.Match(is) {
			out = append(out, is)
		}
	}
	return out
}

// Ref identifies a single issue for a targeted fix. ID wins when set;
// otherwise File and Line select it. Description lets a caller describe an
// issue the scanner does not report.
type Ref struct {
	ID          string   `json:"id,omitempty"`
	File        string   `json:"file"`
	Line        int      `json:"line,omitempty"`
	Category    string   `json:"category,omitempty"`
	Severity    Severity `json:"severity,omitempty"`
	Description string   `json:"description,omitempty"`
	Language    string   `json:"language,omitempty"`
}

// Matches reports whether is is the issue r refers to.
func (r Ref) Matches(is Issue) bool {
	if r.ID != "" {
		return r.ID == is.ID
	}
	if filepath.ToSlash(r.File) != filepath.ToSlash(is.File) {
		return false
	}
	return r.Line == 0 || r.Line == is.Location.Line
}

// Issue converts a described reference into an Issue. ok is false when the
// reference carries no description to act on.
func (r Ref) Issue() (Issue, bool) {
	if strings.TrimSpace(r.Description) == "" || r.File == "" {
		return Issue{}, false
	}
	id := r.ID
	if id == "" {
		id = fmt.Sprintf("%s:%d", filepath.ToSlash(r.File), r.Line)
	}
	category := r.Category
	if category == "" {
		category = "targeted"
	}
	return Issue{
		ID:          id,
		File:        r.File,
		Location:    Location{Line: r.Line},
		Category:    category,
		Severity:    r.Severity,
		Description: r.Description,
		Language:    r.Language,
	}, true
}

// ErrSnippetNotFound is returned when a candidate's original snippet is not
// present in the file it targets.
var ErrSnippetNotFound = errors.New("original snippet not found")

// Candidate is a proposed change for one issue. An empty Original means the
// whole file is replaced by Proposed.
type Candidate struct {
	IssueID  string `json:"issue_id"`
	File     string `json:"file"`
	Original string `json:"original"`
	Proposed string `json:"proposed"`
	Language string `json:"language"`
	ModelID  string `json:"model_id,omitempty"`
	// Confidence is the generator's own estimate in [0,1]; zero means unknown.
	Confidence float64 `json:"confidence,omitempty"`
}

// Apply returns content with the first occurrence of Original replaced.
func (c Candidate) Apply(content []byte) ([]byte, error) {
	if c.Original == "" {
		return []byte(c.Proposed), nil
	}
	idx := bytes.Index(content, []byte(c.Original))
	if idx < 0 {
		return nil, fmt.Errorf("%s in %s: %w", c.IssueID, c.File, ErrSnippetNotFound)
	}
	out := make([]byte, 0, len(content)-len(c.Original)+len(c.Proposed))
	out = append(out, content[:idx]...)
	out = append(out, c.Proposed...)
	out = append(out, content[idx+len(c.Original):]...)
	return out, nil
}

var extensionLanguages = map[string]string{
	".go":   "go",
	".py":   "python",
	".js":   "javascript",
	".mjs":  "javascript",
	".cjs":  "javascript",
	".ts":   "typescript",
	".tsx":  "typescript",
	".rs":   "rust",
	".sh":   "shell",
	".bash": "shell",
	".rb":   "ruby",
	".java": "java",
}

// LanguageFromPath guesses a language name from a file extension.
func LanguageFromPath(path string) string {
	return extensionLanguages[strings.ToLower(filepath.Ext(path))]
}
