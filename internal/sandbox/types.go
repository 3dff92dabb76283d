// Package sandbox validates candidate fixes. Every check runs against a fresh
// scratch copy of the workspace with the candidate applied, through a Backend
// that isolates the toolchain command (a host process group or a container).
package sandbox

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/mender/internal/dispatch"
	"github.com/mattjoyce/mender/internal/issue"
)

var (
	// ErrSandboxProvision means the sandbox itself could not be set up or the
	// toolchain could not be started. Repeated provisioning failures indicate
	// a broken environment rather than a bad candidate.
	ErrSandboxProvision = errors.New("sandbox provisioning failed")
	// ErrUnsupportedCheck marks a check with no toolchain command for the
	// candidate's language. It surfaces as a failed verdict, never as a Run error.
	ErrUnsupportedCheck = errors.New("unsupported check")
)

// CheckKind is one kind of validation.
type CheckKind string

const (
	CheckSyntax CheckKind = "syntax"
	CheckLint   CheckKind = "lint"
	CheckType   CheckKind = "type"
	CheckUnit   CheckKind = "unit"
)

// AllChecks lists every kind in execution order.
var AllChecks = []CheckKind{CheckSyntax, CheckLint, CheckType, CheckUnit}

// Weight is the check's share of the verdict score.
func (k CheckKind) Weight() int {
	switch k {
	case CheckSyntax, CheckLint:
		return 1
	case CheckType:
		return 2
	case CheckUnit:
		return 4
	default:
		return 0
	}
}

func (k CheckKind) order() int {
	for i, c := range AllChecks {
		if c == k {
			return i
		}
	}
	return len(AllChecks)
}

// ParseChecks converts names to check kinds, rejecting unknown names.
func ParseChecks(names []string) ([]CheckKind, error) {
	out := make([]CheckKind, 0, len(names))
	for _, n := range names {
		k := CheckKind(strings.ToLower(strings.TrimSpace(n)))
		if k.Weight() == 0 {
			return nil, fmt.Errorf("unknown check %q (valid: syntax, lint, type, unit)", n)
		}
		out = append(out, k)
	}
	return out, nil
}

// Reason explains a failed verdict.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonChecksFailed     Reason = "checks_failed"
	ReasonUnsupportedCheck Reason = "unsupported_check"
	ReasonTimeout          Reason = "timeout"
	ReasonProvision        Reason = "provision_failed"
	ReasonInvalidCandidate Reason = "invalid_candidate"
	ReasonCancelled        Reason = "cancelled"
)

// CheckResult is the outcome of one check.
type CheckResult struct {
	Kind     CheckKind     `json:"kind"`
	Passed   bool          `json:"passed"`
	Skipped  bool          `json:"skipped,omitempty"`
	ExitCode int           `json:"exit_code"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Verdict is the validation result for one candidate.
type Verdict struct {
	Candidate issue.Candidate `json:"candidate"`
	Passed    bool            `json:"passed"`
	Checks    []CheckResult   `json:"checks"`
	Duration  time.Duration   `json:"duration"`
	Usage     dispatch.Usage  `json:"usage"`
	Score     float64         `json:"score"`
	Reason    Reason          `json:"reason,omitempty"`
}

// Failures returns the checks that did not pass and were not skipped.
func (v Verdict) Failures() []CheckResult {
	var out []CheckResult
	for _, c := range v.Checks {
		if !c.Passed && !c.Skipped {
			out = append(out, c)
		}
	}
	return out
}

// Summary renders the verdict in one line for logs and learning records.
func (v Verdict) Summary() string {
	if v.Passed {
		return fmt.Sprintf("passed %d/%d checks (score %.2f)", len(v.Checks), len(v.Checks), v.Score)
	}
	passed := 0
	for _, c := range v.Checks {
		if c.Passed {
			passed++
		}
	}
	return fmt.Sprintf("failed: %s, passed %d/%d checks (score %.2f)", v.Reason, passed, len(v.Checks), v.Score)
}

// Request asks for one candidate to be validated against a workspace.
type Request struct {
	Workspace string
	Candidate issue.Candidate
	// Checks defaults to the runner's configured set when empty.
	Checks []CheckKind
}

// Score is the weighted share of requested checks that passed. It is 0 when
// nothing was requested.
func Score(requested []CheckKind, results []CheckResult) float64 {
	total := 0
	for _, k := range requested {
		total += k.Weight()
	}
	if total == 0 {
		return 0
	}
	got := 0
	for _, r := range results {
		if r.Passed {
			got += r.Kind.Weight()
		}
	}
	return float64(got) / float64(total)
}
