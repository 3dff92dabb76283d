package protocol

import (
	"time"

	"github.com/mattjoyce/mender/internal/issue"
)

// Version is the only protocol version spoken.
const Version = 1

// Commands a collaborator plugin can implement.
const (
	CommandScan    = "scan"
	CommandPropose = "propose"
	CommandHealth  = "health"
)

// Request represents the protocol v1 request envelope sent to plugins via stdin.
type Request struct {
	Protocol  int            `json:"protocol"`
	RequestID string         `json:"request_id"`
	Command   string         `json:"command"` // scan | propose | health
	SessionID string         `json:"session_id,omitempty"`
	Workspace string         `json:"workspace,omitempty"`
	Config    map[string]any `json:"config,omitempty"`

	Filter   *issue.Filter `json:"filter,omitempty"`   // scan only
	Issue    *issue.Issue  `json:"issue,omitempty"`    // propose only
	Attempt  int           `json:"attempt,omitempty"`  // propose only, 1-based
	Previous *Feedback     `json:"previous,omitempty"` // propose retries only

	DeadlineAt time.Time `json:"deadline_at"`
}

// Feedback tells a fix generator why its previous candidate was rejected.
type Feedback struct {
	Candidate issue.Candidate `json:"candidate"`
	Reason    string          `json:"reason,omitempty"`
	Failures  []CheckFailure  `json:"failures,omitempty"`
}

// CheckFailure is one failed sandbox check.
type CheckFailure struct {
	Kind    string `json:"kind"`
	Message string `json:"message,omitempty"`
}

// Response represents the protocol v1 response envelope received from plugins via stdout.
type Response struct {
	Status    string           `json:"status"` // ok | error
	Error     string           `json:"error,omitempty"`
	Retry     *bool            `json:"retry,omitempty"` // defaults to true if omitted
	Issues    []issue.Issue    `json:"issues,omitempty"`
	Candidate *issue.Candidate `json:"candidate,omitempty"`
	Logs      []LogEntry       `json:"logs,omitempty"`
}

// LogEntry represents a log message from a plugin.
type LogEntry struct {
	Level   string `json:"level"` // info | warn | error | debug
	Message string `json:"message"`
}

// ShouldRetry returns true if the response indicates the call may be retried.
// Defaults to true if retry field is omitted.
func (r *Response) ShouldRetry() bool {
	if r.Retry == nil {
		return true
	}
	return *r.Retry
}
