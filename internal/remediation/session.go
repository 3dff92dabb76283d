package remediation

import (
	"time"
)

// Session is a snapshot of one remediation run.
type Session struct {
	ID                  string    `json:"id"`
	Workspace           string    `json:"workspace"`
	Mode                Mode      `json:"mode"`
	Phase               Phase     `json:"phase"`
	Progress            float64   `json:"progress"`
	Step                string    `json:"step"`
	StartedAt           time.Time `json:"started_at"`
	CompletedAt         time.Time `json:"completed_at,omitzero"`
	Error               string    `json:"error,omitempty"`
	EstimatedCompletion time.Time `json:"estimated_completion,omitzero"`
	BackupID            string    `json:"backup_id,omitempty"`
}

// DetailStatus is the final state of one issue.
type DetailStatus string

const (
	StatusFixed      DetailStatus = "fixed"
	StatusUnresolved DetailStatus = "unresolved"
	StatusSkipped    DetailStatus = "skipped"
	StatusFound      DetailStatus = "found"
)

// IssueDetail reports what happened to one issue.
type IssueDetail struct {
	IssueID  string       `json:"issue_id"`
	File     string       `json:"file"`
	Category string       `json:"category,omitempty"`
	Severity string       `json:"severity,omitempty"`
	Status   DetailStatus `json:"status"`
	Attempts int          `json:"attempts"`
	Score    float64      `json:"score"`
	Reason   string       `json:"reason,omitempty"`
	Message  string       `json:"message,omitempty"`
}

// Result is the terminal summary of a session.
type Result struct {
	SessionID        string        `json:"session_id"`
	Workspace        string        `json:"workspace"`
	Mode             Mode          `json:"mode"`
	Success          bool          `json:"success"`
	IssuesFound      int           `json:"issues_found"`
	FixesApplied     int           `json:"fixes_applied"`
	TestsPassed      int           `json:"tests_passed"`
	TestsFailed      int           `json:"tests_failed"`
	LearningExamples int           `json:"learning_examples"`
	Unresolved       int           `json:"unresolved"`
	Duration         time.Duration `json:"duration"`
	Error            string        `json:"error,omitempty"`
	Cancelled        bool          `json:"cancelled"`
	RolledBack       bool          `json:"rolled_back"`
	RollbackFailed   bool          `json:"rollback_failed"`
	BackupID         string        `json:"backup_id,omitempty"`
	Details          []IssueDetail `json:"details"`
}

// Exit codes for command line callers.
const (
	ExitOK             = 0
	ExitUnresolved     = 1
	ExitAborted        = 2
	ExitRollbackFailed = 3
)

// ExitCode maps the result to a process exit status.
func (r Result) ExitCode() int {
	switch {
	case r.RollbackFailed:
		return ExitRollbackFailed
	case r.Error != "":
		return ExitAborted
	case r.Cancelled || r.Unresolved > 0:
		return ExitUnresolved
	default:
		return ExitOK
	}
}
