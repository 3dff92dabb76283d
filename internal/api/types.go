package api

import (
	"time"

	"github.com/mattjoyce/mender/internal/issue"
)

// StartRequest is the JSON body for POST /remediations.
type StartRequest struct {
	Workspace string        `json:"workspace"`
	Mode      string        `json:"mode,omitempty"`
	Filter    *issue.Filter `json:"filter,omitempty"`
	// Issue selects the target of a targeted run.
	Issue *issue.Ref `json:"issue,omitempty"`
}

// StartResponse is returned when a session is accepted.
type StartResponse struct {
	SessionID string    `json:"session_id"`
	Workspace string    `json:"workspace"`
	Mode      string    `json:"mode"`
	StartedAt time.Time `json:"started_at"`
}

// StopRequest is the optional JSON body for POST /remediations/stop.
type StopRequest struct {
	Revert bool `json:"revert,omitempty"`
}

// StopResponse reports whether a session was actually stopped.
type StopResponse struct {
	Stopped bool `json:"stopped"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Phase         string `json:"phase"`
	SessionID     string `json:"session_id,omitempty"`
}
