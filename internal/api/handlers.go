package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mattjoyce/mender/internal/auth"
	"github.com/mattjoyce/mender/internal/remediation"
)

const maxBodyBytes = 1 << 20

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	sess := s.engine.Status()
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Phase:         sess.Phase.String(),
		SessionID:     sess.ID,
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleStart handles POST /remediations.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Workspace = strings.TrimSpace(req.Workspace)
	if req.Workspace == "" {
		s.writeError(w, http.StatusBadRequest, "workspace is required")
		return
	}
	mode, err := remediation.ParseMode(req.Mode)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.mayRemediate(w, r, req.Workspace) {
		return
	}

	var sess remediation.Session
	switch mode {
	case remediation.ModeTargeted:
		if req.Issue == nil {
			s.writeError(w, http.StatusBadRequest, "targeted mode requires an issue")
			return
		}
		sess, err = s.engine.StartTargetedFix(r.Context(), req.Workspace, *req.Issue)
	case remediation.ModeScanOnly:
		sess, err = s.engine.StartScan(r.Context(), req.Workspace, req.Filter)
	default:
		sess, err = s.engine.StartAutomatedFix(r.Context(), req.Workspace, req.Filter)
	}
	if err != nil {
		s.writeStartError(w, err)
		return
	}

	principal, _ := auth.PrincipalFromContext(r.Context())
	s.logger.Info("remediation accepted", "session_id", sess.ID, "workspace", sess.Workspace, "mode", sess.Mode, "principal", principal.Name)
	respondJSON(w, http.StatusAccepted, StartResponse{
		SessionID: sess.ID,
		Workspace: sess.Workspace,
		Mode:      string(sess.Mode),
		StartedAt: sess.StartedAt,
	})
}

func (s *Server) writeStartError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, remediation.ErrAlreadyActive), errors.Is(err, remediation.ErrWorkspaceBusy):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, remediation.ErrInvalidWorkspace), errors.Is(err, remediation.ErrInvalidRequest):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("failed to start remediation", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to start remediation")
	}
}

// handleStop handles POST /remediations/stop. The body is optional.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req StopRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if cur := s.engine.Status(); cur.Phase.Active() && !s.mayRemediate(w, r, cur.Workspace) {
		return
	}
	var stopped bool
	if req.Revert {
		stopped = s.engine.StopAndRevert()
	} else {
		stopped = s.engine.Stop()
	}
	respondJSON(w, http.StatusOK, StopResponse{Stopped: stopped})
}

// handleStatus handles GET /status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.engine.Status())
}

// handleStatistics handles GET /statistics.
func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Statistics(r.Context())
	if err != nil {
		s.logger.Error("failed to load learning statistics", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load statistics")
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// decodeBody decodes a JSON body into dst. An empty body leaves dst alone.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
