package api

import (
	"net/http"
	"strings"

	"github.com/mattjoyce/mender/internal/auth"
)

// route describes one authenticated endpoint for the OpenAPI document.
type route struct {
	method    string
	path      string
	id        string
	summary   string
	scope     string
	responses map[string]string
}

var routes = []route{
	{http.MethodPost, "/remediations", "startRemediation", "Start a remediation session", auth.ScopeRemediationRW,
		map[string]string{"202": "Session accepted", "400": "Invalid workspace or request", "409": "Engine or workspace busy"}},
	{http.MethodPost, "/remediations/stop", "stopRemediation", "Stop the active session, optionally reverting", auth.ScopeRemediationRW,
		map[string]string{"200": "Whether a session was stopped"}},
	{http.MethodGet, "/status", "getStatus", "Current or last session", auth.ScopeRemediationRO,
		map[string]string{"200": "Session snapshot"}},
	{http.MethodGet, "/statistics", "getStatistics", "Learning corpus statistics", auth.ScopeLearningRO,
		map[string]string{"200": "Statistics"}},
	{http.MethodGet, "/events", "streamEvents", "Server-sent progress, state and completion events", auth.ScopeEventsRO,
		map[string]string{"200": "text/event-stream"}},
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the control API.
func buildOpenAPIDoc() map[string]any {
	paths := map[string]any{
		"/healthz": map[string]any{
			"get": map[string]any{
				"operationId": "healthz",
				"summary":     "Liveness and current phase",
				"responses":   map[string]any{"200": map[string]any{"description": "OK"}},
			},
		},
	}

	for _, rt := range routes {
		responses := map[string]any{
			"401": map[string]any{"description": "Missing or invalid token"},
			"403": map[string]any{"description": "Insufficient scope"},
		}
		for code, desc := range rt.responses {
			responses[code] = map[string]any{"description": desc}
		}
		item, _ := paths[rt.path].(map[string]any)
		if item == nil {
			item = map[string]any{}
			paths[rt.path] = item
		}
		item[strings.ToLower(rt.method)] = map[string]any{
			"operationId": rt.id,
			"summary":     rt.summary,
			"responses":   responses,
			"security":    []any{map[string]any{"BearerAuth": []string{rt.scope}}},
		}
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "Mender",
			"version": "1.0",
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}

// handleOpenAPI handles GET /openapi.json (no auth).
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc())
}
