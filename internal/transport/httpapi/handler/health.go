package handler

import (
	"context"
	"net/http"
	"time"
)

// Pinger checks one dependency
type Pinger interface {
	Health(ctx context.Context) error
}

// HealthHandler handles health check requests. The local store is required;
// the remote store and the notification outbox are optional because the
// service keeps working offline.
type HealthHandler struct {
	local    Pinger
	optional map[string]Pinger
	version  string
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(local Pinger, optional map[string]Pinger, version string) *HealthHandler {
	if optional == nil {
		optional = map[string]Pinger{}
	}
	return &HealthHandler{local: local, optional: optional, version: version}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version,omitempty"`
	Checks  map[string]string `json:"checks"`
	Uptime  string            `json:"uptime,omitempty"`
}

var startTime = time.Now()

// GetHealth handles GET /health
func GetHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, HealthResponse{
		Status: "ok",
		Uptime: time.Since(startTime).String(),
		Checks: map[string]string{},
	}, http.StatusOK)
}

// GetReadiness handles GET /health/ready. Unreachable optional dependencies
// degrade the status without failing readiness.
func (h *HealthHandler) GetReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, len(h.optional)+1)
	status, code := "ready", http.StatusOK

	if err := h.local.Health(ctx); err != nil {
		checks["local_store"] = "unhealthy: " + err.Error()
		status, code = "unavailable", http.StatusServiceUnavailable
	} else {
		checks["local_store"] = "healthy"
	}

	for name, p := range h.optional {
		if err := p.Health(ctx); err != nil {
			checks[name] = "unreachable: " + err.Error()
			if code == http.StatusOK {
				status = "degraded"
			}
			continue
		}
		checks[name] = "healthy"
	}

	respondJSON(w, HealthResponse{
		Status:  status,
		Version: h.version,
		Uptime:  time.Since(startTime).String(),
		Checks:  checks,
	}, code)
}
