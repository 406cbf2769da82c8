// Package handlers provides HTTP request handlers for the portscribe API.
// This file implements health, probe and version endpoints.
package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/anstrom/portscribe/internal/errors"
	"github.com/anstrom/portscribe/internal/logging"
	"github.com/anstrom/portscribe/internal/scanning"
)

// probeTimeout bounds an on-demand probe request.
const probeTimeout = 15 * time.Second

// Status constants.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusUnknown   = "unknown"
)

// HealthHandler handles health check and version endpoints.
type HealthHandler struct {
	ctrl      Controller
	logger    *logging.Logger
	version   string
	startTime time.Time
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(ctrl Controller, logger *logging.Logger, version string) *HealthHandler {
	return &HealthHandler{
		ctrl:      ctrl,
		logger:    logger.WithFields("handler", "health"),
		version:   version,
		startTime: time.Now(),
	}
}

// HealthResponse represents a health check response.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Checks    map[string]string `json:"checks"`
}

// LivenessResponse represents a simple liveness check response.
type LivenessResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
}

// ProbeResponse wraps a fresh nmap probe.
type ProbeResponse struct {
	scanning.ProbeResult
	Error string `json:"error,omitempty"`
}

// VersionResponse represents version information.
type VersionResponse struct {
	Version   string    `json:"version"`
	GoVersion string    `json:"go_version"`
	OS        string    `json:"os"`
	Arch      string    `json:"arch"`
	Timestamp time.Time `json:"timestamp"`
}

// Liveness performs a simple liveness check without dependencies.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.startTime).String(),
	})
}

// Health reports the last known nmap probe and the scanner state. It does
// not run nmap; use Probe for that.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	st := h.ctrl.Status()

	response := HealthResponse{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.startTime).String(),
		Checks:    make(map[string]string),
	}

	switch {
	case st.Tool == nil:
		response.Checks["nmap"] = StatusUnknown
	case !st.Tool.Available:
		response.Status = StatusUnhealthy
		response.Checks["nmap"] = "not found: " + st.Tool.Binary
	case !st.Tool.Healthy:
		response.Status = StatusUnhealthy
		response.Checks["nmap"] = "failed: " + st.Tool.Detail
	default:
		response.Checks["nmap"] = "ok"
	}

	response.Checks["scanner"] = "idle"
	if st.Busy {
		response.Checks["scanner"] = "busy"
	}
	if st.ShuttingDown {
		response.Status = StatusUnhealthy
		response.Checks["scanner"] = "shutting down"
	}

	statusCode := http.StatusOK
	if response.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, r, statusCode, response)
}

// Probe runs nmap -v and reports the result.
func (h *HealthHandler) Probe(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	result, err := h.ctrl.Probe(ctx)
	response := ProbeResponse{ProbeResult: result}
	statusCode := http.StatusOK
	if err != nil {
		response.Error = err.Error()
		statusCode = statusForError(err)
		if errors.IsCode(err, errors.CodeToolNotFound) {
			h.logger.Warn("Probe found no nmap binary", "binary", result.Binary)
		}
	} else if !result.Healthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, r, statusCode, response)
}

// Version provides version information.
func (h *HealthHandler) Version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, VersionResponse{
		Version:   h.version,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		Timestamp: time.Now().UTC(),
	})
}
