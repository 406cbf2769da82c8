// Package handlers provides HTTP request handlers for the portscribe API.
// This file implements the scan lifecycle endpoints.
package handlers

import (
	"net/http"
	"os"
	"path/filepath"

	"github.com/anstrom/portscribe/internal/errors"
	"github.com/anstrom/portscribe/internal/findings"
	"github.com/anstrom/portscribe/internal/logging"
)

const exportDirPermissions = 0o750

// ScanRequest starts a scan of one host.
type ScanRequest struct {
	Hostname string `json:"hostname" validate:"required,max=253,hostname_rfc1123|ip"`
	// Token is passed through to the recorded finding as its target.
	Token string `json:"token" validate:"max=2048"`
}

// ExportRequest moves the last transcript into the export directory.
// Destination is relative to that directory.
type ExportRequest struct {
	Destination string `json:"destination" validate:"required,max=4096"`
}

// ExportResponse reports where the transcript was written.
type ExportResponse struct {
	Path string `json:"path"`
}

// CancelResponse reports whether a scan was cancelled.
type CancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

// FindingsResponse lists every finding in the store.
type FindingsResponse struct {
	Findings []findings.Entry `json:"findings"`
	Total    int              `json:"total"`
}

// ScanHandler handles the scan endpoints.
type ScanHandler struct {
	ctrl           Controller
	logger         *logging.Logger
	maxRequestSize int64
	exportDir      string
}

// NewScanHandler creates a new scan handler. Exports are confined to
// exportDir; an empty exportDir disables the export endpoint.
func NewScanHandler(ctrl Controller, logger *logging.Logger, maxRequestSize int64, exportDir string) *ScanHandler {
	return &ScanHandler{
		ctrl:           ctrl,
		logger:         logger.WithFields("handler", "scan"),
		maxRequestSize: maxRequestSize,
		exportDir:      exportDir,
	}
}

// StartScan handles POST /scans.
func (h *ScanHandler) StartScan(w http.ResponseWriter, r *http.Request) {
	var req ScanRequest
	if err := parseJSON(w, r, &req, h.maxRequestSize); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	info, err := h.ctrl.RequestScan(r.Context(), req.Hostname, req.Token)
	if err != nil {
		h.logger.Warn("Scan request rejected",
			"request_id", getRequestIDFromContext(r.Context()),
			"target", req.Hostname,
			"error", err)
		writeError(w, r, statusForError(err), err)
		return
	}

	h.logger.Info("Scan started",
		"request_id", getRequestIDFromContext(r.Context()),
		"job_id", info.ID,
		"target", info.Hostname)
	writeJSON(w, r, http.StatusAccepted, info)
}

// CancelScan handles DELETE /scans/current.
func (h *ScanHandler) CancelScan(w http.ResponseWriter, r *http.Request) {
	if !h.ctrl.CancelScan() {
		writeJSON(w, r, http.StatusConflict, CancelResponse{Cancelled: false})
		return
	}
	writeJSON(w, r, http.StatusOK, CancelResponse{Cancelled: true})
}

// GetStatus handles GET /status.
func (h *ScanHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.ctrl.Status())
}

// GetCurrentScan handles GET /scans/current.
func (h *ScanHandler) GetCurrentScan(w http.ResponseWriter, r *http.Request) {
	st := h.ctrl.Status()
	if st.Job == nil {
		writeJSON(w, r, http.StatusNotFound, ErrorResponse{
			Error:     http.StatusText(http.StatusNotFound),
			Message:   "no scan has been requested",
			RequestID: getRequestIDFromContext(r.Context()),
		})
		return
	}
	writeJSON(w, r, http.StatusOK, st.Job)
}

// GetTable handles GET /table and renders the results table as text.
func (h *ScanHandler) GetTable(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, h.ctrl.Table())
}

// GetTranscript handles GET /transcript.
func (h *ScanHandler) GetTranscript(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, h.ctrl.Transcript())
}

// ListFindings handles GET /findings.
func (h *ScanHandler) ListFindings(w http.ResponseWriter, r *http.Request) {
	entries := h.ctrl.Entries()
	if entries == nil {
		entries = []findings.Entry{}
	}
	writeJSON(w, r, http.StatusOK, FindingsResponse{Findings: entries, Total: len(entries)})
}

// Export handles POST /export.
func (h *ScanHandler) Export(w http.ResponseWriter, r *http.Request) {
	var req ExportRequest
	if err := parseJSON(w, r, &req, h.maxRequestSize); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	if h.exportDir == "" {
		writeError(w, r, http.StatusForbidden, errors.NewScanError(errors.CodeValidation, "export is disabled"))
		return
	}
	if !filepath.IsLocal(req.Destination) {
		writeError(w, r, http.StatusBadRequest, errors.NewScanError(errors.CodeValidation,
			"export destination must be a relative path inside the export directory"))
		return
	}

	dest := filepath.Join(h.exportDir, req.Destination)
	if err := os.MkdirAll(filepath.Dir(dest), exportDirPermissions); err != nil {
		h.logger.Error("Failed to create export directory", "path", filepath.Dir(dest), "error", err)
		writeError(w, r, http.StatusInternalServerError,
			errors.WrapScanError(errors.CodeExportFailed, "failed to create export directory", err))
		return
	}

	path, err := h.ctrl.Export(dest)
	if err != nil {
		writeError(w, r, statusForError(err), err)
		return
	}
	writeJSON(w, r, http.StatusOK, ExportResponse{Path: path})
}
