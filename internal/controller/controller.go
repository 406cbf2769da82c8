// Package controller owns the findings store and supervises at most one
// scan job at a time. It is the boundary used by the CLI and the HTTP API:
// request a scan, read the live transcript and table, watch status, export
// the last transcript.
package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/anstrom/portscribe/internal/errors"
	"github.com/anstrom/portscribe/internal/findings"
	"github.com/anstrom/portscribe/internal/logging"
	"github.com/anstrom/portscribe/internal/metrics"
	"github.com/anstrom/portscribe/internal/report"
	"github.com/anstrom/portscribe/internal/scanning"
	"github.com/anstrom/portscribe/internal/sink"
)

// DefaultShutdownTimeout is how long Shutdown waits for a cancelled job.
const DefaultShutdownTimeout = 10 * time.Second

// Status messages shown at the boundary.
const (
	MessageReady     = "Ready"
	MessageStopping  = "Stopping Nmap scan..."
	MessageStopped   = "Nmap scan stopped"
	MessageCompleted = "Nmap scan completed."
)

// Listener receives updates for a UI. Implementations must not block and
// may coalesce table refreshes.
type Listener interface {
	TranscriptAppended(jobID, line string)
	TableRefreshed(table string)
	StatusChanged(status Status)
}

// Status summarises the controller for a UI.
type Status struct {
	Busy          bool                  `json:"busy"`
	ShuttingDown  bool                  `json:"shutting_down"`
	Message       string                `json:"message"`
	Findings      int                   `json:"findings"`
	Tool          *scanning.ProbeResult `json:"tool,omitempty"`
	Job           *scanning.Info        `json:"job,omitempty"`
	LastCompleted *scanning.Info        `json:"last_completed,omitempty"`
}

// Config configures a Controller.
type Config struct {
	Tool            scanning.ToolConfig
	ShutdownTimeout time.Duration
	SinkTimeout     time.Duration
}

// Option customises a Controller.
type Option func(*Controller)

// WithLauncher replaces the process launcher.
func WithLauncher(l scanning.Launcher) Option {
	return func(c *Controller) { c.launcher = l }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// Controller is safe for concurrent use.
type Controller struct {
	tool            *scanning.Tool
	launcher        scanning.Launcher
	store           *findings.Store
	sink            sink.Sink
	logger          *logging.Logger
	shutdownTimeout time.Duration
	sinkTimeout     time.Duration

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu            sync.RWMutex
	current       *scanning.Job
	lastCompleted *scanning.Job
	probe         *scanning.ProbeResult
	probeErr      error
	listeners     []Listener
	closed        bool
}

// New creates a controller that writes into store and records findings
// with s.
func New(cfg Config, store *findings.Store, s sink.Sink, opts ...Option) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		tool:            scanning.NewTool(cfg.Tool),
		launcher:        scanning.ExecLauncher{},
		store:           store,
		sink:            s,
		logger:          logging.Default(),
		shutdownTimeout: cfg.ShutdownTimeout,
		sinkTimeout:     cfg.SinkTimeout,
		baseCtx:         ctx,
		cancelBase:      cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.shutdownTimeout <= 0 {
		c.shutdownTimeout = DefaultShutdownTimeout
	}
	c.logger = c.logger.WithComponent("controller")
	return c
}

// AddListener registers l for future updates.
func (c *Controller) AddListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Store returns the findings store.
func (c *Controller) Store() *findings.Store {
	return c.store
}

// Probe checks that nmap can be executed and remembers the result for
// Status. A missing binary is logged and returned as TOOL_NOT_FOUND.
func (c *Controller) Probe(ctx context.Context) (scanning.ProbeResult, error) {
	result, err := c.tool.Probe(ctx)

	c.mu.Lock()
	c.probe = &result
	c.probeErr = err
	c.mu.Unlock()

	switch {
	case err != nil:
		c.logger.Error(err.Error(), "binary", result.Binary)
	case !result.Healthy:
		c.logger.Warn("Nmap is installed but the probe failed", "binary", result.Binary, "detail", result.Detail)
	default:
		c.logger.Info("Nmap available", "binary", result.Binary, "version", result.Version)
	}
	c.notifyStatus()
	return result, err
}

// RequestScan starts a scan of hostname. token is an opaque value passed to
// the sink as the finding's target. It fails with SCAN_IN_PROGRESS while
// another job is active and with TOOL_NOT_FOUND when nmap is missing.
func (c *Controller) RequestScan(ctx context.Context, hostname, token string) (scanning.Info, error) {
	if err := ctx.Err(); err != nil {
		return scanning.Info{}, errors.WrapScanError(errors.CodeCanceled, "scan request cancelled", err)
	}
	if err := scanning.ValidateTarget(hostname); err != nil {
		metrics.GetGlobalMetrics().IncrementScanRejections("invalid_target")
		return scanning.Info{}, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return scanning.Info{}, errors.NewScanError(errors.CodeCanceled, "controller is shutting down")
	}
	if c.current != nil && !c.current.State().Terminal() {
		c.mu.Unlock()
		metrics.GetGlobalMetrics().IncrementScanRejections("in_progress")
		c.logger.Warn("Scan rejected, another scan is running", "target", hostname)
		return scanning.Info{}, errors.ErrScanInProgress(hostname)
	}
	if _, err := c.tool.Resolve(); err != nil {
		c.probeErr = err
		c.mu.Unlock()
		metrics.GetGlobalMetrics().IncrementScanRejections("tool_not_found")
		c.logger.Error(err.Error(), "target", hostname)
		c.notifyStatus()
		return scanning.Info{}, err
	}

	job, err := scanning.NewJob(scanning.JobConfig{
		Hostname:    hostname,
		Token:       token,
		Tool:        c.tool,
		Launcher:    c.launcher,
		Store:       c.store,
		Sink:        c.sink,
		Observer:    c,
		Logger:      c.logger,
		SinkTimeout: c.sinkTimeout,
	})
	if err != nil {
		c.mu.Unlock()
		return scanning.Info{}, err
	}
	// The idle job reserves the slot until Start runs outside the lock.
	c.current = job
	c.probeErr = nil
	c.mu.Unlock()

	metrics.GetGlobalMetrics().SetActiveScans(1)
	if err := job.Start(c.baseCtx); err != nil {
		return scanning.Info{}, err
	}
	return job.Info(), nil
}

// Wait blocks until the current job has finished and returns its error.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.RLock()
	job := c.current
	c.mu.RUnlock()
	if job == nil {
		return nil
	}

	select {
	case <-job.Done():
		return job.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CancelScan cancels the active job. It reports whether a job was cancelled.
func (c *Controller) CancelScan() bool {
	c.mu.RLock()
	job := c.current
	c.mu.RUnlock()
	if job == nil {
		return false
	}
	return job.Cancel()
}

// Table renders the whole store as the fixed-width results table.
func (c *Controller) Table() string {
	return report.Table(c.store.Snapshot())
}

// Entries returns a snapshot of the store.
func (c *Controller) Entries() []findings.Entry {
	return c.store.Snapshot()
}

// Transcript returns the live transcript of the most recent job.
func (c *Controller) Transcript() string {
	c.mu.RLock()
	job := c.current
	c.mu.RUnlock()
	if job == nil {
		return ""
	}
	return job.Transcript()
}

// Export moves the transcript of the most recently completed scan to dest.
func (c *Controller) Export(dest string) (string, error) {
	c.mu.RLock()
	src := ""
	if c.lastCompleted != nil {
		src = c.lastCompleted.TranscriptPath()
	}
	c.mu.RUnlock()

	path, err := scanning.Export(src, dest, c.tool.Extension())
	if err != nil {
		c.logger.Error("Export failed", "source", src, "destination", dest, "error", err)
		return "", err
	}
	c.logger.Info("Transcript exported", "destination", path)
	return path, nil
}

// Status returns the current controller status.
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st := Status{
		ShuttingDown: c.closed,
		Findings:     c.store.Len(),
		Tool:         c.probe,
		Message:      MessageReady,
	}
	if c.lastCompleted != nil {
		info := c.lastCompleted.Info()
		st.LastCompleted = &info
	}
	if c.current != nil {
		info := c.current.Info()
		st.Job = &info
		st.Busy = !info.State.Terminal()
		st.Message = statusMessage(info)
	}
	if c.probeErr != nil && !st.Busy {
		st.Message = c.probeErr.Error()
	}
	return st
}

func statusMessage(info scanning.Info) string {
	switch info.State {
	case scanning.StateIdle, scanning.StateStarting:
		return fmt.Sprintf("Starting Nmap scan on %s", info.Hostname)
	case scanning.StateStreaming:
		return fmt.Sprintf("Running Nmap scan on: %s", info.Hostname)
	case scanning.StateFinalizing:
		return fmt.Sprintf("Recording findings for %s", info.Hostname)
	case scanning.StateCompleted:
		return MessageCompleted
	case scanning.StateCancelled:
		return MessageStopped
	case scanning.StateFailed:
		return info.Error
	}
	return MessageReady
}

// Shutdown refuses new scans, cancels the active job and waits for it up to
// the shutdown timeout or until ctx is done. The child process may outlive
// Shutdown if the platform cannot kill it.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	job := c.current
	c.mu.Unlock()
	defer c.cancelBase()

	if job == nil || job.State().Terminal() {
		return nil
	}

	c.logger.Info(MessageStopping, "target", job.Hostname())
	job.Cancel()

	timer := time.NewTimer(c.shutdownTimeout)
	defer timer.Stop()

	select {
	case <-job.Done():
		c.logger.Info(MessageStopped, "target", job.Hostname())
		return nil
	case <-timer.C:
		c.logger.Warn("Scan did not stop in time, detaching", "target", job.Hostname(), "timeout", c.shutdownTimeout)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnTranscript implements scanning.Observer.
func (c *Controller) OnTranscript(jobID, line string) {
	for _, l := range c.snapshotListeners() {
		l.TranscriptAppended(jobID, line)
	}
}

// OnFinding implements scanning.Observer.
func (c *Controller) OnFinding(_ string, _ findings.Entry) {
	listeners := c.snapshotListeners()
	if len(listeners) == 0 {
		return
	}
	table := c.Table()
	for _, l := range listeners {
		l.TableRefreshed(table)
	}
}

// OnStateChange implements scanning.Observer.
func (c *Controller) OnStateChange(info scanning.Info) {
	if info.State.Terminal() {
		metrics.GetGlobalMetrics().SetActiveScans(0)
	}
	if info.State == scanning.StateCompleted {
		c.mu.Lock()
		if c.current != nil && c.current.ID() == info.ID {
			c.lastCompleted = c.current
		}
		c.mu.Unlock()
	}
	c.notifyStatus()
}

func (c *Controller) notifyStatus() {
	listeners := c.snapshotListeners()
	if len(listeners) == 0 {
		return
	}
	st := c.Status()
	for _, l := range listeners {
		l.StatusChanged(st)
	}
}

func (c *Controller) snapshotListeners() []Listener {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Listener(nil), c.listeners...)
}
