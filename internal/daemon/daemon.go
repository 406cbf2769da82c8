// Package daemon runs portscribe as a long-lived service: one scan
// controller behind the HTTP/WebSocket API, cron rescans, periodic nmap
// probes and signal-driven graceful shutdown.
package daemon

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/anstrom/portscribe/internal/api"
	"github.com/anstrom/portscribe/internal/config"
	"github.com/anstrom/portscribe/internal/controller"
	"github.com/anstrom/portscribe/internal/findings"
	"github.com/anstrom/portscribe/internal/logging"
	"github.com/anstrom/portscribe/internal/metrics"
	"github.com/anstrom/portscribe/internal/scanning"
	"github.com/anstrom/portscribe/internal/scheduler"
	"github.com/anstrom/portscribe/internal/sink"
)

// File permission constants.
const (
	DefaultDirPermissions  = 0o750
	DefaultFilePermissions = 0o600
)

const systemMetricsInterval = 30 * time.Second

// Daemon represents the main daemon process.
type Daemon struct {
	config    *config.Config
	version   string
	base      *logging.Logger
	logger    *logging.Logger
	launcher  scanning.Launcher
	listener  net.Listener
	sink      sink.Sink
	ctrl      *controller.Controller
	apiServer *api.Server
	apiErr    chan error
	scheduler *scheduler.Scheduler
	pidFile   string
	sigChan   chan os.Signal
	ctx       context.Context
	cancel    context.CancelFunc
	ready     chan struct{}
	done      chan struct{}
}

// Option customises a Daemon.
type Option func(*Daemon)

// WithLauncher replaces the process launcher used for scans.
func WithLauncher(l scanning.Launcher) Option {
	return func(d *Daemon) { d.launcher = l }
}

// WithListener serves the API on an existing listener instead of the
// configured address.
func WithListener(l net.Listener) Option {
	return func(d *Daemon) { d.listener = l }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(d *Daemon) { d.base = l }
}

// New creates a new daemon instance.
func New(cfg *config.Config, version string, opts ...Option) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		config:  cfg,
		version: version,
		base:    logging.Default(),
		pidFile: cfg.Daemon.PIDFile,
		ctx:     ctx,
		cancel:  cancel,
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.base.WithComponent("daemon")
	return d
}

// Start initialises every component and blocks until Stop is called, a
// termination signal arrives or the API server fails.
func (d *Daemon) Start() error {
	d.logger.Info("Starting portscribe daemon", "version", d.version)

	if err := d.config.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	if err := d.createPIDFile(); err != nil {
		return fmt.Errorf("failed to create PID file: %w", err)
	}

	d.setupSignalHandlers()

	if err := d.initSink(); err != nil {
		d.cleanup()
		return fmt.Errorf("failed to initialize sink: %w", err)
	}

	d.initController()

	if err := d.initAPIServer(); err != nil {
		d.cleanup()
		return fmt.Errorf("failed to initialize API server: %w", err)
	}

	if err := d.initScheduler(); err != nil {
		d.cleanup()
		return fmt.Errorf("failed to initialize scheduler: %w", err)
	}

	d.logger.Info("Daemon started successfully")
	return d.run()
}

// Stop stops the daemon gracefully and waits for Start to return.
func (d *Daemon) Stop() error {
	d.logger.Info("Stopping daemon")
	d.cancel()

	select {
	case <-d.done:
		d.logger.Info("Daemon stopped gracefully")
		return nil
	case <-time.After(d.config.Daemon.ShutdownTimeout + 5*time.Second):
		d.logger.Warn("Shutdown timeout reached")
		return fmt.Errorf("daemon did not stop within %s", d.config.Daemon.ShutdownTimeout)
	}
}

// Ready is closed once every component is running.
func (d *Daemon) Ready() <-chan struct{} {
	return d.ready
}

// createPIDFile creates the PID file.
func (d *Daemon) createPIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	dir := filepath.Dir(d.pidFile)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		return fmt.Errorf("failed to create PID file directory: %w", err)
	}

	if err := d.checkExistingPID(); err != nil {
		return err
	}

	pid := os.Getpid()
	if err := os.WriteFile(d.pidFile, []byte(strconv.Itoa(pid)), DefaultFilePermissions); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	d.logger.Info("Created PID file", "path", d.pidFile, "pid", pid)
	return nil
}

// checkExistingPID fails if a PID file names a live process and removes a
// stale one.
func (d *Daemon) checkExistingPID() error {
	data, err := os.ReadFile(d.pidFile)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read existing PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		_ = os.Remove(d.pidFile)
		return nil
	}

	if isProcessRunning(pid) {
		return fmt.Errorf("daemon already running with PID %d", pid)
	}

	_ = os.Remove(d.pidFile)
	return nil
}

// isProcessRunning checks if a process with the given PID is running.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

// setupSignalHandlers shuts down on SIGTERM/SIGINT and dumps status on
// SIGUSR1.
func (d *Daemon) setupSignalHandlers() {
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGUSR1)

	go func() {
		for {
			select {
			case <-d.ctx.Done():
				return
			case sig := <-d.sigChan:
				d.logger.Info("Received signal", "signal", sig.String())
				switch sig {
				case syscall.SIGTERM, syscall.SIGINT:
					d.logger.Info("Initiating graceful shutdown")
					d.cancel()
					return
				case syscall.SIGUSR1:
					d.dumpStatus()
				}
			}
		}
	}()
}

// initSink opens the configured findings sink.
func (d *Daemon) initSink() error {
	s, err := sink.New(d.ctx, d.config.Sink, &d.config.Database, d.base)
	if err != nil {
		return err
	}
	d.sink = s
	d.logger.Info("Findings sink ready", "type", d.config.Sink.Type)
	return nil
}

// initController creates the scan controller and probes nmap once. A
// missing nmap is logged, not fatal: the API still reports it.
func (d *Daemon) initController() {
	opts := []controller.Option{controller.WithLogger(d.base)}
	if d.launcher != nil {
		opts = append(opts, controller.WithLauncher(d.launcher))
	}
	d.ctrl = controller.New(controller.Config{
		Tool:            d.config.ToolConfig(),
		ShutdownTimeout: d.config.Daemon.ShutdownTimeout,
		SinkTimeout:     d.config.Scanner.SinkTimeout,
	}, findings.NewStore(), d.sink, opts...)

	d.probe()
}

// initAPIServer initializes the API server.
func (d *Daemon) initAPIServer() error {
	if !d.config.API.Enabled {
		d.logger.Info("API server disabled, skipping initialization")
		return nil
	}

	apiServer, err := api.New(d.config, d.ctrl, d.version, d.base)
	if err != nil {
		return fmt.Errorf("API server creation failed: %w", err)
	}
	d.apiServer = apiServer
	d.apiErr = make(chan error, 1)

	go func() {
		if d.listener != nil {
			d.apiErr <- apiServer.Serve(d.ctx, d.listener)
			return
		}
		d.apiErr <- apiServer.Start(d.ctx)
	}()
	return nil
}

// initScheduler registers the enabled schedules and starts cron.
func (d *Daemon) initScheduler() error {
	d.scheduler = scheduler.NewScheduler(d.ctrl, d.base)
	for _, s := range d.config.EnabledSchedules() {
		if err := d.scheduler.AddScan(s.Name, s.Cron, s.Hostname, s.Token); err != nil {
			return err
		}
	}
	return d.scheduler.Start()
}

// run executes the main daemon loop.
func (d *Daemon) run() error {
	close(d.ready)

	go metrics.GetGlobalMetrics().StartPeriodicUpdates(d.ctx, systemMetricsInterval)

	var probeTick <-chan time.Time
	if d.config.Daemon.ProbeInterval > 0 {
		ticker := time.NewTicker(d.config.Daemon.ProbeInterval)
		defer ticker.Stop()
		probeTick = ticker.C
	}

	var runErr error
loop:
	for {
		select {
		case <-d.ctx.Done():
			d.logger.Info("Shutdown signal received")
			break loop
		case err := <-d.apiErr:
			d.apiErr = nil
			if err != nil {
				d.logger.Error("API server error", "error", err)
				runErr = err
			}
			d.cancel()
			break loop
		case <-probeTick:
			d.probe()
		}
	}

	d.cleanup()
	return runErr
}

// probe re-checks the nmap binary.
func (d *Daemon) probe() {
	ctx, cancel := context.WithTimeout(d.ctx, d.config.Scanner.ProbeTimeout)
	defer cancel()
	_, _ = d.ctrl.Probe(ctx)
}

// cleanup stops every component in reverse order of startup.
func (d *Daemon) cleanup() {
	d.logger.Info("Performing cleanup")
	d.cancel()

	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}

	if d.scheduler != nil {
		d.scheduler.Stop()
	}

	if d.apiErr != nil {
		if err := <-d.apiErr; err != nil {
			d.logger.Error("Error stopping API server", "error", err)
		}
	}

	if d.ctrl != nil {
		ctx, cancel := context.WithTimeout(context.Background(), d.config.Daemon.ShutdownTimeout)
		if err := d.ctrl.Shutdown(ctx); err != nil {
			d.logger.Warn("Scan controller shutdown incomplete", "error", err)
		}
		cancel()
	}

	if d.sink != nil {
		if err := d.sink.Close(); err != nil {
			d.logger.ErrorSink("Error closing sink", err)
		}
	}

	if d.pidFile != "" {
		if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
			d.logger.Warn("Error removing PID file", "path", d.pidFile, "error", err)
		} else {
			d.logger.Info("Removed PID file", "path", d.pidFile)
		}
	}

	d.logger.Info("Cleanup completed")
	close(d.done)
}

// dumpStatus logs the controller state, schedules and runtime statistics.
func (d *Daemon) dumpStatus() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	st := d.ctrl.Status()
	d.logger.Info("Daemon status",
		"pid", os.Getpid(),
		"busy", st.Busy,
		"message", st.Message,
		"findings", st.Findings,
		"alloc_kb", m.Alloc/1024,
		"goroutines", runtime.NumGoroutine())

	if d.scheduler != nil {
		for _, job := range d.scheduler.GetJobs() {
			d.logger.Info("Schedule",
				"name", job.Name,
				"target", job.Hostname,
				"runs", job.Runs,
				"skipped", job.Skipped,
				"next_run", job.NextRun)
		}
	}
}

// GetPID returns the daemon's PID.
func (d *Daemon) GetPID() int {
	return os.Getpid()
}

// IsRunning checks if the daemon is running.
func (d *Daemon) IsRunning() bool {
	select {
	case <-d.ctx.Done():
		return false
	default:
		return true
	}
}

// GetController returns the scan controller. It is nil before Start.
func (d *Daemon) GetController() *controller.Controller {
	return d.ctrl
}

// GetScheduler returns the scheduler. It is nil before Start.
func (d *Daemon) GetScheduler() *scheduler.Scheduler {
	return d.scheduler
}

// GetConfig returns the daemon configuration.
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}
