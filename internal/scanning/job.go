package scanning

import (
	"context"
	stderrors "errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anstrom/portscribe/internal/errors"
	"github.com/anstrom/portscribe/internal/findings"
	"github.com/anstrom/portscribe/internal/logging"
	"github.com/anstrom/portscribe/internal/metrics"
	"github.com/anstrom/portscribe/internal/parser"
	"github.com/anstrom/portscribe/internal/report"
	"github.com/anstrom/portscribe/internal/sink"
)

const (
	transcriptHeaderFormat = "Running Nmap scan on: %s"
	transcriptFooter       = "Nmap scan completed."

	// DefaultSinkTimeout bounds how long finalization waits for the sink.
	DefaultSinkTimeout = 30 * time.Second
)

// JobConfig holds the collaborators of a Job.
type JobConfig struct {
	Hostname    string
	Token       string
	Tool        *Tool
	Launcher    Launcher
	Store       *findings.Store
	Sink        sink.Sink
	Observer    Observer
	Logger      *logging.Logger
	SinkTimeout time.Duration
}

// Job is one scan session against one hostname. A Job runs once.
type Job struct {
	id          string
	hostname    string
	token       string
	tool        *Tool
	launcher    Launcher
	store       *findings.Store
	sink        sink.Sink
	observer    Observer
	logger      *logging.Logger
	sinkTimeout time.Duration

	mu         sync.Mutex
	state      State
	ipAddress  string
	keys       []findings.ScanKey
	seen       map[findings.ScanKey]struct{}
	transcript []string
	lines      int
	exitCode   int
	err        error
	startedAt  time.Time
	finishedAt time.Time
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewJob validates cfg and creates an idle job.
func NewJob(cfg JobConfig) (*Job, error) {
	if err := ValidateTarget(cfg.Hostname); err != nil {
		return nil, err
	}
	if cfg.Tool == nil || cfg.Store == nil || cfg.Sink == nil {
		return nil, errors.NewScanError(errors.CodeValidation, "job requires a tool, a store and a sink")
	}

	j := &Job{
		id:          uuid.New().String(),
		hostname:    cfg.Hostname,
		token:       cfg.Token,
		tool:        cfg.Tool,
		launcher:    cfg.Launcher,
		store:       cfg.Store,
		sink:        cfg.Sink,
		observer:    cfg.Observer,
		logger:      cfg.Logger,
		sinkTimeout: cfg.SinkTimeout,
		state:       StateIdle,
		seen:        make(map[findings.ScanKey]struct{}),
		exitCode:    -1,
		done:        make(chan struct{}),
	}
	if j.launcher == nil {
		j.launcher = ExecLauncher{}
	}
	if j.observer == nil {
		j.observer = NopObserver{}
	}
	if j.logger == nil {
		j.logger = logging.Default()
	}
	if j.sinkTimeout <= 0 {
		j.sinkTimeout = DefaultSinkTimeout
	}
	j.logger = j.logger.WithComponent("scan").WithJobID(j.id).WithTarget(j.hostname)
	return j, nil
}

// ID returns the job's unique identifier.
func (j *Job) ID() string { return j.id }

// Hostname returns the scan target.
func (j *Job) Hostname() string { return j.hostname }

// TranscriptPath returns where nmap writes the raw transcript of this job.
func (j *Job) TranscriptPath() string { return j.tool.TranscriptPath(j.hostname) }

// Done is closed when the job's worker has returned.
func (j *Job) Done() <-chan struct{} { return j.done }

// State returns the current state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Err returns the error that ended the job, if any.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Info returns a snapshot of the job.
func (j *Job) Info() Info {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.infoLocked()
}

func (j *Job) infoLocked() Info {
	info := Info{
		ID:             j.id,
		Hostname:       j.hostname,
		IPAddress:      j.ipAddress,
		State:          j.state,
		Status:         j.state.SessionStatus(),
		TranscriptPath: j.tool.TranscriptPath(j.hostname),
		Findings:       len(j.keys),
		Lines:          j.lines,
		ExitCode:       j.exitCode,
		StartedAt:      j.startedAt,
		FinishedAt:     j.finishedAt,
	}
	if j.err != nil {
		info.Error = j.err.Error()
		info.ErrorCode = string(errors.GetCode(j.err))
	}
	return info
}

// Transcript returns the live transcript, one line per scanner output line.
func (j *Job) Transcript() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.transcript) == 0 {
		return ""
	}
	return strings.Join(j.transcript, "\n") + "\n"
}

// Entries returns the findings seen during this session in first-seen
// order. Each finding is the one held by the store, which may predate the
// session.
func (j *Job) Entries() []findings.Entry {
	j.mu.Lock()
	keys := make([]findings.ScanKey, len(j.keys))
	copy(keys, j.keys)
	j.mu.Unlock()

	entries := make([]findings.Entry, 0, len(keys))
	for _, k := range keys {
		if f, ok := j.store.Get(k); ok {
			entries = append(entries, findings.Entry{Key: k, Finding: f})
		}
	}
	return entries
}

// Start moves the job to starting and runs it in a new goroutine.
func (j *Job) Start(ctx context.Context) error {
	j.mu.Lock()
	if j.state != StateIdle {
		j.mu.Unlock()
		return errors.NewScanErrorWithTarget(errors.CodeConflict, "job already started", j.hostname)
	}
	runCtx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.startedAt = time.Now()
	j.state = StateStarting
	info := j.infoLocked()
	j.mu.Unlock()

	j.logger.Info("Starting scan", "transcript", info.TranscriptPath)
	j.observer.OnStateChange(info)

	go j.run(runCtx)
	return nil
}

// Run starts the job and waits for it to finish.
func (j *Job) Run(ctx context.Context) error {
	if err := j.Start(ctx); err != nil {
		return err
	}
	<-j.done
	return j.Err()
}

// Cancel stops a starting or streaming job. No store mutation happens after
// Cancel returns true. The child process is killed on a best-effort basis.
func (j *Job) Cancel() bool {
	j.mu.Lock()
	if !j.state.Cancellable() {
		j.mu.Unlock()
		return false
	}
	j.state = StateCancelled
	j.err = errors.WrapScanErrorWithTarget(errors.CodeCanceled, "scan cancelled", j.hostname, context.Canceled)
	j.finishedAt = time.Now()
	cancel := j.cancel
	info := j.infoLocked()
	j.mu.Unlock()

	cancel()
	j.finished(info)
	return true
}

func (j *Job) run(ctx context.Context) {
	defer close(j.done)
	defer j.cancel()

	binary, args, err := j.tool.Command(ctx, j.hostname)
	if err != nil {
		j.fail(err)
		return
	}

	j.logger.Debug("Launching scanner", "binary", binary, "args", args)
	proc, err := j.launcher.Launch(ctx, binary, args)
	if err != nil {
		if ctx.Err() != nil {
			j.cancelled(ctx.Err())
			return
		}
		j.fail(withTarget(err, j.hostname))
		return
	}

	if !j.setState(StateStreaming, nil) {
		_ = proc.Wait()
		return
	}
	j.appendTranscript(fmt.Sprintf(transcriptHeaderFormat, j.hostname))

	stream := NewLineStream(proc)
	stopped := false
	for stream.Next() {
		if !j.handleLine(stream.Line()) {
			stopped = true
			break
		}
	}
	readErr := stream.Err()
	if ctx.Err() != nil {
		// Reads fail once a cancelled process's pipe is closed.
		readErr = nil
	}
	if readErr != nil || stopped {
		// Nothing drains stdout any more, so nmap must be killed before Wait.
		j.cancel()
	}
	waitErr := stream.Wait()

	j.mu.Lock()
	j.exitCode = proc.ExitCode()
	j.mu.Unlock()

	if readErr != nil {
		j.fail(errors.ErrStreamRead(j.hostname, readErr))
		return
	}
	if ctx.Err() != nil {
		j.cancelled(ctx.Err())
		return
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !stderrors.As(waitErr, &exitErr) {
			j.fail(errors.ErrStreamRead(j.hostname, waitErr))
			return
		}
		j.logger.Warn("Nmap exited with non-zero status",
			"exit_code", exitErr.ExitCode(),
			"stderr", strings.TrimSpace(proc.Stderr()))
	}

	j.finalize(ctx)
}

// handleLine records one output line. It returns false once the job has
// left the streaming state.
func (j *Job) handleLine(line string) bool {
	var (
		inserted bool
		entry    findings.Entry
	)

	j.mu.Lock()
	if j.state != StateStreaming {
		j.mu.Unlock()
		return false
	}
	j.transcript = append(j.transcript, line)
	j.lines++

	ip, fact := parser.Parse(line, j.hostname, j.ipAddress)
	j.ipAddress = ip
	if fact != nil {
		if _, ok := j.seen[fact.Key]; !ok {
			j.seen[fact.Key] = struct{}{}
			j.keys = append(j.keys, fact.Key)
		}
		inserted = j.store.InsertIfAbsent(fact.Key, fact.Finding)
		entry = findings.Entry{Key: fact.Key, Finding: fact.Finding}
	}
	j.mu.Unlock()

	m := metrics.GetGlobalMetrics()
	m.IncrementTranscriptLines()
	j.observer.OnTranscript(j.id, line)

	if fact == nil {
		return true
	}
	if inserted {
		m.IncrementFindingsInserted(string(entry.Finding.Protocol), entry.Finding.State)
		m.SetStoreSize(j.store.Len())
		j.logger.Debug("New finding", "key", entry.Key.String(), "service", entry.Finding.Service)
		j.observer.OnFinding(j.id, entry)
	} else {
		m.IncrementFindingsDuplicate()
	}
	return true
}

func (j *Job) finalize(ctx context.Context) {
	if !j.setState(StateFinalizing, nil) {
		return
	}

	entries := j.Entries()
	finding := sink.NewPortScanFinding(j.token, j.hostname, report.Detail(j.hostname, entries), entries)

	// Finalization is not cancellable; only the sink timeout bounds it.
	sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), j.sinkTimeout)
	defer cancel()

	if err := j.sink.Record(sinkCtx, finding); err != nil {
		metrics.GetGlobalMetrics().IncrementSinkRecords("error")
		j.logger.ErrorSink("Failed to record finding", err, "finding_id", finding.ID.String())
		j.fail(errors.WrapScanErrorWithTarget(errors.CodeSinkFailed, "failed to record finding", j.hostname, err))
		return
	}
	metrics.GetGlobalMetrics().IncrementSinkRecords("success")

	j.appendTranscript(transcriptFooter)
	j.setState(StateCompleted, nil)
}

func (j *Job) appendTranscript(line string) {
	j.mu.Lock()
	j.transcript = append(j.transcript, line)
	j.mu.Unlock()
	j.observer.OnTranscript(j.id, line)
}

// setState performs a checked transition and notifies the observer.
func (j *Job) setState(next State, err error) bool {
	j.mu.Lock()
	if !j.state.CanTransition(next) {
		j.mu.Unlock()
		return false
	}
	j.state = next
	if err != nil {
		j.err = err
	}
	if next.Terminal() {
		j.finishedAt = time.Now()
	}
	info := j.infoLocked()
	j.mu.Unlock()

	if next.Terminal() {
		j.finished(info)
		return true
	}
	j.observer.OnStateChange(info)
	return true
}

func (j *Job) fail(err error) {
	if j.setState(StateFailed, err) {
		j.logger.ErrorScan("Scan failed", j.hostname, err)
	}
}

func (j *Job) cancelled(cause error) {
	j.setState(StateCancelled,
		errors.WrapScanErrorWithTarget(errors.CodeCanceled, "scan cancelled", j.hostname, cause))
}

// finished records metrics for a terminal state and notifies the observer.
func (j *Job) finished(info Info) {
	m := metrics.GetGlobalMetrics()
	m.IncrementScansTotal(string(info.State))
	m.RecordScanDuration(info.FinishedAt.Sub(info.StartedAt))

	j.logger.Info("Scan finished",
		"state", info.State,
		"ip_address", info.IPAddress,
		"findings", info.Findings,
		"lines", info.Lines,
		"duration", info.FinishedAt.Sub(info.StartedAt))
	j.observer.OnStateChange(info)
}

// withTarget attaches the hostname to scan errors raised without one.
func withTarget(err error, hostname string) error {
	var scanErr *errors.ScanError
	if stderrors.As(err, &scanErr) && scanErr.Target == "" {
		scanErr.Target = hostname
	}
	return err
}
