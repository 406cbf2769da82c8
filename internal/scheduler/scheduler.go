// Package scheduler rescans configured hosts on cron schedules. Each firing
// asks the controller for a scan; a firing that finds another scan running
// is skipped rather than queued.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/anstrom/portscribe/internal/errors"
	"github.com/anstrom/portscribe/internal/logging"
	"github.com/anstrom/portscribe/internal/scanning"
)

// Runner starts scans. controller.Controller satisfies it.
type Runner interface {
	RequestScan(ctx context.Context, hostname, token string) (scanning.Info, error)
}

// Scheduler manages scheduled rescans.
type Scheduler struct {
	runner  Runner
	cron    *cron.Cron
	logger  *logging.Logger
	jobs    map[string]*ScheduledJob
	mu      sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// ScheduledJob is one rescan entry and its run history.
type ScheduledJob struct {
	Name      string       `json:"name"`
	Cron      string       `json:"cron"`
	Hostname  string       `json:"hostname"`
	Token     string       `json:"token,omitempty"`
	CronID    cron.EntryID `json:"-"`
	LastRun   time.Time    `json:"last_run,omitzero"`
	NextRun   time.Time    `json:"next_run,omitzero"`
	LastJobID string       `json:"last_job_id,omitempty"`
	LastError string       `json:"last_error,omitempty"`
	Runs      int          `json:"runs"`
	Skipped   int          `json:"skipped"`
}

// NewScheduler creates a scheduler that starts scans through runner.
func NewScheduler(runner Runner, logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithComponent("scheduler")
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		runner: runner,
		cron:   cron.New(cron.WithChain(cron.Recover(cronLogger{logger}))),
		logger: logger,
		jobs:   make(map[string]*ScheduledJob),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins firing schedules.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}

	s.cron.Start()
	s.running = true

	s.logger.Info("Scheduler started", "jobs", len(s.jobs))
	return nil
}

// Stop stops the scheduler. Scans already started keep running under the
// controller.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler stopped")
}

// AddScan registers a rescan of hostname on the standard five-field cron
// expression cronExpr.
func (s *Scheduler) AddScan(name, cronExpr, hostname, token string) error {
	if name == "" {
		return errors.NewScanError(errors.CodeValidation, "schedule name is required")
	}
	schedule, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return errors.WrapScanError(errors.CodeValidation, "invalid cron expression", err)
	}
	if err := scanning.ValidateTarget(hostname); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return errors.NewScanError(errors.CodeConflict, fmt.Sprintf("schedule %q already exists", name))
	}

	id := s.cron.Schedule(schedule, cron.FuncJob(func() { s.execute(name) }))
	s.jobs[name] = &ScheduledJob{
		Name:     name,
		Cron:     cronExpr,
		Hostname: hostname,
		Token:    token,
		CronID:   id,
		NextRun:  schedule.Next(time.Now()),
	}

	s.logger.Info("Added scheduled scan", "name", name, "cron", cronExpr, "target", hostname)
	return nil
}

// RemoveScan removes a schedule by name.
func (s *Scheduler) RemoveScan(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[name]
	if !ok {
		return errors.NewScanError(errors.CodeNotFound, fmt.Sprintf("schedule %q not found", name))
	}
	s.cron.Remove(job.CronID)
	delete(s.jobs, name)

	s.logger.Info("Removed scheduled scan", "name", name)
	return nil
}

// RunNow fires a schedule immediately, outside its cron timing.
func (s *Scheduler) RunNow(name string) error {
	s.mu.RLock()
	_, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return errors.NewScanError(errors.CodeNotFound, fmt.Sprintf("schedule %q not found", name))
	}
	s.execute(name)
	return nil
}

// GetJobs returns a copy of every schedule, ordered by name.
func (s *Scheduler) GetJobs() []ScheduledJob {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]ScheduledJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		j := *job
		if entry := s.cron.Entry(job.CronID); !entry.Next.IsZero() {
			j.NextRun = entry.Next
		}
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].Name < jobs[k].Name })
	return jobs
}

// execute requests one scan for the named schedule.
func (s *Scheduler) execute(name string) {
	s.mu.Lock()
	job, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return
	}
	job.LastRun = time.Now()
	hostname, token := job.Hostname, job.Token
	s.mu.Unlock()

	info, err := s.runner.RequestScan(s.ctx, hostname, token)

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case err == nil:
		job.Runs++
		job.LastJobID = info.ID
		job.LastError = ""
		s.logger.Info("Scheduled scan started", "name", name, "target", hostname, "job_id", info.ID)
	case errors.IsCode(err, errors.CodeScanInProgress):
		job.Skipped++
		s.logger.Info("Scheduled scan skipped, another scan is running", "name", name, "target", hostname)
	default:
		job.LastError = err.Error()
		s.logger.ErrorScan("Scheduled scan failed to start", hostname, err, "name", name)
	}
}

// cronLogger adapts the logger to cron.Logger.
type cronLogger struct {
	logger *logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
