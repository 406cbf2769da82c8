package scanning

import (
	"time"

	"github.com/anstrom/portscribe/internal/findings"
)

// State is the lifecycle state of a scan job.
type State string

// Job states.
const (
	StateIdle       State = "idle"
	StateStarting   State = "starting"
	StateStreaming  State = "streaming"
	StateFinalizing State = "finalizing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// transitions lists the states reachable from each state.
var transitions = map[State][]State{
	StateIdle:       {StateStarting},
	StateStarting:   {StateStreaming, StateFailed, StateCancelled},
	StateStreaming:  {StateFinalizing, StateFailed, StateCancelled},
	StateFinalizing: {StateCompleted, StateFailed},
}

// CanTransition reports whether a job may move from s to next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Cancellable reports whether a job in state s can still be cancelled.
func (s State) Cancellable() bool {
	return s == StateStarting || s == StateStreaming
}

// Running reports whether a job in state s owns a worker.
func (s State) Running() bool {
	return s == StateStarting || s == StateStreaming || s == StateFinalizing
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// SessionStatus maps the job state onto the coarse session status:
// running, completed, failed or cancelled.
func (s State) SessionStatus() string {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return string(s)
	default:
		return "running"
	}
}

// Info is a point-in-time view of a job.
type Info struct {
	ID             string    `json:"id"`
	Hostname       string    `json:"hostname"`
	IPAddress      string    `json:"ip_address"`
	State          State     `json:"state"`
	Status         string    `json:"status"`
	TranscriptPath string    `json:"transcript_path"`
	Findings       int       `json:"findings"`
	Lines          int       `json:"lines"`
	ExitCode       int       `json:"exit_code"`
	Error          string    `json:"error,omitempty"`
	ErrorCode      string    `json:"error_code,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at,omitzero"`
}

// Observer receives a job's events. Calls are made from the job's worker
// goroutine, in order, and must not block for long.
type Observer interface {
	OnTranscript(jobID, line string)
	OnFinding(jobID string, entry findings.Entry)
	OnStateChange(info Info)
}

// NopObserver ignores all events.
type NopObserver struct{}

func (NopObserver) OnTranscript(string, string)      {}
func (NopObserver) OnFinding(string, findings.Entry) {}
func (NopObserver) OnStateChange(Info)               {}
