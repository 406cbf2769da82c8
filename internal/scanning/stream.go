package scanning

import (
	"bufio"
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/anstrom/portscribe/internal/errors"
)

const (
	initialLineBuffer = 64 * 1024
	maxLineLength     = 1024 * 1024
	maxStderrBytes    = 64 * 1024

	// DefaultWaitDelay bounds how long Wait blocks on output pipes after the
	// process is killed.
	DefaultWaitDelay = 5 * time.Second
)

// Process is a running scanner process.
type Process interface {
	// Stdout returns the process's standard output.
	Stdout() io.Reader
	// Wait blocks until the process exits.
	Wait() error
	// ExitCode returns the exit code after Wait, or -1.
	ExitCode() int
	// Stderr returns captured standard error after Wait.
	Stderr() string
}

// Launcher starts scanner processes.
type Launcher interface {
	Launch(ctx context.Context, binary string, args []string) (Process, error)
}

// ExecLauncher starts processes with os/exec. Cancelling the launch context
// kills the process.
type ExecLauncher struct {
	WaitDelay time.Duration
}

// Launch starts binary with args.
func (l ExecLauncher) Launch(ctx context.Context, binary string, args []string) (Process, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.WaitDelay = l.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultWaitDelay
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.ErrSpawnFailure("", err)
	}
	stderr := &cappedBuffer{limit: maxStderrBytes}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		if isNotFound(err) {
			return nil, errors.ErrToolNotFound(binary, err)
		}
		return nil, errors.ErrSpawnFailure("", err)
	}

	return &execProcess{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr *cappedBuffer
}

func (p *execProcess) Stdout() io.Reader { return p.stdout }
func (p *execProcess) Wait() error       { return p.cmd.Wait() }
func (p *execProcess) Stderr() string    { return p.stderr.String() }

func (p *execProcess) ExitCode() int {
	if p.cmd.ProcessState == nil {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

// cappedBuffer keeps the first limit bytes written to it.
type cappedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// LineStream reads a process's standard output one line at a time. It is
// finite and not restartable: Next returns false once the output ends, after
// which Wait reports how the process exited.
type LineStream struct {
	proc    Process
	scanner *bufio.Scanner
	line    string
	waited  bool
	waitErr error
}

// NewLineStream wraps proc's standard output.
func NewLineStream(proc Process) *LineStream {
	sc := bufio.NewScanner(proc.Stdout())
	sc.Buffer(make([]byte, 0, initialLineBuffer), maxLineLength)
	return &LineStream{proc: proc, scanner: sc}
}

// Next advances to the next line, blocking until one is available.
func (s *LineStream) Next() bool {
	if !s.scanner.Scan() {
		return false
	}
	s.line = s.scanner.Text()
	return true
}

// Line returns the current line without its terminator.
func (s *LineStream) Line() string {
	return s.line
}

// Err returns the read error that ended the stream, if any. A clean end of
// output is not an error.
func (s *LineStream) Err() error {
	err := s.scanner.Err()
	if err == nil || stderrors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// Wait waits for the process to exit. It is safe to call more than once.
func (s *LineStream) Wait() error {
	if !s.waited {
		s.waitErr = s.proc.Wait()
		s.waited = true
	}
	return s.waitErr
}
