package scanning

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/anstrom/portscribe/internal/findings"
)

// writeScript creates an executable shell script in a temp dir.
func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not supported on windows")
	}
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

// fakeTool returns a Tool whose binary resolves to a harmless script.
func fakeTool(t *testing.T) *Tool {
	t.Helper()
	return NewTool(ToolConfig{
		Binary:        writeScript(t, "nmap", "exit 0\n"),
		TranscriptDir: t.TempDir(),
	})
}

type fakeProcess struct {
	stdout   io.Reader
	waitErr  error
	exitCode int
	waitFn   func() error
}

func (p *fakeProcess) Stdout() io.Reader { return p.stdout }
func (p *fakeProcess) ExitCode() int     { return p.exitCode }
func (p *fakeProcess) Stderr() string    { return "" }

func (p *fakeProcess) Wait() error {
	if p.waitFn != nil {
		return p.waitFn()
	}
	return p.waitErr
}

// fakeLauncher hands out a prepared process and records the invocation.
type fakeLauncher struct {
	mu     sync.Mutex
	launch func(ctx context.Context) (Process, error)
	calls  int
	binary string
	args   []string
}

func (l *fakeLauncher) Launch(ctx context.Context, binary string, args []string) (Process, error) {
	l.mu.Lock()
	l.calls++
	l.binary = binary
	l.args = append([]string(nil), args...)
	l.mu.Unlock()
	return l.launch(ctx)
}

func (l *fakeLauncher) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

// outputLauncher streams fixed output and exits cleanly.
func outputLauncher(lines ...string) *fakeLauncher {
	return &fakeLauncher{launch: func(context.Context) (Process, error) {
		return &fakeProcess{stdout: strings.NewReader(strings.Join(lines, "\n") + "\n"), exitCode: 0}, nil
	}}
}

// pipeLauncher streams whatever the test writes to the returned writer. The
// process is "killed" when the job context is cancelled.
func pipeLauncher() (*fakeLauncher, *io.PipeWriter) {
	pr, pw := io.Pipe()
	return &fakeLauncher{launch: func(ctx context.Context) (Process, error) {
		exited := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				_ = pr.CloseWithError(ctx.Err())
			case <-exited:
			}
		}()
		return &fakeProcess{stdout: pr, waitFn: func() error {
			close(exited)
			return nil
		}}, nil
	}}, pw
}

type recordingObserver struct {
	mu      sync.Mutex
	states  []State
	lines   []string
	entries []findings.Entry
	found   chan struct{}
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{found: make(chan struct{}, 100)}
}

func (o *recordingObserver) OnTranscript(_, line string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lines = append(o.lines, line)
}

func (o *recordingObserver) OnFinding(_ string, entry findings.Entry) {
	o.mu.Lock()
	o.entries = append(o.entries, entry)
	o.mu.Unlock()
	o.found <- struct{}{}
}

func (o *recordingObserver) OnStateChange(info Info) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, info.State)
}

func (o *recordingObserver) States() []State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]State(nil), o.states...)
}

func (o *recordingObserver) Lines() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.lines...)
}
