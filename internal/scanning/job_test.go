package scanning

import (
	"context"
	stderrors "errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/anstrom/portscribe/internal/errors"
	"github.com/anstrom/portscribe/internal/findings"
	"github.com/anstrom/portscribe/internal/logging"
	"github.com/anstrom/portscribe/internal/sink"
	"github.com/anstrom/portscribe/internal/sink/mocks"
)

func runCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newTestJob(t *testing.T, cfg JobConfig) *Job {
	t.Helper()
	if cfg.Hostname == "" {
		cfg.Hostname = "example.com"
	}
	if cfg.Tool == nil {
		cfg.Tool = fakeTool(t)
	}
	if cfg.Store == nil {
		cfg.Store = findings.NewStore()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewDiscard()
	}
	job, err := NewJob(cfg)
	require.NoError(t, err)
	return job
}

func TestJob_FullScan(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockSink := mocks.NewMockSink(ctrl)

	var recorded sink.Finding
	mockSink.EXPECT().Record(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, f sink.Finding) error {
			recorded = f
			return nil
		}).Times(1)

	store := findings.NewStore()
	tool := fakeTool(t)
	launcher := outputLauncher(
		"Starting Nmap 7.94 ( https://nmap.org )",
		"Nmap scan report for example.com (93.184.216.34)",
		"PORT   STATE SERVICE VERSION",
		"80/tcp open http nginx 1.18",
		"Nmap done: 1 IP address (1 host up) scanned in 5.00 seconds",
	)
	observer := newRecordingObserver()

	job := newTestJob(t, JobConfig{
		Token:    "ctx-42",
		Tool:     tool,
		Launcher: launcher,
		Store:    store,
		Sink:     mockSink,
		Observer: observer,
	})

	require.NoError(t, job.Run(runCtx(t)))

	// Store
	key := findings.ScanKey{Hostname: "example.com", IPAddress: "93.184.216.34", Port: "80"}
	require.Equal(t, 1, store.Len())
	got, ok := store.Get(key)
	require.True(t, ok)
	assert.Equal(t, findings.PortFinding{Service: "http", Protocol: findings.ProtocolTCP, State: "open", Version: "nginx 1.18"}, got)

	// Sink
	assert.Equal(t, "ctx-42", recorded.Target)
	assert.Equal(t, "example.com", recorded.Hostname)
	assert.Equal(t, "Information", recorded.Severity)
	assert.Contains(t, recorded.Detail, "Nmap scan on example.com")
	assert.Contains(t, recorded.Detail, "Port: 80")
	require.Len(t, recorded.Ports, 1)

	// Invocation
	assert.Equal(t, 1, launcher.Calls())
	assert.Equal(t, []string{"-A", "-oN", tool.TranscriptPath("example.com"), "example.com"}, launcher.args)
	assert.Equal(t, "example.com.scan", filepath.Base(tool.TranscriptPath("example.com")))

	// Lifecycle
	assert.Equal(t, []State{StateStarting, StateStreaming, StateFinalizing, StateCompleted}, observer.States())
	info := job.Info()
	assert.Equal(t, StateCompleted, info.State)
	assert.Equal(t, "completed", info.Status)
	assert.Equal(t, "93.184.216.34", info.IPAddress)
	assert.Equal(t, 1, info.Findings)
	assert.Equal(t, 5, info.Lines)
	assert.Empty(t, info.Error)

	// Transcript
	lines := strings.Split(strings.TrimSuffix(job.Transcript(), "\n"), "\n")
	require.Len(t, lines, 7)
	assert.Equal(t, "Running Nmap scan on: example.com", lines[0])
	assert.Equal(t, "80/tcp open http nginx 1.18", lines[4])
	assert.Equal(t, "Nmap scan completed.", lines[6])
	assert.Equal(t, lines, observer.Lines())
}

func TestJob_DuplicatePortLinesFirstWriteWins(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockSink := mocks.NewMockSink(ctrl)
	mockSink.EXPECT().Record(gomock.Any(), gomock.Any()).Return(nil)

	store := findings.NewStore()
	observer := newRecordingObserver()
	job := newTestJob(t, JobConfig{
		Launcher: outputLauncher(
			"Nmap scan report for example.com (93.184.216.34)",
			"80/tcp open http nginx 1.18",
			"443/tcp open https nginx 1.18",
			"80/tcp filtered http Apache 2.4",
		),
		Store:    store,
		Sink:     mockSink,
		Observer: observer,
	})

	require.NoError(t, job.Run(runCtx(t)))

	snapshot := store.Snapshot()
	require.Len(t, snapshot, 2)
	assert.Equal(t, "80", snapshot[0].Key.Port)
	assert.Equal(t, "open", snapshot[0].Finding.State)
	assert.Equal(t, "nginx 1.18", snapshot[0].Finding.Version)
	assert.Equal(t, "443", snapshot[1].Key.Port)

	// Refresh signals only for actual inserts.
	assert.Len(t, observer.entries, 2)
	assert.Len(t, job.Entries(), 2)
}

func TestJob_SessionReportsPreexistingFindings(t *testing.T) {
	store := findings.NewStore()
	key := findings.ScanKey{Hostname: "example.com", IPAddress: "93.184.216.34", Port: "22"}
	store.InsertIfAbsent(key, findings.PortFinding{Service: "ssh", Protocol: findings.ProtocolTCP, State: "open"})

	ctrl := gomock.NewController(t)
	mockSink := mocks.NewMockSink(ctrl)
	mockSink.EXPECT().Record(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, f sink.Finding) error {
			if assert.Len(t, f.Ports, 1) {
				assert.Equal(t, "ssh", f.Ports[0].Finding.Service)
				assert.Equal(t, "open", f.Ports[0].Finding.State)
			}
			return nil
		})

	job := newTestJob(t, JobConfig{
		Launcher: outputLauncher(
			"Nmap scan report for example.com (93.184.216.34)",
			"22/tcp closed ssh",
		),
		Store: store,
		Sink:  mockSink,
	})

	require.NoError(t, job.Run(runCtx(t)))
	assert.Equal(t, 1, store.Len())
}

func TestJob_ToolNotFound(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockSink := mocks.NewMockSink(ctrl)

	launcher := outputLauncher("unused")
	observer := newRecordingObserver()
	job := newTestJob(t, JobConfig{
		Tool:     NewTool(ToolConfig{Binary: filepath.Join(t.TempDir(), "no-such-nmap")}),
		Launcher: launcher,
		Sink:     mockSink,
		Observer: observer,
	})

	err := job.Run(runCtx(t))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeToolNotFound))
	assert.Contains(t, err.Error(), "Nmap executable not found")
	assert.Equal(t, 0, launcher.Calls())
	assert.Equal(t, []State{StateStarting, StateFailed}, observer.States())
	assert.Equal(t, "TOOL_NOT_FOUND", job.Info().ErrorCode)
}

func TestJob_SpawnFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockSink := mocks.NewMockSink(ctrl)

	job := newTestJob(t, JobConfig{
		Launcher: &fakeLauncher{launch: func(context.Context) (Process, error) {
			return nil, errors.ErrSpawnFailure("", stderrors.New("permission denied"))
		}},
		Sink: mockSink,
	})

	err := job.Run(runCtx(t))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeProcessSpawnFailure))
	assert.Contains(t, err.Error(), "target: example.com")
	assert.Equal(t, StateFailed, job.State())
}

func TestJob_StreamReadFailureKeepsFindings(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockSink := mocks.NewMockSink(ctrl)

	store := findings.NewStore()
	job := newTestJob(t, JobConfig{
		Launcher: &fakeLauncher{launch: func(context.Context) (Process, error) {
			return &fakeProcess{stdout: io.MultiReader(
				strings.NewReader("Nmap scan report for example.com (93.184.216.34)\n80/tcp open http nginx\n"),
				iotest.ErrReader(stderrors.New("device unplugged")),
			)}, nil
		}},
		Store: store,
		Sink:  mockSink,
	})

	err := job.Run(runCtx(t))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeStreamReadFailure))
	assert.Equal(t, StateFailed, job.State())
	assert.Equal(t, 1, store.Len())
}

func TestJob_WaitFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockSink := mocks.NewMockSink(ctrl)

	job := newTestJob(t, JobConfig{
		Launcher: &fakeLauncher{launch: func(context.Context) (Process, error) {
			return &fakeProcess{stdout: strings.NewReader(""), waitErr: stderrors.New("wait: broken pipe")}, nil
		}},
		Sink: mockSink,
	})

	err := job.Run(runCtx(t))
	assert.True(t, errors.IsCode(err, errors.CodeStreamReadFailure))
}

func TestJob_SinkFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockSink := mocks.NewMockSink(ctrl)
	mockSink.EXPECT().Record(gomock.Any(), gomock.Any()).Return(stderrors.New("tracker offline"))

	store := findings.NewStore()
	job := newTestJob(t, JobConfig{
		Launcher: outputLauncher("Nmap scan report for example.com (93.184.216.34)", "80/tcp open http"),
		Store:    store,
		Sink:     mockSink,
	})

	err := job.Run(runCtx(t))
	assert.True(t, errors.IsCode(err, errors.CodeSinkFailed))
	assert.Equal(t, StateFailed, job.State())
	assert.Equal(t, 1, store.Len())
	assert.NotContains(t, job.Transcript(), "Nmap scan completed.")
}

func TestJob_CancelStopsStoreMutation(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockSink := mocks.NewMockSink(ctrl)

	store := findings.NewStore()
	launcher, pw := pipeLauncher()
	observer := newRecordingObserver()
	job := newTestJob(t, JobConfig{
		Launcher: launcher,
		Store:    store,
		Sink:     mockSink,
		Observer: observer,
	})

	require.NoError(t, job.Start(runCtx(t)))

	go func() {
		_, _ = io.WriteString(pw, "Nmap scan report for example.com (93.184.216.34)\n80/tcp open http nginx\n")
	}()

	select {
	case <-observer.found:
	case <-time.After(5 * time.Second):
		t.Fatal("finding was not observed")
	}

	assert.True(t, job.Cancel())
	assert.False(t, job.Cancel())
	assert.Equal(t, StateCancelled, job.State())

	// Output written after cancellation never reaches the store.
	go func() {
		_, _ = io.WriteString(pw, "443/tcp open https nginx\n")
	}()

	select {
	case <-job.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("job did not stop after cancel")
	}

	assert.Equal(t, 1, store.Len())
	assert.Equal(t, StateCancelled, job.State())
	assert.True(t, errors.IsCode(job.Err(), errors.CodeCanceled))
	assert.Equal(t, []State{StateStarting, StateStreaming, StateCancelled}, observer.States())
	_ = pw.Close()
}

func TestJob_ParentContextCancelled(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockSink := mocks.NewMockSink(ctrl)

	launcher, pw := pipeLauncher()
	defer pw.Close()
	observer := newRecordingObserver()
	job := newTestJob(t, JobConfig{Launcher: launcher, Sink: mockSink, Observer: observer})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, job.Start(ctx))

	go func() {
		_, _ = io.WriteString(pw, "Nmap scan report for example.com (93.184.216.34)\n22/tcp open ssh\n")
	}()
	<-observer.found
	cancel()

	select {
	case <-job.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("job did not stop after context cancellation")
	}
	assert.Equal(t, StateCancelled, job.State())
}

func TestJob_StartTwice(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockSink := mocks.NewMockSink(ctrl)
	mockSink.EXPECT().Record(gomock.Any(), gomock.Any()).Return(nil)

	job := newTestJob(t, JobConfig{Launcher: outputLauncher("done"), Sink: mockSink})
	require.NoError(t, job.Run(runCtx(t)))

	err := job.Start(context.Background())
	assert.True(t, errors.IsCode(err, errors.CodeConflict))
	assert.False(t, job.Cancel())
}

func TestNewJob_Validation(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockSink := mocks.NewMockSink(ctrl)

	_, err := NewJob(JobConfig{Hostname: "-oN /etc/passwd", Tool: fakeTool(t), Store: findings.NewStore(), Sink: mockSink})
	assert.True(t, errors.IsCode(err, errors.CodeTargetInvalid))

	_, err = NewJob(JobConfig{Hostname: "example.com"})
	assert.True(t, errors.IsCode(err, errors.CodeValidation))
}

func TestExecLauncher_RealProcess(t *testing.T) {
	script := writeScript(t, "nmap", `
if [ "$1" = "-v" ]; then
  echo "Starting Nmap 7.94 ( https://nmap.org )"
  exit 0
fi
# -A -oN <transcript> <host>
cat > "$3" <<EOF
Nmap scan report for $4 (10.1.2.3)
22/tcp open  ssh     OpenSSH 9.6
EOF
cat "$3"
echo "warning: fake" >&2
exit ${FAKE_EXIT:-0}
`)

	for _, tc := range []struct {
		name     string
		exit     string
		exitCode int
	}{
		{"clean exit", "0", 0},
		{"non-zero exit still completes", "3", 3},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("FAKE_EXIT", tc.exit)

			ctrl := gomock.NewController(t)
			mockSink := mocks.NewMockSink(ctrl)
			mockSink.EXPECT().Record(gomock.Any(), gomock.Any()).Return(nil)

			store := findings.NewStore()
			tool := NewTool(ToolConfig{Binary: script, TranscriptDir: t.TempDir()})
			job := newTestJob(t, JobConfig{
				Hostname: "scanme.local",
				Tool:     tool,
				Launcher: ExecLauncher{},
				Store:    store,
				Sink:     mockSink,
			})

			require.NoError(t, job.Run(runCtx(t)))
			assert.Equal(t, StateCompleted, job.State())
			assert.Equal(t, tc.exitCode, job.Info().ExitCode)
			assert.FileExists(t, tool.TranscriptPath("scanme.local"))

			got, ok := store.Get(findings.ScanKey{Hostname: "scanme.local", IPAddress: "10.1.2.3", Port: "22"})
			require.True(t, ok)
			assert.Equal(t, "OpenSSH 9.6", got.Version)
		})
	}
}

func TestExecLauncher_CancelKillsProcess(t *testing.T) {
	script := writeScript(t, "nmap", `
echo "Nmap scan report for $4 (10.1.2.3)"
exec sleep 30
`)

	ctrl := gomock.NewController(t)
	mockSink := mocks.NewMockSink(ctrl)
	observer := newRecordingObserver()

	job := newTestJob(t, JobConfig{
		Tool:     NewTool(ToolConfig{Binary: script, TranscriptDir: t.TempDir()}),
		Launcher: ExecLauncher{WaitDelay: time.Second},
		Sink:     mockSink,
		Observer: observer,
	})
	require.NoError(t, job.Start(runCtx(t)))

	require.Eventually(t, func() bool { return job.Info().IPAddress == "10.1.2.3" }, 5*time.Second, 10*time.Millisecond)
	require.True(t, job.Cancel())

	select {
	case <-job.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("process was not killed")
	}
	assert.Equal(t, StateCancelled, job.State())
}

func TestExecLauncher_OverlongLineFailsLiveProcess(t *testing.T) {
	script := writeScript(t, "nmap", `
echo "Nmap scan report for $4 (10.1.2.3)"
echo "22/tcp open  ssh     OpenSSH 9.6"
head -c 2000000 /dev/zero | tr '\0' 'a'
while true; do
  echo "still scanning"
  sleep 0.1
done
`)

	ctrl := gomock.NewController(t)
	mockSink := mocks.NewMockSink(ctrl)

	store := findings.NewStore()
	job := newTestJob(t, JobConfig{
		Hostname: "scanme.local",
		Tool:     NewTool(ToolConfig{Binary: script, TranscriptDir: t.TempDir()}),
		Launcher: ExecLauncher{WaitDelay: time.Second},
		Store:    store,
		Sink:     mockSink,
	})
	require.NoError(t, job.Start(runCtx(t)))

	select {
	case <-job.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("job still %s after an overlong line", job.State())
	}

	assert.Equal(t, StateFailed, job.State())
	assert.True(t, errors.IsCode(job.Err(), errors.CodeStreamReadFailure))
	assert.Equal(t, 1, store.Len())
}
