package daemon

import (
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/portscribe/internal/config"
	"github.com/anstrom/portscribe/internal/logging"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Scanner.Binary = "portscribe-test-missing-nmap"
	cfg.Scanner.TranscriptDir = t.TempDir()
	cfg.Daemon.ShutdownTimeout = 2 * time.Second
	cfg.Daemon.PIDFile = filepath.Join(t.TempDir(), "run", "portscribe.pid")
	cfg.Daemon.ProbeInterval = 0
	return cfg
}

func startDaemon(t *testing.T, d *Daemon) <-chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- d.Start() }()

	select {
	case <-d.Ready():
	case err := <-errCh:
		t.Fatalf("daemon failed to start: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not become ready")
	}
	return errCh
}

func TestDaemonLifecycle(t *testing.T) {
	cfg := testConfig(t)
	cfg.Schedule = []config.ScheduledScan{
		{Name: "nightly", Cron: "0 2 * * *", Hostname: "example.com", Enabled: true},
		{Name: "paused", Cron: "0 3 * * *", Hostname: "example.org", Enabled: false},
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	d := New(cfg, "test", WithListener(listener), WithLogger(logging.NewDiscard()))
	errCh := startDaemon(t, d)

	assert.True(t, d.IsRunning())

	data, err := os.ReadFile(cfg.Daemon.PIDFile)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(data))

	jobs := d.GetScheduler().GetJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "nightly", jobs[0].Name)

	// The startup probe ran and found no nmap.
	st := d.GetController().Status()
	require.NotNil(t, st.Tool)
	assert.False(t, st.Tool.Available)

	url := "http://" + listener.Addr().String() + "/api/v1/liveness"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, d.Stop())
	assert.NoError(t, <-errCh)
	assert.False(t, d.IsRunning())

	_, err = os.Stat(cfg.Daemon.PIDFile)
	assert.True(t, os.IsNotExist(err))
	assert.True(t, d.GetController().Status().ShuttingDown)
}

func TestDaemonWithoutAPI(t *testing.T) {
	cfg := testConfig(t)
	cfg.API.Enabled = false

	d := New(cfg, "test", WithLogger(logging.NewDiscard()))
	errCh := startDaemon(t, d)

	require.NoError(t, d.Stop())
	assert.NoError(t, <-errCh)
}

func TestDaemonAPIFailureStopsDaemon(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, listener.Close())

	cfg := testConfig(t)
	d := New(cfg, "test", WithListener(listener), WithLogger(logging.NewDiscard()))

	errCh := make(chan error, 1)
	go func() { errCh <- d.Start() }()

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop after API failure")
	}

	_, err = os.Stat(cfg.Daemon.PIDFile)
	assert.True(t, os.IsNotExist(err))
}

func TestDaemonInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Daemon.ShutdownTimeout = 0

	err := New(cfg, "test", WithLogger(logging.NewDiscard())).Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration validation failed")
}

func TestDaemonInvalidSink(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sink.Type = "file"
	// A directory cannot be opened for appending.
	cfg.Sink.Path = t.TempDir()

	err := New(cfg, "test", WithLogger(logging.NewDiscard())).Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to initialize sink")

	_, statErr := os.Stat(cfg.Daemon.PIDFile)
	assert.True(t, os.IsNotExist(statErr))
}

func TestCheckExistingPID(t *testing.T) {
	tests := []struct {
		name     string
		contents string
		wantErr  bool
	}{
		{"running process", strconv.Itoa(os.Getpid()), true},
		{"garbage", "not-a-pid", false},
		{"stale process", "999999999", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			require.NoError(t, os.MkdirAll(filepath.Dir(cfg.Daemon.PIDFile), DefaultDirPermissions))
			require.NoError(t, os.WriteFile(cfg.Daemon.PIDFile, []byte(tt.contents), DefaultFilePermissions))

			d := New(cfg, "test", WithLogger(logging.NewDiscard()))
			err := d.checkExistingPID()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "already running")
				return
			}
			require.NoError(t, err)
			_, statErr := os.Stat(cfg.Daemon.PIDFile)
			assert.True(t, os.IsNotExist(statErr))
		})
	}
}
