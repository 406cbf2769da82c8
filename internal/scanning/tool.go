package scanning

import (
	"bufio"
	"bytes"
	"context"
	stderrors "errors"
	"io/fs"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/Ullaakut/nmap/v3"

	"github.com/anstrom/portscribe/internal/errors"
	"github.com/anstrom/portscribe/internal/logging"
)

// Tool defaults.
const (
	DefaultBinary              = "nmap"
	DefaultTranscriptExtension = ".scan"
	DefaultProbeTimeout        = 10 * time.Second
)

// ToolConfig configures how nmap is located and where transcripts go.
type ToolConfig struct {
	Binary              string
	TranscriptDir       string
	TranscriptExtension string
	ProbeTimeout        time.Duration
}

// Tool builds nmap invocations.
type Tool struct {
	binary        string
	transcriptDir string
	extension     string
	probeTimeout  time.Duration
}

// NewTool creates a Tool, filling unset fields with defaults.
func NewTool(cfg ToolConfig) *Tool {
	t := &Tool{
		binary:        cfg.Binary,
		transcriptDir: cfg.TranscriptDir,
		extension:     NormalizeExtension(cfg.TranscriptExtension),
		probeTimeout:  cfg.ProbeTimeout,
	}
	if t.binary == "" {
		t.binary = DefaultBinary
	}
	if t.transcriptDir == "" {
		t.transcriptDir = "."
	}
	if t.probeTimeout <= 0 {
		t.probeTimeout = DefaultProbeTimeout
	}
	return t
}

// NormalizeExtension returns ext with a leading dot, or the default
// transcript extension when ext is empty.
func NormalizeExtension(ext string) string {
	if ext == "" {
		return DefaultTranscriptExtension
	}
	if !strings.HasPrefix(ext, ".") {
		return "." + ext
	}
	return ext
}

// Extension returns the transcript file extension.
func (t *Tool) Extension() string {
	return t.extension
}

// Resolve returns the absolute path of the nmap binary.
func (t *Tool) Resolve() (string, error) {
	path, err := exec.LookPath(t.binary)
	if err != nil {
		return "", errors.ErrToolNotFound(t.binary, err)
	}
	return path, nil
}

// TranscriptPath returns where nmap writes the normal output for hostname.
func (t *Tool) TranscriptPath(hostname string) string {
	return filepath.Join(t.transcriptDir, hostname+t.extension)
}

// Command returns the binary and arguments of a scan against hostname.
func (t *Tool) Command(ctx context.Context, hostname string) (string, []string, error) {
	binary, err := t.Resolve()
	if err != nil {
		return "", nil, err
	}

	scanner, err := nmap.NewScanner(ctx,
		nmap.WithBinaryPath(binary),
		nmap.WithAggressiveScan(),
		nmap.WithCustomArguments("-oN", t.TranscriptPath(hostname)),
		nmap.WithTargets(hostname),
	)
	if err != nil {
		if stderrors.Is(err, nmap.ErrNmapNotInstalled) {
			return "", nil, errors.ErrToolNotFound(t.binary, err)
		}
		return "", nil, errors.ErrSpawnFailure(hostname, err)
	}

	return binary, scanner.Args(), nil
}

// ProbeResult describes the outcome of an availability probe.
type ProbeResult struct {
	Binary    string `json:"binary"`
	Available bool   `json:"available"`
	Healthy   bool   `json:"healthy"`
	Version   string `json:"version,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// Probe runs `nmap -v`. Only a missing executable is reported as an error;
// any other failure yields an available but unhealthy result.
func (t *Tool) Probe(ctx context.Context) (ProbeResult, error) {
	result := ProbeResult{Binary: t.binary}

	binary, err := t.Resolve()
	if err != nil {
		return result, err
	}
	result.Binary = binary
	result.Available = true

	ctx, cancel := context.WithTimeout(ctx, t.probeTimeout)
	defer cancel()

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, binary, "-v")
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		if isNotFound(err) {
			return result, errors.ErrToolNotFound(t.binary, err)
		}
		result.Detail = err.Error()
		logging.Warn("Nmap probe failed", "binary", binary, "error", err)
		return result, nil
	}

	result.Healthy = true
	result.Version = firstLine(out.String())
	return result, nil
}

func isNotFound(err error) bool {
	return stderrors.Is(err, exec.ErrNotFound) || stderrors.Is(err, fs.ErrNotExist)
}

func firstLine(s string) string {
	sc := bufio.NewScanner(strings.NewReader(s))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			return line
		}
	}
	return ""
}
