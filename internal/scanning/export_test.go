package scanning

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/portscribe/internal/errors"
)

func writeTranscript(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("Nmap scan report for example.com (93.184.216.34)\n"), 0o600))
	return path
}

func TestWithExtension(t *testing.T) {
	tests := []struct {
		path, ext, want string
	}{
		{"report", ".scan", "report.scan"},
		{"report.scan", ".scan", "report.scan"},
		{"REPORT.SCAN", ".scan", "REPORT.SCAN"},
		{"report.txt", "scan", "report.txt.scan"},
		{"report", "", "report.scan"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, WithExtension(tt.path, tt.ext), tt.path)
	}
}

func TestExport_MovesTranscript(t *testing.T) {
	src := writeTranscript(t, t.TempDir(), "example.com.scan")
	dest := filepath.Join(t.TempDir(), "saved")

	got, err := Export(src, dest, ".scan")
	require.NoError(t, err)
	assert.Equal(t, dest+".scan", got)
	assert.NoFileExists(t, src)

	data, err := os.ReadFile(got)
	require.NoError(t, err)
	assert.Contains(t, string(data), "93.184.216.34")
}

func TestExport_IntoDirectory(t *testing.T) {
	src := writeTranscript(t, t.TempDir(), "example.com.scan")
	destDir := t.TempDir()

	got, err := Export(src, destDir, ".scan")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(destDir, "example.com.scan"), got)
	assert.FileExists(t, got)
}

func TestExport_SourceNotFound(t *testing.T) {
	destDir := t.TempDir()
	dest := filepath.Join(destDir, "saved.scan")

	t.Run("no session", func(t *testing.T) {
		_, err := Export("", dest, ".scan")
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.CodeSourceNotFound))
		assert.Contains(t, err.Error(), "no completed scan transcript available")
	})

	t.Run("transcript missing", func(t *testing.T) {
		_, err := Export(filepath.Join(t.TempDir(), "gone.scan"), dest, ".scan")
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.CodeSourceNotFound))
	})

	t.Run("already exported", func(t *testing.T) {
		src := writeTranscript(t, t.TempDir(), "example.com.scan")
		_, err := Export(src, filepath.Join(t.TempDir(), "first"), ".scan")
		require.NoError(t, err)

		_, err = Export(src, dest, ".scan")
		assert.True(t, errors.IsCode(err, errors.CodeSourceNotFound))
	})

	assert.NoFileExists(t, dest)
	entries, err := os.ReadDir(destDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestExport_EmptyDestination(t *testing.T) {
	src := writeTranscript(t, t.TempDir(), "example.com.scan")

	_, err := Export(src, "", ".scan")
	assert.True(t, errors.IsCode(err, errors.CodeValidation))
	assert.FileExists(t, src)
}

func TestExport_UnwritableDestinationLeavesSource(t *testing.T) {
	src := writeTranscript(t, t.TempDir(), "example.com.scan")

	_, err := Export(src, filepath.Join(t.TempDir(), "missing-dir", "out"), ".scan")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeExportFailed))
	assert.FileExists(t, src)
}

func TestMoveAcrossDevices(t *testing.T) {
	src := writeTranscript(t, t.TempDir(), "example.com.scan")
	dest := filepath.Join(t.TempDir(), "copy.scan")

	require.NoError(t, moveAcrossDevices(src, dest, 0o600))
	assert.NoFileExists(t, src)
	assert.FileExists(t, dest)

	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}
