package errors

import (
	"errors"
	"fmt"
	"os/exec"
	"testing"
)

func TestErrorCodes(t *testing.T) {
	codes := []ErrorCode{
		CodeUnknown,
		CodeValidation,
		CodeConfiguration,
		CodeCanceled,
		CodeNotFound,
		CodeConflict,
		CodeToolNotFound,
		CodeProcessSpawnFailure,
		CodeStreamReadFailure,
		CodeScanFailed,
		CodeScanInProgress,
		CodeTargetInvalid,
		CodeSourceNotFound,
		CodeExportFailed,
		CodeSinkFailed,
		CodeDatabaseConnection,
		CodeDatabaseQuery,
		CodeDatabaseMigration,
	}

	seen := make(map[ErrorCode]bool)
	for _, code := range codes {
		if string(code) == "" {
			t.Errorf("Error code %v should not be empty", code)
		}
		if seen[code] {
			t.Errorf("Error code %s is declared twice", code)
		}
		seen[code] = true
	}
}

func TestScanError(t *testing.T) {
	t.Run("error with target", func(t *testing.T) {
		err := NewScanErrorWithTarget(CodeScanInProgress, "scan already running", "example.com")
		expected := "[SCAN_IN_PROGRESS] scan already running (target: example.com)"
		if err.Error() != expected {
			t.Errorf("Expected error message '%s', got '%s'", expected, err.Error())
		}
	})

	t.Run("error without target", func(t *testing.T) {
		err := NewScanError(CodeValidation, "validation failed")
		expected := "[VALIDATION] validation failed"
		if err.Error() != expected {
			t.Errorf("Expected error message '%s', got '%s'", expected, err.Error())
		}
	})

	t.Run("wrapped error", func(t *testing.T) {
		cause := fmt.Errorf("broken pipe")
		err := WrapScanError(CodeStreamReadFailure, "read failed", cause)
		if !errors.Is(err, cause) {
			t.Error("Wrapped error should be reachable with errors.Is")
		}
	})

	t.Run("with context and operation", func(t *testing.T) {
		err := NewScanError(CodeExportFailed, "rename failed").
			WithContext("path", "/tmp/x.scan").
			WithOperation("export")
		if err.Context["path"] != "/tmp/x.scan" {
			t.Errorf("Expected path context, got %v", err.Context["path"])
		}
		if err.Operation != "export" {
			t.Errorf("Expected operation 'export', got '%s'", err.Operation)
		}
	})
}

func TestIsCodeAndGetCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		code     ErrorCode
		expected bool
	}{
		{"scan error", ErrScanInProgress("h"), CodeScanInProgress, true},
		{"scan error other code", ErrScanInProgress("h"), CodeToolNotFound, false},
		{"database error", NewDatabaseError(CodeDatabaseQuery, "q"), CodeDatabaseQuery, true},
		{"config error", ErrConfigMissing("scanner.binary"), CodeConfiguration, true},
		{"wrapped with fmt", fmt.Errorf("outer: %w", ErrSourceNotFound("")), CodeSourceNotFound, true},
		{"plain error", errors.New("plain"), CodeUnknown, false},
		{"nil error", nil, CodeUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsCode(tt.err, tt.code); got != tt.expected {
				t.Errorf("IsCode() = %v, want %v", got, tt.expected)
			}
		})
	}

	if got := GetCode(errors.New("plain")); got != CodeUnknown {
		t.Errorf("GetCode(plain) = %s, want %s", got, CodeUnknown)
	}
	if got := GetCode(fmt.Errorf("x: %w", ErrStreamRead("h", errors.New("eof")))); got != CodeStreamReadFailure {
		t.Errorf("GetCode(wrapped) = %s, want %s", got, CodeStreamReadFailure)
	}
}

func TestCommonConstructors(t *testing.T) {
	t.Run("tool not found keeps the exec cause", func(t *testing.T) {
		err := ErrToolNotFound("nmap", exec.ErrNotFound)
		if !errors.Is(err, exec.ErrNotFound) {
			t.Error("Expected exec.ErrNotFound in chain")
		}
		if err.Context["binary"] != "nmap" {
			t.Errorf("Expected binary context 'nmap', got %v", err.Context["binary"])
		}
		if !IsFatal(err) {
			t.Error("Tool not found should be fatal")
		}
	})

	t.Run("source not found message depends on path", func(t *testing.T) {
		if got := ErrSourceNotFound("").Message; got != "no completed scan transcript available" {
			t.Errorf("unexpected message %q", got)
		}
		if got := ErrSourceNotFound("/tmp/a.scan").Message; got != "transcript file not found" {
			t.Errorf("unexpected message %q", got)
		}
	})

	t.Run("spawn failure is not fatal", func(t *testing.T) {
		if IsFatal(ErrSpawnFailure("h", errors.New("permission denied"))) {
			t.Error("Spawn failure should not be fatal")
		}
	})

	t.Run("database error with query", func(t *testing.T) {
		err := WrapDatabaseError(CodeDatabaseQuery, "insert failed", errors.New("boom")).
			WithQuery("INSERT INTO port_findings")
		if err.Query != "INSERT INTO port_findings" {
			t.Errorf("unexpected query %q", err.Query)
		}
		err.Operation = "record finding"
		expected := "[DATABASE_QUERY] insert failed (operation: record finding)"
		if err.Error() != expected {
			t.Errorf("Expected '%s', got '%s'", expected, err.Error())
		}
	})

	t.Run("config field error", func(t *testing.T) {
		err := ErrConfigInvalid("sink.type", "kafka")
		expected := "[VALIDATION] Invalid configuration value (field: sink.type)"
		if err.Error() != expected {
			t.Errorf("Expected '%s', got '%s'", expected, err.Error())
		}
		wrapped := WrapConfigError(CodeConfiguration, "load failed", err)
		if !errors.Is(wrapped, err) {
			t.Error("Expected config error to unwrap")
		}
	})
}
