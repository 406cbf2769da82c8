package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/anstrom/portscribe/internal/errors"
)

// File sink formats.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

const (
	sinkDirPerm  = 0750
	sinkFilePerm = 0600
)

// FileSink appends findings to a file, one JSON object per line or one
// YAML document per finding.
type FileSink struct {
	mu     sync.Mutex
	path   string
	format string
	file   *os.File
}

// NewFileSink opens path for appending, creating parent directories.
func NewFileSink(path, format string) (*FileSink, error) {
	if path == "" {
		return nil, errors.ErrConfigMissing("sink.path")
	}
	if format == "" {
		format = FormatJSON
	}
	if format != FormatJSON && format != FormatYAML {
		return nil, errors.ErrConfigInvalid("sink.format", format)
	}

	if err := os.MkdirAll(filepath.Dir(path), sinkDirPerm); err != nil {
		return nil, errors.WrapScanError(errors.CodeSinkFailed, "failed to create sink directory", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, sinkFilePerm)
	if err != nil {
		return nil, errors.WrapScanError(errors.CodeSinkFailed, "failed to open sink file", err)
	}

	return &FileSink{path: path, format: format, file: file}, nil
}

// Record appends finding to the file.
func (s *FileSink) Record(_ context.Context, finding Finding) error {
	var (
		data []byte
		err  error
	)
	switch s.format {
	case FormatYAML:
		data, err = yaml.Marshal(finding)
		data = append([]byte("---\n"), data...)
	default:
		data, err = json.Marshal(finding)
		data = append(data, '\n')
	}
	if err != nil {
		return errors.WrapScanError(errors.CodeSinkFailed, fmt.Sprintf("failed to encode finding as %s", s.format), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return errors.NewScanError(errors.CodeSinkFailed, "sink file is closed")
	}
	if _, err := s.file.Write(data); err != nil {
		return errors.WrapScanError(errors.CodeSinkFailed, "failed to write finding", err).
			WithContext("path", s.path)
	}
	return nil
}

// Close closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
