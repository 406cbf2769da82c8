package sink

import (
	"context"

	"github.com/anstrom/portscribe/internal/logging"
)

// LogSink writes findings to the operator log.
type LogSink struct {
	logger *logging.Logger
}

// NewLogSink creates a sink that logs through logger, or the default logger
// when logger is nil.
func NewLogSink(logger *logging.Logger) *LogSink {
	if logger == nil {
		logger = logging.Default()
	}
	return &LogSink{logger: logger.WithComponent("sink")}
}

// Record logs the finding at info level.
func (s *LogSink) Record(ctx context.Context, finding Finding) error {
	s.logger.InfoContext(ctx, finding.Title,
		"finding_id", finding.ID.String(),
		"target", finding.Target,
		"hostname", finding.Hostname,
		"severity", finding.Severity,
		"confidence", finding.Confidence,
		"ports", len(finding.Ports),
		"detail", finding.Detail)
	return nil
}

// Close is a no-op.
func (s *LogSink) Close() error {
	return nil
}
