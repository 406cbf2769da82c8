// Package sink records the security finding produced when a scan session
// completes. Sinks receive a self-contained Finding and decide how to
// persist it: the log channel, a file, or PostgreSQL.
package sink

//go:generate mockgen -source=sink.go -destination=mocks/mock_sink.go -package=mocks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/anstrom/portscribe/internal/db"
	"github.com/anstrom/portscribe/internal/errors"
	"github.com/anstrom/portscribe/internal/findings"
	"github.com/anstrom/portscribe/internal/logging"
)

// Fixed wording of port scan findings.
const (
	TitlePortScan      = "Nmap Port Scan Results"
	SeverityInfo       = "Information"
	ConfidenceCertain  = "Certain"
	BackgroundPortScan = "This issue was automatically generated based on the results of an Nmap scan."
	RemediationPorts   = "Investigate the exposed services and consider securing or closing unnecessary ports."
)

// Sink types accepted by New.
const (
	TypeLog      = "log"
	TypeFile     = "file"
	TypePostgres = "postgres"
)

// Finding is a completed scan session rendered for an issue tracker.
type Finding struct {
	ID          uuid.UUID        `json:"id" yaml:"id"`
	Target      string           `json:"target" yaml:"target"`
	Hostname    string           `json:"hostname" yaml:"hostname"`
	Title       string           `json:"title" yaml:"title"`
	Detail      string           `json:"detail" yaml:"detail"`
	Severity    string           `json:"severity" yaml:"severity"`
	Confidence  string           `json:"confidence" yaml:"confidence"`
	Background  string           `json:"background" yaml:"background"`
	Remediation string           `json:"remediation" yaml:"remediation"`
	Ports       []findings.Entry `json:"ports" yaml:"ports"`
	CreatedAt   time.Time        `json:"created_at" yaml:"created_at"`
}

// NewPortScanFinding builds the finding for a session against hostname.
// target is the opaque context token supplied with the scan request.
func NewPortScanFinding(target, hostname, detail string, ports []findings.Entry) Finding {
	return Finding{
		ID:          uuid.New(),
		Target:      target,
		Hostname:    hostname,
		Title:       TitlePortScan,
		Detail:      detail,
		Severity:    SeverityInfo,
		Confidence:  ConfidenceCertain,
		Background:  BackgroundPortScan,
		Remediation: RemediationPorts,
		Ports:       ports,
		CreatedAt:   time.Now().UTC(),
	}
}

// Sink receives findings of completed scans.
type Sink interface {
	// Record persists a single finding.
	Record(ctx context.Context, finding Finding) error
	// Close releases resources held by the sink.
	Close() error
}

// Config selects and configures a sink.
type Config struct {
	Type   string `yaml:"type" json:"type"`
	Path   string `yaml:"path" json:"path"`
	Format string `yaml:"format" json:"format"`
}

// DefaultConfig returns the log sink configuration.
func DefaultConfig() Config {
	return Config{
		Type:   TypeLog,
		Format: FormatJSON,
	}
}

// New creates the sink described by cfg. dbCfg is only used by the
// postgres sink.
func New(ctx context.Context, cfg Config, dbCfg *db.Config, logger *logging.Logger) (Sink, error) {
	switch cfg.Type {
	case "", TypeLog:
		return NewLogSink(logger), nil
	case TypeFile:
		return NewFileSink(cfg.Path, cfg.Format)
	case TypePostgres:
		if dbCfg == nil {
			return nil, errors.ErrConfigMissing("database")
		}
		database, err := db.Connect(ctx, dbCfg)
		if err != nil {
			return nil, err
		}
		if err := db.NewMigrator(database.DB).Up(ctx); err != nil {
			_ = database.Close()
			return nil, err
		}
		return NewPostgresSink(database), nil
	default:
		return nil, errors.NewConfigFieldError(errors.CodeValidation,
			fmt.Sprintf("unknown sink type %q", cfg.Type), "sink.type", cfg.Type)
	}
}
