package sink

import (
	"context"

	"github.com/anstrom/portscribe/internal/db"
)

// PostgresSink stores findings and their ports in PostgreSQL.
type PostgresSink struct {
	db   *db.DB
	repo *db.FindingRepository
}

// NewPostgresSink creates a sink on an open connection. Close closes it.
func NewPostgresSink(database *db.DB) *PostgresSink {
	return &PostgresSink{
		db:   database,
		repo: db.NewFindingRepository(database),
	}
}

// Record inserts the finding and its port rows in one transaction.
func (s *PostgresSink) Record(ctx context.Context, finding Finding) error {
	record := &db.FindingRecord{
		ID:          finding.ID,
		Target:      finding.Target,
		Hostname:    finding.Hostname,
		Title:       finding.Title,
		Detail:      finding.Detail,
		Severity:    finding.Severity,
		Confidence:  finding.Confidence,
		Background:  finding.Background,
		Remediation: finding.Remediation,
		CreatedAt:   finding.CreatedAt,
	}

	ports := make([]*db.PortRecord, 0, len(finding.Ports))
	for _, e := range finding.Ports {
		ports = append(ports, &db.PortRecord{
			Hostname:  e.Key.Hostname,
			IPAddress: e.Key.IPAddress,
			Port:      e.Key.Port,
			Protocol:  string(e.Finding.Protocol),
			State:     e.Finding.State,
			Service:   e.Finding.Service,
			Version:   e.Finding.Version,
		})
	}

	return s.repo.Create(ctx, record, ports)
}

// Close closes the database connection.
func (s *PostgresSink) Close() error {
	return s.db.Close()
}
