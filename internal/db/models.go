package db

import (
	"time"

	"github.com/google/uuid"
)

// FindingRecord is a row of scan_findings.
type FindingRecord struct {
	ID          uuid.UUID `db:"id" json:"id"`
	Target      string    `db:"target" json:"target"`
	Hostname    string    `db:"hostname" json:"hostname"`
	Title       string    `db:"title" json:"title"`
	Detail      string    `db:"detail" json:"detail"`
	Severity    string    `db:"severity" json:"severity"`
	Confidence  string    `db:"confidence" json:"confidence"`
	Background  string    `db:"background" json:"background"`
	Remediation string    `db:"remediation" json:"remediation"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// PortRecord is a row of finding_ports.
type PortRecord struct {
	FindingID uuid.UUID `db:"finding_id" json:"finding_id"`
	Position  int       `db:"position" json:"position"`
	Hostname  string    `db:"hostname" json:"hostname"`
	IPAddress string    `db:"ip_address" json:"ip_address"`
	Port      string    `db:"port" json:"port"`
	Protocol  string    `db:"protocol" json:"protocol"`
	State     string    `db:"state" json:"state"`
	Service   string    `db:"service" json:"service"`
	Version   string    `db:"version" json:"version"`
}
