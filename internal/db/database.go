// Package db provides PostgreSQL connectivity for portscribe.
// It handles migrations and the storage of findings recorded by the
// postgres sink.
package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/anstrom/portscribe/internal/errors"
	"github.com/anstrom/portscribe/internal/logging"
)

// sanitizeDBError converts raw database errors into errors that don't
// expose SQL details or credentials. The original error is kept as Cause.
func sanitizeDBError(operation string, err error) error {
	if err == nil {
		return nil
	}

	if stderrors.Is(err, sql.ErrNoRows) {
		return errors.NewDatabaseError(errors.CodeNotFound, "Resource not found")
	}

	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) {
		var dbErr *errors.DatabaseError
		switch pqErr.Code {
		case "23505": // unique_violation
			dbErr = errors.NewDatabaseError(errors.CodeConflict, "Resource already exists")
		case "23503": // foreign_key_violation
			dbErr = errors.NewDatabaseError(errors.CodeValidation, "Referenced resource does not exist")
		case "23502": // not_null_violation
			dbErr = errors.NewDatabaseError(errors.CodeValidation, "Required field is missing")
		case "23514": // check_violation
			dbErr = errors.NewDatabaseError(errors.CodeValidation, "Data validation failed")
		case "57014": // query_canceled
			dbErr = errors.NewDatabaseError(errors.CodeCanceled, "Database operation was canceled")
		case "57P01": // admin_shutdown
			dbErr = errors.NewDatabaseError(errors.CodeDatabaseConnection, "Database connection lost")
		case "08000", "08003", "08006": // connection errors
			dbErr = errors.NewDatabaseError(errors.CodeDatabaseConnection, "Database connection error")
		default:
			dbErr = errors.NewDatabaseError(errors.CodeDatabaseQuery,
				fmt.Sprintf("Database operation failed: %s", operation))
		}
		dbErr.Operation = operation
		dbErr.Cause = err
		return dbErr
	}

	dbErr := errors.NewDatabaseError(errors.CodeDatabaseQuery, fmt.Sprintf("Database operation failed: %s", operation))
	dbErr.Operation = operation
	dbErr.Cause = err
	return dbErr
}

const (
	// Default database configuration values.
	defaultPostgresPort    = 5432
	defaultMaxOpenConns    = 10
	defaultMaxIdleConns    = 2
	defaultConnMaxLifetime = 5
	defaultConnMaxIdleTime = 5
)

// DB wraps sqlx.DB with additional functionality.
type DB struct {
	*sqlx.DB
}

// Config holds database configuration.
type Config struct {
	Host            string        `yaml:"host" json:"host"`
	Port            int           `yaml:"port" json:"port"`
	Database        string        `yaml:"database" json:"database"`
	Username        string        `yaml:"username" json:"username"`
	Password        string        `yaml:"password" json:"password"`
	SSLMode         string        `yaml:"ssl_mode" json:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`
}

// DefaultConfig returns the default database configuration.
// Database name, username, and password must be explicitly configured.
func DefaultConfig() Config {
	return Config{
		Host:            "localhost",
		Port:            defaultPostgresPort,
		SSLMode:         "disable",
		MaxOpenConns:    defaultMaxOpenConns,
		MaxIdleConns:    defaultMaxIdleConns,
		ConnMaxLifetime: defaultConnMaxLifetime * time.Minute,
		ConnMaxIdleTime: defaultConnMaxIdleTime * time.Minute,
	}
}

// DSN returns the lib/pq key=value connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Database, c.Username, c.Password, c.SSLMode,
	)
}

// Connect establishes a connection to PostgreSQL.
// Returned errors never contain the DSN.
func Connect(ctx context.Context, config *Config) (*DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", config.DSN())
	if err != nil {
		return nil, errors.WrapDatabaseError(errors.CodeDatabaseConnection, "Failed to connect to database", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logging.Warn("Failed to close database connection after ping failure")
		}
		return nil, errors.WrapDatabaseError(errors.CodeDatabaseConnection, "Failed to verify database connection", err)
	}

	logging.Info("Connected to database",
		"host", config.Host,
		"port", config.Port,
		"database", config.Database)
	return &DB{DB: db}, nil
}

// FindingRepository stores sink findings and their port rows.
type FindingRepository struct {
	db *DB
}

// NewFindingRepository creates a new finding repository.
func NewFindingRepository(db *DB) *FindingRepository {
	return &FindingRepository{db: db}
}

// Create inserts a finding and its ports in one transaction. A zero ID is
// replaced with a fresh UUID.
func (r *FindingRepository) Create(ctx context.Context, finding *FindingRecord, ports []*PortRecord) error {
	if finding.ID == uuid.Nil {
		finding.ID = uuid.New()
	}
	if finding.CreatedAt.IsZero() {
		finding.CreatedAt = time.Now().UTC()
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return sanitizeDBError("begin finding transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO scan_findings (id, target, hostname, title, detail, severity,
			confidence, background, remediation, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err = tx.ExecContext(ctx, query,
		finding.ID, finding.Target, finding.Hostname, finding.Title, finding.Detail,
		finding.Severity, finding.Confidence, finding.Background, finding.Remediation,
		finding.CreatedAt)
	if err != nil {
		return sanitizeDBError("insert finding", err)
	}

	portQuery := `
		INSERT INTO finding_ports (finding_id, position, hostname, ip_address, port,
			protocol, state, service, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	for i, p := range ports {
		p.FindingID = finding.ID
		p.Position = i
		if _, err := tx.ExecContext(ctx, portQuery,
			p.FindingID, p.Position, p.Hostname, p.IPAddress, p.Port,
			p.Protocol, p.State, p.Service, p.Version); err != nil {
			return sanitizeDBError("insert finding port", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return sanitizeDBError("commit finding", err)
	}
	return nil
}

// ListByHostname returns the most recent findings for hostname, newest first.
func (r *FindingRepository) ListByHostname(ctx context.Context, hostname string, limit int) ([]*FindingRecord, error) {
	query := `
		SELECT id, target, hostname, title, detail, severity, confidence,
			background, remediation, created_at
		FROM scan_findings
		WHERE hostname = $1
		ORDER BY created_at DESC
		LIMIT $2`

	var records []*FindingRecord
	if err := r.db.SelectContext(ctx, &records, query, hostname, limit); err != nil {
		return nil, sanitizeDBError("list findings", err)
	}
	return records, nil
}

// Ports returns the port rows of a finding in their original order.
func (r *FindingRepository) Ports(ctx context.Context, findingID uuid.UUID) ([]*PortRecord, error) {
	query := `
		SELECT finding_id, position, hostname, ip_address, port, protocol,
			state, service, version
		FROM finding_ports
		WHERE finding_id = $1
		ORDER BY position`

	var ports []*PortRecord
	if err := r.db.SelectContext(ctx, &ports, query, findingID); err != nil {
		return nil, sanitizeDBError("list finding ports", err)
	}
	return ports, nil
}
