package auditspool

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/natefinch/lumberjack"
)

// Database Utilities

// SetupDatabase creates the audit_record table and its indexes if they do
// not exist yet.
//
// Parameters:
//   - db: An initialized `*sql.DB` connection pool to the database.
//
// Returns:
//   - error: An error if table or index creation fails.
func SetupDatabase(db *sql.DB) error {
	// `id` is the deterministic record ID, so a redelivered record maps to
	// the same row.
	createTableQuery := `
CREATE TABLE IF NOT EXISTS audit_record (
	id VARCHAR(36) PRIMARY KEY,
	destination VARCHAR(255) NOT NULL,
	event_code VARCHAR(32) NOT NULL,
	event_time TIMESTAMP NOT NULL,
	outcome VARCHAR(4) NOT NULL,
	payload TEXT NOT NULL
)`
	if _, err := db.Exec(createTableQuery); err != nil {
		return fmt.Errorf("failed to create audit_record table: %w", err)
	}

	createDestinationIndexQuery := `
CREATE INDEX IF NOT EXISTS idx_audit_record_destination ON audit_record (destination, event_code);`
	if _, err := db.Exec(createDestinationIndexQuery); err != nil {
		return fmt.Errorf("failed to create destination index: %w", err)
	}

	createTimeIndexQuery := `
CREATE INDEX IF NOT EXISTS idx_audit_record_time ON audit_record (event_time);`
	if _, err := db.Exec(createTimeIndexQuery); err != nil {
		return fmt.Errorf("failed to create event_time index: %w", err)
	}
	return nil
}

// SQLEmitter stores audit records in a SQL table created by SetupDatabase.
type SQLEmitter struct {
	db    *sql.DB
	query string
}

// SQLOption configures SQLEmitter.
type SQLOption func(*sqlEmitterConfig)

type sqlEmitterConfig struct {
	numbered bool
}

// WithNumberedPlaceholders makes the emitter use $1-style placeholders,
// as required by PostgreSQL drivers.
func WithNumberedPlaceholders() SQLOption {
	return func(c *sqlEmitterConfig) { c.numbered = true }
}

// NewSQLEmitter creates an emitter writing to db. Inserting a record ID
// that is already stored is a no-op.
//
// Parameters:
//   - db: The `*sql.DB` connection pool; the caller keeps ownership.
//   - opts: Options selecting the placeholder dialect.
//
// Returns:
//   - *SQLEmitter: The emitter.
func NewSQLEmitter(db *sql.DB, opts ...SQLOption) *SQLEmitter {
	var cfg sqlEmitterConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	placeholders := []string{"?", "?", "?", "?", "?", "?"}
	if cfg.numbered {
		for i := range placeholders {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
		}
	}
	query := `
INSERT INTO audit_record (id, destination, event_code, event_time, outcome, payload)
VALUES (` + strings.Join(placeholders, ", ") + `)
ON CONFLICT (id) DO NOTHING`
	return &SQLEmitter{db: db, query: query}
}

// Emit implements Emitter.
func (e *SQLEmitter) Emit(ctx context.Context, destination string, rec *AuditRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("auditspool: sql emitter failed to marshal record %s: %w", rec.ID, err)
	}
	_, err = e.db.ExecContext(ctx, e.query,
		rec.ID,
		destination,
		rec.EventCode,
		rec.Event.DateTime.UTC().Format(time.RFC3339Nano),
		rec.Event.OutcomeIndicator,
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("auditspool: sql emitter failed to insert record %s: %w", rec.ID, err)
	}
	return nil
}

// FileEmitter appends audit records as JSON lines to a rotating file.
// It uses `lumberjack.Logger` for rotation and compression.
type FileEmitter struct {
	logger *lumberjack.Logger // The logger responsible for file writing and rotation.
	mu     sync.Mutex         // Serializes writes so lines never interleave.
}

// FileConfig configures a FileEmitter.
type FileConfig struct {
	FilePath   string `yaml:"path"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Compress   bool   `yaml:"compress"`
}

// DefaultFileConfig returns a FileConfig writing to audit-records.log.
func DefaultFileConfig() FileConfig {
	return FileConfig{
		FilePath:   "audit-records.log",
		MaxSizeMB:  100,
		MaxBackups: 7,
		MaxAgeDays: 30,
		Compress:   true,
	}
}

// NewFileEmitter creates a FileEmitter from cfg.
func NewFileEmitter(cfg FileConfig) *FileEmitter {
	return &FileEmitter{
		logger: &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		},
	}
}

type fileLine struct {
	Destination string       `json:"destination"`
	Record      *AuditRecord `json:"record"`
}

// Emit implements Emitter.
func (e *FileEmitter) Emit(_ context.Context, destination string, rec *AuditRecord) error {
	data, err := json.Marshal(fileLine{Destination: destination, Record: rec})
	if err != nil {
		return fmt.Errorf("auditspool: file emitter failed to marshal record %s: %w", rec.ID, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.logger.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("auditspool: file emitter failed to write: %w", err)
	}
	return nil
}

// Close closes the underlying log file.
func (e *FileEmitter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.logger.Close()
}
