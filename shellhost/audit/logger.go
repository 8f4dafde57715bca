package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// EventType represents the type of audit event
type EventType string

const (
	EventListenerStarted    EventType = "listener.started"
	EventListenerJoined     EventType = "listener.joined"
	EventTenantLoadFailed   EventType = "tenant.load_failed"
	EventRequestFault       EventType = "request.fault"
	EventWorkerStarted      EventType = "worker.started"
	EventWorkerDisconnected EventType = "worker.disconnected"
	EventWorkerReplaced     EventType = "worker.replaced"
)

// AuditEvent represents an audit log entry in the database
type AuditEvent struct {
	ID        string `db:"id"`
	EventType string `db:"event_type"`
	Timestamp int64  `db:"timestamp"`
	WorkerID  string `db:"worker_id"`
	Tenant    string `db:"tenant"`
	Address   string `db:"address"`
	Detail    string `db:"detail"`
}

// Logger records operational events that operators use to follow listener
// multiplexing, request faults and worker turnover. Several worker processes
// may share one database file.
type Logger struct {
	db       *sqlx.DB
	workerID string
}

// Open connects to the sqlite database in dataDir, creating the directory and
// schema when needed.
func Open(dataDir, workerID string) (*Logger, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dsn := filepath.Join(dataDir, "audit.db") + "?_busy_timeout=5000&_journal_mode=WAL"
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	logger, err := NewLogger(db, workerID)
	if err != nil {
		db.Close()
		return nil, err
	}
	return logger, nil
}

// NewLogger creates a new audit logger instance
func NewLogger(db *sqlx.DB, workerID string) (*Logger, error) {
	if err := DBInit(db); err != nil {
		return nil, err
	}
	return &Logger{
		db:       db,
		workerID: workerID,
	}, nil
}

// DBInit initializes the audit events database table
func DBInit(db *sqlx.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS audit_events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		worker_id TEXT NOT NULL DEFAULT '',
		tenant TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT ''
	)
	`)
	if err != nil {
		return err
	}

	// Create indexes for common queries
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_events_timestamp ON audit_events(timestamp)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_events_tenant ON audit_events(tenant)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_events_event_type ON audit_events(event_type)`)
	return err
}

// Close closes the underlying database.
func (l *Logger) Close() error {
	return l.db.Close()
}

func (l *Logger) insertEvent(event *AuditEvent) error {
	_, err := l.db.Exec(`
		INSERT INTO audit_events (
			id, event_type, timestamp, worker_id, tenant, address, detail
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID,
		event.EventType,
		event.Timestamp,
		event.WorkerID,
		event.Tenant,
		event.Address,
		event.Detail,
	)
	return err
}

func (l *Logger) record(eventType EventType, workerID, tenant, address, detail string) error {
	return l.insertEvent(&AuditEvent{
		ID:        uuid.New().String(),
		EventType: string(eventType),
		Timestamp: time.Now().UTC().UnixNano(),
		WorkerID:  workerID,
		Tenant:    tenant,
		Address:   address,
		Detail:    detail,
	})
}

// LogListenerStarted logs that a new listener was bound for a tenant.
func (l *Logger) LogListenerStarted(tenant, address string) error {
	return l.record(EventListenerStarted, l.workerID, tenant, address, "")
}

// LogListenerJoined logs that a tenant joined a listener already bound to address.
func (l *Logger) LogListenerJoined(tenant, address string) error {
	return l.record(EventListenerJoined, l.workerID, tenant, address, "")
}

// LogTenantLoadFailed logs a tenant that was skipped because its load phase failed.
func (l *Logger) LogTenantLoadFailed(tenant string, cause error) error {
	return l.record(EventTenantLoadFailed, l.workerID, tenant, "", errorDetail(cause))
}

// LogRequestFault logs a request failure that sent the worker into drain.
func (l *Logger) LogRequestFault(tenant, traceID string, cause error) error {
	return l.record(EventRequestFault, l.workerID, tenant, "", traceID+": "+errorDetail(cause))
}

// LogWorkerStarted logs a worker process started by the supervisor.
func (l *Logger) LogWorkerStarted(workerID string, pid int) error {
	return l.record(EventWorkerStarted, workerID, "", "", fmt.Sprintf("pid %d", pid))
}

// LogWorkerDisconnected logs a worker that withdrew or exited.
func (l *Logger) LogWorkerDisconnected(workerID, reason string) error {
	return l.record(EventWorkerDisconnected, workerID, "", "", reason)
}

// LogWorkerReplaced logs the replacement started for a disconnected worker.
func (l *Logger) LogWorkerReplaced(oldWorkerID, newWorkerID string) error {
	return l.record(EventWorkerReplaced, newWorkerID, "", "", "replaces "+oldWorkerID)
}

// GetEventsByTenant retrieves audit events for a specific tenant
func (l *Logger) GetEventsByTenant(tenant string, limit int) ([]AuditEvent, error) {
	var events []AuditEvent
	err := l.db.Select(&events,
		"SELECT * FROM audit_events WHERE tenant = $1 ORDER BY timestamp DESC LIMIT $2",
		tenant, limit)
	return events, err
}

// GetEventsByType retrieves audit events of a specific type
func (l *Logger) GetEventsByType(eventType EventType, limit int) ([]AuditEvent, error) {
	var events []AuditEvent
	err := l.db.Select(&events,
		"SELECT * FROM audit_events WHERE event_type = $1 ORDER BY timestamp DESC LIMIT $2",
		string(eventType), limit)
	return events, err
}

// GetRecentEvents retrieves the most recent audit events
func (l *Logger) GetRecentEvents(limit int) ([]AuditEvent, error) {
	var events []AuditEvent
	err := l.db.Select(&events,
		"SELECT * FROM audit_events ORDER BY timestamp DESC LIMIT $1",
		limit)
	return events, err
}

// DeleteOldEvents deletes audit events older than the specified duration
func (l *Logger) DeleteOldEvents(olderThan time.Duration) (int64, error) {
	threshold := time.Now().UTC().Add(-olderThan).UnixNano()
	result, err := l.db.Exec("DELETE FROM audit_events WHERE timestamp < $1", threshold)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func errorDetail(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
