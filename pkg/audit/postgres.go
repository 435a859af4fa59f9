package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	_ "github.com/lib/pq"
)

// PostgresRecorder persists audit events to PostgreSQL for multi-node
// deployments. Schema management is expected to run out of band; Migrate is
// provided for development setups.
type PostgresRecorder struct {
	db *sql.DB
}

func NewPostgresRecorder(db *sql.DB) *PostgresRecorder {
	return &PostgresRecorder{db: db}
}

var _ Recorder = (*PostgresRecorder)(nil)

// Migrate creates the audit_events table if absent.
func (r *PostgresRecorder) Migrate(ctx context.Context) error {
	query := `
    CREATE TABLE IF NOT EXISTS audit_events (
        event_id TEXT PRIMARY KEY,
        timestamp TIMESTAMPTZ NOT NULL,
        kind TEXT NOT NULL,
        task_id TEXT,
        user_id TEXT,
        agent_id TEXT,
        resource_id TEXT,
        access_level TEXT,
        reason TEXT,
        metadata JSONB
    )`
	_, err := r.db.ExecContext(ctx, query)
	return err
}

func (r *PostgresRecorder) Record(ctx context.Context, event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
        INSERT INTO audit_events
            (event_id, timestamp, kind, task_id, user_id, agent_id, resource_id, access_level, reason, metadata)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		event.EventID, event.Timestamp, string(event.Kind), event.TaskID, event.UserID,
		event.AgentID, event.ResourceID, event.AccessLevel, event.Reason, string(metadata))
	if err != nil {
		return fmt.Errorf("audit: persist event: %w", err)
	}
	return nil
}

// ListByTask returns events for a task id in timestamp order.
func (r *PostgresRecorder) ListByTask(ctx context.Context, taskID string) ([]Event, error) {
	rows, err := r.db.QueryContext(ctx, `
        SELECT event_id, timestamp, kind, task_id, user_id, agent_id, resource_id, access_level, reason, metadata
        FROM audit_events
        WHERE task_id = $1
        ORDER BY timestamp ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}
