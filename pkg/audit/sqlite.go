package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// SQLiteRecorder persists audit events to a SQLite database. Suitable for
// single-node deployments where the trail must survive process restarts.
type SQLiteRecorder struct {
	db *sql.DB
}

// NewSQLiteRecorder creates the recorder and runs its migration.
func NewSQLiteRecorder(db *sql.DB) (*SQLiteRecorder, error) {
	r := &SQLiteRecorder{db: db}
	if err := r.migrate(); err != nil {
		return nil, err
	}
	return r, nil
}

var _ Recorder = (*SQLiteRecorder)(nil)

func (r *SQLiteRecorder) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS audit_events (
        event_id TEXT PRIMARY KEY,
        timestamp DATETIME NOT NULL,
        kind TEXT NOT NULL,
        task_id TEXT,
        user_id TEXT,
        agent_id TEXT,
        resource_id TEXT,
        access_level TEXT,
        reason TEXT,
        metadata JSON
    );
    CREATE INDEX IF NOT EXISTS idx_audit_events_task ON audit_events (task_id);`
	_, err := r.db.ExecContext(context.Background(), query)
	return err
}

func (r *SQLiteRecorder) Record(ctx context.Context, event Event) error {
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
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.EventID, event.Timestamp, string(event.Kind), event.TaskID, event.UserID,
		event.AgentID, event.ResourceID, event.AccessLevel, event.Reason, string(metadata))
	return err
}

// ListByTask returns events for a task id in timestamp order.
func (r *SQLiteRecorder) ListByTask(ctx context.Context, taskID string) ([]Event, error) {
	rows, err := r.db.QueryContext(ctx, `
        SELECT event_id, timestamp, kind, task_id, user_id, agent_id, resource_id, access_level, reason, metadata
        FROM audit_events
        WHERE task_id = ?
        ORDER BY timestamp ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var (
			e        Event
			kind     string
			metadata sql.NullString
		)
		if err := rows.Scan(&e.EventID, &e.Timestamp, &kind, &e.TaskID, &e.UserID,
			&e.AgentID, &e.ResourceID, &e.AccessLevel, &e.Reason, &metadata); err != nil {
			return nil, err
		}
		e.Kind = Kind(kind)
		if metadata.Valid && metadata.String != "" && metadata.String != "null" {
			if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
				return nil, err
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
