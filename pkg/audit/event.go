// Package audit records delegation lifecycle transitions and authorization
// decisions as an append-only, tamper-evident trail. Surviving systems must
// be able to reconstruct who acted, on what, when, and why from this trail
// alone.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrReasonRequired is returned when a denial event carries no reason.
	ErrReasonRequired = errors.New("audit: denial events require a reason")
	// ErrUnknownKind is returned for events outside the known taxonomy.
	ErrUnknownKind = errors.New("audit: unknown event kind")
)

// Kind categorizes audit events.
type Kind string

const (
	KindTaskCreated  Kind = "task_created"
	KindTaskRevoked  Kind = "task_revoked"
	KindTaskExpired  Kind = "task_expired"
	KindCheckAllowed Kind = "check_allowed"
	KindCheckDenied  Kind = "check_denied"
)

func (k Kind) valid() bool {
	switch k {
	case KindTaskCreated, KindTaskRevoked, KindTaskExpired, KindCheckAllowed, KindCheckDenied:
		return true
	}
	return false
}

// Event is a single audit record. Events are never mutated or deleted once
// recorded.
type Event struct {
	EventID     string            `json:"event_id"`
	Timestamp   time.Time         `json:"timestamp"`
	Kind        Kind              `json:"kind"`
	TaskID      string            `json:"task_id,omitempty"` // empty for pre-task failures
	UserID      string            `json:"user_id,omitempty"`
	AgentID     string            `json:"agent_id,omitempty"`
	ResourceID  string            `json:"resource_id,omitempty"`
	AccessLevel string            `json:"access_level,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Validate checks the event against the schema rules.
func (e *Event) Validate() error {
	if !e.Kind.valid() {
		return ErrUnknownKind
	}
	if e.Kind == KindCheckDenied && e.Reason == "" {
		return ErrReasonRequired
	}
	return nil
}

// Recorder is the append-only sink for audit events.
type Recorder interface {
	Record(ctx context.Context, event Event) error
}

// MultiRecorder fans a single event out to several sinks. The first failing
// sink aborts the fan-out; audit writes are not best-effort. The event id
// and timestamp are assigned before the fan-out so every sink stores the
// same identity.
type MultiRecorder []Recorder

func (m MultiRecorder) Record(ctx context.Context, event Event) error {
	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	for _, r := range m {
		if err := r.Record(ctx, event); err != nil {
			return err
		}
	}
	return nil
}
