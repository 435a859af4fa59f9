// Package delegation owns the task delegation lifecycle: a bounded,
// time-limited grant of specific resource accesses from a user to an agent.
// A delegation's scope is fixed at creation; its status only ever moves from
// Active to a terminal state.
package delegation

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned for unknown task ids.
	ErrNotFound = errors.New("delegation: task not found")
	// ErrAlreadyTerminal is returned when transitioning a task that is
	// already Revoked or Expired.
	ErrAlreadyTerminal = errors.New("delegation: task already terminal")
	// ErrUnknownAccessLevel is returned for access levels outside the enum.
	ErrUnknownAccessLevel = errors.New("delegation: unknown access level")
	// ErrEmptyScope is returned when a delegation is created with no
	// allowed resources.
	ErrEmptyScope = errors.New("delegation: allowed resources must not be empty")
)

// AccessLevel is the relation an agent may exercise on a resource.
type AccessLevel string

const (
	AccessReader AccessLevel = "reader"
	AccessWriter AccessLevel = "writer"
)

// ParseAccessLevel validates a raw access level string.
func ParseAccessLevel(s string) (AccessLevel, error) {
	switch AccessLevel(s) {
	case AccessReader, AccessWriter:
		return AccessLevel(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAccessLevel, s)
}

// Status is the lifecycle state of a delegation. Transitions are monotonic:
// Active -> Revoked or Active -> Expired, never back.
type Status string

const (
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
	StatusExpired Status = "expired"
)

// Resource is one (resource, access) pair in a delegation's scope.
// Condition optionally holds a CEL expression evaluated on the check path;
// an empty condition always holds.
type Resource struct {
	ID        string      `json:"id"`
	Access    AccessLevel `json:"access"`
	Condition string      `json:"condition,omitempty"`
}

// Delegation is a task-scoped grant from a user to an agent.
type Delegation struct {
	TaskID      string     `json:"task_id"`
	UserID      string     `json:"user_id"`
	AgentID     string     `json:"agent_id"`
	Description string     `json:"description"`
	Resources   []Resource `json:"resources"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
}

// ActiveAt reports whether the delegation is usable for a check at the
// given instant. Crossing ExpiresAt implies logical expiry even before the
// sweeper has marked the stored status.
func (d *Delegation) ActiveAt(now time.Time) bool {
	return d.Status == StatusActive && now.Before(d.ExpiresAt)
}

// Scope returns the resource entry matching (resourceID, access), if any.
func (d *Delegation) Scope(resourceID string, access AccessLevel) (Resource, bool) {
	for _, r := range d.Resources {
		if r.ID == resourceID && r.Access == access {
			return r, true
		}
	}
	return Resource{}, false
}

// clone returns a deep copy so callers can never mutate stored scope.
func (d *Delegation) clone() Delegation {
	out := *d
	out.Resources = make([]Resource, len(d.Resources))
	copy(out.Resources, d.Resources)
	return out
}

// Clock provides the notion of "now" for expiry decisions. Tests inject a
// fake; production uses WallClock.
type Clock interface {
	Now() time.Time
}

// WallClock reads the system clock.
type WallClock struct{}

func (WallClock) Now() time.Time { return time.Now().UTC() }
