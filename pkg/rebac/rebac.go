// Package rebac abstracts the relationship-graph backend that stores
// permission tuples and answers reachability questions. The authorization
// service consumes this interface; it never reimplements relation rewrite
// semantics, which belong to the backend.
package rebac

import (
	"context"
	"errors"
)

var (
	// ErrBackendUnavailable is returned when the backend cannot be reached
	// or times out. Callers must treat it as a denial (fail closed).
	ErrBackendUnavailable = errors.New("rebac: backend unavailable")
)

// Tuple is a (subject, relation, object) fact in the relationship graph.
// (agent:a7) -> [assignee] -> (task:42)
type Tuple struct {
	Subject  string `json:"subject"`
	Relation string `json:"relation"`
	Object   string `json:"object"`
}

// Client is the relationship backend contract. Writes and deletes of the
// same tuple are idempotent no-ops from the caller's perspective.
type Client interface {
	// Check reports whether subject has relation on object, directly or
	// through userset expansion.
	Check(ctx context.Context, subject, relation, object string) (bool, error)

	// Write commits the given tuples. All-or-nothing from the caller's
	// perspective: on error, the caller must assume none were applied.
	Write(ctx context.Context, tuples []Tuple) error

	// Delete removes the given tuples. Deleting an absent tuple is a no-op.
	Delete(ctx context.Context, tuples []Tuple) error
}
