package rebac

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Engine is an in-memory relationship graph. It is the default backend for
// tests and single-process deployments; production deployments point the
// HTTP client at a real graph-authorization service instead.
type Engine struct {
	mu    sync.RWMutex
	graph map[string]struct{} // "object#relation@subject" membership set
	edges []Tuple
}

// NewEngine creates an empty relationship graph.
func NewEngine() *Engine {
	return &Engine{graph: make(map[string]struct{})}
}

var _ Client = (*Engine)(nil)

// Write adds tuples to the graph. Duplicate writes are idempotent.
func (e *Engine) Write(_ context.Context, tuples []Tuple) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range tuples {
		key := tupleKey(t)
		if _, exists := e.graph[key]; exists {
			continue
		}
		e.graph[key] = struct{}{}
		e.edges = append(e.edges, t)
	}
	return nil
}

// Delete removes tuples from the graph. Deleting an absent tuple is a no-op.
func (e *Engine) Delete(_ context.Context, tuples []Tuple) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range tuples {
		key := tupleKey(t)
		if _, exists := e.graph[key]; !exists {
			continue
		}
		delete(e.graph, key)
		for i, edge := range e.edges {
			if tupleKey(edge) == key {
				e.edges = append(e.edges[:i], e.edges[i+1:]...)
				break
			}
		}
	}
	return nil
}

// Check reports whether subject has relation on object. A direct tuple
// satisfies the check; otherwise intermediate subjects are expanded, so
// (resource#reader@task:42) plus (task:42#assignee@agent:a7) makes agent:a7
// a reader of the resource through its task assignment.
func (e *Engine) Check(_ context.Context, subject, relation, object string) (bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.checkExpand(subject, relation, object, make(map[string]bool)), nil
}

func (e *Engine) checkExpand(subject, relation, object string, visited map[string]bool) bool {
	if _, ok := e.graph[fmt.Sprintf("%s#%s@%s", object, relation, subject)]; ok {
		return true
	}

	visitKey := object + "#" + relation
	if visited[visitKey] {
		return false
	}
	visited[visitKey] = true

	for _, t := range e.edges {
		if t.Object != object || t.Relation != relation {
			continue
		}
		// t.Subject is an intermediate node (a task, a group). The check
		// succeeds if the subject is a member of that node under any
		// membership relation recorded for it.
		if !isIntermediate(t.Subject) {
			continue
		}
		for _, member := range e.membershipRelations(t.Subject) {
			if e.checkExpand(subject, member, t.Subject, visited) {
				return true
			}
		}
	}
	return false
}

// membershipRelations returns the relations under which anything is linked
// to the given node as an object.
func (e *Engine) membershipRelations(object string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, t := range e.edges {
		if t.Object != object {
			continue
		}
		if _, dup := seen[t.Relation]; dup {
			continue
		}
		seen[t.Relation] = struct{}{}
		out = append(out, t.Relation)
	}
	return out
}

// isIntermediate reports whether a subject can itself hold members. Plain
// principals (user:, agent:) terminate expansion.
func isIntermediate(subject string) bool {
	return !strings.HasPrefix(subject, "user:") && !strings.HasPrefix(subject, "agent:")
}

func tupleKey(t Tuple) string {
	return fmt.Sprintf("%s#%s@%s", t.Object, t.Relation, t.Subject)
}
