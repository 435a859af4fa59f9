package cache

import (
	"context"
	"sync"
	"time"

	"github.com/Siddhant-K-code/agentic-authorization/pkg/authz"
	"github.com/Siddhant-K-code/agentic-authorization/pkg/delegation"
)

type memoryEntry struct {
	decision  authz.Decision
	expiresAt time.Time
	taskID    string
}

// Memory is an in-process Backend for single-instance deployments and
// tests. Entries expire lazily on read.
type Memory struct {
	clock delegation.Clock

	mu      sync.Mutex
	entries map[string]memoryEntry
	byTask  map[string]map[string]struct{}
}

var _ Backend = (*Memory)(nil)

// NewMemory builds the backend. A nil clock falls back to the wall clock.
func NewMemory(clock delegation.Clock) *Memory {
	if clock == nil {
		clock = delegation.WallClock{}
	}
	return &Memory{
		clock:   clock,
		entries: make(map[string]memoryEntry),
		byTask:  make(map[string]map[string]struct{}),
	}
}

func (m *Memory) Get(_ context.Context, key string) (authz.Decision, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return authz.Decision{}, false, nil
	}
	if !m.clock.Now().Before(e.expiresAt) {
		m.removeLocked(key, e.taskID)
		return authz.Decision{}, false, nil
	}
	return e.decision, true, nil
}

func (m *Memory) Set(_ context.Context, taskID, key string, d authz.Decision, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = memoryEntry{decision: d, expiresAt: m.clock.Now().Add(ttl), taskID: taskID}
	keys, ok := m.byTask[taskID]
	if !ok {
		keys = make(map[string]struct{})
		m.byTask[taskID] = keys
	}
	keys[key] = struct{}{}
	return nil
}

func (m *Memory) InvalidateTask(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key := range m.byTask[taskID] {
		delete(m.entries, key)
	}
	delete(m.byTask, taskID)
	return nil
}

// Len reports the number of live entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Memory) removeLocked(key, taskID string) {
	delete(m.entries, key)
	if keys, ok := m.byTask[taskID]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(m.byTask, taskID)
		}
	}
}
