package delegation

import (
	"sync"
	"time"
)

// Store is the registry of live task grants. Implementations must make all
// mutations on a single task linearizable: no two concurrent revokes may
// both win.
type Store interface {
	Create(d Delegation) error
	Get(taskID string) (Delegation, error)
	MarkRevoked(taskID string) error
	MarkExpired(taskID string) error
	// ListActiveExpiring returns ids of Active tasks with ExpiresAt <= before.
	ListActiveExpiring(before time.Time) []string
}

// MemoryStore is the default in-process Store. Reads take a shared lock;
// per-task transitions are serialized by the write lock, which is never held
// across network calls.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Delegation
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Delegation)}
}

var _ Store = (*MemoryStore)(nil)

// Create registers a delegation under its task id.
func (s *MemoryStore) Create(d Delegation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := d.clone()
	s.tasks[d.TaskID] = &stored
	return nil
}

// Get returns a copy of the delegation; callers cannot mutate stored scope.
func (s *MemoryStore) Get(taskID string) (Delegation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.tasks[taskID]
	if !ok {
		return Delegation{}, ErrNotFound
	}
	return d.clone(), nil
}

// MarkRevoked transitions Active -> Revoked.
func (s *MemoryStore) MarkRevoked(taskID string) error {
	return s.transition(taskID, StatusRevoked)
}

// MarkExpired transitions Active -> Expired.
func (s *MemoryStore) MarkExpired(taskID string) error {
	return s.transition(taskID, StatusExpired)
}

// transition is a compare-and-swap on status: only Active tasks move, and
// exactly one concurrent caller wins.
func (s *MemoryStore) transition(taskID string, to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	if d.Status != StatusActive {
		return ErrAlreadyTerminal
	}
	d.Status = to
	return nil
}

// ListActiveExpiring returns Active tasks whose deadline has passed.
func (s *MemoryStore) ListActiveExpiring(before time.Time) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for id, d := range s.tasks {
		if d.Status == StatusActive && !d.ExpiresAt.After(before) {
			out = append(out, id)
		}
	}
	return out
}
