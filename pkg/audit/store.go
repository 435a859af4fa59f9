package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Siddhant-K-code/agentic-authorization/pkg/canonicalize"
)

// genesisHash seeds the chain so an empty store has a well-defined head.
const genesisHash = "genesis"

// Entry wraps an Event with its position in the hash chain.
type Entry struct {
	Sequence     uint64 `json:"sequence"`
	Event        Event  `json:"event"`
	PreviousHash string `json:"previous_hash"`
	EntryHash    string `json:"entry_hash"`
}

// Store is an append-only, hash-chained audit log. Each entry's hash covers
// its content and the previous entry's hash, so any mutation or deletion of
// history breaks chain verification.
type Store struct {
	mu        sync.RWMutex
	entries   []*Entry
	byEventID map[string]*Entry
	sequence  uint64
	chainHead string
	handlers  []func(*Entry)
}

// NewStore creates an empty audit store.
func NewStore() *Store {
	return &Store{
		byEventID: make(map[string]*Entry),
		chainHead: genesisHash,
	}
}

var _ Recorder = (*Store)(nil)

// OnAppend registers a handler invoked for every appended entry. Handlers
// run synchronously under the store lock; keep them short.
func (s *Store) OnAppend(h func(*Entry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

// Record appends the event to the chain, assigning an event id and
// timestamp when the caller left them empty.
func (s *Store) Record(_ context.Context, event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry := &Entry{
		Sequence:     s.sequence + 1,
		Event:        event,
		PreviousHash: s.chainHead,
	}
	hash, err := entryHash(entry)
	if err != nil {
		return fmt.Errorf("audit: hash entry: %w", err)
	}
	entry.EntryHash = hash

	s.sequence++
	s.chainHead = hash
	s.entries = append(s.entries, entry)
	s.byEventID[event.EventID] = entry

	for _, h := range s.handlers {
		h(entry)
	}
	return nil
}

// Get returns the entry for an event id.
func (s *Store) Get(eventID string) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byEventID[eventID]
	return e, ok
}

// ChainHead returns the current head hash.
func (s *Store) ChainHead() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chainHead
}

// Len returns the number of recorded entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// VerifyChain recomputes every entry hash and link. It returns an error
// describing the first break found, or nil when the chain is intact.
func (s *Store) VerifyChain() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prev := genesisHash
	for i, entry := range s.entries {
		if entry.PreviousHash != prev {
			return fmt.Errorf("audit: chain broken at sequence %d: previous hash mismatch", i+1)
		}
		computed, err := entryHash(entry)
		if err != nil {
			return fmt.Errorf("audit: rehash sequence %d: %w", i+1, err)
		}
		if computed != entry.EntryHash {
			return fmt.Errorf("audit: integrity failure at sequence %d", i+1)
		}
		prev = entry.EntryHash
	}
	return nil
}

// QueryFilter selects entries. Zero values match everything.
type QueryFilter struct {
	TaskID     string
	AgentID    string
	Kind       Kind
	StartTime  *time.Time
	EndTime    *time.Time
	MaxResults int
}

func (f QueryFilter) matches(e *Entry) bool {
	if f.TaskID != "" && e.Event.TaskID != f.TaskID {
		return false
	}
	if f.AgentID != "" && e.Event.AgentID != f.AgentID {
		return false
	}
	if f.Kind != "" && e.Event.Kind != f.Kind {
		return false
	}
	if f.StartTime != nil && e.Event.Timestamp.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && e.Event.Timestamp.After(*f.EndTime) {
		return false
	}
	return true
}

// Query returns entries matching the filter in append order.
func (s *Store) Query(filter QueryFilter) []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]*Entry, 0)
	for _, e := range s.entries {
		if filter.matches(e) {
			results = append(results, e)
			if filter.MaxResults > 0 && len(results) >= filter.MaxResults {
				break
			}
		}
	}
	return results
}

// entryHash hashes the entry over its canonical JSON form, excluding the
// EntryHash field itself.
func entryHash(e *Entry) (string, error) {
	hashable := struct {
		Sequence     uint64 `json:"sequence"`
		Event        Event  `json:"event"`
		PreviousHash string `json:"previous_hash"`
	}{
		Sequence:     e.Sequence,
		Event:        e.Event,
		PreviousHash: e.PreviousHash,
	}
	return canonicalize.Hash(hashable)
}
