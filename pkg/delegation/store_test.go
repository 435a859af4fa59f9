package delegation

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDelegation(taskID string, now time.Time) Delegation {
	return Delegation{
		TaskID:      taskID,
		UserID:      "user:alice",
		AgentID:     "agent:a7",
		Description: "summarize quarterly report",
		Resources: []Resource{
			{ID: "doc-1", Access: AccessReader},
		},
		Status:    StatusActive,
		CreatedAt: now,
		ExpiresAt: now.Add(30 * time.Minute),
	}
}

func TestMemoryStore_CreateGet(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now().UTC()
	require.NoError(t, store.Create(sampleDelegation("task:1", now)))

	got, err := store.Get("task:1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
	assert.Equal(t, "user:alice", got.UserID)

	_, err = store.Get("task:missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ScopeIsImmutable(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now().UTC()
	d := sampleDelegation("task:1", now)
	require.NoError(t, store.Create(d))

	// Mutating the caller's copy or a fetched copy must not leak into the store.
	d.Resources[0].ID = "doc-other"
	got, err := store.Get("task:1")
	require.NoError(t, err)
	got.Resources[0].Access = AccessWriter

	fresh, err := store.Get("task:1")
	require.NoError(t, err)
	assert.Equal(t, "doc-1", fresh.Resources[0].ID)
	assert.Equal(t, AccessReader, fresh.Resources[0].Access)
}

func TestMemoryStore_TransitionsAreTerminal(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now().UTC()
	require.NoError(t, store.Create(sampleDelegation("task:1", now)))

	require.NoError(t, store.MarkRevoked("task:1"))
	assert.ErrorIs(t, store.MarkRevoked("task:1"), ErrAlreadyTerminal)
	assert.ErrorIs(t, store.MarkExpired("task:1"), ErrAlreadyTerminal)

	got, err := store.Get("task:1")
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, got.Status)

	assert.ErrorIs(t, store.MarkRevoked("task:missing"), ErrNotFound)
}

func TestMemoryStore_ConcurrentRevokeSingleWinner(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now().UTC()
	require.NoError(t, store.Create(sampleDelegation("task:1", now)))

	const workers = 16
	var wg sync.WaitGroup
	wins := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if store.MarkRevoked("task:1") == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	var count int
	for range wins {
		count++
	}
	assert.Equal(t, 1, count, "exactly one revoke may win")
}

func TestMemoryStore_ListActiveExpiring(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now().UTC()

	fresh := sampleDelegation("task:fresh", now)
	stale := sampleDelegation("task:stale", now.Add(-time.Hour))
	revoked := sampleDelegation("task:revoked", now.Add(-time.Hour))
	require.NoError(t, store.Create(fresh))
	require.NoError(t, store.Create(stale))
	require.NoError(t, store.Create(revoked))
	require.NoError(t, store.MarkRevoked("task:revoked"))

	expiring := store.ListActiveExpiring(now)
	assert.Equal(t, []string{"task:stale"}, expiring)
}

func TestDelegation_ActiveAt(t *testing.T) {
	now := time.Now().UTC()
	d := sampleDelegation("task:1", now)

	assert.True(t, d.ActiveAt(now.Add(time.Minute)))
	assert.False(t, d.ActiveAt(now.Add(31*time.Minute)), "past expiry is logically expired")

	d.Status = StatusRevoked
	assert.False(t, d.ActiveAt(now.Add(time.Minute)))
}

func TestParseAccessLevel(t *testing.T) {
	lvl, err := ParseAccessLevel("reader")
	require.NoError(t, err)
	assert.Equal(t, AccessReader, lvl)

	_, err = ParseAccessLevel("admin")
	assert.ErrorIs(t, err, ErrUnknownAccessLevel)
}
