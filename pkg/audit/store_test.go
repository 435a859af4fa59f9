package audit

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_AppendAndChain(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, Event{
		Kind: KindTaskCreated, TaskID: "task:1", UserID: "user:alice", AgentID: "agent:a7",
	}))
	require.NoError(t, store.Record(ctx, Event{
		Kind: KindCheckAllowed, TaskID: "task:1", AgentID: "agent:a7",
		ResourceID: "resource:doc-1", AccessLevel: "reader",
	}))

	assert.Equal(t, 2, store.Len())
	require.NoError(t, store.VerifyChain())

	entries := store.Query(QueryFilter{TaskID: "task:1"})
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(1), entries[0].Sequence)
	assert.Equal(t, genesisHash, entries[0].PreviousHash)
	assert.Equal(t, entries[0].EntryHash, entries[1].PreviousHash)
	assert.NotEmpty(t, entries[0].Event.EventID)
	assert.False(t, entries[0].Event.Timestamp.IsZero())
}

func TestStore_TamperDetection(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, Event{Kind: KindTaskCreated, TaskID: "task:1"}))
	require.NoError(t, store.Record(ctx, Event{Kind: KindTaskRevoked, TaskID: "task:1"}))
	require.NoError(t, store.VerifyChain())

	// Reach into the store and rewrite history.
	store.entries[0].Event.TaskID = "task:other"

	err := store.VerifyChain()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "integrity failure")
}

func TestStore_DenialRequiresReason(t *testing.T) {
	store := NewStore()
	err := store.Record(context.Background(), Event{
		Kind: KindCheckDenied, TaskID: "task:1", AgentID: "agent:a7",
	})
	assert.ErrorIs(t, err, ErrReasonRequired)
	assert.Equal(t, 0, store.Len())
}

func TestStore_RejectsUnknownKind(t *testing.T) {
	store := NewStore()
	err := store.Record(context.Background(), Event{Kind: "bogus"})
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestStore_QueryFilters(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Record(ctx, Event{
		Kind: KindCheckAllowed, TaskID: "task:1", AgentID: "agent:a7", Timestamp: base,
	}))
	require.NoError(t, store.Record(ctx, Event{
		Kind: KindCheckDenied, TaskID: "task:1", AgentID: "agent:b2",
		Reason: "out of scope", Timestamp: base.Add(time.Minute),
	}))
	require.NoError(t, store.Record(ctx, Event{
		Kind: KindCheckAllowed, TaskID: "task:2", AgentID: "agent:a7", Timestamp: base.Add(2 * time.Minute),
	}))

	assert.Len(t, store.Query(QueryFilter{TaskID: "task:1"}), 2)
	assert.Len(t, store.Query(QueryFilter{AgentID: "agent:a7"}), 2)
	assert.Len(t, store.Query(QueryFilter{Kind: KindCheckDenied}), 1)

	cutoff := base.Add(30 * time.Second)
	assert.Len(t, store.Query(QueryFilter{StartTime: &cutoff}), 2)
	assert.Len(t, store.Query(QueryFilter{MaxResults: 1}), 1)
}

func TestStore_OnAppendHandler(t *testing.T) {
	store := NewStore()
	var seen []Kind
	store.OnAppend(func(e *Entry) { seen = append(seen, e.Event.Kind) })

	require.NoError(t, store.Record(context.Background(), Event{Kind: KindTaskCreated, TaskID: "task:1"}))
	assert.Equal(t, []Kind{KindTaskCreated}, seen)
}

func TestWriterRecorder_EmitsPrefixedJSONLines(t *testing.T) {
	var buf bytes.Buffer
	rec := NewWriterRecorder(&buf)

	require.NoError(t, rec.Record(context.Background(), Event{
		Kind: KindCheckDenied, TaskID: "task:1", Reason: "task inactive",
	}))

	line := buf.String()
	assert.True(t, strings.HasPrefix(line, "AUDIT: "))
	assert.True(t, strings.HasSuffix(line, "\n"))
	assert.Contains(t, line, `"kind":"check_denied"`)
	assert.Contains(t, line, `"reason":"task inactive"`)
}

func TestMultiRecorder_FansOutAndStopsOnFailure(t *testing.T) {
	store := NewStore()
	var buf bytes.Buffer
	multi := MultiRecorder{store, NewWriterRecorder(&buf)}

	require.NoError(t, multi.Record(context.Background(), Event{Kind: KindTaskCreated, TaskID: "task:1"}))
	assert.Equal(t, 1, store.Len())
	assert.NotEmpty(t, buf.String())

	err := multi.Record(context.Background(), Event{Kind: "bogus"})
	require.Error(t, err)
}

func TestExporter_GeneratePack(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	require.NoError(t, store.Record(ctx, Event{Kind: KindTaskCreated, TaskID: "task:1"}))
	require.NoError(t, store.Record(ctx, Event{Kind: KindTaskRevoked, TaskID: "task:1"}))

	exporter := NewExporter(store)
	pack, checksum, err := exporter.GeneratePack(ExportRequest{TaskID: "task:1"})
	require.NoError(t, err)
	assert.NotEmpty(t, pack)
	assert.Len(t, checksum, 64)
}

func TestExporter_InvalidInputs(t *testing.T) {
	_, _, err := NewExporter(nil).GeneratePack(ExportRequest{})
	assert.ErrorIs(t, err, ErrStoreNotConfigured)

	exporter := NewExporter(NewStore())
	_, _, err = exporter.GeneratePack(ExportRequest{
		StartTime: time.Now(),
		EndTime:   time.Now().Add(-time.Hour),
	})
	assert.ErrorIs(t, err, ErrInvalidTimeRange)
}
