package authz

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Siddhant-K-code/agentic-authorization/pkg/audit"
	"github.com/Siddhant-K-code/agentic-authorization/pkg/delegation"
	"github.com/Siddhant-K-code/agentic-authorization/pkg/rebac"
	"github.com/Siddhant-K-code/agentic-authorization/pkg/scope"
)

// fakeClock is an adjustable clock for expiry tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingBackend wraps the in-memory engine, counting calls and allowing
// fault injection.
type countingBackend struct {
	rebac.Client
	mu       sync.Mutex
	checks   int
	writeErr error
	checkErr error
}

func newCountingBackend() *countingBackend {
	return &countingBackend{Client: rebac.NewEngine()}
}

func (b *countingBackend) Check(ctx context.Context, subject, relation, object string) (bool, error) {
	b.mu.Lock()
	b.checks++
	err := b.checkErr
	b.mu.Unlock()
	if err != nil {
		return false, err
	}
	return b.Client.Check(ctx, subject, relation, object)
}

func (b *countingBackend) Write(ctx context.Context, tuples []rebac.Tuple) error {
	b.mu.Lock()
	err := b.writeErr
	b.mu.Unlock()
	if err != nil {
		return err
	}
	return b.Client.Write(ctx, tuples)
}

func (b *countingBackend) checkCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.checks
}

type fixture struct {
	service *Service
	store   *delegation.MemoryStore
	backend *countingBackend
	trail   *audit.Store
	clock   *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := delegation.NewMemoryStore()
	backend := newCountingBackend()
	trail := audit.NewStore()
	clock := newFakeClock()

	service, err := NewService(store, backend, trail, clock)
	require.NoError(t, err)
	return &fixture{service: service, store: store, backend: backend, trail: trail, clock: clock}
}

func (f *fixture) createTask(t *testing.T, resources ...delegation.Resource) delegation.Delegation {
	t.Helper()
	if len(resources) == 0 {
		resources = []delegation.Resource{{ID: "doc-1", Access: delegation.AccessReader}}
	}
	d, err := f.service.CreateTaskDelegation(context.Background(),
		"alice", "a7", "summarize quarterly report", resources, 30*time.Minute)
	require.NoError(t, err)
	return d
}

func TestCreateTaskDelegation_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reader := []delegation.Resource{{ID: "doc-1", Access: delegation.AccessReader}}

	cases := []struct {
		name      string
		userID    string
		agentID   string
		resources []delegation.Resource
		ttl       time.Duration
	}{
		{"empty user", "", "a7", reader, time.Minute},
		{"empty agent", "alice", "", reader, time.Minute},
		{"empty scope", "alice", "a7", nil, time.Minute},
		{"zero ttl", "alice", "a7", reader, 0},
		{"unknown access", "alice", "a7", []delegation.Resource{{ID: "doc-1", Access: "admin"}}, time.Minute},
		{"empty resource id", "alice", "a7", []delegation.Resource{{ID: "", Access: delegation.AccessReader}}, time.Minute},
		{"broken condition", "alice", "a7", []delegation.Resource{{ID: "doc-1", Access: delegation.AccessReader, Condition: "now <"}}, time.Minute},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.service.CreateTaskDelegation(ctx, tc.userID, tc.agentID, "desc", tc.resources, tc.ttl)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}

	// Validation failures happen before any side effect.
	assert.Equal(t, 0, f.trail.Len())
}

func TestCreateTaskDelegation_CommitsTuplesAndAudits(t *testing.T) {
	f := newFixture(t)
	d := f.createTask(t)

	assigned, err := f.backend.Client.Check(context.Background(), "agent:a7", RelationAssignee, d.TaskID)
	require.NoError(t, err)
	assert.True(t, assigned)

	granted, err := f.backend.Client.Check(context.Background(), d.TaskID, "reader", "resource:doc-1")
	require.NoError(t, err)
	assert.True(t, granted)

	created := f.trail.Query(audit.QueryFilter{TaskID: d.TaskID, Kind: audit.KindTaskCreated})
	require.Len(t, created, 1)
	assert.Equal(t, "alice", created[0].Event.UserID)
	assert.Equal(t, "1", created[0].Event.Metadata["resource_count"])
}

func TestCreateTaskDelegation_AllOrNothingOnBackendFailure(t *testing.T) {
	f := newFixture(t)
	f.backend.writeErr = rebac.ErrBackendUnavailable

	_, err := f.service.CreateTaskDelegation(context.Background(),
		"alice", "a7", "desc", []delegation.Resource{{ID: "doc-1", Access: delegation.AccessReader}}, time.Minute)
	require.ErrorIs(t, err, rebac.ErrBackendUnavailable)

	// Neither the local record nor any audit event exists.
	assert.Empty(t, f.store.ListActiveExpiring(f.clock.Now().Add(time.Hour)))
	assert.Equal(t, 0, f.trail.Len())
}

// failingRecorder fails Record for one event kind, passing the rest on.
type failingRecorder struct {
	inner audit.Recorder
	kind  audit.Kind
}

func (r *failingRecorder) Record(ctx context.Context, e audit.Event) error {
	if e.Kind == r.kind {
		return errors.New("audit sink down")
	}
	return r.inner.Record(ctx, e)
}

func TestCreateTaskDelegation_RollsBackWhenAuditFails(t *testing.T) {
	store := delegation.NewMemoryStore()
	backend := newCountingBackend()
	clock := newFakeClock()
	recorder := &failingRecorder{inner: audit.NewStore(), kind: audit.KindTaskCreated}

	service, err := NewService(store, backend, recorder, clock)
	require.NoError(t, err)
	inv := &recordingInvalidator{}
	service.SetInvalidator(inv)

	_, err = service.CreateTaskDelegation(context.Background(),
		"alice", "a7", "desc", []delegation.Resource{{ID: "doc-1", Access: delegation.AccessReader}}, time.Minute)
	require.Error(t, err)

	// The unaudited grant does not stand: no active task, no reachable tuples.
	assert.Empty(t, store.ListActiveExpiring(clock.Now().Add(time.Hour)))
	allowed, cerr := backend.Client.Check(context.Background(), "agent:a7", "reader", "resource:doc-1")
	require.NoError(t, cerr)
	assert.False(t, allowed, "tuples must be deleted on rollback")
	assert.Len(t, inv.taskIDs, 1, "rollback invalidates any decision cached in the window")
}

func TestCheck_AllowWithinScope(t *testing.T) {
	f := newFixture(t)
	d := f.createTask(t)

	decision, err := f.service.Check(context.Background(), "a7", d.TaskID, "doc-1", delegation.AccessReader)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, ReasonAuthorized, decision.Reason)

	allowed := f.trail.Query(audit.QueryFilter{TaskID: d.TaskID, Kind: audit.KindCheckAllowed})
	require.Len(t, allowed, 1)
	assert.Equal(t, "doc-1", allowed[0].Event.ResourceID)
}

func TestCheck_UnknownTaskDeniedWithoutBackend(t *testing.T) {
	f := newFixture(t)

	decision, err := f.service.Check(context.Background(), "a7", "task:missing", "doc-1", delegation.AccessReader)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonTaskInactive, decision.Reason)
	assert.Equal(t, 0, f.backend.checkCount())
}

func TestCheck_ExpiryObservedByClock(t *testing.T) {
	f := newFixture(t)
	d := f.createTask(t) // ttl 30m

	decision, err := f.service.Check(context.Background(), "a7", d.TaskID, "doc-1", delegation.AccessReader)
	require.NoError(t, err)
	require.True(t, decision.Allowed)

	f.clock.Advance(31 * time.Minute)

	decision, err = f.service.Check(context.Background(), "a7", d.TaskID, "doc-1", delegation.AccessReader)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonTaskInactive, decision.Reason,
		"crossing expiresAt is logical expiry even before the sweep")
}

func TestCheck_OutOfScopeSkipsBackend(t *testing.T) {
	f := newFixture(t)
	d := f.createTask(t)
	before := f.backend.checkCount()

	decision, err := f.service.Check(context.Background(), "a7", d.TaskID, "doc-2", delegation.AccessReader)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonOutOfScope, decision.Reason)
	assert.Equal(t, before, f.backend.checkCount(), "scope denial must not contact the backend")

	// Access level outside the grant is equally out of scope.
	decision, err = f.service.Check(context.Background(), "a7", d.TaskID, "doc-1", delegation.AccessWriter)
	require.NoError(t, err)
	assert.Equal(t, ReasonOutOfScope, decision.Reason)
}

func TestCheck_WrongAgentDenied(t *testing.T) {
	f := newFixture(t)
	d := f.createTask(t)

	decision, err := f.service.Check(context.Background(), "intruder", d.TaskID, "doc-1", delegation.AccessReader)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonTaskInactive, decision.Reason)
}

func TestCheck_BackendErrorFailsClosed(t *testing.T) {
	f := newFixture(t)
	d := f.createTask(t)
	f.backend.checkErr = rebac.ErrBackendUnavailable

	decision, err := f.service.Check(context.Background(), "a7", d.TaskID, "doc-1", delegation.AccessReader)
	assert.ErrorIs(t, err, rebac.ErrBackendUnavailable)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonBackendError, decision.Reason)

	denied := f.trail.Query(audit.QueryFilter{TaskID: d.TaskID, Kind: audit.KindCheckDenied})
	require.Len(t, denied, 1)
	assert.Equal(t, ReasonBackendError, denied[0].Event.Reason)
}

func TestCheck_BackendDenyTranslatedDirectly(t *testing.T) {
	f := newFixture(t)
	d := f.createTask(t)

	// Sever the backend edge while the local record still grants scope.
	require.NoError(t, f.backend.Client.Delete(context.Background(), []rebac.Tuple{
		{Subject: d.TaskID, Relation: "reader", Object: "resource:doc-1"},
	}))

	decision, err := f.service.Check(context.Background(), "a7", d.TaskID, "doc-1", delegation.AccessReader)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonBackendDenied, decision.Reason)
}

func TestCheck_EveryBranchAuditsExactlyOnce(t *testing.T) {
	f := newFixture(t)
	d := f.createTask(t)

	calls := []func(){
		func() { _, _ = f.service.Check(context.Background(), "a7", d.TaskID, "doc-1", delegation.AccessReader) },
		func() { _, _ = f.service.Check(context.Background(), "a7", d.TaskID, "doc-2", delegation.AccessReader) },
		func() { _, _ = f.service.Check(context.Background(), "a7", "task:missing", "doc-1", delegation.AccessReader) },
	}
	base := f.trail.Len()
	for i, call := range calls {
		call()
		assert.Equal(t, base+i+1, f.trail.Len(), "each check emits exactly one event")
	}
}

func TestCheck_ConditionEnforced(t *testing.T) {
	f := newFixture(t)
	deadline := f.clock.Now().Add(10 * time.Minute)
	d := f.createTask(t, delegation.Resource{
		ID:        "doc-1",
		Access:    delegation.AccessReader,
		Condition: `now < timestamp("` + deadline.Format(time.RFC3339) + `")`,
	})

	decision, err := f.service.Check(context.Background(), "a7", d.TaskID, "doc-1", delegation.AccessReader)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	f.clock.Advance(11 * time.Minute)
	decision, err = f.service.Check(context.Background(), "a7", d.TaskID, "doc-1", delegation.AccessReader)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonConditionFailed, decision.Reason)
}

func TestRevokeTask_IdempotentAndAudited(t *testing.T) {
	f := newFixture(t)
	d := f.createTask(t)
	ctx := context.Background()

	require.NoError(t, f.service.RevokeTask(ctx, d.TaskID))
	require.NoError(t, f.service.RevokeTask(ctx, d.TaskID), "second revoke is a no-op success")

	decision, err := f.service.Check(ctx, "a7", d.TaskID, "doc-1", delegation.AccessReader)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonTaskInactive, decision.Reason)

	// Backend tuples are gone.
	assigned, err := f.backend.Client.Check(ctx, "agent:a7", RelationAssignee, d.TaskID)
	require.NoError(t, err)
	assert.False(t, assigned)

	assert.Len(t, f.trail.Query(audit.QueryFilter{TaskID: d.TaskID, Kind: audit.KindTaskCreated}), 1)
	assert.Len(t, f.trail.Query(audit.QueryFilter{TaskID: d.TaskID, Kind: audit.KindTaskRevoked}), 1)
}

func TestRevokeTask_UnknownTask(t *testing.T) {
	f := newFixture(t)
	err := f.service.RevokeTask(context.Background(), "task:missing")
	assert.ErrorIs(t, err, delegation.ErrNotFound)
}

type recordingInvalidator struct {
	mu      sync.Mutex
	taskIDs []string
}

func (r *recordingInvalidator) Invalidate(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.taskIDs = append(r.taskIDs, taskID)
}

func TestRevokeTask_InvalidatesSynchronously(t *testing.T) {
	f := newFixture(t)
	inv := &recordingInvalidator{}
	f.service.SetInvalidator(inv)
	d := f.createTask(t)

	require.NoError(t, f.service.RevokeTask(context.Background(), d.TaskID))
	assert.Equal(t, []string{d.TaskID}, inv.taskIDs)
}

func TestSweepExpired(t *testing.T) {
	f := newFixture(t)
	inv := &recordingInvalidator{}
	f.service.SetInvalidator(inv)

	expired := f.createTask(t)
	f.clock.Advance(31 * time.Minute)
	fresh := f.createTask(t)

	swept, err := f.service.SweepExpired(context.Background(), f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, swept)
	assert.Equal(t, []string{expired.TaskID}, inv.taskIDs)

	got, err := f.store.Get(expired.TaskID)
	require.NoError(t, err)
	assert.Equal(t, delegation.StatusExpired, got.Status)

	stillFresh, err := f.store.Get(fresh.TaskID)
	require.NoError(t, err)
	assert.Equal(t, delegation.StatusActive, stillFresh.Status)

	assert.Len(t, f.trail.Query(audit.QueryFilter{TaskID: expired.TaskID, Kind: audit.KindTaskExpired}), 1)

	// A second sweep finds nothing; the transition is idempotent.
	swept, err = f.service.SweepExpired(context.Background(), f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, swept)
}

func TestSweeper_RunsUntilCancelled(t *testing.T) {
	f := newFixture(t)
	d := f.createTask(t)
	f.clock.Advance(31 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	sweeper := NewSweeper(f.service, f.clock, 5*time.Millisecond, nil)

	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		got, err := f.store.Get(d.TaskID)
		return err == nil && got.Status == delegation.StatusExpired
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestInitiateAgentTask(t *testing.T) {
	f := newFixture(t)
	inferrer := &scope.Static{Catalog: map[string][]delegation.Resource{
		"alice": {{ID: "doc-1", Access: delegation.AccessReader}},
	}}
	tokens, err := delegation.NewTokenManager([]byte("master-secret"))
	require.NoError(t, err)

	tc, err := InitiateAgentTask(context.Background(), f.service, inferrer, tokens,
		"alice", "a7", "summarize doc-1", 30*time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, tc.TaskID)
	assert.NotEmpty(t, tc.Credential)
	require.Len(t, tc.Resources, 1)

	claims, err := tokens.Validate(tc.Credential, f.clock.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, tc.TaskID, claims.ID)

	decision, err := f.service.Check(context.Background(), "a7", tc.TaskID, "doc-1", delegation.AccessReader)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestInitiateAgentTask_InferenceFailureCreatesNothing(t *testing.T) {
	f := newFixture(t)
	inferrer := &scope.Static{Catalog: map[string][]delegation.Resource{}}

	_, err := InitiateAgentTask(context.Background(), f.service, inferrer, nil,
		"alice", "a7", "anything", time.Minute)
	require.ErrorIs(t, err, scope.ErrScopeInference)
	assert.Equal(t, 0, f.trail.Len())
}
