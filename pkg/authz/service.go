// Package authz orchestrates the task delegation lifecycle and the
// authorization check path every tool call goes through. It composes the
// delegation store, the relationship backend, and the audit recorder; it is
// fail-closed end to end: any uncertainty denies.
package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Siddhant-K-code/agentic-authorization/pkg/audit"
	"github.com/Siddhant-K-code/agentic-authorization/pkg/delegation"
	"github.com/Siddhant-K-code/agentic-authorization/pkg/rebac"
)

// Relations used for task-mediated tuples. Revoking a task deletes a
// bounded, known tuple set instead of N direct agent->resource edges.
const (
	RelationDelegator = "delegator"
	RelationAssignee  = "assignee"
)

// Denial reasons surfaced through decisions and audit events.
const (
	ReasonAuthorized      = "authorized"
	ReasonTaskInactive    = "task inactive"
	ReasonOutOfScope      = "out of scope"
	ReasonConditionFailed = "condition not satisfied"
	ReasonBackendDenied   = "denied by relationship backend"
	ReasonBackendError    = "backend error"
)

// ErrValidation is returned when delegation creation input is malformed.
// It is always returned before any side effect.
var ErrValidation = errors.New("authz: invalid delegation request")

// Decision is the outcome of a check. A denial is a normal outcome, not an
// error; infrastructure faults are returned separately so callers can tell
// "you may not do this" apart from "the authorization system is down".
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

// Checker is the check-path contract. The caching decorator wraps it.
type Checker interface {
	Check(ctx context.Context, agentID, taskID, resourceID string, access delegation.AccessLevel) (Decision, error)
}

// Invalidator receives synchronous invalidation signals when a task leaves
// the Active state.
type Invalidator interface {
	Invalidate(taskID string)
}

// Service is the authorization service.
type Service struct {
	store       delegation.Store
	backend     rebac.Client
	recorder    audit.Recorder
	clock       delegation.Clock
	conditions  *conditionEvaluator
	invalidator Invalidator
	logger      *slog.Logger
}

// NewService wires the service's collaborators explicitly; there are no
// process-wide defaults. A nil clock falls back to the wall clock.
func NewService(store delegation.Store, backend rebac.Client, recorder audit.Recorder, clock delegation.Clock) (*Service, error) {
	if clock == nil {
		clock = delegation.WallClock{}
	}
	conditions, err := newConditionEvaluator()
	if err != nil {
		return nil, err
	}
	return &Service{
		store:      store,
		backend:    backend,
		recorder:   recorder,
		clock:      clock,
		conditions: conditions,
		logger:     slog.Default(),
	}, nil
}

// SetInvalidator injects the cache invalidation hook after construction.
// RevokeTask and SweepExpired call it synchronously before returning.
func (s *Service) SetInvalidator(inv Invalidator) {
	s.invalidator = inv
}

// SetLogger overrides the service log destination.
func (s *Service) SetLogger(l *slog.Logger) {
	if l != nil {
		s.logger = l
	}
}

var _ Checker = (*Service)(nil)

// CreateTaskDelegation mints a bounded grant: it validates the requested
// scope, commits the task-mediated tuples to the relationship backend, then
// persists the delegation as Active. All-or-nothing: if the tuple writes
// fail, no local record is created, and if the creation audit fails, the
// grant is torn down before the error is surfaced.
func (s *Service) CreateTaskDelegation(ctx context.Context, userID, agentID, description string, resources []delegation.Resource, ttl time.Duration) (delegation.Delegation, error) {
	if userID == "" || agentID == "" {
		return delegation.Delegation{}, fmt.Errorf("%w: user and agent ids are required", ErrValidation)
	}
	if len(resources) == 0 {
		return delegation.Delegation{}, fmt.Errorf("%w: %v", ErrValidation, delegation.ErrEmptyScope)
	}
	if ttl <= 0 {
		return delegation.Delegation{}, fmt.Errorf("%w: ttl must be positive", ErrValidation)
	}
	for _, r := range resources {
		if r.ID == "" {
			return delegation.Delegation{}, fmt.Errorf("%w: resource id must not be empty", ErrValidation)
		}
		if _, err := delegation.ParseAccessLevel(string(r.Access)); err != nil {
			return delegation.Delegation{}, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		if r.Condition != "" {
			if err := s.conditions.compile(r.Condition); err != nil {
				return delegation.Delegation{}, fmt.Errorf("%w: condition %q: %v", ErrValidation, r.Condition, err)
			}
		}
	}

	now := s.clock.Now()
	d := delegation.Delegation{
		TaskID:      "task:" + uuid.New().String(),
		UserID:      userID,
		AgentID:     agentID,
		Description: description,
		Resources:   resources,
		Status:      delegation.StatusActive,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}

	// Tuple writes commit before the local record exists: a task the
	// backend does not know about must never look Active.
	if err := s.backend.Write(ctx, tuplesFor(d)); err != nil {
		return delegation.Delegation{}, fmt.Errorf("authz: commit tuples: %w", err)
	}
	if err := s.store.Create(d); err != nil {
		return delegation.Delegation{}, fmt.Errorf("authz: persist delegation: %w", err)
	}

	if err := s.recorder.Record(ctx, audit.Event{
		Kind:    audit.KindTaskCreated,
		TaskID:  d.TaskID,
		UserID:  userID,
		AgentID: agentID,
		Reason:  description,
		Metadata: map[string]string{
			"ttl":            ttl.String(),
			"resource_count": fmt.Sprintf("%d", len(resources)),
		},
	}); err != nil {
		// A grant that cannot be audited must not stand: undo both sides
		// before surfacing the failure.
		s.rollbackCreate(ctx, d)
		return delegation.Delegation{}, fmt.Errorf("authz: record creation: %w", err)
	}

	return d, nil
}

// rollbackCreate tears down a delegation whose creation could not be
// completed. The task is marked terminal first so checks deny locally even
// if the tuple cleanup fails.
func (s *Service) rollbackCreate(ctx context.Context, d delegation.Delegation) {
	if err := s.store.MarkRevoked(d.TaskID); err != nil {
		s.logger.Error("rollback: mark revoked failed", "task_id", d.TaskID, "error", err)
	}
	if s.invalidator != nil {
		s.invalidator.Invalidate(d.TaskID)
	}
	if err := s.backend.Delete(ctx, tuplesFor(d)); err != nil {
		s.logger.Error("rollback: delete tuples failed", "task_id", d.TaskID, "error", err)
	}
}

// Check decides whether the agent may exercise access on the resource under
// the given task. The local delegation record is the authoritative scope
// filter; the relationship backend is the second line of defense and is
// only consulted once the local checks pass. Every branch emits exactly one
// audit event before returning.
func (s *Service) Check(ctx context.Context, agentID, taskID, resourceID string, access delegation.AccessLevel) (Decision, error) {
	d, err := s.store.Get(taskID)
	if err != nil {
		return s.deny(ctx, agentID, taskID, resourceID, access, ReasonTaskInactive, nil)
	}

	now := s.clock.Now()
	if d.AgentID != agentID || !d.ActiveAt(now) {
		return s.deny(ctx, agentID, taskID, resourceID, access, ReasonTaskInactive, nil)
	}

	scope, ok := d.Scope(resourceID, access)
	if !ok {
		return s.deny(ctx, agentID, taskID, resourceID, access, ReasonOutOfScope, nil)
	}

	if scope.Condition != "" {
		holds, err := s.conditions.evaluate(scope.Condition, conditionInput{
			Now:      now,
			Agent:    agentID,
			Task:     taskID,
			Resource: resourceID,
			Access:   string(access),
		})
		if err != nil || !holds {
			// Evaluation faults deny: an unevaluable condition is an
			// unsatisfied one.
			return s.deny(ctx, agentID, taskID, resourceID, access, ReasonConditionFailed, nil)
		}
	}

	allowed, err := s.backend.Check(ctx, "agent:"+agentID, string(access), "resource:"+resourceID)
	if err != nil {
		return s.deny(ctx, agentID, taskID, resourceID, access, ReasonBackendError, fmt.Errorf("authz: backend check: %w", err))
	}
	if !allowed {
		return s.deny(ctx, agentID, taskID, resourceID, access, ReasonBackendDenied, nil)
	}

	if err := s.recorder.Record(ctx, audit.Event{
		Kind:        audit.KindCheckAllowed,
		TaskID:      taskID,
		UserID:      d.UserID,
		AgentID:     agentID,
		ResourceID:  resourceID,
		AccessLevel: string(access),
		Reason:      ReasonAuthorized,
	}); err != nil {
		// An allow that cannot be audited must not happen.
		return Decision{Allowed: false, Reason: ReasonBackendError}, fmt.Errorf("authz: record decision: %w", err)
	}

	return Decision{Allowed: true, Reason: ReasonAuthorized}, nil
}

// deny emits the denial audit event and returns the decision. cause is the
// infrastructure error to propagate, nil for ordinary denials.
func (s *Service) deny(ctx context.Context, agentID, taskID, resourceID string, access delegation.AccessLevel, reason string, cause error) (Decision, error) {
	if err := s.recorder.Record(ctx, audit.Event{
		Kind:        audit.KindCheckDenied,
		TaskID:      taskID,
		AgentID:     agentID,
		ResourceID:  resourceID,
		AccessLevel: string(access),
		Reason:      reason,
	}); err != nil {
		s.logger.Error("audit record failed on denial", "task_id", taskID, "error", err)
		if cause == nil {
			cause = err
		}
	}
	return Decision{Allowed: false, Reason: reason}, cause
}

// RevokeTask transitions the task to Revoked, synchronously invalidates
// cached decisions for it, and removes its tuples from the backend.
// Revoking an already-terminal task is an idempotent no-op success; an
// unknown task id returns delegation.ErrNotFound.
func (s *Service) RevokeTask(ctx context.Context, taskID string) error {
	d, err := s.store.Get(taskID)
	if err != nil {
		return err
	}

	if err := s.store.MarkRevoked(taskID); err != nil {
		if errors.Is(err, delegation.ErrAlreadyTerminal) {
			return nil
		}
		return err
	}

	// Invalidate before any blocking work: once this call returns, no
	// check that starts afterwards may see a cached Allow for this task.
	if s.invalidator != nil {
		s.invalidator.Invalidate(taskID)
	}

	if err := s.backend.Delete(ctx, tuplesFor(d)); err != nil {
		// The local record is already terminal, so checks deny locally;
		// the orphaned tuples are unreachable through this service but
		// the caller should still know the cleanup failed.
		return fmt.Errorf("authz: delete tuples: %w", err)
	}

	return s.recorder.Record(ctx, audit.Event{
		Kind:    audit.KindTaskRevoked,
		TaskID:  taskID,
		UserID:  d.UserID,
		AgentID: d.AgentID,
		Reason:  "task revoked",
		Metadata: map[string]string{
			"tuples_deleted": fmt.Sprintf("%d", len(tuplesFor(d))),
		},
	})
}

// SweepExpired transitions every Active task past its deadline to Expired,
// invalidates its cached decisions, and deletes its tuples. Each task
// transition is independently idempotent, so concurrent sweeps are safe.
// It returns the number of tasks swept.
func (s *Service) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	var swept int
	var errs []error
	for _, taskID := range s.store.ListActiveExpiring(now) {
		d, err := s.store.Get(taskID)
		if err != nil {
			continue // concurrently removed
		}
		if err := s.store.MarkExpired(taskID); err != nil {
			continue // a concurrent sweep or revoke won
		}

		if s.invalidator != nil {
			s.invalidator.Invalidate(taskID)
		}

		if err := s.backend.Delete(ctx, tuplesFor(d)); err != nil {
			errs = append(errs, fmt.Errorf("authz: delete tuples for %s: %w", taskID, err))
		}
		if err := s.recorder.Record(ctx, audit.Event{
			Kind:    audit.KindTaskExpired,
			TaskID:  taskID,
			UserID:  d.UserID,
			AgentID: d.AgentID,
			Reason:  "ttl elapsed",
		}); err != nil {
			errs = append(errs, fmt.Errorf("authz: record expiry for %s: %w", taskID, err))
		}
		swept++
	}
	return swept, errors.Join(errs...)
}

// tuplesFor returns the bounded tuple set representing a delegation:
// user -> delegator -> task, agent -> assignee -> task, and one
// task -> access -> resource edge per scope entry.
func tuplesFor(d delegation.Delegation) []rebac.Tuple {
	tuples := make([]rebac.Tuple, 0, len(d.Resources)+2)
	tuples = append(tuples,
		rebac.Tuple{Subject: "user:" + d.UserID, Relation: RelationDelegator, Object: d.TaskID},
		rebac.Tuple{Subject: "agent:" + d.AgentID, Relation: RelationAssignee, Object: d.TaskID},
	)
	for _, r := range d.Resources {
		tuples = append(tuples, rebac.Tuple{
			Subject:  d.TaskID,
			Relation: string(r.Access),
			Object:   "resource:" + r.ID,
		})
	}
	return tuples
}
