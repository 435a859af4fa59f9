// Package cache wraps the check path with a read-through decision cache.
// Allows and denies are cached under different TTLs (a stale deny only
// slows an agent down, a stale allow is a security hole, so the deny TTL is
// the longer-lived of the two concerns and the allow window stays wide only
// because revocation invalidates it synchronously). Infrastructure faults
// are never cached.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Siddhant-K-code/agentic-authorization/pkg/authz"
	"github.com/Siddhant-K-code/agentic-authorization/pkg/delegation"
)

// ErrConfig is returned for invalid TTL configuration.
var ErrConfig = errors.New("cache: invalid configuration")

// Backend stores decisions keyed by (agent, task, resource, access) with a
// per-task index so a whole task's entries can be dropped at once.
type Backend interface {
	Get(ctx context.Context, key string) (authz.Decision, bool, error)
	Set(ctx context.Context, taskID, key string, d authz.Decision, ttl time.Duration) error
	InvalidateTask(ctx context.Context, taskID string) error
}

// Stats is a point-in-time snapshot of cache effectiveness.
type Stats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
}

// LookupObserver receives the outcome of every cache lookup. Set it before
// serving traffic.
type LookupObserver func(ctx context.Context, hit bool)

// Decorator is a read-through cache over an authz.Checker. It also
// implements authz.Invalidator so the service can drop a task's entries
// synchronously on revocation or expiry.
type Decorator struct {
	inner    authz.Checker
	backend  Backend
	allowTTL time.Duration
	denyTTL  time.Duration
	logger   *slog.Logger
	onLookup LookupObserver

	hits   atomic.Uint64
	misses atomic.Uint64

	// epochs advances per task on every invalidation so a decision computed
	// before an invalidation is never cached after it. Entries are never
	// pruned: a reset epoch would let a late writer pass the staleness
	// comparison it exists to fail.
	mu     sync.Mutex
	epochs map[string]uint64
}

var (
	_ authz.Checker     = (*Decorator)(nil)
	_ authz.Invalidator = (*Decorator)(nil)
)

// New builds the decorator. The deny TTL must be strictly shorter than the
// allow TTL: a cached allow is protected by synchronous invalidation, a
// cached deny has nothing to invalidate it early, so it must age out fast.
func New(inner authz.Checker, backend Backend, allowTTL, denyTTL time.Duration) (*Decorator, error) {
	if inner == nil || backend == nil {
		return nil, fmt.Errorf("%w: inner checker and backend are required", ErrConfig)
	}
	if denyTTL <= 0 || allowTTL <= 0 {
		return nil, fmt.Errorf("%w: ttls must be positive", ErrConfig)
	}
	if denyTTL >= allowTTL {
		return nil, fmt.Errorf("%w: deny ttl %s must be shorter than allow ttl %s", ErrConfig, denyTTL, allowTTL)
	}
	return &Decorator{
		inner:    inner,
		backend:  backend,
		allowTTL: allowTTL,
		denyTTL:  denyTTL,
		logger:   slog.Default(),
		epochs:   map[string]uint64{},
	}, nil
}

// SetLogger overrides the log destination.
func (c *Decorator) SetLogger(l *slog.Logger) {
	if l != nil {
		c.logger = l
	}
}

// SetLookupObserver installs a hit/miss callback, typically a metrics hook.
func (c *Decorator) SetLookupObserver(fn LookupObserver) {
	c.onLookup = fn
}

func (c *Decorator) taskEpoch(taskID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epochs[taskID]
}

// Check serves from cache when possible. A cache hit repeats the cached
// decision without re-auditing; the audit trail records computed decisions,
// not every lookup. Backend read faults degrade to a normal (fail-closed)
// inner check rather than failing the request.
func (c *Decorator) Check(ctx context.Context, agentID, taskID, resourceID string, access delegation.AccessLevel) (authz.Decision, error) {
	key := decisionKey(agentID, taskID, resourceID, access)

	if d, ok, err := c.backend.Get(ctx, key); err != nil {
		c.logger.Warn("cache read failed, falling through", "key", key, "error", err)
	} else if ok {
		c.hits.Add(1)
		c.observeLookup(ctx, true)
		return d, nil
	}
	c.misses.Add(1)
	c.observeLookup(ctx, false)

	// Captured before the inner check: an invalidation that lands while the
	// decision is being computed advances the epoch and suppresses the
	// cache write below.
	epoch := c.taskEpoch(taskID)

	d, err := c.inner.Check(ctx, agentID, taskID, resourceID, access)
	if err != nil {
		// A deny caused by an outage must be retried, not remembered.
		return d, err
	}

	ttl := c.denyTTL
	if d.Allowed {
		ttl = c.allowTTL
	}
	if c.taskEpoch(taskID) != epoch {
		return d, nil
	}
	if err := c.backend.Set(ctx, taskID, key, d, ttl); err != nil {
		c.logger.Warn("cache write failed", "key", key, "error", err)
	} else if c.taskEpoch(taskID) != epoch {
		// The invalidation raced the write itself; scrub what we cached.
		if err := c.backend.InvalidateTask(ctx, taskID); err != nil {
			c.logger.Error("cache scrub failed", "task_id", taskID, "error", err)
		}
	}
	return d, nil
}

func (c *Decorator) observeLookup(ctx context.Context, hit bool) {
	if c.onLookup != nil {
		c.onLookup(ctx, hit)
	}
}

// Invalidate drops every cached decision for the task. It is synchronous:
// when it returns, no check started afterwards can observe a stale entry,
// including one computed by a check that was already in flight.
func (c *Decorator) Invalidate(taskID string) {
	// The epoch advances before the backend is cleared so in-flight checks
	// cannot re-cache a pre-invalidation decision.
	c.mu.Lock()
	c.epochs[taskID]++
	c.mu.Unlock()

	if err := c.backend.InvalidateTask(context.Background(), taskID); err != nil {
		c.logger.Error("cache invalidation failed", "task_id", taskID, "error", err)
	}
}

// Stats returns hit/miss counters accumulated since construction.
func (c *Decorator) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}

func decisionKey(agentID, taskID, resourceID string, access delegation.AccessLevel) string {
	return fmt.Sprintf("%s:%s:%s:%s", agentID, taskID, resourceID, access)
}
