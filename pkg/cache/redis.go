package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Siddhant-K-code/agentic-authorization/pkg/authz"
)

const (
	redisDecisionPrefix = "agentauth:decision:"
	redisTaskPrefix     = "agentauth:task:"
)

// invalidateScript drops a task's index set and every decision key it
// references in one atomic step, so no concurrent reader can observe a
// partially invalidated task.
var invalidateScript = redis.NewScript(`
local keys = redis.call('SMEMBERS', KEYS[1])
for i = 1, #keys do
  redis.call('DEL', keys[i])
end
return redis.call('DEL', KEYS[1])
`)

// setScript stores a decision and registers it in the task index, bumping
// the index TTL so the index never lapses before an entry it references.
var setScript = redis.NewScript(`
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
redis.call('SADD', KEYS[2], KEYS[1])
if redis.call('PTTL', KEYS[2]) < tonumber(ARGV[2]) then
  redis.call('PEXPIRE', KEYS[2], ARGV[2])
end
return 1
`)

// Redis is a shared Backend for multi-instance deployments. Decisions are
// JSON values with Redis-side TTLs; a per-task set indexes them for
// invalidation.
type Redis struct {
	client *redis.Client
}

var _ Backend = (*Redis)(nil)

// NewRedis wraps an existing client; the caller owns its lifecycle.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Get(ctx context.Context, key string) (authz.Decision, bool, error) {
	raw, err := r.client.Get(ctx, redisDecisionPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return authz.Decision{}, false, nil
	}
	if err != nil {
		return authz.Decision{}, false, fmt.Errorf("cache: redis get: %w", err)
	}
	var d authz.Decision
	if err := json.Unmarshal(raw, &d); err != nil {
		return authz.Decision{}, false, fmt.Errorf("cache: decode decision: %w", err)
	}
	return d, true, nil
}

func (r *Redis) Set(ctx context.Context, taskID, key string, d authz.Decision, ttl time.Duration) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("cache: encode decision: %w", err)
	}

	keys := []string{redisDecisionPrefix + key, redisTaskPrefix + taskID}
	if err := setScript.Run(ctx, r.client, keys, raw, ttl.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("cache: redis set: %w", err)
	}
	return nil
}

func (r *Redis) InvalidateTask(ctx context.Context, taskID string) error {
	if err := invalidateScript.Run(ctx, r.client, []string{redisTaskPrefix + taskID}).Err(); err != nil {
		return fmt.Errorf("cache: redis invalidate: %w", err)
	}
	return nil
}
