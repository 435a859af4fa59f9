package observability

import (
	"context"
	"time"

	"github.com/Siddhant-K-code/agentic-authorization/pkg/authz"
	"github.com/Siddhant-K-code/agentic-authorization/pkg/delegation"
)

// InstrumentChecker wraps a checker so every decision records check rate,
// latency, and denials by reason. Infrastructure faults count as denials
// with the decision's reason.
func (p *Provider) InstrumentChecker(inner authz.Checker) authz.Checker {
	return &instrumentedChecker{provider: p, inner: inner}
}

type instrumentedChecker struct {
	provider *Provider
	inner    authz.Checker
}

var _ authz.Checker = (*instrumentedChecker)(nil)

func (c *instrumentedChecker) Check(ctx context.Context, agentID, taskID, resourceID string, access delegation.AccessLevel) (authz.Decision, error) {
	start := time.Now()
	d, err := c.inner.Check(ctx, agentID, taskID, resourceID, access)
	c.provider.RecordCheck(ctx, d.Allowed, d.Reason, time.Since(start))
	return d, err
}
