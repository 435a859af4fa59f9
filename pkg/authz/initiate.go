package authz

import (
	"context"
	"fmt"
	"time"

	"github.com/Siddhant-K-code/agentic-authorization/pkg/delegation"
	"github.com/Siddhant-K-code/agentic-authorization/pkg/scope"
)

// TaskContext is handed to the agent runtime after a task is initiated.
type TaskContext struct {
	TaskID    string                `json:"task_id"`
	AgentID   string                `json:"agent_id"`
	Resources []delegation.Resource `json:"resources"`
	ExpiresAt time.Time             `json:"expires_at"`
	// Credential is the signed task token, present when a token manager
	// was supplied.
	Credential string `json:"credential,omitempty"`
}

// InitiateAgentTask is the end-to-end entry point: infer the minimal scope
// from the request, create the delegation, and mint the task credential.
// Inference failures abort before any task or tuple exists.
func InitiateAgentTask(ctx context.Context, svc *Service, inferrer scope.Inferrer, tokens *delegation.TokenManager, userID, agentID, request string, ttl time.Duration) (TaskContext, error) {
	resources, err := inferrer.Infer(ctx, userID, request)
	if err != nil {
		return TaskContext{}, err
	}

	d, err := svc.CreateTaskDelegation(ctx, userID, agentID, request, resources, ttl)
	if err != nil {
		return TaskContext{}, err
	}

	tc := TaskContext{
		TaskID:    d.TaskID,
		AgentID:   d.AgentID,
		Resources: d.Resources,
		ExpiresAt: d.ExpiresAt,
	}
	if tokens != nil {
		credential, err := tokens.Issue(d)
		if err != nil {
			// The delegation exists; do not leave it live without a
			// deliverable credential.
			if revokeErr := svc.RevokeTask(ctx, d.TaskID); revokeErr != nil {
				return TaskContext{}, fmt.Errorf("authz: issue credential: %w (revoke failed: %v)", err, revokeErr)
			}
			return TaskContext{}, fmt.Errorf("authz: issue credential: %w", err)
		}
		tc.Credential = credential
	}
	return tc, nil
}
