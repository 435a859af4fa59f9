// Package gateway mediates every tool invocation an agent makes. A tool is
// registered with an argument schema and a pure extractor that names the
// resource the call touches; the gateway authorizes the call under the
// agent's task before the tool runs. Composition is explicit: the tool
// handler is only reachable through Invoke.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/text/unicode/norm"

	"github.com/Siddhant-K-code/agentic-authorization/pkg/authz"
	"github.com/Siddhant-K-code/agentic-authorization/pkg/delegation"
)

var (
	// ErrUnknownTool is returned for invocations of unregistered tools.
	ErrUnknownTool = errors.New("gateway: unknown tool")
	// ErrArgsInvalid is returned when arguments fail the tool's schema.
	ErrArgsInvalid = errors.New("gateway: invalid arguments")
	// ErrExtraction is returned when the extractor cannot name a resource.
	// The tool is not invoked: a call whose target cannot be determined
	// cannot be authorized.
	ErrExtraction = errors.New("gateway: resource extraction failed")
	// ErrRateLimited is returned when the agent exceeds its request budget.
	ErrRateLimited = errors.New("gateway: rate limit exceeded")
	// ErrCheckUnavailable wraps infrastructure faults on the check path.
	// It is distinct from AuthorizationError: the call was not refused, it
	// could not be decided.
	ErrCheckUnavailable = errors.New("gateway: authorization check unavailable")
)

// AuthorizationError is an ordinary denial. It carries enough context for
// the caller to explain the refusal without consulting the audit trail.
type AuthorizationError struct {
	AgentID    string
	TaskID     string
	ToolName   string
	ResourceID string
	Access     delegation.AccessLevel
	Reason     string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("gateway: agent %q denied %s on %q via tool %q: %s",
		e.AgentID, e.Access, e.ResourceID, e.ToolName, e.Reason)
}

// Handler executes the tool once the call is authorized.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Extractor derives the (resource, access) a call would touch from its
// arguments. It must be a pure function of the arguments: no I/O, no
// clock, so that authorizing the extracted target authorizes the call.
type Extractor func(args map[string]any) (resourceID string, access delegation.AccessLevel, err error)

// Tool is a registration request.
type Tool struct {
	Name    string
	Schema  string // JSON Schema for args; empty skips validation
	Extract Extractor
	Handler Handler
}

type registeredTool struct {
	name    string
	schema  *jsonschema.Schema
	extract Extractor
	handler Handler
}

// Gateway authorizes and dispatches tool calls.
type Gateway struct {
	checker authz.Checker
	limiter *agentLimiter
	logger  *slog.Logger

	mu    sync.RWMutex
	tools map[string]*registeredTool
}

// New builds a gateway over the given checker (typically the cache
// decorator). Rate limiting is off until SetRateLimit is called.
func New(checker authz.Checker) (*Gateway, error) {
	if checker == nil {
		return nil, errors.New("gateway: checker is required")
	}
	return &Gateway{
		checker: checker,
		logger:  slog.Default(),
		tools:   make(map[string]*registeredTool),
	}, nil
}

// SetRateLimit enables per-agent token-bucket limiting.
func (g *Gateway) SetRateLimit(rps float64, burst int) {
	g.limiter = newAgentLimiter(rps, burst)
}

// SetLogger overrides the log destination.
func (g *Gateway) SetLogger(l *slog.Logger) {
	if l != nil {
		g.logger = l
	}
}

// Register adds a tool. Names are NFC-normalized and case-folded so an
// agent cannot slip past a registration with a confusable spelling.
func (g *Gateway) Register(t Tool) error {
	name := normalizeToolName(t.Name)
	if name == "" {
		return errors.New("gateway: tool name must not be empty")
	}
	if t.Extract == nil || t.Handler == nil {
		return fmt.Errorf("gateway: tool %q needs an extractor and a handler", name)
	}

	rt := &registeredTool{name: name, extract: t.Extract, handler: t.Handler}
	if t.Schema != "" {
		compiled, err := compileSchema(name, t.Schema)
		if err != nil {
			return err
		}
		rt.schema = compiled
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.tools[name]; exists {
		return fmt.Errorf("gateway: tool %q already registered", name)
	}
	g.tools[name] = rt
	return nil
}

// Invoke authorizes and runs a tool call under the agent's task. Denials
// return *AuthorizationError and the handler is never invoked; check-path
// outages return ErrCheckUnavailable.
func (g *Gateway) Invoke(ctx context.Context, agentID, taskID, toolName string, args map[string]any) (any, error) {
	g.mu.RLock()
	tool, ok := g.tools[normalizeToolName(toolName)]
	g.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, toolName)
	}

	if g.limiter != nil && !g.limiter.allow(agentID) {
		return nil, fmt.Errorf("%w: agent %q", ErrRateLimited, agentID)
	}

	if tool.schema != nil {
		if args == nil {
			return nil, fmt.Errorf("%w: tool %q requires arguments", ErrArgsInvalid, tool.name)
		}
		if err := tool.schema.Validate(args); err != nil {
			return nil, fmt.Errorf("%w: tool %q: %v", ErrArgsInvalid, tool.name, err)
		}
	}

	resourceID, access, err := tool.extract(args)
	if err != nil {
		return nil, fmt.Errorf("%w: tool %q: %v", ErrExtraction, tool.name, err)
	}

	decision, err := g.checker.Check(ctx, agentID, taskID, resourceID, access)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckUnavailable, err)
	}
	if !decision.Allowed {
		g.logger.Info("tool call denied",
			"agent_id", agentID, "task_id", taskID,
			"tool", tool.name, "resource_id", resourceID, "reason", decision.Reason)
		return nil, &AuthorizationError{
			AgentID:    agentID,
			TaskID:     taskID,
			ToolName:   tool.name,
			ResourceID: resourceID,
			Access:     access,
			Reason:     decision.Reason,
		}
	}

	return tool.handler(ctx, args)
}

func normalizeToolName(name string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFC.String(name)))
}

func compileSchema(name, schema string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://agentauth.schemas.local/tools/%s.schema.json", name)
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("gateway: schema load for %q: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("gateway: schema compile for %q: %w", name, err)
	}
	return compiled, nil
}
