package scope

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/Siddhant-K-code/agentic-authorization/pkg/delegation"
)

const inferencePrompt = `Analyze the user's request and determine the minimal required resource access.

User request: %s

Available resources (id, access):
%s

Output a JSON object:
{
  "resources": [
    {"id": "resource id", "access": "reader or writer"}
  ],
  "reasoning": "brief explanation"
}

Be minimal: only include resources strictly necessary for the task.
Prefer reader access over writer unless modification is explicitly requested.`

// Message is a single chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatClient abstracts the completion API used for inference.
type ChatClient interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}

// CatalogFunc returns the resources a user may delegate at all. Inferred
// grants outside this set are discarded.
type CatalogFunc func(ctx context.Context, userID string) ([]delegation.Resource, error)

// LLMInferrer derives scopes with a chat model and validates the result
// against the user's catalog.
type LLMInferrer struct {
	client  ChatClient
	catalog CatalogFunc
}

func NewLLMInferrer(client ChatClient, catalog CatalogFunc) *LLMInferrer {
	return &LLMInferrer{client: client, catalog: catalog}
}

var _ Inferrer = (*LLMInferrer)(nil)

type inferredScopes struct {
	Resources []struct {
		ID     string `json:"id"`
		Access string `json:"access"`
	} `json:"resources"`
	Reasoning string `json:"reasoning"`
}

func (l *LLMInferrer) Infer(ctx context.Context, userID, description string) ([]delegation.Resource, error) {
	available, err := l.catalog(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: catalog lookup: %v", ErrScopeInference, err)
	}

	var catalogLines strings.Builder
	for _, r := range available {
		fmt.Fprintf(&catalogLines, "- %s (%s)\n", r.ID, r.Access)
	}

	content, err := l.client.Chat(ctx, []Message{{
		Role:    "user",
		Content: fmt.Sprintf(inferencePrompt, description, catalogLines.String()),
	}})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScopeInference, err)
	}

	scopes, err := parseScopes(content)
	if err != nil {
		return nil, err
	}

	var out []delegation.Resource
	for _, r := range scopes.Resources {
		access, err := delegation.ParseAccessLevel(r.Access)
		if err != nil {
			continue
		}
		if matched, ok := matchAvailable(r.ID, access, available); ok {
			out = append(out, matched)
		}
	}
	return out, nil
}

// parseScopes extracts the first JSON object from the model output. Models
// wrap JSON in prose often enough that strict decoding would be brittle.
func parseScopes(content string) (*inferredScopes, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start == -1 || end <= start {
		return nil, fmt.Errorf("%w: no JSON object in model output", ErrScopeInference)
	}
	var scopes inferredScopes
	if err := json.Unmarshal([]byte(content[start:end+1]), &scopes); err != nil {
		return nil, fmt.Errorf("%w: malformed JSON in model output: %v", ErrScopeInference, err)
	}
	return &scopes, nil
}

// matchAvailable finds a catalog entry covering the requested id/access.
// Catalog ids may carry a trailing wildcard ("mail/*").
func matchAvailable(id string, access delegation.AccessLevel, available []delegation.Resource) (delegation.Resource, bool) {
	for _, a := range available {
		if a.Access != access {
			continue
		}
		if a.ID == id {
			return delegation.Resource{ID: id, Access: access, Condition: a.Condition}, true
		}
		if strings.Contains(a.ID, "*") {
			pattern := "^" + strings.ReplaceAll(regexp.QuoteMeta(a.ID), `\*`, ".*") + "$"
			if matched, err := regexp.MatchString(pattern, id); err == nil && matched {
				return delegation.Resource{ID: id, Access: access, Condition: a.Condition}, true
			}
		}
	}
	return delegation.Resource{}, false
}

// OpenAIChatClient talks to an OpenAI-compatible chat completions endpoint.
type OpenAIChatClient struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

func NewOpenAIChatClient(baseURL, apiKey, model string) *OpenAIChatClient {
	return &OpenAIChatClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

var _ ChatClient = (*OpenAIChatClient)(nil)

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *OpenAIChatClient) Chat(ctx context.Context, messages []Message) (string, error) {
	body, err := json.Marshal(chatRequest{Model: c.model, Messages: messages})
	if err != nil {
		return "", fmt.Errorf("scope: marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("scope: build chat request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("scope: chat endpoint returned %d", resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", err
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("scope: chat endpoint returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}
