package rebac

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"net/http"
	"sync"
	"time"
)

const (
	defaultHTTPTimeout  = 5 * time.Second
	defaultWriteRetries = 3

	checkPath  = "/v1/check"
	writePath  = "/v1/tuples/write"
	deletePath = "/v1/tuples/delete"
)

// HTTPConfig configures the remote backend client.
type HTTPConfig struct {
	// URL is the base URL of the relationship backend.
	URL string `json:"url"`
	// StoreID selects the tuple store on multi-store backends.
	StoreID string `json:"store_id,omitempty"`
	// Timeout bounds each HTTP call. Default: 5s.
	Timeout time.Duration `json:"timeout,omitempty"`
	// WriteRetries bounds retry attempts for Write/Delete. Check is never
	// retried: a slow check fails closed immediately. Default: 3.
	WriteRetries int `json:"write_retries,omitempty"`
}

// HTTPClient talks to an OpenFGA-style relationship backend over HTTP.
// All transport failures surface as ErrBackendUnavailable so callers can
// fail closed without inspecting error strings.
type HTTPClient struct {
	config  HTTPConfig
	client  *http.Client
	breaker *circuitBreaker
}

// NewHTTPClient creates a remote backend client.
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	if cfg.WriteRetries == 0 {
		cfg.WriteRetries = defaultWriteRetries
	}
	return &HTTPClient{
		config:  cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: newCircuitBreaker(5, 10*time.Second),
	}
}

var _ Client = (*HTTPClient)(nil)

type checkRequest struct {
	StoreID  string `json:"store_id,omitempty"`
	Subject  string `json:"subject"`
	Relation string `json:"relation"`
	Object   string `json:"object"`
}

type checkResponse struct {
	Allowed bool `json:"allowed"`
}

type tupleRequest struct {
	StoreID string  `json:"store_id,omitempty"`
	Tuples  []Tuple `json:"tuples"`
}

// Check performs a single, non-retried reachability query.
func (c *HTTPClient) Check(ctx context.Context, subject, relation, object string) (bool, error) {
	body, err := c.post(ctx, checkPath, checkRequest{
		StoreID:  c.config.StoreID,
		Subject:  subject,
		Relation: relation,
		Object:   object,
	})
	if err != nil {
		return false, err
	}

	var resp checkResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return false, fmt.Errorf("%w: malformed check response: %v", ErrBackendUnavailable, err)
	}
	return resp.Allowed, nil
}

// Write commits tuples, retrying transient failures with exponential
// backoff before giving up. An inconsistent create is worse than a slow one.
func (c *HTTPClient) Write(ctx context.Context, tuples []Tuple) error {
	return c.postRetry(ctx, writePath, tupleRequest{StoreID: c.config.StoreID, Tuples: tuples})
}

// Delete removes tuples with the same retry policy as Write.
func (c *HTTPClient) Delete(ctx context.Context, tuples []Tuple) error {
	return c.postRetry(ctx, deletePath, tupleRequest{StoreID: c.config.StoreID, Tuples: tuples})
}

func (c *HTTPClient) postRetry(ctx context.Context, path string, payload interface{}) error {
	var lastErr error
	for attempt := 0; attempt <= c.config.WriteRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrBackendUnavailable, ctx.Err())
			case <-time.After(backoff(attempt)):
			}
		}
		if _, lastErr = c.post(ctx, path, payload); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func (c *HTTPClient) post(ctx context.Context, path string, payload interface{}) ([]byte, error) {
	if !c.breaker.allow() {
		return nil, fmt.Errorf("%w: circuit open", ErrBackendUnavailable)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("rebac: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("rebac: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.breaker.failure()
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		c.breaker.failure()
		return nil, fmt.Errorf("%w: backend returned %d", ErrBackendUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		c.breaker.success()
		return nil, fmt.Errorf("%w: backend rejected request with %d", ErrBackendUnavailable, resp.StatusCode)
	}

	c.breaker.success()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrBackendUnavailable, err)
	}
	return buf.Bytes(), nil
}

// backoff computes base * 2^attempt plus jitter.
func backoff(attempt int) time.Duration {
	d := time.Duration(math.Pow(2, float64(attempt-1))) * 100 * time.Millisecond
	if n, err := rand.Int(rand.Reader, big.NewInt(50)); err == nil {
		d += time.Duration(n.Int64()) * time.Millisecond
	}
	return d
}

// circuitBreaker trips open after consecutive backend failures so a dead
// backend is not hammered by every tool call in the process.
type circuitBreaker struct {
	mu           sync.Mutex
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        string // "CLOSED", "OPEN", "HALF_OPEN"
}

func newCircuitBreaker(threshold int, timeout time.Duration) *circuitBreaker {
	return &circuitBreaker{threshold: threshold, resetTimeout: timeout, state: "CLOSED"}
}

func (cb *circuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == "OPEN" {
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.state = "HALF_OPEN"
			return true
		}
		return false
	}
	return true
}

func (cb *circuitBreaker) success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == "HALF_OPEN" {
		cb.state = "CLOSED"
	}
	cb.failureCount = 0
}

func (cb *circuitBreaker) failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = time.Now()
	if cb.failureCount >= cb.threshold {
		cb.state = "OPEN"
	}
}
