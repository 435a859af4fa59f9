package rebac

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClient_Check(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, checkPath, r.URL.Path)
		var req checkRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		allowed := req.Subject == "agent:a7" && req.Relation == "reader"
		_ = json.NewEncoder(w).Encode(checkResponse{Allowed: allowed})
	}))
	t.Cleanup(srv.Close)

	client := NewHTTPClient(HTTPConfig{URL: srv.URL})

	allowed, err := client.Check(context.Background(), "agent:a7", "reader", "resource:doc-1")
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = client.Check(context.Background(), "agent:a7", "writer", "resource:doc-1")
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestHTTPClient_CheckFailsClosedOnTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	t.Cleanup(srv.Close)

	client := NewHTTPClient(HTTPConfig{URL: srv.URL, Timeout: 20 * time.Millisecond})

	allowed, err := client.Check(context.Background(), "agent:a7", "reader", "resource:doc-1")
	assert.False(t, allowed)
	assert.ErrorIs(t, err, ErrBackendUnavailable)
}

func TestHTTPClient_WriteRetriesTransientFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	client := NewHTTPClient(HTTPConfig{URL: srv.URL, WriteRetries: 3})

	err := client.Write(context.Background(), []Tuple{
		{Subject: "agent:a7", Relation: "assignee", Object: "task:42"},
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPClient_WriteSurfacesBackendUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	client := NewHTTPClient(HTTPConfig{URL: srv.URL, WriteRetries: 2})

	err := client.Write(context.Background(), []Tuple{
		{Subject: "agent:a7", Relation: "assignee", Object: "task:42"},
	})
	assert.ErrorIs(t, err, ErrBackendUnavailable)
}

func TestHTTPClient_CircuitOpensAfterRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	client := NewHTTPClient(HTTPConfig{URL: srv.URL, WriteRetries: 1})

	for i := 0; i < 5; i++ {
		_, _ = client.Check(context.Background(), "agent:a7", "reader", "resource:doc-1")
	}

	_, err := client.Check(context.Background(), "agent:a7", "reader", "resource:doc-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBackendUnavailable))
	assert.Contains(t, err.Error(), "circuit open")
}
