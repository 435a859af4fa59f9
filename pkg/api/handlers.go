package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Siddhant-K-code/agentic-authorization/pkg/audit"
	"github.com/Siddhant-K-code/agentic-authorization/pkg/authz"
	"github.com/Siddhant-K-code/agentic-authorization/pkg/cache"
	"github.com/Siddhant-K-code/agentic-authorization/pkg/delegation"
	"github.com/Siddhant-K-code/agentic-authorization/pkg/rebac"
	"github.com/Siddhant-K-code/agentic-authorization/pkg/scope"
)

const maxBodyBytes = 1 << 20

// Server holds the handler dependencies. Checker is the decorated check
// path (usually the cache); Service is the lifecycle owner.
type Server struct {
	Service  *authz.Service
	Checker  authz.Checker
	Store    delegation.Store
	Inferrer scope.Inferrer           // optional, enables /v1/tasks/initiate
	Tokens   *delegation.TokenManager // optional, adds credentials to initiated tasks
	Exporter *audit.Exporter          // optional, enables /v1/audit/export
	Cache    *cache.Decorator         // optional, enables /v1/cache/stats
}

// Routes registers all endpoints on a fresh mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/tasks", s.handleTasks)
	mux.HandleFunc("/v1/tasks/initiate", s.handleInitiate)
	mux.HandleFunc("/v1/tasks/revoke", s.handleRevoke)
	mux.HandleFunc("/v1/check", s.handleCheck)
	mux.HandleFunc("/v1/audit/export", s.handleAuditExport)
	mux.HandleFunc("/v1/cache/stats", s.handleCacheStats)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type createTaskRequest struct {
	UserID      string                `json:"user_id"`
	AgentID     string                `json:"agent_id"`
	Description string                `json:"description"`
	Resources   []delegation.Resource `json:"resources"`
	TTL         string                `json:"ttl"`
}

// handleTasks creates a delegation (POST) or fetches one (GET ?task_id=).
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createTask(w, r)
	case http.MethodGet:
		s.getTask(w, r)
	default:
		writeMethodNotAllowed(w, r)
	}
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, r, "Invalid request body")
		return
	}

	ttl, err := parseTTL(req.TTL)
	if err != nil {
		writeBadRequest(w, r, err.Error())
		return
	}

	d, err := s.Service.CreateTaskDelegation(r.Context(),
		req.UserID, req.AgentID, req.Description, req.Resources, ttl)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("task_id")
	if taskID == "" {
		writeBadRequest(w, r, "Missing required query parameter: task_id")
		return
	}
	d, err := s.Store.Get(taskID)
	if err != nil {
		writeNotFound(w, r, fmt.Sprintf("Task %q not found", taskID))
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type initiateRequest struct {
	UserID  string `json:"user_id"`
	AgentID string `json:"agent_id"`
	Request string `json:"request"`
	TTL     string `json:"ttl"`
}

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r)
		return
	}
	if s.Inferrer == nil {
		writeNotFound(w, r, "Scope inference is not configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req initiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, r, "Invalid request body")
		return
	}
	ttl, err := parseTTL(req.TTL)
	if err != nil {
		writeBadRequest(w, r, err.Error())
		return
	}

	tc, err := authz.InitiateAgentTask(r.Context(), s.Service, s.Inferrer, s.Tokens,
		req.UserID, req.AgentID, req.Request, ttl)
	if err != nil {
		if errors.Is(err, scope.ErrScopeInference) {
			WriteError(w, r, http.StatusUnprocessableEntity, "Scope Inference Failed",
				"No resource scope could be derived from the request")
			return
		}
		s.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, tc)
}

type revokeRequest struct {
	TaskID string `json:"task_id"`
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req revokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TaskID == "" {
		writeBadRequest(w, r, "Missing required field: task_id")
		return
	}

	if err := s.Service.RevokeTask(r.Context(), req.TaskID); err != nil {
		if errors.Is(err, delegation.ErrNotFound) {
			writeNotFound(w, r, fmt.Sprintf("Task %q not found", req.TaskID))
			return
		}
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type checkRequest struct {
	AgentID    string `json:"agent_id"`
	TaskID     string `json:"task_id"`
	ResourceID string `json:"resource_id"`
	Access     string `json:"access"`
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, r, "Invalid request body")
		return
	}
	if req.AgentID == "" || req.TaskID == "" || req.ResourceID == "" {
		writeBadRequest(w, r, "Missing required fields: agent_id, task_id, resource_id")
		return
	}
	access, err := delegation.ParseAccessLevel(req.Access)
	if err != nil {
		writeBadRequest(w, r, err.Error())
		return
	}

	decision, err := s.Checker.Check(r.Context(), req.AgentID, req.TaskID, req.ResourceID, access)
	if err != nil {
		// The decision is a deny either way, but a 503 tells the caller
		// this was an outage, not a refusal.
		writeUnavailable(w, r, "Authorization backend unreachable")
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r)
		return
	}
	if s.Exporter == nil {
		writeNotFound(w, r, "Audit export is not configured")
		return
	}

	req := audit.ExportRequest{TaskID: r.URL.Query().Get("task_id")}
	for param, dst := range map[string]*time.Time{
		"start": &req.StartTime,
		"end":   &req.EndTime,
	} {
		if v := r.URL.Query().Get(param); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeBadRequest(w, r, fmt.Sprintf("Invalid %s: must be RFC 3339", param))
				return
			}
			*dst = t
		}
	}

	pack, checksum, err := s.Exporter.GeneratePack(req)
	if err != nil {
		if errors.Is(err, audit.ErrInvalidTimeRange) {
			writeBadRequest(w, r, err.Error())
			return
		}
		writeInternal(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="audit-pack.zip"`)
	w.Header().Set("X-Pack-Checksum", checksum)
	_, _ = w.Write(pack)
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r)
		return
	}
	if s.Cache == nil {
		writeNotFound(w, r, "Decision cache is not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.Cache.Stats())
}

// writeServiceError maps service errors to problem responses.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, authz.ErrValidation):
		writeBadRequest(w, r, err.Error())
	case errors.Is(err, rebac.ErrBackendUnavailable):
		writeUnavailable(w, r, "Relationship backend unreachable")
	default:
		writeInternal(w, r, err)
	}
}

func parseTTL(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, errors.New("Missing required field: ttl")
	}
	ttl, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("Invalid ttl %q: use a duration like \"30m\"", raw)
	}
	return ttl, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
