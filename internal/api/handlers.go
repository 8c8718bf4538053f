// Package api provides HTTP handlers and routing for the taskgraph service.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"

	"github.com/flexinfer/mentatlab/services/taskgraph-go/internal/archive"
	"github.com/flexinfer/mentatlab/services/taskgraph-go/internal/orchestrator"
	"github.com/flexinfer/mentatlab/services/taskgraph-go/internal/registry"
	"github.com/flexinfer/mentatlab/services/taskgraph-go/internal/runstore"
	"github.com/flexinfer/mentatlab/services/taskgraph-go/internal/validator"
)

const maxBodyBytes = 1 << 20

// Deps are the handlers' collaborators. Archive may be nil.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Sessions     *orchestrator.Sessions
	Store        runstore.RunStore
	Agents       registry.AgentRegistry
	Validator    *validator.Validator
	Archive      *archive.Service
	Pool         *ants.Pool
	Logger       *slog.Logger

	// Heartbeat is the SSE keep-alive interval.
	Heartbeat time.Duration
	// AcquireWait bounds how long a message waits for a busy session.
	AcquireWait time.Duration
}

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	orch      *orchestrator.Orchestrator
	sessions  *orchestrator.Sessions
	store     runstore.RunStore
	agents    registry.AgentRegistry
	validator *validator.Validator
	archive   *archive.Service
	pool      *ants.Pool
	heartbeat   time.Duration
	acquireWait time.Duration
	logger      *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(d Deps) *Handlers {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Heartbeat <= 0 {
		d.Heartbeat = 15 * time.Second
	}
	if d.AcquireWait <= 0 {
		d.AcquireWait = 10 * time.Second
	}
	return &Handlers{
		orch:      d.Orchestrator,
		sessions:  d.Sessions,
		store:     d.Store,
		agents:    d.Agents,
		validator: d.Validator,
		archive:   d.Archive,
		pool:      d.Pool,
		heartbeat: d.Heartbeat,
		logger:    d.Logger,

		acquireWait: d.AcquireWait,
	}
}

// --- Health Endpoints ---

// Health handles the /health and /healthz endpoints.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles the /ready endpoint, checking dependencies.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	info, err := h.store.AdapterInfo(r.Context())
	if err != nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "runstore unhealthy", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]any{
		"status":   "ready",
		"runstore": info,
		"sessions": h.sessions.Len(),
		"pool": map[string]int{
			"running": h.pool.Running(),
			"free":    h.pool.Free(),
			"cap":     h.pool.Cap(),
		},
	})
}

// --- Runs ---

// ListRuns handles GET /api/v1/runs
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.store.ListRuns(r.Context())
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to list runs", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// GetRun handles GET /api/v1/runs/{id}
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.store.GetRun(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, r, errorStatus(err), "failed to get run", err)
		return
	}
	h.respondJSON(w, http.StatusOK, run)
}

// archivedObject is one archive entry with a download link.
type archivedObject struct {
	archive.ObjectRef
	DownloadURL string `json:"download_url,omitempty"`
}

// ListArchive handles GET /api/v1/runs/{id}/archive
func (h *Handlers) ListArchive(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		writeErrorResponse(w, r, http.StatusNotFound, ErrCodeNotFound, "archive is disabled", nil)
		return
	}
	ctx := r.Context()

	refs, err := h.archive.ListRun(ctx, mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to list archive", err)
		return
	}

	out := make([]archivedObject, 0, len(refs))
	for _, ref := range refs {
		obj := archivedObject{ObjectRef: *ref}
		if url, err := h.archive.DownloadURL(ctx, ref, 15*time.Minute); err == nil {
			obj.DownloadURL = url
		} else {
			h.logger.Warn("failed to presign archive object", slog.String("uri", ref.URI), slog.Any("error", err))
		}
		out = append(out, obj)
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"objects": out})
}

// RunStoreInfo handles GET /api/v1/runstore/info
func (h *Handlers) RunStoreInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.store.AdapterInfo(r.Context())
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to get runstore info", err)
		return
	}
	h.respondJSON(w, http.StatusOK, info)
}

// --- Agents ---

// ListAgents handles GET /api/v1/agents?capability=a,b&limit=&offset=
func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := &registry.ListOptions{}
	if caps := q.Get("capability"); caps != "" {
		opts.Capabilities = strings.Split(caps, ",")
	}
	opts.Limit, _ = strconv.Atoi(q.Get("limit"))
	opts.Offset, _ = strconv.Atoi(q.Get("offset"))

	agents, err := h.agents.List(r.Context(), opts)
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to list agents", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

// CreateAgent handles POST /api/v1/agents
func (h *Handlers) CreateAgent(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	if !h.validateAgent(w, r, body) {
		return
	}

	var req registry.CreateAgentRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}
	agent, err := h.agents.Create(r.Context(), &req)
	if err != nil {
		h.respondError(w, r, errorStatus(err), "failed to create agent", err)
		return
	}
	h.respondJSON(w, http.StatusCreated, agent)
}

// GetAgent handles GET /api/v1/agents/{id}
func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := h.agents.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, r, errorStatus(err), "failed to get agent", err)
		return
	}
	h.respondJSON(w, http.StatusOK, agent)
}

// UpdateAgent handles PUT /api/v1/agents/{id}. The patch is merged onto
// the stored agent and the result validated before anything is written.
func (h *Handlers) UpdateAgent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	current, err := h.agents.Get(ctx, id)
	if err != nil {
		h.respondError(w, r, errorStatus(err), "failed to get agent", err)
		return
	}

	merged, err := mergeJSON(current, body)
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if !h.validateAgent(w, r, merged) {
		return
	}

	var req registry.UpdateAgentRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}
	agent, err := h.agents.Update(ctx, id, &req)
	if err != nil {
		h.respondError(w, r, errorStatus(err), "failed to update agent", err)
		return
	}
	h.respondJSON(w, http.StatusOK, agent)
}

// DeleteAgent handles DELETE /api/v1/agents/{id}
func (h *Handlers) DeleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := h.agents.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.respondError(w, r, errorStatus(err), "failed to delete agent", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) validateAgent(w http.ResponseWriter, r *http.Request, doc []byte) bool {
	if h.validator == nil {
		return true
	}
	res := h.validator.ValidateAgentJSON(doc)
	if res.Valid {
		return true
	}
	writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeBadRequest, "agent registration is invalid",
		map[string]any{"errors": res.Errors})
	return false
}

// mergeJSON overlays the top-level fields of patch onto base. The id and
// runtime of the stored agent are kept.
func mergeJSON(base any, patch []byte) ([]byte, error) {
	raw, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var doc, over map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(patch, &over); err != nil {
		return nil, err
	}
	for k, v := range over {
		if k == "id" || k == "runtime" {
			continue
		}
		doc[k] = v
	}
	// Timestamps are not part of the registration schema.
	delete(doc, "created_at")
	delete(doc, "updated_at")
	return json.Marshal(doc)
}

// --- Helper Methods ---

func (h *Handlers) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "failed to read request body", err)
		return nil, false
	}
	return body, true
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", slog.Any("error", err))
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, r *http.Request, status int, message string, err error) {
	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	h.logger.Log(r.Context(), level, message,
		slog.Any("error", err),
		slog.Int("status", status),
		slog.String("request_id", GetRequestID(r.Context(), r)))

	var details map[string]any
	if err != nil {
		details = map[string]any{"cause": err.Error()}
	}
	writeErrorResponse(w, r, status, HTTPStatusToErrorCode(status), message, details)
}

var errStreamingUnsupported = errors.New("streaming not supported")
