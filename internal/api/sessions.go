package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/flexinfer/mentatlab/services/taskgraph-go/internal/metrics"
	"github.com/flexinfer/mentatlab/services/taskgraph-go/internal/orchestrator"
	"github.com/flexinfer/mentatlab/services/taskgraph-go/pkg/types"
)

// MessageRequest is the body of POST /api/v1/sessions/{contextID}/messages.
type MessageRequest struct {
	Query  string `json:"query"`
	TaskID string `json:"task_id,omitempty"`
}

type streamItem struct {
	outcome types.Outcome
	err     error
}

// PostMessage handles POST /api/v1/sessions/{contextID}/messages. It runs
// one advance of the session on the worker pool and streams the outcomes as
// NDJSON, or as SSE when the client accepts text/event-stream.
func (h *Handlers) PostMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	contextID := mux.Vars(r)["contextID"]

	var req MessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		h.respondError(w, r, http.StatusBadRequest, "query is required", orchestrator.ErrEmptyQuery)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.respondError(w, r, http.StatusInternalServerError, "streaming not supported", errStreamingUnsupported)
		return
	}

	acquireCtx, cancel := context.WithTimeout(ctx, h.acquireWait)
	sess, err := h.sessions.Acquire(acquireCtx, contextID)
	cancel()
	if err != nil {
		h.respondError(w, r, errorStatus(err), "session unavailable", err)
		return
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	items := make(chan streamItem)
	err = h.pool.Submit(func() {
		defer close(items)
		defer h.sessions.Release(sess)

		for out, err := range h.orch.Advance(runCtx, sess, req.Query, contextID, req.TaskID) {
			select {
			case items <- streamItem{outcome: out, err: err}:
			case <-runCtx.Done():
				return
			}
		}
	})
	if err != nil {
		h.sessions.Release(sess)
		metrics.PoolRejectionsTotal.Inc()
		h.respondError(w, r, errorStatus(err), "too many concurrent requests", err)
		return
	}

	sse := acceptsEventStream(r)
	if sse {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("X-Accel-Buffering", "no")
	} else {
		w.Header().Set("Content-Type", "application/x-ndjson")
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for item := range items {
		kind, payload := encodeItem(item)
		if err := writeStreamLine(w, sse, kind, payload); err != nil {
			h.logger.Warn("client went away mid-stream",
				slog.String("context_id", contextID),
				slog.Any("error", err))
			stop()
			// Drain so the pool task can finish and release the session.
			for range items {
			}
			return
		}
		flusher.Flush()

		if item.err != nil {
			h.logger.Error("advance failed",
				slog.String("context_id", contextID),
				slog.String("request_id", GetRequestID(ctx, r)),
				slog.Any("error", item.err))
		}
	}
}

func encodeItem(item streamItem) (string, []byte) {
	if item.err != nil {
		body, _ := json.Marshal(map[string]any{
			"kind":   "error",
			"error":  item.err.Error(),
			"status": errorStatus(item.err),
		})
		return "error", body
	}
	body, err := json.Marshal(item.outcome)
	if err != nil {
		body, _ = json.Marshal(map[string]string{"kind": "error", "error": err.Error()})
		return "error", body
	}
	return string(item.outcome.Kind), body
}

func writeStreamLine(w http.ResponseWriter, sse bool, kind string, payload []byte) error {
	if sse {
		_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", kind, payload)
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	_, err := w.Write([]byte("\n"))
	return err
}

func acceptsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// GetSession handles GET /api/v1/sessions/{contextID}
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.sessions.Get(mux.Vars(r)["contextID"])
	if !ok {
		writeErrorResponse(w, r, http.StatusNotFound, ErrCodeNotFound, "session not found", nil)
		return
	}
	h.respondJSON(w, http.StatusOK, snap)
}

// DeleteSession handles DELETE /api/v1/sessions/{contextID}
func (h *Handlers) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if !h.sessions.Delete(mux.Vars(r)["contextID"]) {
		writeErrorResponse(w, r, http.StatusNotFound, ErrCodeNotFound, "session not found", nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
