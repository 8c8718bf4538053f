package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/flexinfer/mentatlab/services/taskgraph-go/internal/metrics"
	"github.com/flexinfer/mentatlab/services/taskgraph-go/pkg/types"
)

// StreamEvents handles GET /api/v1/runs/{id}/events. It replays the recorded
// events (after Last-Event-ID when given) and then follows live ones until
// the run completes or the client disconnects.
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := mux.Vars(r)["id"]
	requestID := GetRequestID(ctx, r)
	startTime := time.Now()

	meta, err := h.store.GetRunMeta(ctx, runID)
	if err != nil {
		h.respondError(w, r, errorStatus(err), "failed to get run", err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.respondError(w, r, http.StatusInternalServerError, "streaming not supported", errStreamingUnsupported)
		return
	}

	// Subscribe before replaying so nothing falls between the two.
	eventCh, cleanup, err := h.store.Subscribe(ctx, runID)
	if err != nil {
		h.respondError(w, r, errorStatus(err), "failed to subscribe to events", err)
		return
	}
	defer cleanup()

	backlog, err := h.store.GetEventsSince(ctx, runID, r.Header.Get("Last-Event-ID"))
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "failed to replay events", err)
		return
	}

	metrics.SSEActiveConnections.Inc()
	defer metrics.SSEActiveConnections.Dec()

	h.logger.Info("SSE connection opened",
		slog.String("run_id", runID),
		slog.String("request_id", requestID),
		slog.String("remote_addr", r.RemoteAddr),
	)
	closed := func(reason string) {
		duration := time.Since(startTime)
		metrics.SSEConnectionDuration.Observe(duration.Seconds())
		h.logger.Info("SSE connection closed",
			slog.String("run_id", runID),
			slog.String("request_id", requestID),
			slog.Duration("duration", duration),
			slog.String("reason", reason),
		)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	h.writeSSE(w, flusher, &types.Event{
		ID:        "0",
		RunID:     runID,
		Type:      types.EventTypeStreamStart,
		Timestamp: time.Now().UTC(),
	})

	replayed := make(map[string]struct{}, len(backlog))
	for _, evt := range backlog {
		replayed[evt.ID] = struct{}{}
		h.writeSSE(w, flusher, evt)
	}
	if meta.Status == types.StatusCompleted || endsRun(backlog...) {
		h.sendStreamEnd(ctx, w, flusher, runID)
		closed("run_completed")
		return
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			closed("client_disconnect")
			return

		case evt, ok := <-eventCh:
			if !ok {
				h.sendStreamEnd(ctx, w, flusher, runID)
				closed("subscription_closed")
				return
			}
			if _, dup := replayed[evt.ID]; dup {
				continue
			}
			h.writeSSE(w, flusher, evt)
			if endsRun(evt) {
				h.sendStreamEnd(ctx, w, flusher, runID)
				closed("run_completed")
				return
			}

		case <-heartbeat.C:
			h.writeComment(w, flusher, "heartbeat")
		}
	}
}

// endsRun reports whether any of evts records the run reaching COMPLETED.
func endsRun(evts ...*types.Event) bool {
	for _, evt := range evts {
		if evt.Type != types.EventTypeRunStatus {
			continue
		}
		var st types.RunStatusEvent
		if json.Unmarshal(evt.Data, &st) == nil && st.Status == types.StatusCompleted {
			return true
		}
	}
	return false
}

func (h *Handlers) writeSSE(w http.ResponseWriter, flusher http.Flusher, evt *types.Event) {
	if evt == nil {
		return
	}
	if _, err := w.Write(evt.ToSSE()); err != nil {
		h.logger.Debug("failed to write SSE event", slog.Any("error", err))
		return
	}
	flusher.Flush()
}

func (h *Handlers) writeComment(w http.ResponseWriter, flusher http.Flusher, comment string) {
	if _, err := w.Write([]byte(": " + comment + "\n\n")); err != nil {
		h.logger.Debug("failed to write SSE comment", slog.Any("error", err))
		return
	}
	flusher.Flush()
}

// sendStreamEnd sends the final event carrying the run's last status.
func (h *Handlers) sendStreamEnd(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, runID string) {
	evt := &types.Event{
		ID:        "final",
		RunID:     runID,
		Type:      types.EventTypeStreamEnd,
		Timestamp: time.Now().UTC(),
	}
	if meta, err := h.store.GetRunMeta(ctx, runID); err == nil {
		evt.Data, _ = json.Marshal(types.RunStatusEvent{Status: meta.Status, Error: meta.Error})
	} else {
		h.logger.Warn("failed to get run meta for stream end", slog.Any("error", err))
	}
	h.writeSSE(w, flusher, evt)
}
