package api

import (
	"bufio"
	"context"
	"encoding/json"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/flexinfer/mentatlab/services/taskgraph-go/internal/archive"
	"github.com/flexinfer/mentatlab/services/taskgraph-go/internal/orchestrator"
	"github.com/flexinfer/mentatlab/services/taskgraph-go/internal/registry"
	"github.com/flexinfer/mentatlab/services/taskgraph-go/internal/runstore"
	"github.com/flexinfer/mentatlab/services/taskgraph-go/internal/taskgraph"
	"github.com/flexinfer/mentatlab/services/taskgraph-go/internal/validator"
	"github.com/flexinfer/mentatlab/services/taskgraph-go/pkg/types"
)

// travelAgents plans two bookings; the hotel needs a city.
func travelAgents(_ context.Context, req *types.WorkRequest) iter.Seq2[types.WorkEvent, error] {
	var events []types.WorkEvent
	switch {
	case req.IsPlanner():
		data, _ := json.Marshal(map[string]any{
			"tasks": []map[string]string{
				{"description": "Book flight"},
				{"description": "Book hotel"},
			},
		})
		events = []types.WorkEvent{&types.Artifact{Name: "plan", Data: data}, &types.Completed{}}
	case req.Task == "Book hotel" && req.Query == "Book hotel":
		events = []types.WorkEvent{&types.InputRequired{Question: "Which city?", TaskID: "task-h"}}
	default:
		events = []types.WorkEvent{&types.Artifact{Text: "done: " + req.Query}, &types.Completed{}}
	}
	return func(yield func(types.WorkEvent, error) bool) {
		for _, ev := range events {
			if !yield(ev, nil) {
				return
			}
		}
	}
}

type testEnv struct {
	server *Server
	store  runstore.RunStore
	agents registry.AgentRegistry
	pool   *ants.Pool
}

func newTestEnv(t *testing.T, poolSize int) *testEnv {
	t.Helper()

	store := runstore.NewMemoryStore(nil)
	agents := registry.NewMemoryRegistry()
	v, err := validator.New()
	if err != nil {
		t.Fatalf("validator.New: %v", err)
	}
	arch := archive.NewService(archive.NewMemoryBackend())

	pool, err := ants.NewPool(poolSize, ants.WithNonblocking(true))
	if err != nil {
		t.Fatalf("ants.NewPool: %v", err)
	}
	t.Cleanup(pool.Release)

	orch := orchestrator.New(taskgraph.ExecutorFunc(travelAgents), nil, nil,
		orchestrator.WithPlanValidator(v),
		orchestrator.WithRecorder(orchestrator.NewRunRecorder(store, arch, nil)),
	)
	h := NewHandlers(Deps{
		Orchestrator: orch,
		Sessions:     orchestrator.NewSessions(nil, nil),
		Store:        store,
		Agents:       agents,
		Validator:    v,
		Archive:      arch,
		Pool:         pool,
		AcquireWait:  100 * time.Millisecond,
	})
	return &testEnv{
		server: NewServer(h, nil),
		store:  store,
		agents: agents,
		pool:   pool,
	}
}

func (e *testEnv) do(t *testing.T, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)
	return rec
}

// ndjson decodes each line of body as a generic object.
func ndjson(t *testing.T, body string) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		out = append(out, m)
	}
	return out
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, 2)
	for _, path := range []string{"/health", "/healthz", "/ready"} {
		rec := env.do(t, http.MethodGet, path, "")
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d", path, rec.Code)
		}
	}
}

func TestPostMessagePauseAndResume(t *testing.T) {
	env := newTestEnv(t, 2)

	rec := env.do(t, http.MethodPost, "/api/v1/sessions/ctx-1/messages", `{"query":"Plan a trip to Paris"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("Content-Type = %q", ct)
	}
	lines := ndjson(t, rec.Body.String())
	final := lines[len(lines)-1]
	if final["kind"] != "paused" {
		t.Fatalf("last kind = %v, want paused", final["kind"])
	}
	ev, _ := final["event"].(map[string]any)
	if ev["question"] != "Which city?" {
		t.Errorf("question = %v", ev["question"])
	}

	snap := env.do(t, http.MethodGet, "/api/v1/sessions/ctx-1", "")
	if snap.Code != http.StatusOK {
		t.Fatalf("GET session status = %d", snap.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/sessions/ctx-1/messages", `{"query":"Paris","task_id":"task-h"}`)
	lines = ndjson(t, rec.Body.String())
	final = lines[len(lines)-1]
	if final["kind"] != "summary" {
		t.Fatalf("last kind = %v, want summary", final["kind"])
	}
	summary, _ := final["summary"].(string)
	if !strings.Contains(summary, "Book flight") || !strings.Contains(summary, "done: Paris") {
		t.Errorf("summary = %q", summary)
	}
}

func TestPostMessageSSE(t *testing.T) {
	env := newTestEnv(t, 2)

	rec := env.do(t, http.MethodPost, "/api/v1/sessions/ctx-sse/messages", `{"query":"Plan"}`,
		"Accept", "text/event-stream")
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "event: event\n") || !strings.Contains(body, "event: paused\n") {
		t.Errorf("unexpected stream:\n%s", body)
	}
}

func TestPostMessageErrors(t *testing.T) {
	env := newTestEnv(t, 2)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"empty query", `{"query":"  "}`, http.StatusBadRequest},
		{"bad json", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/v1/sessions/x/messages", tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestPostMessagePoolFull(t *testing.T) {
	env := newTestEnv(t, 1)

	block := make(chan struct{})
	defer close(block)
	if err := env.pool.Submit(func() { <-block }); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	rec := env.do(t, http.MethodPost, "/api/v1/sessions/busy/messages", `{"query":"Plan"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}

	// The session must have been released.
	rec = env.do(t, http.MethodGet, "/api/v1/sessions/busy", "")
	var snap map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &snap)
	if snap["busy"] == true {
		t.Error("session still held after rejection")
	}
}

func TestSessionDelete(t *testing.T) {
	env := newTestEnv(t, 2)

	if rec := env.do(t, http.MethodDelete, "/api/v1/sessions/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("delete unknown: status = %d", rec.Code)
	}
	env.do(t, http.MethodPost, "/api/v1/sessions/gone/messages", `{"query":"Plan"}`)
	if rec := env.do(t, http.MethodDelete, "/api/v1/sessions/gone", ""); rec.Code != http.StatusNoContent {
		t.Errorf("delete: status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/v1/sessions/gone", ""); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete: status = %d", rec.Code)
	}
}

func TestRunsAndEvents(t *testing.T) {
	env := newTestEnv(t, 2)

	env.do(t, http.MethodPost, "/api/v1/sessions/ctx-r/messages", `{"query":"Plan"}`)
	env.do(t, http.MethodPost, "/api/v1/sessions/ctx-r/messages", `{"query":"Rome"}`)

	rec := env.do(t, http.MethodGet, "/api/v1/runs", "")
	var list struct {
		Runs []types.RunMeta `json:"runs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode runs: %v", err)
	}
	if len(list.Runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(list.Runs))
	}
	run := list.Runs[0]
	if run.Status != types.StatusCompleted {
		t.Errorf("run status = %s", run.Status)
	}

	if rec := env.do(t, http.MethodGet, "/api/v1/runs/"+run.ID, ""); rec.Code != http.StatusOK {
		t.Errorf("GET run: status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/v1/runs/missing", ""); rec.Code != http.StatusNotFound {
		t.Errorf("GET missing run: status = %d", rec.Code)
	}

	// A completed run replays and ends without waiting.
	rec = env.do(t, http.MethodGet, "/api/v1/runs/"+run.ID+"/events", "")
	body := rec.Body.String()
	for _, want := range []string{"event: stream_start", "event: plan_extended", "event: summary", "event: stream_end"} {
		if !strings.Contains(body, want) {
			t.Errorf("events missing %q", want)
		}
	}

	rec = env.do(t, http.MethodGet, "/api/v1/runs/"+run.ID+"/archive", "")
	var arch struct {
		Objects []archivedObject `json:"objects"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &arch); err != nil {
		t.Fatalf("decode archive: %v", err)
	}
	if len(arch.Objects) != 1 {
		t.Errorf("archived objects = %d, want 1", len(arch.Objects))
	}
}

func TestEventsResume(t *testing.T) {
	env := newTestEnv(t, 2)
	ctx := context.Background()

	if err := env.store.CreateRun(ctx, &types.Run{ID: "r1", Status: types.StatusInitialized}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := env.store.AppendEvent(ctx, "r1", &types.EventInput{Type: types.EventTypeLog}); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}
	if _, err := env.store.AppendEvent(ctx, "r1", &types.EventInput{
		Type: types.EventTypeRunStatus,
		Data: types.RunStatusEvent{Status: types.StatusCompleted},
	}); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	all, _ := env.store.GetEventsSince(ctx, "r1", "")
	rec := env.do(t, http.MethodGet, "/api/v1/runs/r1/events", "", "Last-Event-ID", all[1].ID)
	body := rec.Body.String()
	if strings.Contains(body, "id: "+all[0].ID+"\n") || strings.Contains(body, "id: "+all[1].ID+"\n") {
		t.Errorf("replayed events before Last-Event-ID:\n%s", body)
	}
	if !strings.Contains(body, "id: "+all[2].ID+"\n") || !strings.Contains(body, "event: stream_end") {
		t.Errorf("missing resumed events:\n%s", body)
	}
}

func TestAgentCRUD(t *testing.T) {
	env := newTestEnv(t, 2)

	const flight = `{"id":"travel.flight","name":"Flights","runtime":"a2a","endpoint":"http://flights:8080","capabilities":["booking"]}`

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"missing runtime", http.MethodPost, "/api/v1/agents", `{"id":"a","name":"A"}`, http.StatusBadRequest},
		{"a2a without endpoint", http.MethodPost, "/api/v1/agents", `{"id":"a","name":"A","runtime":"a2a"}`, http.StatusBadRequest},
		{"create", http.MethodPost, "/api/v1/agents", flight, http.StatusCreated},
		{"duplicate", http.MethodPost, "/api/v1/agents", flight, http.StatusConflict},
		{"get", http.MethodGet, "/api/v1/agents/travel.flight", "", http.StatusOK},
		{"bad endpoint", http.MethodPut, "/api/v1/agents/travel.flight", `{"endpoint":"ftp://x"}`, http.StatusBadRequest},
		{"rename", http.MethodPut, "/api/v1/agents/travel.flight", `{"name":"Air"}`, http.StatusOK},
		{"update missing", http.MethodPut, "/api/v1/agents/nope", `{"name":"X"}`, http.StatusNotFound},
		{"delete", http.MethodDelete, "/api/v1/agents/travel.flight", "", http.StatusNoContent},
		{"get deleted", http.MethodGet, "/api/v1/agents/travel.flight", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, tt.method, tt.path, tt.body)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d, body = %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestListAgentsByCapability(t *testing.T) {
	env := newTestEnv(t, 2)
	ctx := context.Background()

	for _, req := range []*registry.CreateAgentRequest{
		{ID: "a", Name: "A", Runtime: registry.RuntimeSubprocess, Command: []string{"a"}, Capabilities: []string{"flight"}},
		{ID: "b", Name: "B", Runtime: registry.RuntimeSubprocess, Command: []string{"b"}, Capabilities: []string{"hotel"}},
	} {
		if _, err := env.agents.Create(ctx, req); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	rec := env.do(t, http.MethodGet, "/api/v1/agents?capability=hotel", "")
	var resp struct {
		Agents []registry.Agent `json:"agents"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Agents) != 1 || resp.Agents[0].ID != "b" {
		t.Errorf("agents = %+v", resp.Agents)
	}
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{orchestrator.ErrEmptyQuery, http.StatusBadRequest},
		{runstore.ErrRunNotFound, http.StatusNotFound},
		{registry.ErrAgentExists, http.StatusConflict},
		{orchestrator.ErrSessionBusy, http.StatusServiceUnavailable},
		{ants.ErrPoolOverload, http.StatusServiceUnavailable},
		{registry.ErrNoAgent, http.StatusBadGateway},
		{context.Canceled, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := errorStatus(tt.err); got != tt.want {
			t.Errorf("errorStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
