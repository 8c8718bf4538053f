package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/flexinfer/mentatlab/services/taskgraph-go/pkg/types"
)

// newModelServer returns a chat completion endpoint that always replies
// with content and records the last user message.
func newModelServer(t *testing.T, content string, lastUser *string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		_ = json.Unmarshal(body, &req)
		if lastUser != nil && len(req.Messages) > 0 {
			*lastUser = req.Messages[len(req.Messages)-1].Content
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "test",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAnswerer(t *testing.T) {
	tests := []struct {
		name      string
		reply     string
		canAnswer bool
		text      string
	}{
		{"answers", `{"can_answer": true, "answer": "Paris"}`, true, "Paris"},
		{"fenced", "```json\n{\"can_answer\": true, \"answer\": \"Paris\"}\n```", true, "Paris"},
		{"cannot", `{"can_answer": false, "answer": ""}`, false, ""},
		{"blank answer", `{"can_answer": true, "answer": "  "}`, false, ""},
		{"malformed", `I think Paris`, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var prompt string
			srv := newModelServer(t, tt.reply, &prompt)
			a := NewAnswerer(NewClient(&Config{APIKey: "k", BaseURL: srv.URL, Model: "test"}, nil))

			ans, err := a.Answer(context.Background(), AnswerRequest{
				Question: "Which city?",
				Context:  json.RawMessage(`{"destination":"Paris"}`),
				History:  []string{"plan a trip"},
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ans.CanAnswer != tt.canAnswer || ans.Text != tt.text {
				t.Errorf("got %+v, want can_answer=%v text=%q", ans, tt.canAnswer, tt.text)
			}
			if !strings.Contains(prompt, "Which city?") || !strings.Contains(prompt, "plan a trip") {
				t.Errorf("prompt missing question or history: %q", prompt)
			}
		})
	}
}

func TestAnswererTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"boom"}}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := NewAnswerer(NewClient(&Config{APIKey: "k", BaseURL: srv.URL}, nil))
	if _, err := a.Answer(context.Background(), AnswerRequest{Question: "q"}); err == nil {
		t.Error("expected error from failing endpoint")
	}
}

func TestSummarizer(t *testing.T) {
	var prompt string
	srv := newModelServer(t, "Your trip is booked.", &prompt)
	s := NewSummarizer(NewClient(&Config{BaseURL: srv.URL}, nil))

	results := []types.Result{
		{NodeID: "n1", Task: "book flight", Artifact: &types.Artifact{Text: "AF123"}},
		{NodeID: "n2", Task: "book hotel", Artifact: &types.Artifact{Data: json.RawMessage(`{"hotel":"Ritz"}`)}},
	}
	got, err := s.Summarize(context.Background(), results)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "Your trip is booked." {
		t.Errorf("unexpected summary %q", got)
	}
	if !strings.Contains(prompt, "book flight: AF123") || !strings.Contains(prompt, `"hotel":"Ritz"`) {
		t.Errorf("results missing from prompt: %q", prompt)
	}
}

func TestSummarizerEmptyCompletion(t *testing.T) {
	srv := newModelServer(t, "   ", nil)
	s := NewSummarizer(NewClient(&Config{BaseURL: srv.URL}, nil))
	if _, err := s.Summarize(context.Background(), nil); err == nil {
		t.Error("expected error for empty completion")
	}
}

func TestFallbacks(t *testing.T) {
	ans, err := NeverAnswer{}.Answer(context.Background(), AnswerRequest{Question: "q"})
	if err != nil || ans.CanAnswer {
		t.Errorf("NeverAnswer should not answer: %+v %v", ans, err)
	}

	got, _ := ListSummarizer{}.Summarize(context.Background(), []types.Result{
		{NodeID: "n1", Task: "book flight", Artifact: &types.Artifact{Text: "AF123"}},
		{NodeID: "n2"},
	})
	if got != "- book flight: AF123\n- n2: " {
		t.Errorf("unexpected list summary %q", got)
	}
}
