package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// AnswerRequest is a question raised by a paused node together with what
// the session knows so far.
type AnswerRequest struct {
	Question string          `json:"question"`
	Context  json.RawMessage `json:"context,omitempty"`
	History  []string        `json:"history,omitempty"`
}

// Answer is the generator's verdict. Text is set only when CanAnswer is true.
type Answer struct {
	CanAnswer bool   `json:"can_answer"`
	Text      string `json:"answer"`
}

const answerPrompt = `You answer clarifying questions on behalf of a user, using only the
context and previous user queries provided. Reply with a single JSON object
{"can_answer": true|false, "answer": "..."} and nothing else. If the
information is not present, reply {"can_answer": false, "answer": ""}.`

// Answerer answers agent questions from session context.
type Answerer struct {
	client *Client
}

// NewAnswerer creates an answerer over c.
func NewAnswerer(c *Client) *Answerer {
	return &Answerer{client: c}
}

// Answer asks the model whether req.Question can be answered. Transport
// errors are returned; a reply that is not the expected JSON is treated as
// cannot answer.
func (a *Answerer) Answer(ctx context.Context, req AnswerRequest) (Answer, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Question: %s\n", req.Question)
	if len(req.Context) > 0 {
		fmt.Fprintf(&sb, "Context: %s\n", req.Context)
	}
	if len(req.History) > 0 {
		sb.WriteString("Previous queries:\n")
		for _, q := range req.History {
			fmt.Fprintf(&sb, "- %s\n", q)
		}
	}

	text, err := a.client.complete(ctx, answerPrompt, sb.String())
	if err != nil {
		return Answer{}, err
	}

	ans, ok := parseAnswer(text)
	if !ok {
		a.client.logger.Warn("malformed answer from model",
			slog.String("question", req.Question),
			slog.String("reply", text))
	}
	return ans, nil
}

// parseAnswer decodes the model reply, tolerating markdown code fences.
func parseAnswer(text string) (Answer, bool) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	var ans Answer
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &ans); err != nil {
		return Answer{}, false
	}
	ans.Text = strings.TrimSpace(ans.Text)
	if !ans.CanAnswer || ans.Text == "" {
		return Answer{}, true
	}
	return ans, true
}

// NeverAnswer always reports that it cannot answer, surfacing every
// question to the caller.
type NeverAnswer struct{}

// Answer implements the answer generator.
func (NeverAnswer) Answer(context.Context, AnswerRequest) (Answer, error) {
	return Answer{}, nil
}
