package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/flexinfer/mentatlab/services/taskgraph-go/pkg/types"
)

const summaryPrompt = `You write the final reply for a completed multi-step task. Summarize
the results below for the user in a few short paragraphs. Mention
confirmations, dates and prices when present.`

// Summarizer turns accumulated node results into a final summary.
type Summarizer struct {
	client *Client
}

// NewSummarizer creates a summarizer over c.
func NewSummarizer(c *Client) *Summarizer {
	return &Summarizer{client: c}
}

// Summarize asks the model to summarize results.
func (s *Summarizer) Summarize(ctx context.Context, results []types.Result) (string, error) {
	return s.client.complete(ctx, summaryPrompt, formatResults(results))
}

// ListSummarizer summarizes without a model: one line per result.
type ListSummarizer struct{}

// Summarize implements the summary generator.
func (ListSummarizer) Summarize(_ context.Context, results []types.Result) (string, error) {
	if len(results) == 0 {
		return "No results.", nil
	}
	return formatResults(results), nil
}

func formatResults(results []types.Result) string {
	var sb strings.Builder
	for _, r := range results {
		label := r.Task
		if label == "" {
			label = r.NodeID
		}
		body := ""
		if r.Artifact != nil {
			body = r.Artifact.String()
		}
		fmt.Fprintf(&sb, "- %s: %s\n", label, body)
	}
	return strings.TrimSuffix(sb.String(), "\n")
}
