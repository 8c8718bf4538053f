package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"

	"trpc.group/trpc-go/trpc-a2a-go/client"
	"trpc.group/trpc-go/trpc-a2a-go/protocol"

	"github.com/flexinfer/mentatlab/services/taskgraph-go/internal/registry"
	"github.com/flexinfer/mentatlab/services/taskgraph-go/pkg/types"
)

// A2A task states reported in status updates.
const (
	a2aStateInputRequired = "input-required"
	a2aStateCompleted     = "completed"
	a2aStateFailed        = "failed"
	a2aStateCanceled      = "canceled"
	a2aStateRejected      = "rejected"
)

// A2ADriver streams node work to remote agents over the A2A protocol.
type A2ADriver struct {
	mu      sync.Mutex
	clients map[string]*client.A2AClient
	logger  *slog.Logger
}

// NewA2ADriver creates a new A2A driver.
func NewA2ADriver(logger *slog.Logger) *A2ADriver {
	if logger == nil {
		logger = slog.Default()
	}
	return &A2ADriver{
		clients: make(map[string]*client.A2AClient),
		logger:  logger,
	}
}

func (d *A2ADriver) client(endpoint string) (*client.A2AClient, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if c, ok := d.clients[endpoint]; ok {
		return c, nil
	}
	c, err := client.NewA2AClient(endpoint)
	if err != nil {
		return nil, err
	}
	d.clients[endpoint] = c
	return c, nil
}

// Execute sends the node query as a streaming message and yields the
// converted stream. Cancelling the consumer cancels the request.
func (d *A2ADriver) Execute(ctx context.Context, agent *registry.Agent, req *types.WorkRequest) iter.Seq2[types.WorkEvent, error] {
	return func(yield func(types.WorkEvent, error) bool) {
		c, err := d.client(agent.Endpoint)
		if err != nil {
			yield(nil, fmt.Errorf("a2a client %s: %w", agent.Endpoint, err))
			return
		}

		streamCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := c.StreamMessage(streamCtx, protocol.SendMessageParams{Message: newA2AMessage(req)})
		if err != nil {
			yield(nil, fmt.Errorf("a2a stream %s: %w", agent.ID, err))
			return
		}

		for {
			select {
			case <-ctx.Done():
				yield(nil, ctx.Err())
				return
			case ev, ok := <-stream:
				if !ok {
					return
				}
				events, err := convertA2AResult(ev.Result)
				if err != nil {
					yield(nil, fmt.Errorf("a2a %s: %w", agent.ID, err))
					return
				}
				for _, we := range events {
					if !yield(we, nil) {
						return
					}
				}
			}
		}
	}
}

func newA2AMessage(req *types.WorkRequest) protocol.Message {
	msg := protocol.NewMessage(protocol.MessageRoleUser, []protocol.Part{protocol.NewTextPart(req.Query)})
	if req.ContextID != "" {
		contextID := req.ContextID
		msg.ContextID = &contextID
	}
	if req.TaskID != "" {
		taskID := req.TaskID
		msg.TaskID = &taskID
	}
	return msg
}

// convertA2AResult maps one A2A stream result onto work events.
func convertA2AResult(result any) ([]types.WorkEvent, error) {
	switch r := result.(type) {
	case *protocol.TaskStatusUpdateEvent:
		ev, err := convertA2AStatus(string(r.Status.State), r.Status.Message, r.TaskID, r.ContextID)
		if err != nil || ev == nil {
			return nil, err
		}
		return []types.WorkEvent{ev}, nil

	case *protocol.TaskArtifactUpdateEvent:
		return []types.WorkEvent{a2aArtifact(r.Artifact.ArtifactID, r.Artifact.Parts)}, nil

	case *protocol.Message:
		if len(r.Parts) == 0 {
			return nil, nil
		}
		return []types.WorkEvent{a2aArtifact(r.MessageID, r.Parts)}, nil

	case *protocol.Task:
		var out []types.WorkEvent
		for _, a := range r.Artifacts {
			out = append(out, a2aArtifact(a.ArtifactID, a.Parts))
		}
		ev, err := convertA2AStatus(string(r.Status.State), r.Status.Message, r.ID, r.ContextID)
		if err != nil {
			return nil, err
		}
		if ev != nil {
			out = append(out, ev)
		}
		return out, nil

	case nil:
		return nil, nil
	}
	return nil, fmt.Errorf("%w: %T", ErrUnknownResult, result)
}

func convertA2AStatus(state string, msg *protocol.Message, taskID, contextID string) (types.WorkEvent, error) {
	text := ""
	if msg != nil {
		text = partsText(msg.Parts)
	}

	switch state {
	case a2aStateInputRequired:
		question := text
		if question == "" {
			question = types.DefaultQuestion
		}
		return &types.InputRequired{Question: question, TaskID: taskID, ContextID: contextID}, nil
	case a2aStateCompleted:
		return &types.Completed{Message: text}, nil
	case a2aStateFailed, a2aStateCanceled, a2aStateRejected:
		if text == "" {
			text = state
		}
		return nil, fmt.Errorf("%w: task %s %s", ErrAgentExited, taskID, text)
	case "":
		return nil, nil
	}
	return &types.StatusWorking{Message: text}, nil
}

func a2aArtifact(id string, parts []protocol.Part) *types.Artifact {
	a := &types.Artifact{ID: id, Text: partsText(parts)}
	for _, p := range parts {
		var data any
		switch dp := p.(type) {
		case *protocol.DataPart:
			data = dp.Data
		case protocol.DataPart:
			data = dp.Data
		default:
			continue
		}
		raw, err := json.Marshal(data)
		if err == nil {
			a.Data = raw
			break
		}
	}
	return a
}

func partsText(parts []protocol.Part) string {
	var sb strings.Builder
	for _, p := range parts {
		switch tp := p.(type) {
		case *protocol.TextPart:
			sb.WriteString(tp.Text)
		case protocol.TextPart:
			sb.WriteString(tp.Text)
		}
	}
	return sb.String()
}

var _ Driver = (*A2ADriver)(nil)
