// Package driver carries out node work on registered agents: remote A2A
// agents, local subprocesses and Kubernetes Jobs.
package driver

import (
	"context"
	"errors"
	"iter"
	"maps"
	"strings"

	"github.com/flexinfer/mentatlab/services/taskgraph-go/internal/registry"
	"github.com/flexinfer/mentatlab/services/taskgraph-go/pkg/types"
)

// Common driver errors.
var (
	ErrUnsupportedRuntime = errors.New("unsupported agent runtime")
	ErrAgentExited        = errors.New("agent exited with failure")
	ErrUnknownResult      = errors.New("unknown a2a result")
)

// Driver executes one node on a resolved agent. Implementations must stop
// the underlying work when the consumer abandons the sequence.
type Driver interface {
	Execute(ctx context.Context, agent *registry.Agent, req *types.WorkRequest) iter.Seq2[types.WorkEvent, error]
}

// EventEmitter receives agent output that is not part of the work stream,
// such as log lines.
type EventEmitter interface {
	EmitEvent(ctx context.Context, runID string, input *types.EventInput) error
}

// agentEnv returns the environment handed to local and containerized agents.
func agentEnv(agent *registry.Agent, req *types.WorkRequest) map[string]string {
	env := maps.Clone(agent.Env)
	if env == nil {
		env = make(map[string]string)
	}
	env["TASKGRAPH_RUN_ID"] = req.RunID
	env["TASKGRAPH_NODE_ID"] = req.NodeID
	env["TASKGRAPH_NODE_KEY"] = req.Key
	env["TASKGRAPH_TASK"] = req.Task
	env["TASKGRAPH_QUERY"] = req.Query
	env["TASKGRAPH_TASK_ID"] = req.TaskID
	env["TASKGRAPH_CONTEXT_ID"] = req.ContextID
	env["TASKGRAPH_AGENT_ID"] = agent.ID
	return env
}

// lineDecoder turns agent output lines into work events and forwards
// everything else to the emitter.
type lineDecoder struct {
	emitter EventEmitter
	req     *types.WorkRequest
}

func (d *lineDecoder) decode(ctx context.Context, line string, stderr bool) types.WorkEvent {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !stderr {
		ev, input, err := types.ParseNDJSON([]byte(line))
		if err == nil && ev != nil {
			return ev
		}
		if err == nil {
			d.emit(ctx, input)
			return nil
		}
	}

	level := types.LogLevelInfo
	if stderr {
		level = types.LogLevelError
	}
	d.emit(ctx, &types.EventInput{
		Type: types.EventTypeLog,
		Data: types.LogEvent{Level: level, Message: line},
	})
	return nil
}

func (d *lineDecoder) emit(ctx context.Context, input *types.EventInput) {
	if d.emitter == nil || input == nil {
		return
	}
	input.NodeID = d.req.NodeID
	// log delivery is best effort
	_ = d.emitter.EmitEvent(ctx, d.req.RunID, input)
}
