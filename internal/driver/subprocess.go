package driver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/flexinfer/mentatlab/services/taskgraph-go/internal/registry"
	"github.com/flexinfer/mentatlab/services/taskgraph-go/pkg/types"
)

// SubprocessDriver runs agents as local subprocesses. Stdout is read as
// NDJSON work events; stderr and non-event lines become log events.
type SubprocessDriver struct {
	emitter        EventEmitter
	envPassthrough map[string]string
	cwd            string
}

// SubprocessConfig holds configuration for the subprocess driver.
type SubprocessConfig struct {
	// EnvPassthrough contains environment variables to pass to all subprocesses
	EnvPassthrough map[string]string

	// CWD is the working directory for subprocesses (empty = inherit)
	CWD string
}

// NewSubprocessDriver creates a new subprocess driver.
func NewSubprocessDriver(emitter EventEmitter, cfg *SubprocessConfig) *SubprocessDriver {
	if cfg == nil {
		cfg = &SubprocessConfig{}
	}
	return &SubprocessDriver{
		emitter:        emitter,
		envPassthrough: cfg.EnvPassthrough,
		cwd:            cfg.CWD,
	}
}

// Execute starts the agent command and yields the events it prints. The
// process is killed when the consumer stops early. A non-zero exit is
// reported as ErrAgentExited after all printed events.
func (d *SubprocessDriver) Execute(ctx context.Context, agent *registry.Agent, req *types.WorkRequest) iter.Seq2[types.WorkEvent, error] {
	return func(yield func(types.WorkEvent, error) bool) {
		if len(agent.Command) == 0 {
			yield(nil, fmt.Errorf("agent %s: empty command", agent.ID))
			return
		}

		execCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		c := exec.CommandContext(execCtx, agent.Command[0], agent.Command[1:]...)
		c.Env = os.Environ()
		for k, v := range d.envPassthrough {
			c.Env = append(c.Env, k+"="+v)
		}
		for k, v := range agentEnv(agent, req) {
			c.Env = append(c.Env, k+"="+v)
		}
		if d.cwd != "" {
			c.Dir = d.cwd
		}
		c.WaitDelay = 2 * time.Second

		stdout, err := c.StdoutPipe()
		if err != nil {
			yield(nil, fmt.Errorf("stdout pipe: %w", err))
			return
		}
		stderr, err := c.StderrPipe()
		if err != nil {
			yield(nil, fmt.Errorf("stderr pipe: %w", err))
			return
		}
		if err := c.Start(); err != nil {
			yield(nil, fmt.Errorf("start agent %s: %w", agent.ID, err))
			return
		}

		dec := &lineDecoder{emitter: d.emitter, req: req}

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			scanner := bufio.NewScanner(stderr)
			scanner.Buffer(make([]byte, 64*1024), 1024*1024)
			for scanner.Scan() {
				dec.decode(ctx, scanner.Text(), true)
			}
		}()

		stopped := false
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			ev := dec.decode(ctx, scanner.Text(), false)
			if ev == nil {
				continue
			}
			if !yield(ev, nil) {
				stopped = true
				break
			}
		}

		if stopped {
			cancel()
		}
		wg.Wait()
		waitErr := c.Wait()
		if stopped {
			return
		}

		if waitErr != nil {
			var exitErr *exec.ExitError
			switch {
			case ctx.Err() != nil:
				yield(nil, fmt.Errorf("agent %s: %w", agent.ID, ctx.Err()))
			case errors.As(waitErr, &exitErr):
				yield(nil, fmt.Errorf("%w: %s exit code %d", ErrAgentExited, agent.ID, exitErr.ExitCode()))
			default:
				yield(nil, fmt.Errorf("wait agent %s: %w", agent.ID, waitErr))
			}
		}
	}
}

var _ Driver = (*SubprocessDriver)(nil)
