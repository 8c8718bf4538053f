package driver

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/flexinfer/mentatlab/services/taskgraph-go/internal/k8s"
	"github.com/flexinfer/mentatlab/services/taskgraph-go/internal/registry"
	"github.com/flexinfer/mentatlab/services/taskgraph-go/pkg/types"
)

// K8sDriver executes nodes as Kubernetes Jobs and reads work events from
// the agent container's log.
type K8sDriver struct {
	client     *k8s.Client
	jobBuilder *k8s.JobBuilder
	emitter    EventEmitter
	timeout    time.Duration
	logger     *slog.Logger
}

// K8sDriverConfig holds configuration for the K8s driver.
type K8sDriverConfig struct {
	// K8s client configuration
	K8sConfig *k8s.Config

	// Job configuration
	JobConfig *k8s.JobConfig

	// Timeout bounds each job; zero keeps the job config deadline
	Timeout time.Duration
}

// NewK8sDriver creates a new K8s driver.
func NewK8sDriver(emitter EventEmitter, cfg *K8sDriverConfig, logger *slog.Logger) (*K8sDriver, error) {
	if cfg == nil {
		cfg = &K8sDriverConfig{}
	}

	client, err := k8s.NewClient(cfg.K8sConfig)
	if err != nil {
		return nil, fmt.Errorf("create k8s client: %w", err)
	}
	return NewK8sDriverFromClient(client, emitter, cfg, logger), nil
}

// NewK8sDriverFromClient creates a driver around an existing client.
func NewK8sDriverFromClient(client *k8s.Client, emitter EventEmitter, cfg *K8sDriverConfig, logger *slog.Logger) *K8sDriver {
	if cfg == nil {
		cfg = &K8sDriverConfig{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	jobCfg := cfg.JobConfig
	if jobCfg == nil {
		jobCfg = k8s.DefaultJobConfig()
	}
	jobCfg.Namespace = client.Namespace()

	return &K8sDriver{
		client:     client,
		jobBuilder: k8s.NewJobBuilder(jobCfg),
		emitter:    emitter,
		timeout:    cfg.Timeout,
		logger:     logger,
	}
}

// Execute creates a Job for the node and yields the events its container
// prints. The Job is deleted if the consumer stops before it finishes.
func (d *K8sDriver) Execute(ctx context.Context, agent *registry.Agent, req *types.WorkRequest) iter.Seq2[types.WorkEvent, error] {
	return func(yield func(types.WorkEvent, error) bool) {
		job, err := d.jobBuilder.BuildJob(&k8s.NodeJob{
			RunID:     req.RunID,
			NodeID:    req.NodeID,
			AgentID:   agent.ID,
			Image:     agent.Image,
			Command:   agent.Command,
			Env:       agentEnv(agent, req),
			Resources: agent.Resources,
			Timeout:   d.timeout,
		})
		if err != nil {
			yield(nil, fmt.Errorf("build job: %w", err))
			return
		}

		created, err := d.client.CreateJob(ctx, job)
		if err != nil {
			yield(nil, fmt.Errorf("create job: %w", err))
			return
		}
		jobName := created.Name
		d.logger.Info("created node job",
			slog.String("job", jobName),
			slog.String("run_id", req.RunID),
			slog.String("node_id", req.NodeID),
			slog.String("agent_id", agent.ID))

		finished := false
		defer func() {
			if finished {
				return
			}
			// ctx may already be cancelled
			if err := d.client.DeleteJob(context.Background(), jobName); err != nil {
				d.logger.Warn("failed to delete abandoned job",
					slog.String("job", jobName),
					slog.Any("error", err))
			}
		}()

		dec := &lineDecoder{emitter: d.emitter, req: req}
		for line, err := range d.client.Follow(ctx, jobName) {
			if err != nil {
				finished = ctx.Err() == nil
				yield(nil, fmt.Errorf("job %s: %w", jobName, err))
				return
			}
			ev := dec.decode(ctx, line, false)
			if ev == nil {
				continue
			}
			if !yield(ev, nil) {
				return
			}
		}
		finished = true
	}
}

var _ Driver = (*K8sDriver)(nil)
