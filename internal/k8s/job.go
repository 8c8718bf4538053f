package k8s

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const containerName = "agent"

// JobConfig holds configuration for Job creation.
type JobConfig struct {
	// Namespace for the job
	Namespace string

	// ServiceAccountName for the pod
	ServiceAccountName string

	// ImagePullSecrets for private registries
	ImagePullSecrets []string

	// Default resource limits
	DefaultCPULimit    string
	DefaultMemoryLimit string
	DefaultCPURequest  string
	DefaultMemRequest  string

	// ActiveDeadlineSeconds for job timeout
	ActiveDeadlineSeconds *int64

	// TTLSecondsAfterFinished for cleanup
	TTLSecondsAfterFinished *int32
}

// DefaultJobConfig returns sensible defaults.
func DefaultJobConfig() *JobConfig {
	ttl := int32(3600)
	deadline := int64(3600)

	return &JobConfig{
		Namespace:               "taskgraph",
		ServiceAccountName:      "default",
		DefaultCPULimit:         "2",
		DefaultMemoryLimit:      "2Gi",
		DefaultCPURequest:       "100m",
		DefaultMemRequest:       "128Mi",
		ActiveDeadlineSeconds:   &deadline,
		TTLSecondsAfterFinished: &ttl,
	}
}

// NodeJob describes one node execution to run as a Job.
type NodeJob struct {
	RunID   string
	NodeID  string
	AgentID string
	Image   string
	Command []string
	Env     map[string]string

	// Resources may set cpu, memory, cpu_request and memory_request
	Resources map[string]string
	Timeout   time.Duration
}

// JobBuilder creates Kubernetes Jobs for node executions.
type JobBuilder struct {
	config *JobConfig
}

// NewJobBuilder creates a new JobBuilder.
func NewJobBuilder(cfg *JobConfig) *JobBuilder {
	if cfg == nil {
		cfg = DefaultJobConfig()
	}
	return &JobBuilder{config: cfg}
}

// JobName returns the deterministic job name for a node execution.
func JobName(runID, nodeID string) string {
	return sanitizeK8sName(fmt.Sprintf("tg-%s-%s", short(runID), short(nodeID)))
}

// BuildJob creates a K8s Job for a node. Jobs never retry; a failed node is
// reported back to the walk instead.
func (b *JobBuilder) BuildJob(spec *NodeJob) (*batchv1.Job, error) {
	if spec.Image == "" {
		return nil, fmt.Errorf("node %s has no image specified", spec.NodeID)
	}

	labels := map[string]string{
		"app.kubernetes.io/name":       "taskgraph-agent",
		"app.kubernetes.io/component":  "agent",
		"app.kubernetes.io/managed-by": "taskgraph",
		"taskgraph.io/run-id":          sanitizeK8sLabel(spec.RunID),
		"taskgraph.io/node-id":         sanitizeK8sLabel(spec.NodeID),
	}
	if spec.AgentID != "" {
		labels["taskgraph.io/agent-id"] = sanitizeK8sLabel(spec.AgentID)
	}

	// sorted for a stable pod spec
	envVars := make([]corev1.EnvVar, 0, len(spec.Env))
	for _, k := range slices.Sorted(maps.Keys(spec.Env)) {
		envVars = append(envVars, corev1.EnvVar{Name: k, Value: spec.Env[k]})
	}

	var command, args []string
	if len(spec.Command) > 0 {
		command = []string{spec.Command[0]}
		args = spec.Command[1:]
	}

	resources, err := b.resources(spec.Resources)
	if err != nil {
		return nil, err
	}

	container := corev1.Container{
		Name:            containerName,
		Image:           spec.Image,
		Command:         command,
		Args:            args,
		Env:             envVars,
		Resources:       resources,
		ImagePullPolicy: corev1.PullIfNotPresent,
		SecurityContext: &corev1.SecurityContext{
			AllowPrivilegeEscalation: ptr(false),
			ReadOnlyRootFilesystem:   ptr(true),
			RunAsNonRoot:             ptr(true),
			RunAsUser:                ptr(int64(1000)),
			Capabilities: &corev1.Capabilities{
				Drop: []corev1.Capability{"ALL"},
			},
		},
	}

	podSpec := corev1.PodSpec{
		Containers:         []corev1.Container{container},
		RestartPolicy:      corev1.RestartPolicyNever,
		ServiceAccountName: b.config.ServiceAccountName,
		SecurityContext: &corev1.PodSecurityContext{
			RunAsNonRoot: ptr(true),
			RunAsUser:    ptr(int64(1000)),
			FSGroup:      ptr(int64(1000)),
		},
	}
	for _, secret := range b.config.ImagePullSecrets {
		podSpec.ImagePullSecrets = append(podSpec.ImagePullSecrets, corev1.LocalObjectReference{Name: secret})
	}

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      JobName(spec.RunID, spec.NodeID),
			Namespace: b.config.Namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec:       podSpec,
			},
			BackoffLimit:            ptr(int32(0)),
			ActiveDeadlineSeconds:   b.config.ActiveDeadlineSeconds,
			TTLSecondsAfterFinished: b.config.TTLSecondsAfterFinished,
		},
	}
	if spec.Timeout > 0 {
		job.Spec.ActiveDeadlineSeconds = ptr(int64(spec.Timeout.Seconds()))
	}

	return job, nil
}

func (b *JobBuilder) resources(overrides map[string]string) (corev1.ResourceRequirements, error) {
	pick := func(key, def string) (resource.Quantity, error) {
		v := def
		if o, ok := overrides[key]; ok && o != "" {
			v = o
		}
		q, err := resource.ParseQuantity(v)
		if err != nil {
			return q, fmt.Errorf("resource %s=%q: %w", key, v, err)
		}
		return q, nil
	}

	cpu, err := pick("cpu", b.config.DefaultCPULimit)
	if err != nil {
		return corev1.ResourceRequirements{}, err
	}
	mem, err := pick("memory", b.config.DefaultMemoryLimit)
	if err != nil {
		return corev1.ResourceRequirements{}, err
	}
	cpuReq, err := pick("cpu_request", b.config.DefaultCPURequest)
	if err != nil {
		return corev1.ResourceRequirements{}, err
	}
	memReq, err := pick("memory_request", b.config.DefaultMemRequest)
	if err != nil {
		return corev1.ResourceRequirements{}, err
	}

	return corev1.ResourceRequirements{
		Limits:   corev1.ResourceList{corev1.ResourceCPU: cpu, corev1.ResourceMemory: mem},
		Requests: corev1.ResourceList{corev1.ResourceCPU: cpuReq, corev1.ResourceMemory: memReq},
	}, nil
}

// JobPhase is the coarse state of a Job.
type JobPhase string

const (
	JobPending   JobPhase = "pending"
	JobRunning   JobPhase = "running"
	JobSucceeded JobPhase = "succeeded"
	JobFailed    JobPhase = "failed"
)

// Done reports whether the phase is terminal.
func (p JobPhase) Done() bool { return p == JobSucceeded || p == JobFailed }

// GetJobPhase derives the phase of a Job from its status and conditions.
func GetJobPhase(job *batchv1.Job) (JobPhase, string) {
	for _, cond := range job.Status.Conditions {
		if cond.Status != corev1.ConditionTrue {
			continue
		}
		switch cond.Type {
		case batchv1.JobComplete:
			return JobSucceeded, ""
		case batchv1.JobFailed:
			return JobFailed, cond.Reason
		}
	}

	switch {
	case job.Status.Succeeded > 0:
		return JobSucceeded, ""
	case job.Status.Failed > 0:
		return JobFailed, ""
	case job.Status.Active > 0:
		return JobRunning, ""
	default:
		return JobPending, ""
	}
}

func short(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func sanitizeK8sName(name string) string {
	// lowercase alphanumerics and '-', at most 63 chars
	name = strings.ToLower(name)
	var result strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			result.WriteRune(r)
		} else if r == '_' || r == '.' {
			result.WriteRune('-')
		}
	}
	s := strings.Trim(result.String(), "-")
	if len(s) > 63 {
		s = strings.TrimRight(s[:63], "-")
	}
	return s
}

func sanitizeK8sLabel(value string) string {
	var result strings.Builder
	for _, r := range value {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
			r == '-' || r == '_' || r == '.' {
			result.WriteRune(r)
		}
	}
	s := result.String()
	if len(s) > 63 {
		s = s[:63]
	}
	return s
}

func ptr[T any](v T) *T {
	return &v
}
