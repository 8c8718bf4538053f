package k8s

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func TestBuildJob(t *testing.T) {
	b := NewJobBuilder(nil)

	t.Run("requires image", func(t *testing.T) {
		if _, err := b.BuildJob(&NodeJob{RunID: "r", NodeID: "n"}); err == nil {
			t.Error("expected error for missing image")
		}
	})

	t.Run("builds hardened job", func(t *testing.T) {
		job, err := b.BuildJob(&NodeJob{
			RunID:     "5b1f0c2e-1111-2222-3333-444455556666",
			NodeID:    "9a8b7c6d-aaaa-bbbb-cccc-ddddeeeeffff",
			AgentID:   "travel.hotels",
			Image:     "agents/hotels:v1",
			Command:   []string{"python", "-m", "hotels"},
			Env:       map[string]string{"B": "2", "A": "1"},
			Resources: map[string]string{"memory": "512Mi"},
			Timeout:   90 * time.Second,
		})
		if err != nil {
			t.Fatalf("BuildJob failed: %v", err)
		}

		if len(job.Name) > 63 || strings.ToLower(job.Name) != job.Name {
			t.Errorf("invalid job name %q", job.Name)
		}
		if job.Labels["taskgraph.io/agent-id"] != "travel.hotels" {
			t.Errorf("missing agent label: %v", job.Labels)
		}
		if *job.Spec.BackoffLimit != 0 {
			t.Error("jobs must not retry")
		}
		if *job.Spec.ActiveDeadlineSeconds != 90 {
			t.Errorf("expected deadline 90, got %d", *job.Spec.ActiveDeadlineSeconds)
		}

		c := job.Spec.Template.Spec.Containers[0]
		if c.Command[0] != "python" || len(c.Args) != 2 {
			t.Errorf("unexpected command %v %v", c.Command, c.Args)
		}
		if c.Env[0].Name != "A" || c.Env[1].Name != "B" {
			t.Errorf("env should be sorted: %v", c.Env)
		}
		if got := c.Resources.Limits.Memory().String(); got != "512Mi" {
			t.Errorf("expected memory override, got %s", got)
		}
		if got := c.Resources.Limits.Cpu().String(); got != "2" {
			t.Errorf("expected default cpu, got %s", got)
		}
		if c.SecurityContext == nil || *c.SecurityContext.AllowPrivilegeEscalation {
			t.Error("expected hardened security context")
		}
	})

	t.Run("rejects bad quantity", func(t *testing.T) {
		_, err := b.BuildJob(&NodeJob{RunID: "r", NodeID: "n", Image: "x", Resources: map[string]string{"cpu": "lots"}})
		if err == nil {
			t.Error("expected quantity error")
		}
	})
}

func TestGetJobPhase(t *testing.T) {
	tests := []struct {
		name   string
		status batchv1.JobStatus
		want   JobPhase
	}{
		{"pending", batchv1.JobStatus{}, JobPending},
		{"running", batchv1.JobStatus{Active: 1}, JobRunning},
		{"succeeded", batchv1.JobStatus{Succeeded: 1}, JobSucceeded},
		{"failed count", batchv1.JobStatus{Failed: 1}, JobFailed},
		{"failed condition", batchv1.JobStatus{Active: 1, Conditions: []batchv1.JobCondition{
			{Type: batchv1.JobFailed, Status: corev1.ConditionTrue, Reason: "DeadlineExceeded"},
		}}, JobFailed},
		{"complete condition", batchv1.JobStatus{Conditions: []batchv1.JobCondition{
			{Type: batchv1.JobComplete, Status: corev1.ConditionTrue},
		}}, JobSucceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := GetJobPhase(&batchv1.Job{Status: tt.status})
			if got != tt.want {
				t.Errorf("GetJobPhase() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestFollow(t *testing.T) {
	PollInterval = 10 * time.Millisecond
	const ns, jobName = "taskgraph", "tg-run-node"

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: jobName, Namespace: ns},
		Status: batchv1.JobStatus{Conditions: []batchv1.JobCondition{
			{Type: batchv1.JobFailed, Status: corev1.ConditionTrue, Reason: "BackoffLimitExceeded"},
		}},
	}
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: jobName + "-abcde", Namespace: ns, Labels: map[string]string{"job-name": jobName}},
		Status:     corev1.PodStatus{Phase: corev1.PodFailed},
	}
	c := NewClientFromClientset(fake.NewSimpleClientset(job, pod), ns)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var lines []string
	var lastErr error
	for line, err := range c.Follow(ctx, jobName) {
		if err != nil {
			lastErr = err
			break
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		t.Error("expected log lines from the fake clientset")
	}
	if !errors.Is(lastErr, ErrJobFailed) {
		t.Errorf("expected ErrJobFailed, got %v", lastErr)
	}
}

func TestJobName(t *testing.T) {
	name := JobName("5B1F0C2E-1111-2222-3333-444455556666", "node_1.x")
	if name != strings.ToLower(name) || strings.ContainsAny(name, "_.") {
		t.Errorf("unsanitized job name %q", name)
	}
}
