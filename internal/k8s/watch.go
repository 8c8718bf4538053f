package k8s

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
)

// ErrJobFailed is returned when a Job ends in the failed phase.
var ErrJobFailed = errors.New("job failed")

// PollInterval is how often pod and job state is polled.
var PollInterval = time.Second

// Follow streams the agent container's log lines for jobName and, once the
// log stream ends, waits for the Job to reach a terminal phase. A failed Job
// is reported as the final error. Abandoning the sequence early stops the
// log stream but leaves the Job in place.
func (c *Client) Follow(ctx context.Context, jobName string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		podName, err := c.waitForPod(ctx, jobName)
		if err != nil {
			yield("", err)
			return
		}
		if err := c.waitForContainer(ctx, podName); err != nil {
			yield("", err)
			return
		}

		stream, err := c.StreamLogs(ctx, podName)
		if err != nil {
			yield("", fmt.Errorf("get log stream: %w", err))
			return
		}
		defer stream.Close()

		scanner := bufio.NewScanner(stream)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			if !yield(line, nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			yield("", fmt.Errorf("read logs: %w", err))
			return
		}

		phase, reason, err := c.WaitForJob(ctx, jobName)
		if err != nil {
			yield("", err)
			return
		}
		if phase == JobFailed {
			yield("", fmt.Errorf("%w: %s %s", ErrJobFailed, jobName, reason))
		}
	}
}

// WaitForJob watches the Job until it succeeds or fails.
func (c *Client) WaitForJob(ctx context.Context, jobName string) (JobPhase, string, error) {
	job, err := c.GetJob(ctx, jobName)
	if err != nil {
		return "", "", fmt.Errorf("get job: %w", err)
	}
	if phase, reason := GetJobPhase(job); phase.Done() {
		return phase, reason, nil
	}

	watcher, err := c.jobs().Watch(ctx, metav1.ListOptions{
		FieldSelector:   fmt.Sprintf("metadata.name=%s", jobName),
		ResourceVersion: job.ResourceVersion,
	})
	if err != nil {
		return "", "", fmt.Errorf("watch job: %w", err)
	}
	defer watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", "", ctx.Err()
		case event, ok := <-watcher.ResultChan():
			if !ok {
				return "", "", fmt.Errorf("watch job %s: channel closed", jobName)
			}
			if event.Type == watch.Error {
				continue
			}
			job, ok := event.Object.(*batchv1.Job)
			if !ok {
				continue
			}
			if phase, reason := GetJobPhase(job); phase.Done() {
				return phase, reason, nil
			}
		}
	}
}

// waitForPod waits for a pod to be created for the job.
func (c *Client) waitForPod(ctx context.Context, jobName string) (string, error) {
	selector := fmt.Sprintf("job-name=%s", jobName)
	for {
		pods, err := c.ListPods(ctx, selector)
		if err == nil && len(pods.Items) > 0 {
			return pods.Items[0].Name, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(PollInterval):
		}
	}
}

// waitForContainer waits for the agent container to start or finish.
func (c *Client) waitForContainer(ctx context.Context, podName string) error {
	for {
		pod, err := c.GetPod(ctx, podName)
		if err == nil {
			for _, cs := range pod.Status.ContainerStatuses {
				if cs.Name == containerName && (cs.State.Running != nil || cs.State.Terminated != nil) {
					return nil
				}
			}
			switch pod.Status.Phase {
			case corev1.PodRunning, corev1.PodSucceeded, corev1.PodFailed:
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(PollInterval):
		}
	}
}
