// Package k8s runs agent nodes as Kubernetes Jobs and follows their output.
package k8s

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	typedbatchv1 "k8s.io/client-go/kubernetes/typed/batch/v1"
	typedcorev1 "k8s.io/client-go/kubernetes/typed/core/v1"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const defaultNamespace = "taskgraph"

// Config selects the cluster and namespace agent jobs run in.
type Config struct {
	InCluster  bool
	Kubeconfig string // ignored when InCluster
	Namespace  string
}

// DefaultConfig uses $KUBECONFIG or ~/.kube/config.
func DefaultConfig() *Config {
	kubeconfig := os.Getenv("KUBECONFIG")
	if kubeconfig == "" {
		if home, _ := os.UserHomeDir(); home != "" {
			kubeconfig = filepath.Join(home, ".kube", "config")
		}
	}
	return &Config{Kubeconfig: kubeconfig, Namespace: defaultNamespace}
}

// Client is a clientset bound to the namespace node jobs live in.
type Client struct {
	clientset kubernetes.Interface
	namespace string
}

// NewClient connects to the cluster described by cfg.
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	rc, err := restConfig(cfg)
	if err != nil {
		return nil, err
	}
	cs, err := kubernetes.NewForConfig(rc)
	if err != nil {
		return nil, fmt.Errorf("create clientset: %w", err)
	}
	return NewClientFromClientset(cs, cfg.Namespace), nil
}

func restConfig(cfg *Config) (*rest.Config, error) {
	if cfg.InCluster {
		rc, err := rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("in-cluster config: %w", err)
		}
		return rc, nil
	}
	rc, err := clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("load kubeconfig %q: %w", cfg.Kubeconfig, err)
	}
	return rc, nil
}

// NewClientFromClientset wraps cs; tests pass a fake clientset.
func NewClientFromClientset(cs kubernetes.Interface, namespace string) *Client {
	if namespace == "" {
		namespace = defaultNamespace
	}
	return &Client{clientset: cs, namespace: namespace}
}

// Namespace returns the namespace node jobs are created in.
func (c *Client) Namespace() string { return c.namespace }

func (c *Client) jobs() typedbatchv1.JobInterface { return c.clientset.BatchV1().Jobs(c.namespace) }
func (c *Client) pods() typedcorev1.PodInterface  { return c.clientset.CoreV1().Pods(c.namespace) }

// CreateJob submits a node job.
func (c *Client) CreateJob(ctx context.Context, job *batchv1.Job) (*batchv1.Job, error) {
	return c.jobs().Create(ctx, job, metav1.CreateOptions{})
}

// GetJob fetches a node job by name.
func (c *Client) GetJob(ctx context.Context, name string) (*batchv1.Job, error) {
	return c.jobs().Get(ctx, name, metav1.GetOptions{})
}

// DeleteJob removes a node job. Its pods are collected in the background.
func (c *Client) DeleteJob(ctx context.Context, name string) error {
	policy := metav1.DeletePropagationBackground
	return c.jobs().Delete(ctx, name, metav1.DeleteOptions{PropagationPolicy: &policy})
}

// ListPods lists pods matching selector.
func (c *Client) ListPods(ctx context.Context, selector string) (*corev1.PodList, error) {
	return c.pods().List(ctx, metav1.ListOptions{LabelSelector: selector})
}

// GetPod fetches a pod by name.
func (c *Client) GetPod(ctx context.Context, name string) (*corev1.Pod, error) {
	return c.pods().Get(ctx, name, metav1.GetOptions{})
}

// StreamLogs follows the agent container's output, which carries the
// node's NDJSON work events.
func (c *Client) StreamLogs(ctx context.Context, podName string) (io.ReadCloser, error) {
	return c.pods().GetLogs(podName, &corev1.PodLogOptions{
		Container: containerName,
		Follow:    true,
	}).Stream(ctx)
}
