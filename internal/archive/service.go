// Package archive stores the final summary and results of completed runs in
// object storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/flexinfer/mentatlab/services/taskgraph-go/pkg/types"
)

// ObjectRef points at an archived object.
type ObjectRef struct {
	// URI is the full object path (e.g., "s3://bucket/runs/<id>/summary.json")
	URI string `json:"uri"`

	ContentType string    `json:"content_type,omitempty"`
	Size        int64     `json:"size,omitempty"`
	Checksum    string    `json:"checksum,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
}

// Backend defines the storage backend interface.
type Backend interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) (*ObjectRef, error)
	Get(ctx context.Context, ref *ObjectRef) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]*ObjectRef, error)
	PresignGet(ctx context.Context, ref *ObjectRef, expiry time.Duration) (string, error)
}

// Record is what gets archived for a finished run.
type Record struct {
	RunID       string         `json:"run_id"`
	ContextID   string         `json:"context_id"`
	Summary     string         `json:"summary"`
	Results     []types.Result `json:"results"`
	History     []string       `json:"history,omitempty"`
	CompletedAt time.Time      `json:"completed_at"`
}

// Config holds archive configuration.
type Config struct {
	// Backend type: "none", "memory", "s3", "minio"
	Type string

	// S3/MinIO configuration
	Endpoint        string
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool

	// Path prefix for all objects
	PathPrefix string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Type:       "none",
		PathPrefix: "taskgraph",
	}
}

// Service archives run records.
type Service struct {
	backend Backend
}

// New creates an archive service. It returns nil, nil when archiving is
// disabled.
func New(cfg *Config) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var backend Backend
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "memory":
		backend = NewMemoryBackend()
	case "s3", "minio":
		b, err := NewS3Backend(&S3Config{
			Endpoint:        cfg.Endpoint,
			Bucket:          cfg.Bucket,
			Region:          cfg.Region,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			UseSSL:          cfg.UseSSL,
			PathPrefix:      cfg.PathPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("create s3 backend: %w", err)
		}
		backend = b
	default:
		return nil, fmt.Errorf("unknown archive type: %s", cfg.Type)
	}
	return NewService(backend), nil
}

// NewService creates a service over backend.
func NewService(backend Backend) *Service {
	return &Service{backend: backend}
}

func runPrefix(runID string) string { return fmt.Sprintf("runs/%s/", runID) }

// Store writes the record as runs/<run id>/record.json.
func (s *Service) Store(ctx context.Context, rec *Record) (*ObjectRef, error) {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	return s.backend.Put(ctx, runPrefix(rec.RunID)+"record.json", bytes.NewReader(data), "application/json")
}

// Load reads back the record for runID.
func (s *Service) Load(ctx context.Context, ref *ObjectRef) (*Record, error) {
	rc, err := s.backend.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var rec Record
	if err := json.NewDecoder(rc).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &rec, nil
}

// ListRun lists archived objects for a run.
func (s *Service) ListRun(ctx context.Context, runID string) ([]*ObjectRef, error) {
	return s.backend.List(ctx, runPrefix(runID))
}

// DownloadURL generates a download URL for an archived object.
func (s *Service) DownloadURL(ctx context.Context, ref *ObjectRef, expiry time.Duration) (string, error) {
	return s.backend.PresignGet(ctx, ref, expiry)
}
