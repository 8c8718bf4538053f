package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"
)

// ErrObjectNotFound is returned for unknown object references.
var ErrObjectNotFound = errors.New("object not found")

const memoryScheme = "memory://"

type memoryObject struct {
	ref  ObjectRef
	data []byte
}

// MemoryBackend keeps archive objects in memory. Used for development and tests.
type MemoryBackend struct {
	mu      sync.RWMutex
	objects map[string]*memoryObject
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{objects: make(map[string]*memoryObject)}
}

func (b *MemoryBackend) Put(ctx context.Context, path string, data io.Reader, contentType string) (*ObjectRef, error) {
	content, err := io.ReadAll(data)
	if err != nil {
		return nil, fmt.Errorf("read data: %w", err)
	}
	hash := sha256.Sum256(content)

	ref := ObjectRef{
		URI:         memoryScheme + path,
		ContentType: contentType,
		Size:        int64(len(content)),
		Checksum:    hex.EncodeToString(hash[:]),
		CreatedAt:   time.Now().UTC(),
	}

	b.mu.Lock()
	b.objects[path] = &memoryObject{ref: ref, data: content}
	b.mu.Unlock()

	out := ref
	return &out, nil
}

func (b *MemoryBackend) Get(ctx context.Context, ref *ObjectRef) (io.ReadCloser, error) {
	b.mu.RLock()
	obj, ok := b.objects[strings.TrimPrefix(ref.URI, memoryScheme)]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, ref.URI)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (b *MemoryBackend) List(ctx context.Context, prefix string) ([]*ObjectRef, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var refs []*ObjectRef
	for path, obj := range b.objects {
		if strings.HasPrefix(path, prefix) {
			ref := obj.ref
			refs = append(refs, &ref)
		}
	}
	slices.SortFunc(refs, func(a, b *ObjectRef) int { return strings.Compare(a.URI, b.URI) })
	return refs, nil
}

// PresignGet returns the object URI; memory objects have no download URL.
func (b *MemoryBackend) PresignGet(ctx context.Context, ref *ObjectRef, expiry time.Duration) (string, error) {
	return ref.URI, nil
}

var _ Backend = (*MemoryBackend)(nil)
