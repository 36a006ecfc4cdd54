package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/dharsanguruparan/ConvertDrop/internal/signing"
)

// Object is a stored blob with its metadata.
type Object struct {
	Data        []byte
	ContentType string
	UpdatedAt   time.Time
}

// MemoryStore keeps objects in process memory. Read links are HMAC-signed URLs
// pointing at the API's /download route.
type MemoryStore struct {
	mu      sync.RWMutex
	buckets map[string]map[string]Object
	signer  *signing.Signer
	baseURL string
}

// NewMemoryStore constructs a MemoryStore. signer may be nil when read links
// are never requested.
func NewMemoryStore(signer *signing.Signer, baseURL string) *MemoryStore {
	return &MemoryStore{
		buckets: make(map[string]map[string]Object),
		signer:  signer,
		baseURL: baseURL,
	}
}

// Upload stores the reader's content, replacing any previous object.
func (m *MemoryStore) Upload(ctx context.Context, bucket, name string, r io.Reader, size int64, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if size > 0 {
		buf.Grow(int(size))
	}
	if _, err := io.Copy(&buf, r); err != nil {
		return "", fmt.Errorf("read upload body: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	objects, ok := m.buckets[bucket]
	if !ok {
		objects = make(map[string]Object)
		m.buckets[bucket] = objects
	}
	objects[name] = Object{Data: buf.Bytes(), ContentType: contentType, UpdatedAt: time.Now().UTC()}
	return Locator(bucket, name), nil
}

// Download returns a copy of the object bytes.
func (m *MemoryStore) Download(ctx context.Context, bucket, name string) ([]byte, error) {
	obj, err := m.Get(ctx, bucket, name)
	if err != nil {
		return nil, err
	}
	return obj.Data, nil
}

// Get returns a copy of the object and its metadata.
func (m *MemoryStore) Get(ctx context.Context, bucket, name string) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.buckets[bucket][name]
	if !ok {
		return Object{}, fmt.Errorf("%s: %w", Locator(bucket, name), ErrNotFound)
	}
	obj.Data = append([]byte(nil), obj.Data...)
	return obj, nil
}

// Exists reports whether the object is present.
func (m *MemoryStore) Exists(ctx context.Context, bucket, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.buckets[bucket][name]
	return ok, nil
}

// Delete removes the object. Deleting a missing object is not an error.
func (m *MemoryStore) Delete(ctx context.Context, bucket, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buckets[bucket], name)
	return nil
}

// GenerateReadURL returns a signed /download link for an existing object.
func (m *MemoryStore) GenerateReadURL(ctx context.Context, bucket, name string, ttl time.Duration) (string, error) {
	if m.signer == nil {
		return "", fmt.Errorf("memory store has no signer configured")
	}
	ok, err := m.Exists(ctx, bucket, name)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%s: %w", Locator(bucket, name), ErrNotFound)
	}
	return m.signer.URL(m.baseURL, bucket, name, ttl), nil
}

// Names lists the object names held in bucket.
func (m *MemoryStore) Names(bucket string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.buckets[bucket]))
	for name := range m.buckets[bucket] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
