package storage

import (
	"context"
	"net/http"
	"strings"
	"sync"
)

// Object is one stored blob of the in-memory store.
type Object struct {
	Data        []byte
	ContentType string
}

// Memory keeps objects in process memory. It backs local development and
// tests.
type Memory struct {
	bucket    string
	publicURL string
	download  *http.Client

	mu      sync.RWMutex
	objects map[string]Object
}

var _ Storage = (*Memory)(nil)

// NewMemory creates an in-memory store. publicURL prefixes returned URLs.
func NewMemory(bucket, publicURL string) *Memory {
	if bucket == "" {
		bucket = "assets"
	}
	if publicURL == "" {
		publicURL = "memory://" + bucket
	}
	return &Memory{
		bucket:    bucket,
		publicURL: strings.TrimRight(publicURL, "/"),
		download:  newDownloadClient(),
		objects:   make(map[string]Object),
	}
}

func (m *Memory) UploadBuffer(ctx context.Context, data []byte, opts UploadOptions) (*UploadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts = resolveContentType(opts, data)
	bucket := opts.Bucket
	if bucket == "" {
		bucket = m.bucket
	}
	key := objectKey(opts)

	m.mu.Lock()
	m.objects[bucket+"/"+key] = Object{Data: append([]byte(nil), data...), ContentType: opts.ContentType}
	m.mu.Unlock()

	return &UploadResult{
		Path:      key,
		PublicURL: m.publicURL + "/" + key,
		Size:      int64(len(data)),
	}, nil
}

func (m *Memory) UploadBase64(ctx context.Context, data string, opts UploadOptions) (*UploadResult, error) {
	return uploadBase64(ctx, m, data, opts)
}

func (m *Memory) UploadFromURL(ctx context.Context, url string, opts UploadOptions) (*UploadResult, error) {
	return uploadFromURL(ctx, m, m.download, url, opts)
}

// Get returns the object stored at key in the default bucket.
func (m *Memory) Get(key string) (Object, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[m.bucket+"/"+key]
	return obj, ok
}

// Len returns the number of stored objects.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
