// Package blobstore archives generated documents such as report PDFs.
// It defines the BlobStore interface, an in-memory implementation suitable
// for testing and development, and an S3-backed implementation.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrBlobNotFound = errors.New("blob not found")
	ErrFileTooLarge = errors.New("file exceeds maximum allowed size")
	ErrMissingKey   = errors.New("object key is required")
)

// MaxFileSize is the maximum allowed blob size in bytes (100 MB).
const MaxFileSize = 100 * 1024 * 1024

// ---------------------------------------------------------------------------
// Domain types
// ---------------------------------------------------------------------------

// BlobMetadata describes a stored blob.
type BlobMetadata struct {
	Key         string            `json:"key"`
	ContentType string            `json:"content_type"`
	Size        int64             `json:"size"`
	Hash        string            `json:"hash"`
	CreatedAt   time.Time         `json:"created_at"`
	Tags        map[string]string `json:"tags,omitempty"`
}

// BlobStore defines the contract for blob storage backends.
type BlobStore interface {
	Put(ctx context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error)
	Get(ctx context.Context, key string) (io.ReadCloser, *BlobMetadata, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]*BlobMetadata, error)
}

// readContent buffers content up to MaxFileSize and fills in size and hash.
func readContent(meta *BlobMetadata, content io.Reader) ([]byte, error) {
	if strings.TrimSpace(meta.Key) == "" {
		return nil, ErrMissingKey
	}
	data, err := io.ReadAll(io.LimitReader(content, MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > MaxFileSize {
		return nil, ErrFileTooLarge
	}
	meta.Size = int64(len(data))
	meta.Hash = fmt.Sprintf("%x", sha256.Sum256(data))
	return data, nil
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

type storedBlob struct {
	metadata BlobMetadata
	content  []byte
}

// InMemoryBlobStore is a thread-safe, in-memory BlobStore for testing/dev.
type InMemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string]*storedBlob
}

func NewInMemoryBlobStore() *InMemoryBlobStore {
	return &InMemoryBlobStore{blobs: make(map[string]*storedBlob)}
}

// Put stores content under meta.Key, replacing any existing blob.
func (s *InMemoryBlobStore) Put(_ context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error) {
	data, err := readContent(&meta, content)
	if err != nil {
		return nil, err
	}
	meta.CreatedAt = time.Now().UTC()

	s.mu.Lock()
	s.blobs[meta.Key] = &storedBlob{metadata: meta, content: data}
	s.mu.Unlock()

	out := meta
	return &out, nil
}

func (s *InMemoryBlobStore) Get(_ context.Context, key string) (io.ReadCloser, *BlobMetadata, error) {
	s.mu.RLock()
	blob, ok := s.blobs[key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, ErrBlobNotFound
	}
	meta := blob.metadata
	return io.NopCloser(bytes.NewReader(blob.content)), &meta, nil
}

func (s *InMemoryBlobStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[key]; !ok {
		return ErrBlobNotFound
	}
	delete(s.blobs, key)
	return nil
}

// List returns the blobs whose key starts with prefix, ordered by key.
func (s *InMemoryBlobStore) List(_ context.Context, prefix string) ([]*BlobMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*BlobMetadata
	for key, blob := range s.blobs {
		if strings.HasPrefix(key, prefix) {
			meta := blob.metadata
			out = append(out, &meta)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Len returns the number of stored blobs.
func (s *InMemoryBlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
