// Package blobstore reads referral documents that clients have already
// uploaded to object storage, and validates upload descriptors before a
// document record is created.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"
	"sync"
	"unicode/utf8"
)

var (
	ErrBlobNotFound       = errors.New("blob not found")
	ErrFileTooLarge       = errors.New("file exceeds maximum allowed size")
	ErrEmptyFile          = errors.New("file is empty")
	ErrInvalidContentType = errors.New("content type is not allowed")
	ErrMissingFileName    = errors.New("file name is required")
	ErrMissingStorageKey  = errors.New("storage key is required")
	ErrNameTooLong        = errors.New("name is too long")
)

// Column widths of referral_document.
const (
	MaxFileNameLen   = 512
	MaxStorageKeyLen = 1024
)

// AllowedContentTypes lists the referral letter formats the text stage can read.
var AllowedContentTypes = map[string]bool{
	"application/pdf": true,
	"image/png":       true,
	"image/jpeg":      true,
	"image/tiff":      true,
	"image/heic":      true,
	"text/plain":      true,
}

// Descriptor is what a client reports about a file it uploaded.
type Descriptor struct {
	FileName    string
	ContentType string
	Size        int64
	StorageKey  string
}

// NormalizeContentType strips parameters and lower-cases a MIME type.
func NormalizeContentType(ct string) string {
	if mt, _, err := mime.ParseMediaType(ct); err == nil {
		return mt
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

// Validate checks d against the allow-list and maxBytes.
func (d Descriptor) Validate(maxBytes int64) error {
	if strings.TrimSpace(d.FileName) == "" || path.Base(d.FileName) == "." {
		return ErrMissingFileName
	}
	if strings.TrimSpace(d.StorageKey) == "" {
		return ErrMissingStorageKey
	}
	if utf8.RuneCountInString(d.FileName) > MaxFileNameLen {
		return fmt.Errorf("%w: file name exceeds %d characters", ErrNameTooLong, MaxFileNameLen)
	}
	if utf8.RuneCountInString(d.StorageKey) > MaxStorageKeyLen {
		return fmt.Errorf("%w: storage key exceeds %d characters", ErrNameTooLong, MaxStorageKeyLen)
	}
	if !AllowedContentTypes[NormalizeContentType(d.ContentType)] {
		return fmt.Errorf("%w: %s", ErrInvalidContentType, d.ContentType)
	}
	if d.Size <= 0 {
		return ErrEmptyFile
	}
	if d.Size > maxBytes {
		return fmt.Errorf("%w: %d > %d bytes", ErrFileTooLarge, d.Size, maxBytes)
	}
	return nil
}

// ObjectInfo is the stored object's metadata.
type ObjectInfo struct {
	Key         string
	Size        int64
	ContentType string
}

// Reader fetches uploaded documents by storage key.
type Reader interface {
	Stat(ctx context.Context, key string) (*ObjectInfo, error)
	Get(ctx context.Context, key string, maxBytes int64) ([]byte, error)
}

// readLimited reads at most maxBytes from r and fails if there is more.
func readLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read object body: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, ErrFileTooLarge
	}
	return data, nil
}

// MemoryStore is an in-process Reader for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memObject
}

type memObject struct {
	contentType string
	data        []byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memObject)}
}

func (m *MemoryStore) Put(key, contentType string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memObject{contentType: contentType, data: append([]byte(nil), data...)}
}

func (m *MemoryStore) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, ErrBlobNotFound
	}
	return &ObjectInfo{Key: key, Size: int64(len(obj.data)), ContentType: obj.contentType}, nil
}

func (m *MemoryStore) Get(ctx context.Context, key string, maxBytes int64) ([]byte, error) {
	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrBlobNotFound
	}
	if int64(len(obj.data)) > maxBytes {
		return nil, ErrFileTooLarge
	}
	return append([]byte(nil), obj.data...), nil
}
