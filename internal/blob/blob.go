// Package blob is the object-storage boundary: containers of opaque objects
// with small string metadata attached to each one.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"time"
)

var (
	ErrNotFound          = errors.New("blob: object not found")
	ErrContainerNotFound = errors.New("blob: container not found")
)

// ObjectInfo describes a stored object without its content.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	Metadata     Metadata
}

// Object is an open, seekable object body plus its properties. Callers must
// Close it.
type Object struct {
	io.ReadSeekCloser
	Info ObjectInfo
}

// Store is implemented by every storage backend.
type Store interface {
	// EnsureContainer creates container if it does not exist yet.
	EnsureContainer(ctx context.Context, container string) error
	// Put writes r under key, replacing any existing object. size is the exact
	// byte length, or -1 when unknown.
	Put(ctx context.Context, container, key string, r io.Reader, size int64, meta Metadata) error
	Get(ctx context.Context, container, key string) (*Object, error)
	Stat(ctx context.Context, container, key string) (*ObjectInfo, error)
	Exists(ctx context.Context, container, key string) (bool, error)
	// Delete removes key. Deleting a missing object succeeds.
	Delete(ctx context.Context, container, key string) error
	// List yields every object whose key starts with prefix.
	List(ctx context.Context, container, prefix string) iter.Seq2[ObjectInfo, error]
}

// StorageError wraps a backend failure. Transient errors are worth retrying.
type StorageError struct {
	Op        string
	Container string
	Key       string
	Transient bool
	Err       error
}

func (e *StorageError) Error() string {
	kind := "fatal"
	if e.Transient {
		kind = "transient"
	}
	if e.Key == "" {
		return fmt.Sprintf("blob: %s %s (%s): %v", e.Op, e.Container, kind, e.Err)
	}
	return fmt.Sprintf("blob: %s %s/%s (%s): %v", e.Op, e.Container, e.Key, kind, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a storage failure worth retrying.
func IsTransient(err error) bool {
	var se *StorageError
	if errors.As(err, &se) {
		return se.Transient
	}
	return false
}

// IsNotFound reports whether err means the object does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAbsent is IsNotFound that also accepts a missing container, which
// readers see before anything was ever written.
func IsAbsent(err error) bool {
	return IsNotFound(err) || errors.Is(err, ErrContainerNotFound)
}

func existsFromStat(ctx context.Context, s Store, container, key string) (bool, error) {
	_, err := s.Stat(ctx, container, key)
	if err == nil {
		return true, nil
	}
	if IsNotFound(err) {
		return false, nil
	}
	return false, err
}

// Transient marks err as retryable.
func Transient(err error) error {
	return &StorageError{Op: "unknown", Transient: true, Err: err}
}
