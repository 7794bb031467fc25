package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"iter"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"
)

// Op names a Store operation, used by Memory fault injection.
type Op string

const (
	OpPut    Op = "put"
	OpGet    Op = "get"
	OpStat   Op = "stat"
	OpDelete Op = "delete"
	OpList   Op = "list"
)

// FaultFunc is consulted before every Memory operation. A non-nil return is
// reported as the operation's error.
type FaultFunc func(op Op, container, key string) error

type memObject struct {
	data []byte
	info ObjectInfo
}

// Memory is an in-process Store for tests and single-node development.
type Memory struct {
	mu         sync.RWMutex
	containers map[string]map[string]*memObject
	fault      FaultFunc
	now        func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		containers: make(map[string]map[string]*memObject),
		now:        time.Now,
	}
}

// SetFault installs f as the fault hook; nil removes it.
func (m *Memory) SetFault(f FaultFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = f
}

// SetClock overrides the clock used for LastModified.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) injected(op Op, container, key string) error {
	m.mu.RLock()
	f := m.fault
	m.mu.RUnlock()
	if f == nil {
		return nil
	}
	if err := f(op, container, key); err != nil {
		return &StorageError{Op: string(op), Container: container, Key: key, Transient: IsTransient(err), Err: err}
	}
	return nil
}

func (m *Memory) EnsureContainer(ctx context.Context, container string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.containers[container]; !ok {
		m.containers[container] = make(map[string]*memObject)
	}
	return nil
}

func (m *Memory) Put(ctx context.Context, container, key string, r io.Reader, size int64, meta Metadata) error {
	if err := m.injected(OpPut, container, key); err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return &StorageError{Op: string(OpPut), Container: container, Key: key, Err: err}
	}
	if size >= 0 && int64(len(data)) != size {
		return &StorageError{Op: string(OpPut), Container: container, Key: key,
			Err: fmt.Errorf("short body: read %d of %d bytes", len(data), size)}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	objects, ok := m.containers[container]
	if !ok {
		return &StorageError{Op: string(OpPut), Container: container, Key: key, Err: ErrContainerNotFound}
	}
	objects[key] = &memObject{
		data: data,
		info: ObjectInfo{Key: key, Size: int64(len(data)), LastModified: m.now(), Metadata: meta},
	}
	return nil
}

func (m *Memory) lookup(op Op, container, key string) (*memObject, error) {
	if err := m.injected(op, container, key); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	objects, ok := m.containers[container]
	if !ok {
		return nil, &StorageError{Op: string(op), Container: container, Key: key, Err: ErrContainerNotFound}
	}
	obj, ok := objects[key]
	if !ok {
		return nil, &StorageError{Op: string(op), Container: container, Key: key, Err: ErrNotFound}
	}
	return obj, nil
}

func (m *Memory) Get(ctx context.Context, container, key string) (*Object, error) {
	obj, err := m.lookup(OpGet, container, key)
	if err != nil {
		return nil, err
	}
	return &Object{
		ReadSeekCloser: nopSeekCloser{bytes.NewReader(obj.data)},
		Info:           obj.info,
	}, nil
}

func (m *Memory) Stat(ctx context.Context, container, key string) (*ObjectInfo, error) {
	obj, err := m.lookup(OpStat, container, key)
	if err != nil {
		return nil, err
	}
	info := obj.info
	return &info, nil
}

func (m *Memory) Exists(ctx context.Context, container, key string) (bool, error) {
	return existsFromStat(ctx, m, container, key)
}

func (m *Memory) Delete(ctx context.Context, container, key string) error {
	if err := m.injected(OpDelete, container, key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if objects, ok := m.containers[container]; ok {
		delete(objects, key)
	}
	return nil
}

func (m *Memory) List(ctx context.Context, container, prefix string) iter.Seq2[ObjectInfo, error] {
	return func(yield func(ObjectInfo, error) bool) {
		if err := m.injected(OpList, container, prefix); err != nil {
			yield(ObjectInfo{}, err)
			return
		}

		// Snapshot so callers may delete while iterating.
		m.mu.RLock()
		objects, ok := m.containers[container]
		var infos []ObjectInfo
		if ok {
			for _, key := range slices.Sorted(maps.Keys(objects)) {
				if strings.HasPrefix(key, prefix) {
					infos = append(infos, objects[key].info)
				}
			}
		}
		m.mu.RUnlock()

		if !ok {
			yield(ObjectInfo{}, &StorageError{Op: string(OpList), Container: container, Err: ErrContainerNotFound})
			return
		}
		for _, info := range infos {
			if err := ctx.Err(); err != nil {
				yield(ObjectInfo{}, err)
				return
			}
			if !yield(info, nil) {
				return
			}
		}
	}
}

// Keys returns the sorted keys currently stored in container.
func (m *Memory) Keys(container string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.containers[container]))
}

// Bytes returns a copy of the stored content, or nil if absent.
func (m *Memory) Bytes(container, key string) []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.containers[container][key]
	if !ok {
		return nil
	}
	return bytes.Clone(obj.data)
}

type nopSeekCloser struct{ *bytes.Reader }

func (nopSeekCloser) Close() error { return nil }

var _ Store = (*Memory)(nil)
