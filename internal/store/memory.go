package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FaultFunc is consulted before Memory operations; a non-nil return is
// reported as that operation's error. Op names match the method names.
type FaultFunc func(op string) error

// Memory is an in-process Store. Sweep transactions see their own flushed
// deletes and publish them only on Commit.
type Memory struct {
	mu        sync.RWMutex
	transfers map[uuid.UUID]Transfer
	byToken   map[string]uuid.UUID
	byFile    map[string]uuid.UUID
	mappings  map[string]URLMapping // by short url
	runs      []CleanupRun
	nextRunID int64
	fault     FaultFunc
}

func NewMemory() *Memory {
	return &Memory{
		transfers: make(map[uuid.UUID]Transfer),
		byToken:   make(map[string]uuid.UUID),
		byFile:    make(map[string]uuid.UUID),
		mappings:  make(map[string]URLMapping),
	}
}

// SetFault installs f; nil removes it.
func (m *Memory) SetFault(f FaultFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = f
}

func (m *Memory) check(op string) error {
	m.mu.RLock()
	f := m.fault
	m.mu.RUnlock()
	if f == nil {
		return nil
	}
	if err := f(op); err != nil {
		return fmt.Errorf("store: %s: %w", op, err)
	}
	return nil
}

func (m *Memory) CreateTransfer(ctx context.Context, t *Transfer) error {
	if err := m.check("CreateTransfer"); err != nil {
		return err
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byToken[t.ShortURL]; ok {
		return fmt.Errorf("store: create transfer: %w", ErrDuplicateToken)
	}
	if _, ok := m.byFile[t.FileID]; ok {
		return fmt.Errorf("store: create transfer: %w", ErrDuplicateFile)
	}
	m.transfers[t.ID] = *t
	m.byToken[t.ShortURL] = t.ID
	m.byFile[t.FileID] = t.ID
	m.mappings[t.ShortURL] = URLMapping{
		ID:             uuid.New(),
		FileIdentifier: t.FileID,
		ShortURL:       t.ShortURL,
		CreatedAt:      t.CreatedAt,
	}
	return nil
}

func (m *Memory) TransferByShortURL(ctx context.Context, token string) (*Transfer, error) {
	if err := m.check("TransferByShortURL"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byToken[token]
	if !ok {
		return nil, ErrNotFound
	}
	t := m.transfers[id]
	return &t, nil
}

func (m *Memory) TransferByFileID(ctx context.Context, fileID string) (*Transfer, error) {
	if err := m.check("TransferByFileID"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byFile[fileID]
	if !ok {
		return nil, ErrNotFound
	}
	t := m.transfers[id]
	return &t, nil
}

func (m *Memory) TokenExists(ctx context.Context, token string) (bool, error) {
	if err := m.check("TokenExists"); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byToken[token]
	return ok, nil
}

func (m *Memory) CreateCleanupRun(ctx context.Context, run *CleanupRun) error {
	if err := m.check("CreateCleanupRun"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextRunID++
	run.ID = m.nextRunID
	m.runs = append(m.runs, *run)
	return nil
}

func (m *Memory) UpdateCleanupRun(ctx context.Context, run *CleanupRun) error {
	if err := m.check("UpdateCleanupRun"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.runs {
		if m.runs[i].ID == run.ID {
			m.runs[i] = *run
			return nil
		}
	}
	return fmt.Errorf("store: update cleanup run %d: %w", run.ID, ErrNotFound)
}

func (m *Memory) LastCleanupRun(ctx context.Context) (*CleanupRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.runs) == 0 {
		return nil, ErrNotFound
	}
	run := m.runs[len(m.runs)-1]
	return &run, nil
}

// CleanupRuns returns every recorded run, oldest first.
func (m *Memory) CleanupRuns() []CleanupRun {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.runs)
}

// Transfers returns all live transfers in sweep order.
func (m *Memory) Transfers() []Transfer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Transfer, 0, len(m.transfers))
	for _, t := range m.transfers {
		out = append(out, t)
	}
	slices.SortFunc(out, compareTransfers)
	return out
}

// MappingCount returns the number of URL mapping rows.
func (m *Memory) MappingCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.mappings)
}

func (m *Memory) BeginSweep(ctx context.Context) (SweepTx, error) {
	if err := m.check("BeginSweep"); err != nil {
		return nil, err
	}
	return &memSweep{m: m, deleted: make(map[uuid.UUID]Transfer)}, nil
}

func (m *Memory) Ping(ctx context.Context) error { return m.check("Ping") }

func compareTransfers(a, b Transfer) int {
	ca, cb := After(a), After(b)
	switch {
	case less(ca, cb):
		return -1
	case less(cb, ca):
		return 1
	}
	return 0
}

type memSweep struct {
	m       *Memory
	staged  []Transfer
	deleted map[uuid.UUID]Transfer
	done    bool
}

func (s *memSweep) live() []Transfer {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	out := make([]Transfer, 0, len(s.m.transfers))
	for id, t := range s.m.transfers {
		if _, gone := s.deleted[id]; !gone {
			out = append(out, t)
		}
	}
	slices.SortFunc(out, compareTransfers)
	return out
}

func (s *memSweep) CountExpired(ctx context.Context, now time.Time) (int, error) {
	if err := s.m.check("CountExpired"); err != nil {
		return 0, err
	}
	n := 0
	for _, t := range s.live() {
		if t.ExpirationDate.Before(now) {
			n++
		}
	}
	return n, nil
}

func (s *memSweep) ExpiredPage(ctx context.Context, now time.Time, after Cursor, limit int) ([]Transfer, error) {
	if err := s.m.check("ExpiredPage"); err != nil {
		return nil, err
	}
	var page []Transfer
	for _, t := range s.live() {
		if !t.ExpirationDate.Before(now) {
			break
		}
		if !after.IsZero() && !less(after, After(t)) {
			continue
		}
		page = append(page, t)
		if len(page) == limit {
			break
		}
	}
	return page, nil
}

func (s *memSweep) StageDelete(t Transfer) { s.staged = append(s.staged, t) }

func (s *memSweep) Pending() int { return len(s.staged) }

func (s *memSweep) Flush(ctx context.Context) (int, error) {
	if len(s.staged) == 0 {
		return 0, nil
	}
	if err := s.m.check("Flush"); err != nil {
		return 0, err
	}
	n := 0
	for _, t := range s.staged {
		if _, ok := s.deleted[t.ID]; !ok {
			s.deleted[t.ID] = t
			n++
		}
	}
	s.staged = s.staged[:0]
	return n, nil
}

func (s *memSweep) TransferExists(ctx context.Context, fileID string) (bool, error) {
	if err := s.m.check("TransferExists"); err != nil {
		return false, err
	}
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	id, ok := s.m.byFile[fileID]
	if !ok {
		return false, nil
	}
	_, gone := s.deleted[id]
	return !gone, nil
}

func (s *memSweep) Commit() error {
	if s.done {
		return fmt.Errorf("store: commit sweep: transaction already closed")
	}
	if err := s.m.check("Commit"); err != nil {
		return err
	}
	s.done = true

	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for id, t := range s.deleted {
		delete(s.m.transfers, id)
		delete(s.m.byToken, t.ShortURL)
		delete(s.m.byFile, t.FileID)
		delete(s.m.mappings, t.ShortURL)
	}
	return nil
}

func (s *memSweep) Rollback() error {
	s.done = true
	s.staged = nil
	s.deleted = nil
	return nil
}

var _ Store = (*Memory)(nil)
