// Package upload manages chunked upload sessions: it stages chunks in the
// blob store as they arrive and reassembles them into one permanent object
// on finalize.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"europa/internal/blob"
	"europa/internal/cache"
	"europa/internal/logging"
)

// DefaultMaxTotalSize is the largest declared upload accepted by default.
const DefaultMaxTotalSize int64 = 2 << 30

// Config configures a Manager.
type Config struct {
	StagingContainer string
	FilesContainer   string
	MaxTotalSize     int64
	// MaxSessions caps open sessions; Init refuses new ones beyond it.
	// Zero means no cap. The session cache itself must not evict.
	MaxSessions int
}

// InitRequest describes an upload about to start.
type InitRequest struct {
	FileID      string
	TotalChunks int
	TotalSize   int64
	IV          string
	Salt        string
	IsMultiFile bool
	Retention   Retention
}

// Finalized describes the permanent object written by Finalize.
type Finalized struct {
	FileID    string
	Size      int64
	Retention Retention
	CreatedAt time.Time
	Metadata  blob.Metadata
}

// Progress reports how far an upload has come.
type Progress struct {
	Received    []int
	TotalChunks int
}

// Manager owns upload sessions. Session state lives in an injected cache
// whose TTL bounds how long an idle session survives.
type Manager struct {
	blobs    blob.Store
	sessions cache.Cache[string, *Session]
	cfg      Config
	log      *slog.Logger

	now      func() time.Time
	newToken func() string

	initMu sync.Mutex
}

func NewManager(blobs blob.Store, sessions cache.Cache[string, *Session], cfg Config, log *slog.Logger) *Manager {
	if cfg.MaxTotalSize <= 0 {
		cfg.MaxTotalSize = DefaultMaxTotalSize
	}
	return &Manager{
		blobs:    blobs,
		sessions: sessions,
		cfg:      cfg,
		log:      logging.OrDefault(log).With("component", "upload"),
		now:      time.Now,
		newToken: uuid.NewString,
	}
}

// Init validates req, ensures the staging and permanent containers exist
// and opens a new session.
func (m *Manager) Init(ctx context.Context, req InitRequest) (string, error) {
	switch {
	case req.TotalSize > m.cfg.MaxTotalSize:
		return "", fmt.Errorf("%w: %d > %d bytes", ErrSizeExceeded, req.TotalSize, m.cfg.MaxTotalSize)
	case !req.Retention.Valid():
		return "", fmt.Errorf("%w: %d", ErrInvalidRetention, req.Retention)
	case req.TotalSize < 0:
		return "", fmt.Errorf("%w: negative total size", ErrValidation)
	case req.TotalChunks < 1:
		return "", fmt.Errorf("%w: total chunks must be at least 1", ErrValidation)
	case req.FileID == "":
		return "", fmt.Errorf("%w: file id is required", ErrValidation)
	}

	if err := m.blobs.EnsureContainer(ctx, m.cfg.StagingContainer); err != nil {
		return "", fmt.Errorf("upload: ensure staging container: %w", err)
	}
	if err := m.blobs.EnsureContainer(ctx, m.cfg.FilesContainer); err != nil {
		return "", fmt.Errorf("upload: ensure files container: %w", err)
	}

	token := m.newToken()
	m.initMu.Lock()
	if m.cfg.MaxSessions > 0 && m.sessions.Len() >= m.cfg.MaxSessions {
		m.initMu.Unlock()
		m.log.WarnContext(ctx, "session_limit_reached", "max_sessions", m.cfg.MaxSessions)
		return "", ErrTooManySessions
	}
	m.sessions.Set(token, newSession(token, req, m.now().UTC()))
	m.initMu.Unlock()

	m.log.InfoContext(ctx, "session_created",
		"token", token,
		"file_id", req.FileID,
		"total_chunks", req.TotalChunks,
		"total_size", req.TotalSize,
		"retention_days", int(req.Retention))
	return token, nil
}

// UploadChunk stores one chunk, replacing any earlier write of the same
// index, and refreshes the session TTL. size may be -1 if unknown.
func (m *Manager) UploadChunk(ctx context.Context, token string, index int, r io.Reader, size int64) error {
	s, ok := m.sessions.Get(token)
	if !ok {
		return ErrSessionNotFound
	}
	if index < 0 || index >= s.TotalChunks {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrChunkOutOfRange, index, s.TotalChunks)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.done {
		return ErrSessionNotFound
	}

	if err := m.blobs.Put(ctx, m.cfg.StagingContainer, chunkKey(token, index), r, size, blob.Metadata{}); err != nil {
		return fmt.Errorf("upload: store chunk %d: %w", index, err)
	}
	s.received.Add(index)
	// Refresh while still holding the shared lock so a finalize that
	// removes the session cannot be undone by this Set.
	m.sessions.Set(token, s)

	m.log.DebugContext(ctx, "chunk_stored", "token", token, "index", index, "size", size)
	return nil
}

// Finalize reassembles every chunk in index order into the permanent object
// named fileID. A zero retention keeps the choice made at Init.
//
// Finalize holds the session exclusively: chunk uploads in flight complete
// first, and a concurrent Finalize for the same token fails with
// ErrSessionNotFound once this one succeeds.
func (m *Manager) Finalize(ctx context.Context, token, fileID string, retention Retention) (*Finalized, error) {
	s, ok := m.sessions.Get(token)
	if !ok {
		return nil, ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil, ErrSessionNotFound
	}
	if fileID != s.FileID {
		return nil, ErrFileMismatch
	}
	if retention == 0 {
		retention = s.Retention
	}
	if !retention.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidRetention, retention)
	}
	if !s.complete() {
		return nil, fmt.Errorf("%w: %d of %d", ErrIncompleteUpload, s.received.Cardinality(), s.TotalChunks)
	}

	keys := make([]string, s.TotalChunks)
	var total int64
	for i := range keys {
		keys[i] = chunkKey(token, i)
		info, err := m.blobs.Stat(ctx, m.cfg.StagingContainer, keys[i])
		if blob.IsNotFound(err) {
			return nil, fmt.Errorf("%w: index %d", ErrMissingChunk, i)
		}
		if err != nil {
			return nil, fmt.Errorf("upload: stat chunk %d: %w", i, err)
		}
		total += info.Size
	}

	createdAt := m.now().UTC()
	meta := blob.Metadata{
		ExpirationDate: retention.ExpiresAt(createdAt),
		IV:             s.IV,
		Salt:           s.Salt,
		IsMultiFile:    s.IsMultiFile,
	}

	src := &chunkReader{ctx: ctx, blobs: m.blobs, container: m.cfg.StagingContainer, keys: keys}
	err := m.blobs.Put(ctx, m.cfg.FilesContainer, fileID, src, total, meta)
	src.Close()
	if src.err != nil {
		return nil, src.err
	}
	if err != nil {
		return nil, fmt.Errorf("upload: write object %s: %w", fileID, err)
	}

	s.done = true
	m.sessions.Remove(token)
	m.deleteChunks(ctx, keys)

	m.log.InfoContext(ctx, "session_finalized",
		"token", token,
		"file_id", fileID,
		"size", total,
		"expires_at", meta.ExpirationDate)

	return &Finalized{
		FileID:    fileID,
		Size:      total,
		Retention: retention,
		CreatedAt: createdAt,
		Metadata:  meta,
	}, nil
}

// Status reports the chunks received so far.
func (m *Manager) Status(token string) (*Progress, error) {
	s, ok := m.sessions.Get(token)
	if !ok {
		return nil, ErrSessionNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.done {
		return nil, ErrSessionNotFound
	}
	return &Progress{Received: s.Received(), TotalChunks: s.TotalChunks}, nil
}

// Abort discards the session and its staged chunks.
func (m *Manager) Abort(ctx context.Context, token string) error {
	s, ok := m.sessions.Get(token)
	if !ok {
		return ErrSessionNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return ErrSessionNotFound
	}
	s.done = true
	m.sessions.Remove(token)

	var keys []string
	for info, err := range m.blobs.List(ctx, m.cfg.StagingContainer, chunkPrefix(token)) {
		if err != nil {
			m.log.WarnContext(ctx, "staged_chunk_list_failed", "token", token, "error", err)
			break
		}
		keys = append(keys, info.Key)
	}
	m.deleteChunks(ctx, keys)

	m.log.InfoContext(ctx, "session_aborted", "token", token, "chunks", len(keys))
	return nil
}

// deleteChunks removes staged chunks. Failures are only logged; leftovers
// are purged by the sweep once they outlive the session TTL.
func (m *Manager) deleteChunks(ctx context.Context, keys []string) {
	for _, key := range keys {
		if err := m.blobs.Delete(ctx, m.cfg.StagingContainer, key); err != nil {
			m.log.WarnContext(ctx, "staged_chunk_delete_failed", "key", key, "error", err)
		}
	}
}

// chunkReader streams staged chunks back to back, opening each on demand.
type chunkReader struct {
	ctx       context.Context
	blobs     blob.Store
	container string
	keys      []string

	next int
	cur  io.ReadCloser
	err  error
}

func (c *chunkReader) Read(p []byte) (int, error) {
	for {
		if c.err != nil {
			return 0, c.err
		}
		if c.cur == nil {
			if c.next == len(c.keys) {
				return 0, io.EOF
			}
			obj, err := c.blobs.Get(c.ctx, c.container, c.keys[c.next])
			if err != nil {
				if blob.IsNotFound(err) {
					c.err = fmt.Errorf("%w: index %d", ErrMissingChunk, c.next)
				} else {
					c.err = fmt.Errorf("upload: read chunk %d: %w", c.next, err)
				}
				return 0, c.err
			}
			c.cur = obj
			c.next++
		}

		n, err := c.cur.Read(p)
		if errors.Is(err, io.EOF) {
			_ = c.cur.Close()
			c.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		if err != nil {
			c.err = fmt.Errorf("upload: read chunk %d: %w", c.next-1, err)
		}
		return n, err
	}
}

func (c *chunkReader) Close() {
	if c.cur != nil {
		_ = c.cur.Close()
		c.cur = nil
	}
}
