package upload

import (
	"fmt"
	"slices"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// Session is the server-side state of one in-progress chunked upload.
type Session struct {
	Token       string
	FileID      string
	TotalChunks int
	TotalSize   int64
	IV          string
	Salt        string
	IsMultiFile bool
	Retention   Retention
	CreatedAt   time.Time

	// Chunk writers hold mu shared; finalize and abort hold it exclusively.
	mu       sync.RWMutex
	received mapset.Set[int]
	done     bool
}

func newSession(token string, req InitRequest, now time.Time) *Session {
	return &Session{
		Token:       token,
		FileID:      req.FileID,
		TotalChunks: req.TotalChunks,
		TotalSize:   req.TotalSize,
		IV:          req.IV,
		Salt:        req.Salt,
		IsMultiFile: req.IsMultiFile,
		Retention:   req.Retention,
		CreatedAt:   now,
		received:    mapset.NewSet[int](),
	}
}

// Received returns the sorted indices stored so far.
func (s *Session) Received() []int {
	idx := s.received.ToSlice()
	slices.Sort(idx)
	return idx
}

func (s *Session) complete() bool {
	return s.received.Cardinality() == s.TotalChunks
}

// chunkKey is the staging key of one chunk.
func chunkKey(token string, index int) string {
	return fmt.Sprintf("%s/%d", token, index)
}

// chunkPrefix is the staging prefix shared by all chunks of token.
func chunkPrefix(token string) string {
	return token + "/"
}
