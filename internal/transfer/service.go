// Package transfer ties the upload session manager, the metadata store and
// the short-link resolver into the three-step send flow (init, chunk,
// finalize) and the matching receive flow (resolve, open).
package transfer

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"europa/internal/blob"
	"europa/internal/cache"
	"europa/internal/envelope"
	"europa/internal/logging"
	"europa/internal/shortlink"
	"europa/internal/store"
	"europa/internal/upload"
)

// FileIDBytes is the entropy of a generated file identifier.
const FileIDBytes = 32

// maxLinkAttempts bounds how often Finalize retries after losing a
// short-url insert race.
const maxLinkAttempts = 5

// recordRetries bounds the extra attempts at writing a transfer row after a
// transient store failure. The object is already stored by then.
const recordRetries = 3

var (
	ErrNotFound = errors.New("transfer: not found")
	ErrExpired  = errors.New("transfer: expired")
)

// Links is the short-link capability the service needs: resolution plus a
// way to warm the cache once a transfer is stored.
type Links interface {
	shortlink.Resolver
	Remember(t *store.Transfer)
}

type Config struct {
	// BaseURL prefixes download links, e.g. https://drop.example.com.
	BaseURL        string
	FilesContainer string
}

// InitRequest is what a sender declares before uploading.
type InitRequest struct {
	FileName         string
	TotalChunks      int
	TotalSize        int64
	ExpirationOption string
	IV               string
	Salt             string
}

type Started struct {
	UploadID string `json:"uploadId"`
	FileID   string `json:"fileId"`
}

type FinalizeRequest struct {
	UploadID string
	FileID   string
	FileName string
}

// Link is returned to the sender once the transfer is stored.
type Link struct {
	DownloadLink string    `json:"downloadLink"`
	ShortURL     string    `json:"shortUrl"`
	ExpiresAt    time.Time `json:"expiresAt"`
	// Size is the stored ciphertext length.
	Size int64 `json:"-"`
}

// FileInfo is what a recipient learns from a short link before downloading.
type FileInfo struct {
	FileID         string    `json:"fileId"`
	ExpirationDate time.Time `json:"expirationDate"`
	IsMultiFile    bool      `json:"isMultiFile"`
	Size           int64     `json:"size"`
}

// Download is an open stored object plus what the client needs to decrypt
// it. The caller closes it.
type Download struct {
	*blob.Object
	IV          string
	Salt        string
	IsMultiFile bool
}

type Service struct {
	uploads  *upload.Manager
	store    store.Store
	links    Links
	blobs    blob.Store
	fileInfo cache.Cache[string, *FileInfo]
	cfg      Config
	log      *slog.Logger

	now        func() time.Time
	newFileID  func() (string, error)
	newBackOff func() backoff.BackOff
}

func NewService(
	uploads *upload.Manager,
	st store.Store,
	links Links,
	blobs blob.Store,
	fileInfo cache.Cache[string, *FileInfo],
	cfg Config,
	log *slog.Logger,
) *Service {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Service{
		uploads:    uploads,
		store:      st,
		links:      links,
		blobs:      blobs,
		fileInfo:   fileInfo,
		cfg:        cfg,
		log:        logging.OrDefault(log).With("component", "transfer"),
		now:        time.Now,
		newFileID:  randomFileID,
		newBackOff: recordBackOff,
	}
}

func recordBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 0
	return b
}

func randomFileID() (string, error) {
	b := make([]byte, FileIDBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("transfer: read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Init opens an upload session under a fresh file id.
func (s *Service) Init(ctx context.Context, req InitRequest) (*Started, error) {
	retention, err := upload.ParseRetention(req.ExpirationOption)
	if err != nil {
		return nil, err
	}
	fileID, err := s.newFileID()
	if err != nil {
		return nil, err
	}
	token, err := s.uploads.Init(ctx, upload.InitRequest{
		FileID:      fileID,
		TotalChunks: req.TotalChunks,
		TotalSize:   req.TotalSize,
		IV:          req.IV,
		Salt:        req.Salt,
		IsMultiFile: envelope.IsMultiFileName(req.FileName),
		Retention:   retention,
	})
	if err != nil {
		return nil, err
	}
	return &Started{UploadID: token, FileID: fileID}, nil
}

func (s *Service) UploadChunk(ctx context.Context, uploadID string, index int, r io.Reader, size int64) error {
	return s.uploads.UploadChunk(ctx, uploadID, index, r, size)
}

func (s *Service) Status(uploadID string) (*upload.Progress, error) {
	return s.uploads.Status(uploadID)
}

func (s *Service) Abort(ctx context.Context, uploadID string) error {
	return s.uploads.Abort(ctx, uploadID)
}

// Finalize assembles the upload and records the transfer behind a new
// short link. Transient store failures are retried; a failure that
// outlasts them leaves the object for the sweep's orphan pass.
func (s *Service) Finalize(ctx context.Context, req FinalizeRequest) (*Link, error) {
	fin, err := s.uploads.Finalize(ctx, req.UploadID, req.FileID, 0)
	if err != nil {
		return nil, err
	}

	name := envelope.SanitizeFileName(req.FileName)
	for attempt := 1; ; attempt++ {
		t := &store.Transfer{
			FileID:         fin.FileID,
			FileName:       name,
			CreatedAt:      fin.CreatedAt,
			ExpirationDate: fin.Metadata.ExpirationDate,
		}
		if _, err := s.links.Shorten(ctx, t); err != nil {
			return nil, fmt.Errorf("transfer: shorten: %w", err)
		}
		err := s.record(ctx, t)
		if errors.Is(err, store.ErrDuplicateToken) && attempt < maxLinkAttempts {
			s.log.WarnContext(ctx, "short_url_collision", "short_url", t.ShortURL, "attempt", attempt)
			continue
		}
		if err != nil {
			s.log.ErrorContext(ctx, "transfer_record_failed", "file_id", fin.FileID, "error", err)
			return nil, fmt.Errorf("transfer: record: %w", err)
		}

		s.links.Remember(t)
		s.fileInfo.Set(t.FileID, &FileInfo{
			FileID:         t.FileID,
			ExpirationDate: t.ExpirationDate,
			IsMultiFile:    fin.Metadata.IsMultiFile,
			Size:           fin.Size,
		})
		s.log.InfoContext(ctx, "transfer_created",
			"file_id", t.FileID,
			"short_url", t.ShortURL,
			"expires_at", t.ExpirationDate)

		return &Link{
			DownloadLink: s.cfg.BaseURL + "/d/" + t.ShortURL,
			ShortURL:     t.ShortURL,
			ExpiresAt:    t.ExpirationDate,
			Size:         fin.Size,
		}, nil
	}
}

// record writes t, retrying transient store failures. A retry that finds a
// row for the same file and short url means an earlier attempt committed.
func (s *Service) record(ctx context.Context, t *store.Transfer) error {
	attempt := 0
	b := backoff.WithContext(backoff.WithMaxRetries(s.newBackOff(), recordRetries), ctx)
	return backoff.Retry(func() error {
		attempt++
		err := s.store.CreateTransfer(ctx, t)
		dup := errors.Is(err, store.ErrDuplicateFile) || errors.Is(err, store.ErrDuplicateToken)
		if attempt > 1 && dup {
			if prev, lerr := s.store.TransferByFileID(ctx, t.FileID); lerr == nil && prev.ShortURL == t.ShortURL {
				*t = *prev
				return nil
			}
		}
		if err != nil && !store.IsTransient(err) {
			return backoff.Permanent(err)
		}
		if err != nil {
			s.log.WarnContext(ctx, "transfer_record_retry", "file_id", t.FileID, "attempt", attempt, "error", err)
		}
		return err
	}, b)
}

// Resolve looks up the file behind a short link.
func (s *Service) Resolve(ctx context.Context, token string) (*FileInfo, error) {
	t, err := s.links.Resolve(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if t.Expired(s.now()) {
		return nil, ErrExpired
	}
	return s.FileInfo(ctx, t.FileID)
}

// FileInfo describes a stored object, from cache when possible.
func (s *Service) FileInfo(ctx context.Context, fileID string) (*FileInfo, error) {
	if info, ok := s.fileInfo.Get(fileID); ok {
		s.fileInfo.Set(fileID, info)
		c := *info
		return &c, nil
	}

	obj, err := s.blobs.Stat(ctx, s.cfg.FilesContainer, fileID)
	if blob.IsAbsent(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("transfer: stat %s: %w", fileID, err)
	}
	info := &FileInfo{
		FileID:         fileID,
		ExpirationDate: obj.Metadata.ExpirationDate,
		IsMultiFile:    obj.Metadata.IsMultiFile,
		Size:           obj.Size,
	}
	s.fileInfo.Set(fileID, info)
	c := *info
	return &c, nil
}

// Open returns the stored ciphertext for fileID. Objects past their
// expiration date are refused even before the sweep removes them.
func (s *Service) Open(ctx context.Context, fileID string) (*Download, error) {
	obj, err := s.blobs.Get(ctx, s.cfg.FilesContainer, fileID)
	if blob.IsAbsent(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("transfer: open %s: %w", fileID, err)
	}
	meta := obj.Info.Metadata
	if meta.Expired(s.now()) {
		_ = obj.Close()
		return nil, ErrExpired
	}
	return &Download{Object: obj, IV: meta.IV, Salt: meta.Salt, IsMultiFile: meta.IsMultiFile}, nil
}

// Invalidate drops cached file info for a transfer being deleted.
func (s *Service) Invalidate(t store.Transfer) {
	s.fileInfo.Remove(t.FileID)
}
