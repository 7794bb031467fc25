package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"europa/internal/store"
	"europa/internal/transfer"
	"europa/internal/upload"
)

// multipartOverhead is allowed on top of the chunk itself for the other
// form fields and part headers.
const multipartOverhead = 1 << 20

// maxJSONBody bounds init and finalize request bodies.
const maxJSONBody = 64 << 10

// Transfers is the send/receive flow the handlers drive.
type Transfers interface {
	Init(ctx context.Context, req transfer.InitRequest) (*transfer.Started, error)
	UploadChunk(ctx context.Context, uploadID string, index int, r io.Reader, size int64) error
	Status(uploadID string) (*upload.Progress, error)
	Abort(ctx context.Context, uploadID string) error
	Finalize(ctx context.Context, req transfer.FinalizeRequest) (*transfer.Link, error)
	Resolve(ctx context.Context, token string) (*transfer.FileInfo, error)
	Open(ctx context.Context, fileID string) (*transfer.Download, error)
}

// SweepReporter exposes the last recorded sweep.
type SweepReporter interface {
	LastRun(ctx context.Context) (*store.CleanupRun, error)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

type initRequest struct {
	FileName         string `json:"fileName" validate:"required,max=1024"`
	TotalChunks      int    `json:"totalChunks" validate:"required,min=1"`
	TotalSize        int64  `json:"totalSize" validate:"min=0"`
	ExpirationOption string `json:"expirationOption" validate:"required,oneof=1 3 7"`
	IV               string `json:"iv" validate:"required,base64"`
	Salt             string `json:"salt" validate:"required,base64"`
}

type finalizeRequest struct {
	UploadID string `json:"uploadId" validate:"required"`
	FileID   string `json:"fileId" validate:"required"`
	FileName string `json:"fileName" validate:"max=1024"`
}

type progressResponse struct {
	Received []int `json:"received"`
	Total    int   `json:"total"`
}

// decodeJSON reads a bounded JSON body into dst and validates it.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON payload: %w", err)
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}
	return nil
}

// handleInit handles POST /api/upload/init.
func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	var req initRequest
	if err := decodeJSON(w, r, &req); err != nil {
		// A bad retention alone reads the same as when the upload
		// package rejects it.
		var ve validator.ValidationErrors
		if errors.As(err, &ve) && onlyRetention(ve) {
			s.fail(w, r, fmt.Errorf("%w: %q", upload.ErrInvalidRetention, req.ExpirationOption))
			return
		}
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	started, err := s.transfers.Init(r.Context(), transfer.InitRequest{
		FileName:         req.FileName,
		TotalChunks:      req.TotalChunks,
		TotalSize:        req.TotalSize,
		ExpirationOption: req.ExpirationOption,
		IV:               req.IV,
		Salt:             req.Salt,
	})
	if err != nil {
		s.failUpload(w, r, err)
		return
	}
	s.metrics.RecordInit()
	respondJSON(w, http.StatusOK, started)
}

func onlyRetention(ve validator.ValidationErrors) bool {
	for _, fe := range ve {
		if fe.Field() != "ExpirationOption" {
			return false
		}
	}
	return len(ve) > 0
}

// handleChunk handles POST /api/upload/chunk, a multipart form with the
// fields chunk, uploadId and chunkNumber.
func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxChunkBytes+multipartOverhead)
	if err := r.ParseMultipartForm(s.cfg.MaxChunkBytes); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			respondError(w, http.StatusRequestEntityTooLarge, "chunk too large")
			return
		}
		respondError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	uploadID := r.FormValue("uploadId")
	if uploadID == "" {
		respondError(w, http.StatusBadRequest, "missing uploadId")
		return
	}
	index, err := strconv.Atoi(r.FormValue("chunkNumber"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid chunkNumber")
		return
	}

	file, header, err := r.FormFile("chunk")
	if err != nil {
		respondError(w, http.StatusBadRequest, "no chunk data provided")
		return
	}
	defer file.Close()
	if header.Size == 0 {
		respondError(w, http.StatusBadRequest, "no chunk data provided")
		return
	}
	if header.Size > s.cfg.MaxChunkBytes {
		respondError(w, http.StatusRequestEntityTooLarge, "chunk too large")
		return
	}

	if err := s.transfers.UploadChunk(r.Context(), uploadID, index, file, header.Size); err != nil {
		s.failUpload(w, r, err)
		return
	}
	s.metrics.RecordChunk(header.Size)
	w.WriteHeader(http.StatusOK)
}

// handleStatus handles GET /api/upload/{uploadId}.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	p, err := s.transfers.Status(chi.URLParam(r, "uploadId"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, progressResponse{Received: p.Received, Total: p.TotalChunks})
}

// handleAbort handles DELETE /api/upload/{uploadId}.
func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	if err := s.transfers.Abort(r.Context(), chi.URLParam(r, "uploadId")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleFinalize handles POST /api/upload/finalize.
func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	var req finalizeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	start := time.Now()
	link, err := s.transfers.Finalize(r.Context(), transfer.FinalizeRequest{
		UploadID: req.UploadID,
		FileID:   req.FileID,
		FileName: req.FileName,
	})
	if err != nil {
		s.failUpload(w, r, err)
		return
	}
	s.metrics.RecordFinalize(link.Size, time.Since(start))
	respondJSON(w, http.StatusOK, link)
}

// handleResolve handles GET /d/{token}.
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	info, err := s.transfers.Resolve(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.metrics.RecordResolve()
	respondJSON(w, http.StatusOK, info)
}

// handleDownload handles GET /f/{fileId}. Range requests are served by
// http.ServeContent over the seekable object.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	fileID := chi.URLParam(r, "fileId")
	dl, err := s.transfers.Open(r.Context(), fileID)
	if err != nil {
		s.metrics.RecordDownloadError()
		s.fail(w, r, err)
		return
	}
	defer dl.Close()

	h := w.Header()
	h.Set("X-IV", dl.IV)
	h.Set("X-Salt", dl.Salt)
	h.Set("X-Is-Multi-File", strconv.FormatBool(dl.IsMultiFile))
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, fileID))
	h.Set("Cache-Control", "no-store")

	ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
	http.ServeContent(ww, r, fileID, dl.Info.LastModified, dl)
	if ww.Status() >= http.StatusBadRequest {
		s.metrics.RecordDownloadError()
		return
	}
	s.metrics.RecordDownload(int64(ww.BytesWritten()), time.Since(start))
}

// handleLastCleanup handles GET /api/cleanup/last.
func (s *Server) handleLastCleanup(w http.ResponseWriter, r *http.Request) {
	if s.sweeps == nil {
		respondError(w, http.StatusNotFound, "cleanup disabled")
		return
	}
	run, err := s.sweeps.LastRun(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, run)
}
