// Package client is a Go counterpart of the browser client. It encrypts
// files locally with the envelope format, uploads the ciphertext in chunks
// and recovers it again from a share link.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/imroc/req/v3"
	"golang.org/x/sync/errgroup"

	"europa/internal/envelope"
	"europa/internal/transfer"
)

const (
	// DefaultParallel is the number of chunks in flight during Send.
	DefaultParallel = 4
	// downloadAttempts bounds how often a broken download is resumed.
	downloadAttempts = 3
	userAgent        = "europa-client/1"
)

var (
	ErrNoFiles     = errors.New("client: no files to send")
	ErrBadLink     = errors.New("client: not a share link")
	ErrNoPassword  = errors.New("client: passphrase required")
	ErrShortRead   = errors.New("client: download incomplete")
	ErrUnavailable = errors.New("client: transfer unavailable")
)

// APIError is the error body returned by the backend.
type APIError struct {
	Detail struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d: %s", e.Detail.Code, e.Detail.Message)
}

// Options tunes a Client. Zero values select the defaults.
type Options struct {
	ChunkSize  int
	Parallel   int
	RetryCount int
	Timeout    time.Duration
}

// Client talks to one backend.
type Client struct {
	http      *req.Client
	chunkSize int
	parallel  int
	log       *slog.Logger
}

// New returns a Client for the backend at baseURL.
func New(baseURL string, opts Options, log *slog.Logger) *Client {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = envelope.ChunkSize
	}
	if opts.Parallel <= 0 {
		opts.Parallel = DefaultParallel
	}
	if opts.RetryCount < 0 {
		opts.RetryCount = 0
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}

	hc := req.C().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetUserAgent(userAgent).
		SetTimeout(opts.Timeout).
		SetCommonErrorResult(&APIError{}).
		SetCommonRetryCount(opts.RetryCount).
		SetCommonRetryBackoffInterval(200*time.Millisecond, 3*time.Second).
		SetCommonRetryCondition(func(resp *req.Response, err error) bool {
			if err != nil {
				return !errors.Is(err, context.Canceled)
			}
			return resp.StatusCode == http.StatusServiceUnavailable ||
				resp.StatusCode == http.StatusBadGateway ||
				resp.StatusCode == http.StatusGatewayTimeout
		})

	return &Client{http: hc, chunkSize: opts.ChunkSize, parallel: opts.Parallel, log: log}
}

// SendRequest describes one transfer. Several files are bundled into a
// zip archive before encryption.
type SendRequest struct {
	Passphrase string
	Files      []envelope.File
	// Retention is the lifetime in days: 1, 3 or 7.
	Retention int
}

// Sent is the outcome of Send.
type Sent struct {
	transfer.Link
	UploadID string
	FileID   string
	// ShareLink carries the passphrase in the fragment, which browsers
	// never send to the server.
	ShareLink string
}

// Send encrypts and uploads the files in sr and returns the share link.
func (c *Client) Send(ctx context.Context, sr SendRequest) (*Sent, error) {
	if sr.Passphrase == "" {
		return nil, ErrNoPassword
	}
	name, data, err := bundle(sr.Files)
	if err != nil {
		return nil, err
	}

	meta := envelope.Metadata{
		FileName:   name,
		FileType:   fileType(name),
		FileSize:   int64(len(data)),
		UploadDate: time.Now().UTC(),
	}
	sealed, err := envelope.Seal(sr.Passphrase, meta, data)
	if err != nil {
		return nil, err
	}
	chunks := envelope.Split(sealed.Ciphertext, c.chunkSize)

	var started transfer.Started
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"fileName":         name,
			"totalChunks":      len(chunks),
			"totalSize":        len(sealed.Ciphertext),
			"expirationOption": strconv.Itoa(sr.Retention),
			"iv":               sealed.EncodedIV(),
			"salt":             sealed.EncodedSalt(),
		}).
		SetSuccessResult(&started).
		Post("/api/upload/init")
	if err := handleAPIError(resp, err, "upload init"); err != nil {
		return nil, err
	}
	c.log.Debug("upload_started", "upload_id", started.UploadID, "chunks", len(chunks))

	if err := c.uploadChunks(ctx, started.UploadID, chunks, nil); err != nil {
		c.abort(started.UploadID)
		return nil, err
	}

	var link transfer.Link
	resp, err = c.http.R().
		SetContext(ctx).
		SetRetryCount(0).
		SetBody(map[string]string{
			"uploadId": started.UploadID,
			"fileId":   started.FileID,
			"fileName": name,
		}).
		SetSuccessResult(&link).
		Post("/api/upload/finalize")
	if err := handleAPIError(resp, err, "upload finalize"); err != nil {
		return nil, err
	}

	return &Sent{
		Link:      link,
		UploadID:  started.UploadID,
		FileID:    started.FileID,
		ShareLink: ShareLink(link.DownloadLink, sr.Passphrase),
	}, nil
}

// uploadChunks sends every chunk whose index is not in skip.
func (c *Client) uploadChunks(ctx context.Context, uploadID string, chunks [][]byte, skip map[int]bool) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.parallel)
	for i, chunk := range chunks {
		if skip[i] {
			continue
		}
		g.Go(func() error {
			resp, err := c.http.R().
				SetContext(gctx).
				SetFileBytes("chunk", "blob", chunk).
				SetFormData(map[string]string{
					"uploadId":    uploadID,
					"chunkNumber": strconv.Itoa(i),
				}).
				Post("/api/upload/chunk")
			return handleAPIError(resp, err, fmt.Sprintf("upload chunk %d", i))
		})
	}
	return g.Wait()
}

func (c *Client) abort(uploadID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp, err := c.http.R().SetContext(ctx).SetRetryCount(0).Delete("/api/upload/" + url.PathEscape(uploadID))
	if err := handleAPIError(resp, err, "upload abort"); err != nil {
		c.log.Warn("abort_failed", "upload_id", uploadID, "error", err)
	}
}

// Progress is the server's view of an in-flight upload.
type Progress struct {
	Received []int `json:"received"`
	Total    int   `json:"total"`
}

// Status reports which chunks of uploadID the server holds.
func (c *Client) Status(ctx context.Context, uploadID string) (*Progress, error) {
	var p Progress
	resp, err := c.http.R().
		SetContext(ctx).
		SetSuccessResult(&p).
		Get("/api/upload/" + url.PathEscape(uploadID))
	if err := handleAPIError(resp, err, "upload status"); err != nil {
		return nil, err
	}
	return &p, nil
}

// Resume re-sends the chunks of ciphertext the server is missing for
// uploadID. The ciphertext must be the one sealed for that upload.
func (c *Client) Resume(ctx context.Context, uploadID string, ciphertext []byte) error {
	p, err := c.Status(ctx, uploadID)
	if err != nil {
		return err
	}
	chunks := envelope.Split(ciphertext, c.chunkSize)
	if len(chunks) != p.Total {
		return fmt.Errorf("client: resume %s: chunk count %d does not match %d", uploadID, len(chunks), p.Total)
	}
	have := make(map[int]bool, len(p.Received))
	for _, i := range p.Received {
		have[i] = true
	}
	return c.uploadChunks(ctx, uploadID, chunks, have)
}

// Received is a decrypted transfer.
type Received struct {
	Metadata    envelope.Metadata
	Files       []envelope.File
	IsMultiFile bool
}

// Fetch downloads and decrypts the transfer behind link. An empty
// passphrase is taken from the link fragment.
func (c *Client) Fetch(ctx context.Context, link, passphrase string) (*Received, error) {
	token, frag, err := ParseShareLink(link)
	if err != nil {
		return nil, err
	}
	if passphrase == "" {
		passphrase = frag
	}
	if passphrase == "" {
		return nil, ErrNoPassword
	}

	var info transfer.FileInfo
	resp, err := c.http.R().
		SetContext(ctx).
		SetSuccessResult(&info).
		Get("/d/" + url.PathEscape(token))
	if err := handleAPIError(resp, err, "resolve link"); err != nil {
		return nil, err
	}

	dl, err := c.download(ctx, info.FileID)
	if err != nil {
		return nil, err
	}
	meta, data, err := envelope.OpenEncoded(passphrase, dl.body, dl.iv, dl.salt)
	if err != nil {
		return nil, err
	}

	out := &Received{Metadata: meta, IsMultiFile: dl.multi}
	if dl.multi {
		if out.Files, err = envelope.Unarchive(data); err != nil {
			return nil, err
		}
		return out, nil
	}
	out.Files = []envelope.File{{Name: meta.FileName, Data: data}}
	return out, nil
}

type downloaded struct {
	body     []byte
	iv, salt string
	multi    bool
}

// download fetches the ciphertext for fileID, resuming with a Range
// request when the connection drops mid-body.
func (c *Client) download(ctx context.Context, fileID string) (*downloaded, error) {
	var (
		buf  bytes.Buffer
		out  downloaded
		size int64 = -1
		last error
	)
	for attempt := 0; attempt < downloadAttempts; attempt++ {
		r := c.http.R().SetContext(ctx).DisableAutoReadResponse()
		if buf.Len() > 0 {
			r.SetHeader("Range", fmt.Sprintf("bytes=%d-", buf.Len()))
		}
		resp, err := r.Get("/f/" + url.PathEscape(fileID))
		if err != nil {
			return nil, fmt.Errorf("download: %w", err)
		}
		if resp.IsErrorState() {
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			return nil, statusError(resp.StatusCode, body, "download")
		}

		switch {
		case buf.Len() == 0:
			out.iv = resp.GetHeader("X-IV")
			out.salt = resp.GetHeader("X-Salt")
			out.multi, _ = strconv.ParseBool(resp.GetHeader("X-Is-Multi-File"))
			size = resp.ContentLength
		case resp.StatusCode != http.StatusPartialContent:
			// The server ignored the range, start over.
			buf.Reset()
		}

		_, last = io.Copy(&buf, resp.Body)
		_ = resp.Body.Close()
		if last == nil && (size < 0 || int64(buf.Len()) == size) {
			out.body = buf.Bytes()
			return &out, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.log.Debug("download_resumed", "file_id", fileID, "have", buf.Len(), "error", last)
	}
	if last == nil {
		last = ErrShortRead
	}
	return nil, fmt.Errorf("download %s: %w", fileID, last)
}

// ShareLink appends the passphrase to link as a URL fragment.
func ShareLink(link, passphrase string) string {
	return link + "#" + url.QueryEscape(passphrase)
}

// ParseShareLink extracts the short token and the optional fragment
// passphrase from a share link. A bare token is accepted as well.
func ParseShareLink(link string) (token, passphrase string, err error) {
	link = strings.TrimSpace(link)
	if link == "" {
		return "", "", ErrBadLink
	}
	if !strings.Contains(link, "/") {
		token, frag, _ := strings.Cut(link, "#")
		pass, _ := url.QueryUnescape(frag)
		return token, pass, nil
	}

	u, err := url.Parse(link)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrBadLink, err)
	}
	_, token, ok := strings.Cut(u.Path, "/d/")
	if !ok || token == "" || strings.Contains(token, "/") {
		return "", "", ErrBadLink
	}
	pass, err := url.QueryUnescape(u.Fragment)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrBadLink, err)
	}
	return token, pass, nil
}

func bundle(files []envelope.File) (string, []byte, error) {
	switch len(files) {
	case 0:
		return "", nil, ErrNoFiles
	case 1:
		return envelope.SanitizeFileName(files[0].Name), files[0].Data, nil
	}
	data, err := envelope.Archive(files)
	if err != nil {
		return "", nil, err
	}
	return envelope.ArchiveName, data, nil
}

func fileType(name string) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}

func handleAPIError(resp *req.Response, err error, op string) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !resp.IsErrorState() {
		return nil
	}
	if apiErr, ok := resp.ErrorResult().(*APIError); ok && apiErr.Detail.Code != 0 {
		return wrapStatus(resp.StatusCode, fmt.Errorf("%s: %w", op, apiErr))
	}
	return statusError(resp.StatusCode, resp.Bytes(), op)
}

func statusError(code int, body []byte, op string) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return wrapStatus(code, fmt.Errorf("%s: status %d: %s", op, code, msg))
}

// wrapStatus marks errors for links that no longer resolve.
func wrapStatus(code int, err error) error {
	if code == http.StatusNotFound || code == http.StatusGone {
		return errors.Join(ErrUnavailable, err)
	}
	return err
}
