package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig holds connection settings for an S3-compatible MinIO server.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
}

// Minio is a Store backed by minio-go. Containers map to buckets.
type Minio struct {
	client *minio.Client
	region string
}

func normaliseEndpoint(raw string) (endpoint string, secure bool, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false, fmt.Errorf("empty endpoint")
	}

	// Accept either "minio:9000" or "http://minio:9000" / "https://minio:9000".
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", false, err
		}
		if u.Host == "" {
			return "", false, fmt.Errorf("invalid endpoint")
		}
		if u.Path != "" && u.Path != "/" {
			return "", false, fmt.Errorf("endpoint must not contain a path")
		}
		return u.Host, u.Scheme == "https", nil
	}

	// Bare host:port is treated as plain HTTP, the usual local MinIO setup.
	return raw, false, nil
}

// NewMinio connects to the configured endpoint. No request is made until the
// first operation.
func NewMinio(cfg MinioConfig) (*Minio, error) {
	if cfg.Endpoint == "" || cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("minio configuration incomplete")
	}

	endpoint, secure, err := normaliseEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, err
	}
	return &Minio{client: client, region: cfg.Region}, nil
}

func (m *Minio) EnsureContainer(ctx context.Context, container string) error {
	exists, err := m.client.BucketExists(ctx, container)
	if err != nil {
		return minioError("ensure", container, "", err)
	}
	if exists {
		return nil
	}
	err = m.client.MakeBucket(ctx, container, minio.MakeBucketOptions{Region: m.region})
	if err != nil {
		// Lost a creation race with another instance.
		code := minio.ToErrorResponse(err).Code
		if code == "BucketAlreadyOwnedByYou" || code == "BucketAlreadyExists" {
			return nil
		}
		return minioError("ensure", container, "", err)
	}
	return nil
}

func (m *Minio) Put(ctx context.Context, container, key string, r io.Reader, size int64, meta Metadata) error {
	_, err := m.client.PutObject(ctx, container, key, r, size, minio.PutObjectOptions{
		ContentType:  "application/octet-stream",
		UserMetadata: meta.Encode(),
	})
	if err != nil {
		return minioError("put", container, key, err)
	}
	return nil
}

func (m *Minio) Get(ctx context.Context, container, key string) (*Object, error) {
	obj, err := m.client.GetObject(ctx, container, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, minioError("get", container, key, err)
	}
	// GetObject is lazy; Stat surfaces a missing key before any byte is served.
	st, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		return nil, minioError("get", container, key, err)
	}
	return &Object{ReadSeekCloser: obj, Info: minioInfo(st)}, nil
}

func (m *Minio) Stat(ctx context.Context, container, key string) (*ObjectInfo, error) {
	st, err := m.client.StatObject(ctx, container, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, minioError("stat", container, key, err)
	}
	info := minioInfo(st)
	return &info, nil
}

func (m *Minio) Exists(ctx context.Context, container, key string) (bool, error) {
	return existsFromStat(ctx, m, container, key)
}

func (m *Minio) Delete(ctx context.Context, container, key string) error {
	if err := m.client.RemoveObject(ctx, container, key, minio.RemoveObjectOptions{}); err != nil {
		if IsNotFound(minioError("delete", container, key, err)) {
			return nil
		}
		return minioError("delete", container, key, err)
	}
	return nil
}

func (m *Minio) List(ctx context.Context, container, prefix string) iter.Seq2[ObjectInfo, error] {
	return func(yield func(ObjectInfo, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		objects := m.client.ListObjects(ctx, container, minio.ListObjectsOptions{
			Prefix:       prefix,
			Recursive:    true,
			WithMetadata: true,
		})
		for obj := range objects {
			if obj.Err != nil {
				yield(ObjectInfo{}, minioError("list", container, prefix, obj.Err))
				return
			}
			if !yield(minioInfo(obj), nil) {
				return
			}
		}
	}
}

// Ping checks that the server answers, for readiness probes.
func (m *Minio) Ping(ctx context.Context) error {
	_, err := m.client.ListBuckets(ctx)
	if err != nil {
		return minioError("ping", "", "", err)
	}
	return nil
}

func minioInfo(st minio.ObjectInfo) ObjectInfo {
	raw := make(map[string]string, len(st.UserMetadata))
	for k, v := range st.UserMetadata {
		raw[k] = v
	}
	// StatObject reports user metadata through headers rather than UserMetadata.
	for k, v := range st.Metadata {
		if strings.HasPrefix(strings.ToLower(k), "x-amz-meta-") && len(v) > 0 {
			raw[k] = v[0]
		}
	}
	return ObjectInfo{
		Key:          st.Key,
		Size:         st.Size,
		LastModified: st.LastModified,
		Metadata:     DecodeMetadata(raw),
	}
}

func minioError(op, container, key string, err error) error {
	se := &StorageError{Op: op, Container: container, Key: key, Err: err}

	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchKey" || resp.Code == "NotFound":
		se.Err = fmt.Errorf("%w: %v", ErrNotFound, err)
	case resp.Code == "NoSuchBucket":
		se.Err = fmt.Errorf("%w: %v", ErrContainerNotFound, err)
	case resp.StatusCode >= http.StatusInternalServerError,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.Code == "SlowDown", resp.Code == "RequestTimeout":
		se.Transient = true
	default:
		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) {
			se.Transient = true
		}
	}
	return se
}

var _ Store = (*Minio)(nil)
