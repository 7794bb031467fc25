package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Config holds settings for an AWS S3 (or compatible) endpoint.
type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
}

// S3 is a Store backed by aws-sdk-go-v2. Containers map to buckets.
type S3 struct {
	client *s3.Client
	region string
}

// NewS3 builds a client from cfg. Static credentials are used when given,
// otherwise the default AWS credential chain applies.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   50,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ForceAttemptHTTP2:     true,
		},
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithHTTPClient(httpClient),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3{client: client, region: cfg.Region}, nil
}

func (s *S3) EnsureContainer(ctx context.Context, container string) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(container)})
	if err == nil {
		return nil
	}
	if !IsNotFound(s3Error("ensure", container, "", err)) {
		return s3Error("ensure", container, "", err)
	}

	input := &s3.CreateBucketInput{Bucket: aws.String(container)}
	if s.region != "" && s.region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(s.region),
		}
	}
	if _, err := s.client.CreateBucket(ctx, input); err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		if errors.As(err, &owned) {
			return nil
		}
		return s3Error("ensure", container, "", err)
	}
	return nil
}

func (s *S3) Put(ctx context.Context, container, key string, r io.Reader, size int64, meta Metadata) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(container),
		Key:         aws.String(key),
		Body:        r,
		ContentType: aws.String("application/octet-stream"),
		Metadata:    meta.Encode(),
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return s3Error("put", container, key, err)
	}
	return nil
}

func (s *S3) Get(ctx context.Context, container, key string) (*Object, error) {
	info, err := s.Stat(ctx, container, key)
	if err != nil {
		return nil, err
	}
	return &Object{
		ReadSeekCloser: &s3RangeReader{ctx: ctx, s3: s, container: container, key: key, size: info.Size},
		Info:           *info,
	}, nil
}

func (s *S3) Stat(ctx context.Context, container, key string) (*ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(container),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, s3Error("stat", container, key, err)
	}
	return &ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		LastModified: aws.ToTime(out.LastModified),
		Metadata:     DecodeMetadata(out.Metadata),
	}, nil
}

func (s *S3) Exists(ctx context.Context, container, key string) (bool, error) {
	return existsFromStat(ctx, s, container, key)
}

func (s *S3) Delete(ctx context.Context, container, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(container),
		Key:    aws.String(key),
	})
	if err == nil {
		return nil
	}
	se := s3Error("delete", container, key, err)
	if IsNotFound(se) {
		return nil
	}
	return se
}

func (s *S3) List(ctx context.Context, container, prefix string) iter.Seq2[ObjectInfo, error] {
	return func(yield func(ObjectInfo, error) bool) {
		paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(container),
			Prefix: aws.String(prefix),
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				yield(ObjectInfo{}, s3Error("list", container, prefix, err))
				return
			}
			// Listing does not return user metadata; callers Stat when they need it.
			for _, obj := range page.Contents {
				info := ObjectInfo{
					Key:          aws.ToString(obj.Key),
					Size:         aws.ToInt64(obj.Size),
					LastModified: aws.ToTime(obj.LastModified),
				}
				if !yield(info, nil) {
					return
				}
			}
		}
	}
}

// Ping checks that the endpoint answers, for readiness probes.
func (s *S3) Ping(ctx context.Context) error {
	if _, err := s.client.ListBuckets(ctx, &s3.ListBucketsInput{}); err != nil {
		return s3Error("ping", "", "", err)
	}
	return nil
}

func s3Error(op, container, key string, err error) error {
	se := &StorageError{Op: op, Container: container, Key: key, Err: err}

	var (
		noKey    *types.NoSuchKey
		notFound *types.NotFound
		noBucket *types.NoSuchBucket
		apiErr   smithy.APIError
		netErr   net.Error
	)
	switch {
	case errors.As(err, &noKey), errors.As(err, &notFound):
		se.Err = fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.As(err, &noBucket):
		se.Err = fmt.Errorf("%w: %v", ErrContainerNotFound, err)
	case errors.As(err, &apiErr):
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			se.Err = fmt.Errorf("%w: %v", ErrNotFound, err)
		case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable", "Throttling":
			se.Transient = true
		}
	case errors.As(err, &netErr), errors.Is(err, io.ErrUnexpectedEOF):
		se.Transient = true
	}
	return se
}

// s3RangeReader serves an object as an io.ReadSeeker by opening a ranged
// GetObject from the current offset on the first Read after each Seek.
type s3RangeReader struct {
	ctx       context.Context
	s3        *S3
	container string
	key       string
	size      int64
	offset    int64
	body      io.ReadCloser
}

func (r *s3RangeReader) Read(p []byte) (int, error) {
	if r.offset >= r.size {
		return 0, io.EOF
	}
	if r.body == nil {
		out, err := r.s3.client.GetObject(r.ctx, &s3.GetObjectInput{
			Bucket: aws.String(r.container),
			Key:    aws.String(r.key),
			Range:  aws.String(fmt.Sprintf("bytes=%d-", r.offset)),
		})
		if err != nil {
			return 0, s3Error("get", r.container, r.key, err)
		}
		r.body = out.Body
	}
	n, err := r.body.Read(p)
	r.offset += int64(n)
	return n, err
}

func (r *s3RangeReader) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = r.offset + offset
	case io.SeekEnd:
		abs = r.size + offset
	default:
		return 0, errors.New("blob: invalid whence")
	}
	if abs < 0 {
		return 0, errors.New("blob: negative position")
	}
	if abs != r.offset && r.body != nil {
		_ = r.body.Close()
		r.body = nil
	}
	r.offset = abs
	return abs, nil
}

func (r *s3RangeReader) Close() error {
	if r.body == nil {
		return nil
	}
	err := r.body.Close()
	r.body = nil
	return err
}

var _ Store = (*S3)(nil)
