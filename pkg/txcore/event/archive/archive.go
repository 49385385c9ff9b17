// Package archive stores dead-lettered envelopes in object storage so an
// operator can inspect and replay them by hand.
//
// Both stores implement event.Archive. Keys are chosen by the
// DeadLetterProcessor; the stores only add their configured prefix.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/randalmurphal/txcore/pkg/txcore/event"
)

const contentType = "application/json"

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("archive: object not found")

var (
	_ event.Archive = (*GCSArchive)(nil)
	_ event.Archive = (*S3Archive)(nil)
)

// Bucket is the narrow object surface GCSArchive uses.
type Bucket interface {
	NewWriter(ctx context.Context, name string) io.WriteCloser
	NewReader(ctx context.Context, name string) (io.ReadCloser, error)
}

type gcsBucket struct{ h *storage.BucketHandle }

func (b gcsBucket) NewWriter(ctx context.Context, name string) io.WriteCloser {
	w := b.h.Object(name).NewWriter(ctx)
	w.ContentType = contentType
	return w
}

func (b gcsBucket) NewReader(ctx context.Context, name string) (io.ReadCloser, error) {
	r, err := b.h.Object(name).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrNotFound
	}
	return r, err
}

// GCSArchive writes envelopes to a Cloud Storage bucket.
type GCSArchive struct {
	bucket Bucket
	prefix string
	close  func() error
}

// NewGCSArchive wraps an existing bucket.
func NewGCSArchive(b Bucket, prefix string) *GCSArchive {
	return &GCSArchive{bucket: b, prefix: prefix}
}

// OpenGCS creates a client from application default credentials.
func OpenGCS(ctx context.Context, bucket, prefix string) (*GCSArchive, error) {
	if bucket == "" {
		return nil, errors.New("gcs archive: bucket required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	a := NewGCSArchive(gcsBucket{h: client.Bucket(bucket)}, prefix)
	a.close = client.Close
	return a, nil
}

// Put implements event.Archive.
func (a *GCSArchive) Put(ctx context.Context, key string, data []byte) error {
	w := a.bucket.NewWriter(ctx, a.prefix+key)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs close %s: %w", key, err)
	}
	return nil
}

// Get reads an archived envelope back.
func (a *GCSArchive) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := a.bucket.NewReader(ctx, a.prefix+key)
	if err != nil {
		return nil, fmt.Errorf("gcs get %s: %w", key, err)
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

// Close releases the underlying client, if this archive owns one.
func (a *GCSArchive) Close() error {
	if a.close == nil {
		return nil
	}
	return a.close()
}

// S3API is the subset of *s3.Client S3Archive uses.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Config holds S3 connection settings.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // MinIO, LocalStack
	Prefix   string
}

// S3Archive writes envelopes to an S3 bucket.
type S3Archive struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Archive wraps an existing client.
func NewS3Archive(client S3API, bucket, prefix string) *S3Archive {
	return &S3Archive{client: client, bucket: bucket, prefix: prefix}
}

// OpenS3 loads the default AWS config and builds a client.
func OpenS3(ctx context.Context, cfg S3Config) (*S3Archive, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 archive: bucket required")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3Archive(client, cfg.Bucket, cfg.Prefix), nil
}

// Put implements event.Archive.
func (a *S3Archive) Put(ctx context.Context, key string, data []byte) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(a.prefix + key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("s3 put %s: %w", key, err)
	}
	return nil
}

// Get reads an archived envelope back.
func (a *S3Archive) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.prefix + key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get %s: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()
	return io.ReadAll(out.Body)
}
