package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	s3Backend = "s3"
	// presignExpiry is the longest lifetime S3 accepts for a presigned URL
	presignExpiry = 7 * 24 * time.Hour
)

// S3Config configures an S3 compatible store
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// S3 uploads receipts to an S3 compatible bucket (AWS, MinIO)
type S3 struct {
	client *minio.Client
	bucket string
	region string
}

func NewS3(cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}

	return &S3{client: client, bucket: cfg.Bucket, region: cfg.Region}, nil
}

// EnsureBucket creates the bucket if it does not exist
func (s *S3) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		return fmt.Errorf("make bucket %s: %w", s.bucket, err)
	}
	return nil
}

// Upload puts a new object under a free key. The id is bucket/key.
func (s *S3) Upload(ctx context.Context, data []byte, filename, mimeType string) (*Object, error) {
	key, err := s.freeKey(ctx, filename)
	if err != nil {
		return nil, &UploadError{Backend: s3Backend, Filename: filename, Err: err}
	}

	opts := minio.PutObjectOptions{ContentType: mimeType}
	if _, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), opts); err != nil {
		return nil, &UploadError{Backend: s3Backend, Filename: filename, Err: fmt.Errorf("upload object: %w", err)}
	}

	return &Object{ID: s.bucket + "/" + key, URL: s.objectURL(ctx, key)}, nil
}

func (s *S3) freeKey(ctx context.Context, filename string) (string, error) {
	for attempt := 0; attempt < maxNameAttempts; attempt++ {
		key := candidateName(filename, attempt)

		_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
		if err == nil {
			continue
		}
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return key, nil
		}
		return "", fmt.Errorf("stat object: %w", err)
	}
	return "", errors.New("no free object key")
}

func (s *S3) objectURL(ctx context.Context, key string) string {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, presignExpiry, url.Values{})
	if err == nil {
		return u.String()
	}

	endpoint := *s.client.EndpointURL()
	endpoint.Path = "/" + s.bucket + "/" + key
	return endpoint.String()
}

// Open downloads an object by its bucket/key id
func (s *S3) Open(ctx context.Context, id string) ([]byte, error) {
	bucket, key, ok := strings.Cut(id, "/")
	if !ok || key == "" {
		return nil, fmt.Errorf("malformed object id %q", id)
	}

	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	return data, nil
}
