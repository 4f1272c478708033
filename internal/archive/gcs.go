package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const gcsBackend = "gcs"

// GCS uploads receipts to a Cloud Storage bucket. It uses Application Default
// Credentials unless options say otherwise.
type GCS struct {
	client *storage.Client
	bucket string
	prefix string
}

func NewGCS(ctx context.Context, bucket, prefix string, opts ...option.ClientOption) (*GCS, error) {
	if bucket == "" {
		return nil, errors.New("gcs bucket is required")
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}

	return &GCS{client: client, bucket: bucket, prefix: prefix}, nil
}

// Upload writes a new object. The DoesNotExist precondition makes the write
// fail with 412 on a name collision, in which case the next candidate is tried.
func (g *GCS) Upload(ctx context.Context, data []byte, filename, mimeType string) (*Object, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	for attempt := 0; attempt < maxNameAttempts; attempt++ {
		name := g.prefix + candidateName(filename, attempt)

		err := g.write(ctx, name, data, mimeType)
		if isPreconditionFailed(err) {
			continue
		}
		if err != nil {
			return nil, &UploadError{Backend: gcsBackend, Filename: filename, Err: err}
		}

		return &Object{ID: name, URL: g.objectURL(name)}, nil
	}

	return nil, &UploadError{Backend: gcsBackend, Filename: filename, Err: errors.New("no free object name")}
}

func (g *GCS) write(ctx context.Context, name string, data []byte, mimeType string) error {
	obj := g.client.Bucket(g.bucket).Object(name).If(storage.Conditions{DoesNotExist: true})

	w := obj.NewWriter(ctx)
	w.ContentType = mimeType

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("write object: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize upload: %w", err)
	}
	return nil
}

func (g *GCS) objectURL(name string) string {
	return (&url.URL{Scheme: "https", Host: "storage.googleapis.com", Path: "/" + g.bucket + "/" + name}).String()
}

// Open reads an object back
func (g *GCS) Open(ctx context.Context, id string) ([]byte, error) {
	rc, err := g.client.Bucket(g.bucket).Object(id).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading object %s/%s: %w", g.bucket, id, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading bytes: %w", err)
	}
	return data, nil
}

func (g *GCS) Close() error {
	return g.client.Close()
}

func isPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}
