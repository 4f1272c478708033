package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const localBackend = "local"

// Local implements Store on the local filesystem
type Local struct {
	basePath string
}

// NewLocal creates a Local store rooted at basePath, creating the directory if needed
func NewLocal(basePath string) (*Local, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("creating archive directory: %w", err)
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolving archive directory: %w", err)
	}

	return &Local{basePath: abs}, nil
}

// Upload writes data to a new file. An existing file is never overwritten:
// a numeric suffix is added instead.
func (l *Local) Upload(ctx context.Context, data []byte, filename, mimeType string) (*Object, error) {
	name := filepath.Base(filename)

	for attempt := 0; attempt < maxNameAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, &UploadError{Backend: localBackend, Filename: filename, Err: err}
		}

		candidate := candidateName(name, attempt)
		path := filepath.Join(l.basePath, candidate)

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return nil, &UploadError{Backend: localBackend, Filename: filename, Err: fmt.Errorf("creating file: %w", err)}
		}

		_, writeErr := f.Write(data)
		closeErr := f.Close()
		if err := errors.Join(writeErr, closeErr); err != nil {
			os.Remove(path)
			return nil, &UploadError{Backend: localBackend, Filename: filename, Err: fmt.Errorf("writing file: %w", err)}
		}

		return &Object{ID: candidate, URL: "file://" + filepath.ToSlash(path)}, nil
	}

	return nil, &UploadError{Backend: localBackend, Filename: filename, Err: errors.New("no free file name")}
}

// Open reads an archived file by id
func (l *Local) Open(ctx context.Context, id string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(l.basePath, filepath.Base(id)))
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return data, nil
}
