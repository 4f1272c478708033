// Package archive stores original receipt files in external object storage.
package archive

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
)

// maxNameAttempts bounds the search for a free object name
const maxNameAttempts = 20

// Object identifies an archived file
type Object struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Store uploads receipt files
type Store interface {
	// Upload stores data under filename and returns the external identifiers.
	Upload(ctx context.Context, data []byte, filename, mimeType string) (*Object, error)
}

// Reader is implemented by stores that can fetch an archived file back
type Reader interface {
	Open(ctx context.Context, id string) ([]byte, error)
}

// UploadError is returned for any failed or malformed upload
type UploadError struct {
	Backend  string
	Filename string
	Err      error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("uploading %s to %s: %v", e.Filename, e.Backend, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

var errEmptyID = errors.New("archive returned an empty id")

// fallbackTypes covers extensions missing from the system MIME table
var fallbackTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".pdf":  "application/pdf",
	".heic": "image/heic",
	".heif": "image/heif",
}

// MIMEType infers a MIME type from the filename extension, defaulting to
// application/octet-stream
func MIMEType(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		return "application/octet-stream"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		if mediaType, _, err := mime.ParseMediaType(t); err == nil {
			return mediaType
		}
	}
	if t, ok := fallbackTypes[ext]; ok {
		return t
	}
	return "application/octet-stream"
}

// candidateName returns filename for the first attempt and name-N.ext afterwards
func candidateName(filename string, attempt int) string {
	if attempt == 0 {
		return filename
	}
	ext := filepath.Ext(filename)
	return fmt.Sprintf("%s-%d%s", strings.TrimSuffix(filename, ext), attempt+1, ext)
}
