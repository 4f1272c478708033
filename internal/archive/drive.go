package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const driveBackend = "gdrive"

// Drive uploads receipts to a Google Drive folder
type Drive struct {
	service  *drive.Service
	folderID string
}

// NewDrive creates a Drive store. credentialsPath points to a service account
// JSON key; extra options override the defaults and are mostly used by tests.
func NewDrive(ctx context.Context, credentialsPath, folderID string, opts ...option.ClientOption) (*Drive, error) {
	clientOpts := []option.ClientOption{option.WithScopes(drive.DriveFileScope)}
	if credentialsPath != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(credentialsPath))
	}
	clientOpts = append(clientOpts, opts...)

	service, err := drive.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating drive client: %w", err)
	}

	return &Drive{service: service, folderID: folderID}, nil
}

// Upload creates a new Drive file. Drive allows duplicate names so no
// collision handling is needed.
func (d *Drive) Upload(ctx context.Context, data []byte, filename, mimeType string) (*Object, error) {
	file := &drive.File{Name: filename, MimeType: mimeType}
	if d.folderID != "" {
		file.Parents = []string{d.folderID}
	}

	created, err := d.service.Files.Create(file).
		Media(bytes.NewReader(data), googleapi.ContentType(mimeType)).
		Fields("id", "webViewLink").
		SupportsAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		return nil, &UploadError{Backend: driveBackend, Filename: filename, Err: err}
	}
	if created.Id == "" {
		return nil, &UploadError{Backend: driveBackend, Filename: filename, Err: errEmptyID}
	}

	return &Object{ID: created.Id, URL: created.WebViewLink}, nil
}

// Open downloads the content of a Drive file
func (d *Drive) Open(ctx context.Context, id string) ([]byte, error) {
	resp, err := d.service.Files.Get(id).SupportsAllDrives(true).Context(ctx).Download()
	if err != nil {
		return nil, fmt.Errorf("downloading drive file %s: %w", id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("downloading drive file %s: status %d", id, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading drive file %s: %w", id, err)
	}
	return data, nil
}
