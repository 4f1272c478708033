package receipt

import (
	"context"
	"errors"
	"strings"
)

const (
	sourceChat   = "chat"
	sourceUpload = "upload"

	placeholderExtension = ".dat"
)

// ChatFileSource resolves a chat platform file reference to its content
type ChatFileSource interface {
	FetchBytes(ctx context.Context, reference string) ([]byte, error)
}

// File is an acquired receipt file
type File struct {
	Data     []byte
	Filename string
}

// Acquirer obtains the bytes of a receipt. Failures are *AcquisitionError.
type Acquirer interface {
	Acquire(ctx context.Context) (*File, error)
	Source() string
}

// ReferenceAcquirer downloads a file through the chat platform
type ReferenceAcquirer struct {
	Files             ChatFileSource
	Reference         string
	SuggestedFilename string
}

func (a *ReferenceAcquirer) Source() string { return sourceChat }

func (a *ReferenceAcquirer) Acquire(ctx context.Context) (*File, error) {
	if strings.TrimSpace(a.Reference) == "" {
		return nil, &AcquisitionError{Source: sourceChat, Err: errors.New("empty file reference")}
	}

	data, err := a.Files.FetchBytes(ctx, a.Reference)
	if err != nil {
		var acquisitionErr *AcquisitionError
		if errors.As(err, &acquisitionErr) {
			return nil, err
		}
		return nil, &AcquisitionError{Source: sourceChat, Err: err}
	}
	if len(data) == 0 {
		return nil, &AcquisitionError{Source: sourceChat, Err: errors.New("downloaded file is empty")}
	}

	name := strings.TrimSpace(a.SuggestedFilename)
	if name == "" {
		name = a.Reference + placeholderExtension
	}

	return &File{Data: data, Filename: name}, nil
}

// BytesAcquirer wraps bytes that were already received, e.g. from an upload
type BytesAcquirer struct {
	Data     []byte
	Filename string
}

func (a *BytesAcquirer) Source() string { return sourceUpload }

func (a *BytesAcquirer) Acquire(ctx context.Context) (*File, error) {
	if len(a.Data) == 0 {
		return nil, &AcquisitionError{Source: sourceUpload, Err: errors.New("file is empty")}
	}
	name := strings.TrimSpace(a.Filename)
	if name == "" {
		return nil, &AcquisitionError{Source: sourceUpload, Err: errors.New("filename is required")}
	}
	return &File{Data: a.Data, Filename: name}, nil
}
