package receipt

import (
	"errors"
	"fmt"

	"github.com/zombor/grocery-tracker/internal/scanning"
)

var (
	// ErrNotFound is returned by repositories for unknown receipt ids
	ErrNotFound = errors.New("receipt not found")
	// ErrDuplicateArchiveID is returned when another receipt already references the archived file
	ErrDuplicateArchiveID = errors.New("archive file id already stored")
)

// AcquisitionError means the receipt bytes could not be obtained
type AcquisitionError struct {
	Source string
	Err    error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("acquiring file from %s: %v", e.Source, e.Err)
}

func (e *AcquisitionError) Unwrap() error {
	return e.Err
}

// PersistenceError means the receipt could not be stored. Nothing was written.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("saving receipt: %v", e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// PipelineError is returned by every submit operation that did not reach Done
type PipelineError struct {
	RunID string
	State State
	Err   error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("run %s failed while %s: %v", e.RunID, e.State, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// IsClientError reports whether err was caused by the submitted file rather
// than by the server
func IsClientError(err error) bool {
	var acquisitionErr *AcquisitionError
	var extractionErr *scanning.ExtractionError
	return errors.As(err, &acquisitionErr) || errors.As(err, &extractionErr)
}

// Reason returns the innermost user-presentable message of a pipeline failure
func Reason(err error) string {
	var pipelineErr *PipelineError
	if errors.As(err, &pipelineErr) {
		return pipelineErr.Err.Error()
	}
	return err.Error()
}
