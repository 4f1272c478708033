package scanning

import (
	"errors"
	"fmt"
	"strings"
)

// maxRawPrefix bounds how much of an unparseable model response is kept for diagnosis
const maxRawPrefix = 500

// ErrorKind classifies extraction failures
type ErrorKind int

const (
	// ServiceUnavailable means the provider call itself failed
	ServiceUnavailable ErrorKind = iota + 1
	// EmptyResponse means the provider answered with no text
	EmptyResponse
	// InvalidJSON means the answer could not be parsed as a JSON object
	InvalidJSON
)

func (k ErrorKind) String() string {
	switch k {
	case ServiceUnavailable:
		return "service unavailable"
	case EmptyResponse:
		return "empty response"
	case InvalidJSON:
		return "invalid json"
	default:
		return "unknown"
	}
}

// ExtractionError is returned by every Extractor implementation
type ExtractionError struct {
	Kind     ErrorKind
	Provider string
	// Raw holds a bounded prefix of the model response for InvalidJSON failures
	Raw string
	Err error
}

func (e *ExtractionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s extraction failed: %s", e.Provider, e.Kind)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.Raw != "" {
		fmt.Fprintf(&b, " (raw response: %s...)", e.Raw)
	}
	return b.String()
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is an ExtractionError of the given kind
func IsKind(err error, kind ErrorKind) bool {
	var extractionErr *ExtractionError
	return errors.As(err, &extractionErr) && extractionErr.Kind == kind
}

func unavailable(provider string, err error) error {
	return &ExtractionError{Kind: ServiceUnavailable, Provider: provider, Err: err}
}

func emptyResponse(provider string) error {
	return &ExtractionError{Kind: EmptyResponse, Provider: provider, Err: errors.New("no text in response")}
}

func invalidJSON(provider, raw string, err error) error {
	return &ExtractionError{Kind: InvalidJSON, Provider: provider, Raw: truncate(raw, maxRawPrefix), Err: err}
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "")
}
