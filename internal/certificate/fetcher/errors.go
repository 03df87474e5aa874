package fetcher

import (
	"errors"
	"fmt"

	"caepi/pkg/platform/sentinel"
)

// ErrorKind classifies fetch failures.
type ErrorKind string

const (
	// KindTransport covers dialing, login, directory change, download and
	// empty payloads.
	KindTransport ErrorKind = "transport"

	// KindExtraction covers archives from which no feed could be recovered.
	KindExtraction ErrorKind = "extraction"
)

// FetchError wraps fetch failures with their kind and the failing step.
type FetchError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s [%s]: %v", e.Op, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Is makes transport failures match sentinel.ErrUnavailable.
func (e *FetchError) Is(target error) bool {
	return e.Kind == KindTransport && target == sentinel.ErrUnavailable
}

func transportError(op string, err error) *FetchError {
	return &FetchError{Kind: KindTransport, Op: op, Err: err}
}

func extractionError(op string, err error) *FetchError {
	return &FetchError{Kind: KindExtraction, Op: op, Err: err}
}

// KindOf extracts the failure kind, or "" when err is not a FetchError.
func KindOf(err error) ErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}
