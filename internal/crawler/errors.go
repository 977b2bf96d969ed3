package crawler

import (
	"errors"
	"fmt"
)

// FetchErrorKind classifies fetch failures.
type FetchErrorKind string

// Fetch failure kinds.
const (
	FetchErrorNetwork    FetchErrorKind = "network"
	FetchErrorHTTPStatus FetchErrorKind = "http_status"
	FetchErrorParse      FetchErrorKind = "parse"
)

var (
	// ErrNoCategories aborts a run when discovery finds no category pages.
	ErrNoCategories = errors.New("no categories discovered")
	// ErrTxAborted marks a store failure that leaves the enclosing transaction
	// unusable; later writes in the same transaction cannot succeed.
	ErrTxAborted = errors.New("transaction aborted")
	// ErrWriterStopped reports that the record writer exited before the end
	// of the stream, so some product work was never persisted.
	ErrWriterStopped = errors.New("writer stopped before end of stream")
)

// FetchError is returned by Fetcher implementations.
type FetchError struct {
	Kind       FetchErrorKind
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.Kind == FetchErrorHTTPStatus {
		return fmt.Sprintf("fetch %s: %s %d", e.URL, e.Kind, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// FetchErrorKindOf returns the kind of a wrapped FetchError, or "unknown".
func FetchErrorKindOf(err error) string {
	var fe *FetchError
	if errors.As(err, &fe) {
		return string(fe.Kind)
	}
	return "unknown"
}
