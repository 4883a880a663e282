package archive

import (
	"errors"
	"fmt"
)

// Sentinel errors for archive operations.
var (
	// ErrFetchTransient indicates a failure worth retrying: timeouts,
	// throttling, federation nodes answering 5xx.
	ErrFetchTransient = errors.New("transient fetch failure")

	// ErrFetchPermanent indicates a failure that retrying will not fix:
	// the file is gone, forbidden, or the request is malformed.
	ErrFetchPermanent = errors.New("permanent fetch failure")

	// ErrNoResults indicates a search matched nothing.
	ErrNoResults = errors.New("no search results")
)

// ArchiveError wraps archive failures with operation context.
type ArchiveError struct {
	// Op is the operation that failed (e.g., "Search", "Fetch").
	Op string

	// Model and Key locate the request, when applicable.
	Model string
	Key   string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *ArchiveError) Error() string {
	switch {
	case e.Key != "":
		return fmt.Sprintf("archive %s: %s/%s: %v", e.Op, e.Model, e.Key, e.Err)
	case e.Model != "":
		return fmt.Sprintf("archive %s: %s: %v", e.Op, e.Model, e.Err)
	default:
		return fmt.Sprintf("archive %s: %v", e.Op, e.Err)
	}
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ArchiveError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether the error is a retry-worthy fetch failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrFetchTransient)
}

// IsPermanent reports whether the error is a non-retryable fetch failure.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrFetchPermanent)
}

// IsNoResults reports whether the error indicates an empty search.
func IsNoResults(err error) bool {
	return errors.Is(err, ErrNoResults)
}
