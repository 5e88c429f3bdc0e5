package scope

import "errors"

var (
	// ErrNotFound is returned by point lookups for identifiers unknown to
	// the store, including entries and batches that have been evicted.
	ErrNotFound = errors.New("not found")

	// ErrBadRequest is returned when a filter or scan request fails
	// validation.
	ErrBadRequest = errors.New("bad request")

	// ErrStoreClosed is returned by operations against a closed store.
	ErrStoreClosed = errors.New("store closed")
)

func isBadRequest(err error) bool {
	return errors.Is(err, ErrBadRequest)
}
