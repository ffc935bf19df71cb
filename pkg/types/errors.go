package types

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound means no cache, chunk set or origin produced the content,
	// or a manifest/bundle lookup had no match.
	ErrNotFound = errors.New("not found")

	// ErrValidation covers malformed ids, manifests, bundles and proofs.
	ErrValidation = errors.New("validation failed")

	// ErrUpstreamUnavailable means every origin failed without a status
	// code that says anything about the content.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrTruncated means a stream carried a different number of bytes than
	// its declared length.
	ErrTruncated = errors.New("content length mismatch")

	// ErrDepthExceeded is returned when manifest or bundle indirection
	// nests deeper than the resolver allows.
	ErrDepthExceeded = errors.New("resolution depth exceeded")
)

// OriginError is the classified result of a race where no origin returned
// an acceptable response.
type OriginError struct {
	Status int
	Err    error
}

func (e *OriginError) Error() string {
	switch e.Status {
	case http.StatusNotFound:
		return fmt.Sprintf("origin status %d: content not found: %v", e.Status, e.Err)
	case http.StatusGone:
		return fmt.Sprintf("origin status %d: content withdrawn: %v", e.Status, e.Err)
	case http.StatusAccepted:
		return fmt.Sprintf("origin status %d: content not yet propagated: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("origin status %d: %v", e.Status, e.Err)
}

func (e *OriginError) Unwrap() error {
	return e.Err
}

// Validationf wraps ErrValidation with a formatted reason.
func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFoundf wraps ErrNotFound with a formatted reason.
func NotFoundf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// HTTPStatus maps an error from the resolution path to a response status.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrDepthExceeded):
		return http.StatusLoopDetected
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrUpstreamUnavailable):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
