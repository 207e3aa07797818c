package domain

import (
	"errors"
	"fmt"
)

// Upstream exchange errors. They live here so adapters in internal/core can
// return them without importing the logic layer.
var (
	// ErrMissingCode indicates the callback carried no authorization code.
	ErrMissingCode = errors.New("missing authorization code")

	// ErrUpstreamTimeout indicates the provider did not answer in time or the
	// connection failed at the network level.
	ErrUpstreamTimeout = errors.New("upstream timeout")

	// ErrUpstreamCancelled indicates the caller went away mid-exchange. The
	// authorization code may already be consumed.
	ErrUpstreamCancelled = errors.New("upstream call cancelled")

	// ErrMalformedUpstreamResponse indicates a token or platform response that
	// failed schema validation.
	ErrMalformedUpstreamResponse = errors.New("malformed upstream response")

	// ErrUnauthenticated indicates no usable session or credential.
	ErrUnauthenticated = errors.New("unauthenticated")
)

// UpstreamAuthError is a non-success response from the provider.
type UpstreamAuthError struct {
	Status int
	Body   string
}

func (e *UpstreamAuthError) Error() string {
	return fmt.Sprintf("upstream rejected request (%d): %s", e.Status, e.Body)
}
