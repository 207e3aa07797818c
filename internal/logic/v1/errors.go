// Package v1 provides session lifecycle business logic for API version 1.
//
// Error Handling:
// This package defines sentinel errors for every failure a caller must tell
// apart. Errors raised by core adapters are declared in the domain package and
// re-exported here so handlers only import this package. Wrap with context using
// fmt.Errorf("%w") when returning them.
//
// Example Usage:
//
//	if code == "" {
//	    return nil, fmt.Errorf("handle callback: %w", ErrMissingCode)
//	}
//
// Error Checking (in handlers):
//
//	var upstream *logicv1.UpstreamAuthError
//	switch {
//	case errors.Is(err, logicv1.ErrMissingCode):
//	    c.String(http.StatusBadRequest, "Missing code")
//	case errors.As(err, &upstream):
//	    c.String(http.StatusBadGateway, "Token exchange failed: %d %s", upstream.Status, upstream.Body)
//	case errors.Is(err, logicv1.ErrUpstreamTimeout):
//	    c.String(http.StatusGatewayTimeout, "Token exchange timed out")
//	default:
//	    c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
//	}
package v1

import (
	"errors"

	"github.com/duynhne/session-service/internal/core/domain"
)

// UpstreamAuthError is a non-success response from the provider.
// HTTP Status: 502 Bad Gateway, carrying upstream status and body.
type UpstreamAuthError = domain.UpstreamAuthError

// Sentinel errors for session lifecycle operations.
var (
	// ErrMissingCode indicates the callback carried no authorization code.
	// HTTP Status: 400 Bad Request
	ErrMissingCode = domain.ErrMissingCode

	// ErrUpstreamTimeout indicates the provider did not answer in time.
	// HTTP Status: 504 Gateway Timeout
	ErrUpstreamTimeout = domain.ErrUpstreamTimeout

	// ErrUpstreamCancelled indicates the client went away mid-exchange.
	// No response is written.
	ErrUpstreamCancelled = domain.ErrUpstreamCancelled

	// ErrMalformedUpstreamResponse indicates a provider payload failed validation.
	// HTTP Status: 502 Bad Gateway
	ErrMalformedUpstreamResponse = domain.ErrMalformedUpstreamResponse

	// ErrUnauthenticated indicates no valid session or fallback credential.
	// HTTP Status: 401 Unauthorized, with a login link
	ErrUnauthenticated = domain.ErrUnauthenticated

	// ErrStoreUnavailable indicates the session store could not be reached.
	// Absorbed on create (fallback) and on refresh/backfill (logged).
	// HTTP Status: 503 Service Unavailable when a read cannot proceed
	ErrStoreUnavailable = domain.ErrStoreUnavailable

	// ErrStaleTokens indicates another refresh already replaced the token pair.
	// Never surfaced; the fresher stored session is used instead.
	ErrStaleTokens = domain.ErrStaleTokens

	// ErrInvalidReturnState indicates a return destination that is not a local
	// path. It is replaced by the default destination and logged, never returned.
	ErrInvalidReturnState = errors.New("invalid return state")

	// ErrMalformedFallback indicates a fallback payload that cannot be opened.
	// HTTP Status: 401 Unauthorized
	ErrMalformedFallback = errors.New("malformed fallback credential")

	// ErrNoMemberships indicates the user has no platform memberships.
	// HTTP Status: 400 Bad Request
	ErrNoMemberships = errors.New("no platform memberships")
)
