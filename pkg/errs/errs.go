// Package errs defines the error kinds shared across the trading core.
//
// Components translate transport and venue failures into one of these
// sentinel kinds so callers can branch with errors.Is without inspecting
// HTTP statuses or exchange codes. Retry policy keys off the kind: only
// ErrTransientNetwork is generally retryable, and rate limiting is retried
// exactly once by the client before it surfaces as ErrRateLimited.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrTransientNetwork covers timeouts, connection resets, and 5xx
	// responses that survived the client's retry budget.
	ErrTransientNetwork = errors.New("transient network error")

	// ErrRateLimited is returned after a 429/418 persisted through the
	// single Retry-After retry.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrExchangeRejected is a non-retryable 4xx rejection. The concrete
	// error is an *APIError carrying the venue code and message.
	ErrExchangeRejected = errors.New("exchange rejected request")

	// ErrValidation marks locally detected bad input: malformed signals,
	// unknown order ids, weights that can never fit a rate bucket.
	ErrValidation = errors.New("validation failure")

	// ErrRiskRejected is returned by the risk gate for signals that violate
	// a limit or arrive while the kill switch is engaged.
	ErrRiskRejected = errors.New("rejected by risk manager")

	// ErrStaleState marks data known to be out of sync, such as an order
	// book that missed a sequence number and awaits resync.
	ErrStaleState = errors.New("stale state")

	// ErrFatal marks unrecoverable conditions that must stop the engine.
	ErrFatal = errors.New("fatal error")
)

// APIError is a rejection returned by the exchange REST API. It matches
// ErrExchangeRejected under errors.Is.
type APIError struct {
	HTTPStatus int    // HTTP status of the response
	Code       int    // venue error code, e.g. -2010
	Message    string // venue error message
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange rejected request: code=%d msg=%q http=%d", e.Code, e.Message, e.HTTPStatus)
}

func (e *APIError) Is(target error) bool { return target == ErrExchangeRejected }

// AsAPIError unwraps err to the venue rejection, if there is one.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// Retryable reports whether err may succeed on a later attempt.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransientNetwork)
}
