// ABOUTME: Error kinds reported by generation backends
// ABOUTME: Network, API status and malformed response failures

package generation

import (
	"errors"
	"fmt"
)

var (
	// ErrNetwork reports an unreachable endpoint, a timeout or a dropped stream.
	ErrNetwork = errors.New("generation backend unreachable")

	// ErrMalformedResponse reports a body or chunk that cannot be parsed.
	ErrMalformedResponse = errors.New("malformed generation response")
)

// APIError reports a non-success HTTP status from the backend.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("generation API returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("generation API returned status %d: %s", e.StatusCode, e.Detail)
}

// Retryable reports whether the status suggests a later retry may succeed.
func (e *APIError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}
