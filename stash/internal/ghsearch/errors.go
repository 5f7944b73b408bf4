package ghsearch

import (
	"fmt"
	"time"

	"github.com/hazyhaar/ghstash/stash/internal/repo"
)

// AuthError is returned when GitHub rejects the credential (401, or a 403
// that is not a rate limit), or when no credential was configured.
type AuthError struct {
	Status  int
	Message string
}

func (e *AuthError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("ghsearch: authentication failed: %s", e.Message)
	}
	return fmt.Sprintf("ghsearch: authentication failed (HTTP %d): %s", e.Status, e.Message)
}

// QueryError is returned for a search expression rejected locally (empty,
// too long) or by GitHub (422).
type QueryError struct {
	Query  string
	Reason string
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("ghsearch: invalid query %q: %s", e.Query, e.Reason)
}

// RateLimitError is returned when the quota is exhausted. Reset is the
// moment GitHub will accept requests again; zero when it did not say.
type RateLimitError struct {
	Status  int
	Reset   time.Time
	Message string
}

// ResetLayout renders reset times in messages.
const ResetLayout = "2006-01-02 15:04:05 UTC"

func (e *RateLimitError) Error() string {
	if e.Reset.IsZero() {
		return fmt.Sprintf("ghsearch: rate limit exceeded (HTTP %d)", e.Status)
	}
	return fmt.Sprintf("ghsearch: rate limit exceeded (HTTP %d), resets at %s",
		e.Status, e.Reset.UTC().Format(ResetLayout))
}

// ServerError is a 5xx answer. It is retried.
type ServerError struct {
	Status  int
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("ghsearch: server error (HTTP %d): %s", e.Status, e.Message)
}

// APIError is any other non-success answer. It is not retried.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ghsearch: unexpected response (HTTP %d): %s", e.Status, e.Message)
}

// NetworkError wraps a transport failure or timeout. It is retried.
type NetworkError struct {
	Op    string
	Cause error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("ghsearch: %s: %v", e.Op, e.Cause)
}

func (e *NetworkError) Unwrap() error { return e.Cause }

// ParseError is returned when a 200 body cannot be decoded or lacks a
// required field.
type ParseError struct {
	Detail string
	Cause  error
}

func (e *ParseError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("ghsearch: parse response: %s", e.Detail)
	}
	return fmt.Sprintf("ghsearch: parse response: %s: %v", e.Detail, e.Cause)
}

func (e *ParseError) Unwrap() error { return e.Cause }

// ValidationError reports an out-of-range argument or an item of the page
// that breaks the record rules.
type ValidationError = repo.ValidationError
