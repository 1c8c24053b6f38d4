package backend

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrNotFound marks a stale reference: the card no longer exists remotely.
	// Callers treat it as "already removed" and never retry.
	ErrNotFound = errors.New("card not found")

	// ErrVerifiedUnsold is the business-rule conflict raised when deleting a
	// card whose prediction was verified correct but which was never sold.
	ErrVerifiedUnsold = errors.New("card is verified and not sold")

	// ErrBackend marks a transient backend or network failure.
	ErrBackend = errors.New("backend unavailable")
)

// APIError is a non-2xx response from the backend.
type APIError struct {
	Op     string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: status %d, body: %s", e.Op, e.Status, e.Body)
}

// Unwrap maps the response onto the error taxonomy.
func (e *APIError) Unwrap() error {
	switch {
	case e.Status == http.StatusNotFound || mentionsNotFound(e.Body):
		return ErrNotFound
	case e.Status == http.StatusConflict || mentionsVerifiedUnsold(e.Body):
		return ErrVerifiedUnsold
	default:
		return ErrBackend
	}
}

// IsStale reports whether err means the card is already gone.
func IsStale(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports whether err is the verified-and-unsold business rule.
func IsConflict(err error) bool { return errors.Is(err, ErrVerifiedUnsold) }

func mentionsNotFound(body string) bool {
	b := strings.ToLower(body)
	return strings.Contains(b, "not found") || strings.Contains(b, "does not exist")
}

func mentionsVerifiedUnsold(body string) bool {
	b := strings.ToLower(body)
	return strings.Contains(b, "verified") && (strings.Contains(b, "unsold") || strings.Contains(b, "not sold"))
}
