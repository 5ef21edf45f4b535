package leaderboard

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNotConfigured is returned by NewClient when no base URL is set.
var ErrNotConfigured = errors.New("leaderboard: not configured")

// Error is a non-2xx response from the leaderboard API.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("leaderboard: %s (%d): %s", http.StatusText(e.StatusCode), e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404, which the API returns for
// addresses it has never scored.
func IsNotFound(err error) bool {
	return statusIs(err, http.StatusNotFound)
}

// IsRateLimited reports whether err is a 429.
func IsRateLimited(err error) bool {
	return statusIs(err, http.StatusTooManyRequests)
}

// IsUnauthorized reports whether err is a 401 or 403.
func IsUnauthorized(err error) bool {
	return statusIs(err, http.StatusUnauthorized) || statusIs(err, http.StatusForbidden)
}

func statusIs(err error, code int) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == code
	}
	return false
}
