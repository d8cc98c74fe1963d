package resolver

import (
	"errors"
	"fmt"
	"strings"
)

// ErrAttemptTimeout indicates a single extraction attempt exceeded its ceiling.
var ErrAttemptTimeout = errors.New("extraction attempt timed out")

// ExhaustedError is returned when every retry attempt failed. It carries the
// last attempt's error for the caller-visible cause string.
type ExhaustedError struct {
	Attempts int
	LastErr  error
}

func (e *ExhaustedError) Error() string {
	if e.LastErr == nil {
		return fmt.Sprintf("all %d attempts failed", e.Attempts)
	}
	return fmt.Sprintf("all %d attempts failed: %v", e.Attempts, e.LastErr)
}

func (e *ExhaustedError) Unwrap() error { return e.LastErr }

// markers attributing an attempt failure to the egress path rather than the
// upstream platform.
var proxyErrorMarkers = []string{
	"proxy",
	"tunnel",
	"connection refused",
	"connection reset",
	"handshake",
	"unreachable",
}

// isProxyError classifies an attempt error by its text. Engine errors are
// opaque strings, so substring matching is all there is to go on.
func isProxyError(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	for _, marker := range proxyErrorMarkers {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}
