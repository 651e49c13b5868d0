package errors

import "strings"

// TransientErrorPatterns contains patterns that indicate transient errors worth retrying.
// These cover network timeouts and the engine API's throttling/unavailability responses.
var TransientErrorPatterns = []string{
	// Network errors
	"connection refused",
	"Connection reset by peer",
	"context deadline exceeded",
	"connection timed out",
	"i/o timeout",
	"TLS handshake timeout",
	"no such host",
	"network is unreachable",
	"unexpected EOF",
	// Engine API errors
	"429 Too Many Requests",
	"502 Bad Gateway",
	"503 Service Unavailable",
	"504 Gateway Timeout",
}

// IsTransientError checks if the error message or response body contains a transient error pattern.
func IsTransientError(err error, body string) (bool, string) {
	if err != nil {
		msg := err.Error()
		for _, pattern := range TransientErrorPatterns {
			if strings.Contains(msg, pattern) {
				return true, pattern
			}
		}
	}
	for _, pattern := range TransientErrorPatterns {
		if pattern != "" && body != "" && strings.Contains(body, pattern) {
			return true, pattern
		}
	}
	return false, ""
}

// IsTransientErrorMsg checks if an error contains a transient error pattern.
func IsTransientErrorMsg(err error) (bool, string) {
	return IsTransientError(err, "")
}
