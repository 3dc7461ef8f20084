package errors

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
)

// IsTransient reports whether a download failure is worth retrying: a
// server-side fault or a recognized transient network error. An explicit
// abort (context cancellation) is never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	if appErr, ok := err.(*AppError); ok {
		switch appErr.Code {
		case CodeTransientTransport:
			return true
		case CodeAborted, CodeAdapterUnavailable, CodePermanentAdapter:
			return false
		}
		if appErr.Cause != nil {
			return IsTransient(appErr.Cause)
		}
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errStr := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"timeout",
		"temporary failure",
		"service unavailable",
		"too many requests",
		"503",
		"502",
		"504",
		"429",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// HTTPTransientStatus returns true if the HTTP status code indicates a
// server-side fault that may clear on retry.
func HTTPTransientStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return statusCode >= 500
	}
}

// FromHTTPStatus converts a non-2xx adapter response into the matching
// taxonomy error.
func FromHTTPStatus(statusCode int, message string) *AppError {
	if HTTPTransientStatus(statusCode) {
		return TransientTransport(message)
	}
	return PermanentAdapter(message)
}

// IsAbort reports whether an error stems from cooperative cancellation.
func IsAbort(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	if appErr, ok := err.(*AppError); ok {
		if appErr.Code == CodeAborted {
			return true
		}
		if appErr.Cause != nil {
			return IsAbort(appErr.Cause)
		}
	}
	return false
}
