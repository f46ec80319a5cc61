package apiclient

import (
	"errors"
	"fmt"

	goerrors "github.com/goliatone/go-errors"
)

const (
	TextCodeTokenUnavailable = "API_TOKEN_UNAVAILABLE"
	TextCodeRequestFailed    = "API_REQUEST_FAILED"
)

// ErrTokenUnavailable is returned when no bearer token could be resolved.
// No request is sent in that case.
var ErrTokenUnavailable = goerrors.New("no bearer token available", goerrors.CategoryAuth).
	WithTextCode(TextCodeTokenUnavailable).
	WithCode(goerrors.CodeUnauthorized)

var errRequestFailed = goerrors.New("backend request failed", goerrors.CategoryOperation).
	WithTextCode(TextCodeRequestFailed)

// APIError is a non-success response from the backend.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	if e == nil {
		return "api error"
	}
	if len(e.Body) > 0 {
		return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, truncate(string(e.Body), 256))
	}
	return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.StatusCode)
}

// Unwrap exposes a go-errors value carrying the status as code.
func (e *APIError) Unwrap() error {
	if e == nil {
		return nil
	}
	clone := errRequestFailed.Clone()
	if clone == nil {
		return nil
	}
	return clone.WithCode(e.StatusCode).WithMetadata(map[string]any{
		"method": e.Method,
		"path":   e.Path,
		"status": e.StatusCode,
	})
}

// IsTokenUnavailable reports whether err means the caller is not signed in.
func IsTokenUnavailable(err error) bool {
	var rich *goerrors.Error
	if !errors.As(err, &rich) || rich == nil {
		return false
	}
	return rich.TextCode == TextCodeTokenUnavailable
}

// IsAPIError returns the APIError wrapped by err, if any.
func IsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr != nil {
		return apiErr, true
	}
	return nil, false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
