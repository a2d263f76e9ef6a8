package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrBackendUnavailable marks failures where the backend could not be reached
// or answered with a server error. No retry happens at this layer.
var ErrBackendUnavailable = errors.New("backend unavailable")

// BackendError is a non-2xx answer from a collaborator.
type BackendError struct {
	Backend    string
	StatusCode int
	Message    string
}

func (e *BackendError) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return fmt.Sprintf("%s: status %d", e.Backend, e.StatusCode)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Backend, e.StatusCode, e.Message)
}

func (e *BackendError) Is(target error) bool {
	return target == ErrBackendUnavailable && e != nil && (e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests)
}

// Unavailable wraps a transport failure. Context cancellation is passed
// through untouched so callers can tell a barge-in from an outage.
func Unavailable(backend string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", backend, ErrBackendUnavailable, err)
}

// StatusError builds a BackendError from a response body snippet.
func StatusError(backend string, status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 256 {
		msg = msg[:256]
	}
	return &BackendError{Backend: backend, StatusCode: status, Message: msg}
}
