package api

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized marks a 401 from the backend: the session is gone.
	ErrUnauthorized = errors.New("session expired")
	// ErrForbidden marks a 403 from the backend.
	ErrForbidden = errors.New("forbidden")
	// ErrNotAuthenticated is returned by the request gate before any
	// network traffic when no session is established.
	ErrNotAuthenticated = errors.New("not authenticated")
)

// StatusError is a non-2xx response, or a 2xx response whose envelope
// carries an error code.
type StatusError struct {
	Code    int
	Path    string
	Message string
	kind    error
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api %s returned status %d", e.Path, e.Code)
	}
	return fmt.Sprintf("api %s returned status %d: %s", e.Path, e.Code, e.Message)
}

func (e *StatusError) Unwrap() error { return e.kind }

// IsAuthFailure reports whether err means the caller must log in again.
func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrForbidden)
}

func kindForStatus(code int) error {
	switch code {
	case 401:
		return ErrUnauthorized
	case 403:
		return ErrForbidden
	}
	return nil
}
