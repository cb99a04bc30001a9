package api

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrTransport covers everything that means "the request did not get a usable
// answer": network errors, timeouts, server errors and malformed bodies.
var ErrTransport = errors.New("transport failure")

// ErrMalformed is a 2xx body that parsed but lacks required fields. It is
// always wrapped together with ErrTransport.
var ErrMalformed = errors.New("unexpected response shape")

// StatusError is a non-2xx response.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %d %s: %s", e.Op, e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

// Rejected reports a domain rejection (4xx), as opposed to a server failure.
func (e *StatusError) Rejected() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// Unwrap lets errors.Is(err, ErrTransport) match 5xx responses.
func (e *StatusError) Unwrap() error {
	if e.Rejected() {
		return nil
	}
	return ErrTransport
}

// IsRejected reports whether err is a 4xx answer from the backend.
func IsRejected(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Rejected()
}

func transportErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrTransport, err)
}
