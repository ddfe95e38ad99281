package enrichment

import (
	"errors"
	"fmt"
)

// Sentinel errors for a lookup the remote service answered with a 4xx.
var (
	ErrUserNotFound     = errors.New("user not found")
	ErrTemplateNotFound = errors.New("template not found")
)

// ErrInvalidResponse is wrapped when a 2xx body does not decode. It is not
// retried.
var ErrInvalidResponse = errors.New("invalid response body")

// StatusError is a non-2xx response from a lookup service.
type StatusError struct {
	// Service is "user" or "template".
	Service    string
	StatusCode int
	// Body is the start of the response body, for logs.
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s service returned %d", e.Service, e.StatusCode)
	}
	return fmt.Sprintf("%s service returned %d: %s", e.Service, e.StatusCode, e.Body)
}

// IsClientError reports whether the status is in the 4xx range. Such
// responses are never retried.
func (e *StatusError) IsClientError() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// IsNotFound reports whether err is a 4xx answer from either service.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUserNotFound) || errors.Is(err, ErrTemplateNotFound)
}
