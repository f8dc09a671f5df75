package api

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrMalformedRequest marks a request that could not be built; resending it
// would fail the same way.
var ErrMalformedRequest = errors.New("malformed request")

// StatusError is a non-2xx response from the backend.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s failed: %d %s", e.Op, e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("%s failed: %d %s: %s", e.Op, e.Code, http.StatusText(e.Code), e.Body)
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

// IsAuthRejected reports a 401 response.
func IsAuthRejected(err error) bool {
	return StatusCode(err) == http.StatusUnauthorized
}

// IsClientError reports failures that will not heal by resending the same
// request: 400, 401, 403, 404, 422 and malformed requests.
func IsClientError(err error) bool {
	if errors.Is(err, ErrMalformedRequest) {
		return true
	}
	switch StatusCode(err) {
	case http.StatusBadRequest,
		http.StatusUnauthorized,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusUnprocessableEntity:
		return true
	}
	return false
}
