package client

import (
	"errors"
	"fmt"
)

// Sentinel error kinds surfaced to callers. Handlers map these onto HTTP
// responses; none are fatal to the process.
var (
	ErrNetwork          = errors.New("network error")
	ErrHTTP             = errors.New("upstream http error")
	ErrParse            = errors.New("malformed upstream payload")
	ErrInvalidAPIKey    = errors.New("invalid API key")
	ErrLocationNotFound = errors.New("location not found")
	ErrRateLimited      = errors.New("rate limited")
)

// StatusError is returned for non-2xx upstream responses. It matches ErrHTTP
// always, and the more specific sentinels by status code.
type StatusError struct {
	Status  int
	Message string // upstream "message" field when present
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("upstream HTTP %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("upstream HTTP %d", e.Status)
}

func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrHTTP:
		return true
	case ErrLocationNotFound:
		return e.Status == 404
	case ErrInvalidAPIKey:
		return e.Status == 401
	case ErrRateLimited:
		return e.Status == 429
	}
	return false
}
