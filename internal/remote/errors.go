package remote

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when every endpoint variant answers 404.
var ErrNotFound = errors.New("conversation not found")

// ErrRateLimited marks a failure caused by HTTP 429.
var ErrRateLimited = errors.New("rate limited")

// StatusError is a non-success HTTP answer.
type StatusError struct {
	Status int
	Path   string
	Via    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d from %s (%s)", e.Status, e.Path, e.Via)
}

func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Status == 404
	case ErrRateLimited:
		return e.Status == 429
	}
	return false
}
