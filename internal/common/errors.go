package common

import (
	"errors"
	"fmt"
)

// Domain errors - use errors.Is() to check
var (
	ErrInternal     = errors.New("internal error")
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrBadRequest   = errors.New("bad request")

	// Job lifecycle errors
	ErrInvalidTransition = errors.New("invalid transition")

	// I/O errors
	ErrStorage   = errors.New("storage error")
	ErrTransport = errors.New("transport error")

	// Resource-specific errors
	ErrJobNotFound    = fmt.Errorf("job %w", ErrNotFound)
	ErrPlayerNotFound = fmt.Errorf("player %w", ErrNotFound)
	ErrChartNotFound  = fmt.Errorf("chart %w", ErrNotFound)
	ErrVideoNotFound  = fmt.Errorf("video %w", ErrNotFound)
)

// WrapStorage wraps an error as a storage error with context
func WrapStorage(operation string, err error) error {
	return fmt.Errorf("%s: %w", operation, errors.Join(ErrStorage, err))
}

// WrapTransport wraps an error as a transport error with context
func WrapTransport(operation string, err error) error {
	return fmt.Errorf("%s: %w", operation, errors.Join(ErrTransport, err))
}

// IsNotFound checks if error is a not found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsInvalidTransition checks if error is a terminal-state violation
func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}

// IsStorage checks if error is a storage error
func IsStorage(err error) bool {
	return errors.Is(err, ErrStorage)
}
