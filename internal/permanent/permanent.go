// Package permanent tags failures that must not be retried: malformed
// transitions and fixes, undecodable display jobs, invalid campaigns.
package permanent

import (
	"errors"
	"fmt"
)

// Error wraps a cause that retrying cannot fix.
type Error struct {
	Err error
}

func (e Error) Error() string {
	if e.Err == nil {
		return "permanent failure"
	}
	return e.Err.Error()
}

func (e Error) Unwrap() error {
	return e.Err
}

// Permanent satisfies the marker checked by Is.
func (Error) Permanent() bool {
	return true
}

// Mark tags err as non-retryable; nil stays nil and tagged errors are returned as is.
func Mark(err error) error {
	if err == nil || Is(err) {
		return err
	}
	return Error{Err: err}
}

// Errorf formats a new non-retryable error; %w wrapping is preserved.
func Errorf(format string, args ...any) error {
	return Error{Err: fmt.Errorf(format, args...)}
}

// Is reports whether any error in the chain carries the permanent marker.
// Params: candidate error.
// Returns: false for nil and for transient failures.
func Is(err error) bool {
	var tagged interface{ Permanent() bool }
	return errors.As(err, &tagged) && tagged.Permanent()
}
