package utils

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
)

// NewError creates a new error with a message
func NewError(msg string) error {
	return errors.New(msg)
}

// WrapError wraps an error with additional context
func WrapError(err error, msg string) error {
	if err == nil {
		return fmt.Errorf("%s", msg)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// TimeoutError creates a timeout error
func TimeoutError(operation string) error {
	return fmt.Errorf("%s: operation timed out", operation)
}

// Combine folds a list of errors into one, dropping nils.
// The result unwraps to every non-nil member.
func Combine(errs ...error) error {
	return multierr.Combine(errs...)
}

// Errors splits an error built by Combine back into its members
func Errors(err error) []error {
	return multierr.Errors(err)
}
