package errs

import (
	"errors"
	"fmt"
)

// Wrap annotates err with a message, preserving it for errors.Is/As.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf is Wrap with format arguments.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is is a thin re-export so callers need only import errs.
func Is(err, target error) bool { return errors.Is(err, target) }

// As is a thin re-export so callers need only import errs.
func As(err error, target any) bool { return errors.As(err, target) }

// New constructs a plain error, for call sites that don't need a typed kind.
func New(message string) error { return errors.New(message) }
