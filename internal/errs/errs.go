// Package errs provides the tagged-error idiom used across the
// execution pipeline: sentinel root errors, wrapped context, and an
// optional user-facing detail string independent of the wrap chain.
package errs

import (
	"errors"
	"fmt"
)

// detailed carries a free-form detail string alongside a wrapped error.
// The detail is meant for API responses; the wrap chain is for logs.
type detailed struct {
	err    error
	detail string
}

func (d *detailed) Error() string { return d.err.Error() }
func (d *detailed) Unwrap() error { return d.err }

// New returns a new sentinel error, suitable for use as a package-level
// var compared with errors.Is / Root.
func New(msg string) error { return errors.New(msg) }

// Wrap annotates err with msg (if given) the way fmt.Errorf("%w") does,
// but tolerates a nil err (returns nil) and a missing msg (returns err
// unchanged), matching chain/errors.Wrap's call sites.
func Wrap(err error, msg ...string) error {
	if err == nil {
		return nil
	}
	if len(msg) == 0 {
		return err
	}
	return fmt.Errorf("%s: %w", msg[0], err)
}

// Wrapf is Wrap with a format string.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// WithDetail attaches a user-facing detail string to err. Root() still
// sees through to err; Detail() recovers the string.
func WithDetail(err error, detail string) error {
	if err == nil {
		return nil
	}
	return &detailed{err: err, detail: detail}
}

// WithDetailf is WithDetail with a format string.
func WithDetailf(err error, format string, args ...interface{}) error {
	return WithDetail(err, fmt.Sprintf(format, args...))
}

// Detail returns the detail string attached to err by WithDetail(f), or
// "" if none is present anywhere in the wrap chain.
func Detail(err error) string {
	for err != nil {
		if d, ok := err.(*detailed); ok && d.detail != "" {
			return d.detail
		}
		err = errors.Unwrap(err)
	}
	return ""
}

// Root unwraps err down to the innermost error, the one comparable
// against package-level sentinel vars.
func Root(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

// Is reports whether err or any error in its chain matches target.
func Is(err, target error) bool { return errors.Is(err, target) }
