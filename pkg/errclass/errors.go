package errclass

import (
	"errors"
	"fmt"
)

// Error is a failure whose category is already known by the component that raised it.
type Error struct {
	Err        error    // wrapped cause
	Message    string   // human-readable
	Category   Category // known category
	StatusCode int      // HTTP status if the failure came from an API
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Category, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Category, e.Err)
	default:
		return fmt.Sprintf("%s: status %d", e.Category, e.StatusCode)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a categorized error.
func New(c Category, format string, args ...any) *Error {
	return &Error{Category: c, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a category to err. Returns nil for a nil err.
func Wrap(err error, c Category, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Err: err, Category: c, Message: msg}
}

// WithStatus creates a categorized error carrying an HTTP status code.
func WithStatus(c Category, status int, msg string) *Error {
	return &Error{Category: c, StatusCode: status, Message: msg}
}

// Is reports whether err carries category c.
func Is(err error, c Category) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Category == c
	}
	return false
}

// CategoryOf returns the attached category, or Unknown.
func CategoryOf(err error) Category {
	var ce *Error
	if errors.As(err, &ce) && ce.Category.Valid() {
		return ce.Category
	}
	return Unknown
}
