package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrPeerDisconnect marks the remote end going away. It ends a session
// normally and is not a failure.
var ErrPeerDisconnect = errors.New("peer disconnected")

// DecodeError wraps a malformed binary payload.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "decode payload: " + e.Err.Error() }

func (e *DecodeError) Unwrap() error { return e.Err }

// Violation names one field that failed validation.
type Violation struct {
	Field   string `msgpack:"field"`
	Message string `msgpack:"message"`
}

// ValidationError lists every field that failed validation, in field order.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.Field + ": " + v.Message
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Add records a violation for field.
func (e *ValidationError) Add(field, format string, args ...any) {
	e.Violations = append(e.Violations, Violation{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Merge appends the violations of other with their fields nested under prefix.
func (e *ValidationError) Merge(prefix string, other *ValidationError) {
	for _, v := range other.Violations {
		e.Violations = append(e.Violations, Violation{Field: prefix + "." + v.Field, Message: v.Message})
	}
}

// OrNil returns e as an error only when it holds violations.
func (e *ValidationError) OrNil() error {
	if len(e.Violations) == 0 {
		return nil
	}
	return e
}

// InvalidImageError is raised when a well-formed frame's data cannot be
// reshaped into its declared dimensions.
type InvalidImageError struct {
	Length   int
	Height   int
	Width    int
	Channels int
}

func (e *InvalidImageError) Error() string {
	return fmt.Sprintf("image data (length %d) cannot be reshaped to %dx%dx%d", e.Length, e.Height, e.Width, e.Channels)
}
