package protocol

import (
	"errors"
	"fmt"
)

// Sentinel errors for event encoding and decoding. These enable callers to
// distinguish failure modes using errors.Is.
var (
	ErrUnknownEvent    = errors.New("protocol: unknown event type")
	ErrMessageTooLarge = errors.New("protocol: message too large")
	ErrEventTooLarge   = errors.New("protocol: event exceeds maximum size")
	ErrTrailingData    = errors.New("protocol: trailing bytes after event payload")
)

// ParseError indicates a failure to parse an event field. It wraps the
// underlying I/O or format error and records which field was being parsed.
type ParseError struct {
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("protocol: parse %s: %v", e.Field, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
