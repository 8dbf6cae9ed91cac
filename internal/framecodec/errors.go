package framecodec

import (
	"errors"
	"fmt"
)

// Sentinel errors for decode failures. All of them mean "drop this frame";
// they exist so callers can count and log the reason.
var (
	ErrCacheMiss   = errors.New("framecodec: keyframe reference does not match cache")
	ErrStale       = errors.New("framecodec: frame is not newer than the last applied frame")
	ErrCorrupt     = errors.New("framecodec: corrupt packet")
	ErrNoGeometry  = errors.New("framecodec: decoder geometry not configured")
	ErrUnsupported = errors.New("framecodec: unsupported downsample kind")
)

// ParseError records which packet field failed to parse.
type ParseError struct {
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("framecodec: parse %s: %v", e.Field, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func corrupt(field, format string, args ...any) error {
	return &ParseError{Field: field, Err: fmt.Errorf("%w: "+format, append([]any{ErrCorrupt}, args...)...)}
}
