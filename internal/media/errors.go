package media

import "errors"

var (
	// ErrTooLarge means the body exceeded the byte limit.
	ErrTooLarge = errors.New("media too large")
	// ErrNotImage means the content is not a recognised image type.
	ErrNotImage = errors.New("media is not an image")
	// ErrUnavailable means the remote returned a non-200 status.
	ErrUnavailable = errors.New("media unavailable")
)
