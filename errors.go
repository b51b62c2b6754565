package realtime

import (
	"github.com/pkg/errors"
)

var (
	ErrConnectionClosed = errors.New("connection has been closed")
	ErrCannotConnect    = errors.New("connection cannot be established")
	ErrRateLimit        = errors.New("rate limit exceeded")

	// ErrMalformedFrame marks inbound data that does not parse or misses
	// mandatory fields. Such frames are dropped, never surfaced.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrUnknownKind marks a parsable frame whose kind is outside the
	// closed set. Forward-incompatible frames are dropped, never surfaced.
	ErrUnknownKind = errors.New("unknown message kind")

	ErrUnknownAction = errors.New("unknown command action")

	// ErrMissingURL is returned at construction time when no endpoint URL
	// was configured.
	ErrMissingURL = errors.New("endpoint URL is required")

	ErrServerClosed = errors.New("server has been closed")
)
