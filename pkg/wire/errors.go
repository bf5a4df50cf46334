package wire

import "errors"

var (
	ErrMalformed     = errors.New("wire: malformed message")
	ErrTooLargeFrame = errors.New("wire: frame exceeds maximum size")
	ErrHandshake     = errors.New("wire: invalid handshake record")

	// ErrPayloadSize comes with [ErrMalformed] when the header decoded
	// but the payload does not match its size.
	ErrPayloadSize = errors.New("wire: payload size mismatch")
)
