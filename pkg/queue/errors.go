package queue

import "errors"

var (
	// ErrBackpressure means a cap would be exceeded. The caller is expected
	// to pause its own input and retry once the queue reports writability.
	ErrBackpressure = errors.New("queue: backpressure")

	ErrInvalidPriority = errors.New("queue: invalid priority")
)
