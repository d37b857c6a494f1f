package engine

import "errors"

var (
	ErrDisabled    = errors.New("dispatch engine disabled")
	ErrStopped     = errors.New("dispatch engine stopped")
	ErrStopping    = errors.New("dispatch engine stopping")
	ErrQueueFull   = errors.New("dispatch engine queue full")
	ErrOverlapSkip = errors.New("task skipped: already queued or running")
)
