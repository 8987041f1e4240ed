package actions

import "errors"

var (
	ErrDisabled    = errors.New("action engine disabled")
	ErrStopped     = errors.New("action engine stopped")
	ErrQueueFull   = errors.New("action engine queue full")
	ErrOverlapSkip = errors.New("action skipped due to overlap policy")
)
