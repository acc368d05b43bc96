package pipeline

import "errors"

var (
	ErrEmptyInput   = errors.New("userInput is required")
	ErrJobNotFound  = errors.New("job not found")
	ErrTaskNotFound = errors.New("task not found")

	// ErrNotRetriable is returned for tasks that cannot be reset: stage tasks,
	// and feature-matrix tasks that have not failed.
	ErrNotRetriable = errors.New("task is not retriable")

	ErrInvalidCallback = errors.New("invalid callback")
	ErrTooManyItems    = errors.New("between 1 and 5 competitors are required")
)
