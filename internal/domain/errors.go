package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrValidation is the parent of every malformed-submission error.
	ErrValidation = errors.New("invalid submission")

	// ErrInvalidLanguage is returned when an unsupported language is submitted.
	ErrInvalidLanguage = fmt.Errorf("%w: invalid or unsupported language", ErrValidation)

	// ErrEmptySourceCode is returned when source code is empty.
	ErrEmptySourceCode = fmt.Errorf("%w: source code cannot be empty", ErrValidation)

	// ErrPayloadTooLarge is returned when the source code exceeds the size limit.
	ErrPayloadTooLarge = fmt.Errorf("%w: source code payload exceeds maximum size (1MB)", ErrValidation)

	// ErrStdinTooLarge is returned when stdin exceeds the size limit.
	ErrStdinTooLarge = fmt.Errorf("%w: stdin payload exceeds maximum size (1MB)", ErrValidation)

	// ErrThrottled is matched by every ThrottledError.
	ErrThrottled = errors.New("too many code execution requests, please try again later")

	// ErrJobNotFound is returned when a job cannot be found by ID.
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidTransition is returned when a state change would break the lifecycle order.
	ErrInvalidTransition = errors.New("invalid job state transition")

	// ErrJobNotTerminal is returned when removing a job that has not finished yet.
	ErrJobNotTerminal = errors.New("job has not reached a terminal state")

	// ErrWaitTimeout is returned when a wait deadline elapses before the job finishes.
	// The job itself keeps running.
	ErrWaitTimeout = errors.New("timed out waiting for job completion")

	// ErrEnqueueFailed is returned when the job could not be handed to its partition.
	ErrEnqueueFailed = errors.New("failed to enqueue job")
)

// ThrottledError reports an admission quota denial.
type ThrottledError struct {
	RetryAfter time.Duration
	Limit      int
}

func (e *ThrottledError) Error() string {
	return ErrThrottled.Error()
}

func (e *ThrottledError) Is(target error) bool {
	return target == ErrThrottled
}

// TransitionError carries the state a job was actually in when a
// compare-and-set transition was refused.
type TransitionError struct {
	From    State
	To      State
	Current State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid job state transition %s -> %s (job is %s)", e.From, e.To, e.Current)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
