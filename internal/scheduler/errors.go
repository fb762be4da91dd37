package scheduler

import "errors"

var (
	// ErrAdmissionDenied is returned when creating a task would exceed the
	// configured nesting depth. Nothing is created.
	ErrAdmissionDenied = errors.New("max nesting depth exceeded")

	// ErrDeliveryFailed wraps a sendMessage failure. At creation it rolls the
	// whole task back; at handoff and auto-resume the status is left for a
	// later recovery pass to retry.
	ErrDeliveryFailed = errors.New("message delivery failed")

	// ErrTaskInterrupted is reported to waiters on an interrupted task.
	ErrTaskInterrupted = errors.New("task interrupted")

	// ErrTaskTerminated is reported to waiters when a task is terminated.
	ErrTaskTerminated = errors.New("task terminated")

	ErrTaskNotFound = errors.New("task not found")
	ErrWaitTimeout  = errors.New("wait for agent report timed out")
)
