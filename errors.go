package legion

import (
	"errors"
	"fmt"
)

// Standard errors returned by the orchestration core. Meta-tool
// execution recovers all of these into Observations; only
// ErrBudgetExceeded terminates a task from outside the loop.
var (
	// ErrDispatchTimeout indicates no reply arrived before the dispatch deadline.
	ErrDispatchTimeout = errors.New("dispatch timed out")

	// ErrWorkerUnavailable indicates no worker instance could be resolved
	// within the acquire wait window (capacity exhausted).
	ErrWorkerUnavailable = errors.New("no worker available")

	// ErrWorkerCreationFailed indicates the container runtime failed to
	// produce a ready instance.
	ErrWorkerCreationFailed = errors.New("worker creation failed")

	// ErrMessageValidation indicates a collaboration envelope failed the
	// validation pipeline (unknown group, expired group, non-member
	// sender, bad type, or disallowed payload key).
	ErrMessageValidation = errors.New("message validation failed")

	// ErrRateLimitExceeded indicates a sender exhausted its per-minute
	// message budget.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrLifecycleTransition indicates an illegal worker state transition
	// was attempted.
	ErrLifecycleTransition = errors.New("illegal lifecycle transition")

	// ErrBudgetExceeded indicates a task ran out of steps or time.
	ErrBudgetExceeded = errors.New("step or time budget exceeded")

	// ErrCorrelationOutstanding indicates a second dispatch was attempted
	// for a (task, instance) pair with an unresolved correlation.
	ErrCorrelationOutstanding = errors.New("correlation already outstanding")

	// ErrProfileNotFound indicates an unknown worker profile name.
	ErrProfileNotFound = errors.New("profile not found")

	// ErrGroupNotFound indicates an unknown collaboration group id.
	ErrGroupNotFound = errors.New("group not found")

	// ErrTaskNotFound indicates an unknown task id.
	ErrTaskNotFound = errors.New("task not found")

	// ErrInstanceNotFound indicates an unknown worker instance id.
	ErrInstanceNotFound = errors.New("instance not found")
)

// TaskError wraps an error with the task it belongs to.
type TaskError struct {
	TaskID string
	Err    error
}

// Error implements the error interface.
func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s: %v", e.TaskID, e.Err)
}

// Unwrap returns the underlying error.
func (e *TaskError) Unwrap() error {
	return e.Err
}

// TransitionError describes an illegal lifecycle transition attempt.
type TransitionError struct {
	InstanceID string
	From       InstanceState
	To         InstanceState
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("instance %s: illegal lifecycle transition %s -> %s", e.InstanceID, e.From, e.To)
}

// Unwrap makes TransitionError match ErrLifecycleTransition.
func (e *TransitionError) Unwrap() error {
	return ErrLifecycleTransition
}

// ValidationError carries the reason a collaboration envelope was rejected.
type ValidationError struct {
	GroupID string
	Reason  string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("group %s: %s", e.GroupID, e.Reason)
}

// Unwrap makes ValidationError match ErrMessageValidation.
func (e *ValidationError) Unwrap() error {
	return ErrMessageValidation
}
