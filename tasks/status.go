package tasks

// Status represents the lifecycle state of a task.
type Status string

const (
	// StatusPending indicates the task was submitted but not dispatched yet.
	StatusPending Status = "pending"

	// StatusProcessing indicates the workflow engine was (or is being) triggered.
	StatusProcessing Status = "processing"

	// StatusCompleted indicates the engine reported a result.
	StatusCompleted Status = "completed"

	// StatusFailed indicates the engine reported an error.
	StatusFailed Status = "failed"
)

// AllStatuses lists every valid status in lifecycle order.
var AllStatuses = []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed}

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// IsTerminal returns true if no transition out of s is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanDispatch returns true if a task in status s may be handed to the
// workflow engine.
func (s Status) CanDispatch() bool {
	return s == StatusPending
}

// CanTransition reports whether a task may move from one status to another.
// Re-marking a Processing task is allowed so redelivered dispatch jobs stay
// idempotent. Terminal statuses never transition, not even to themselves;
// reapplying a result is handled by the caller without a write.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to.IsTerminal()
	case StatusProcessing:
		return to == StatusProcessing || to.IsTerminal()
	}
	return false
}
