package task

import "fmt"

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusAssigned Status = "assigned"
	StatusWorking  Status = "working"
	StatusReview   Status = "review"
	StatusDone     Status = "done"
	StatusFailed   Status = "failed"
)

// edges is the complete set of legal transitions.
var edges = map[Status][]Status{
	StatusQueued:   {StatusAssigned},
	StatusAssigned: {StatusWorking},
	StatusWorking:  {StatusReview, StatusDone, StatusFailed},
	StatusReview:   {StatusDone, StatusFailed, StatusWorking},
}

// IsTerminal reports whether s is a final state.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusAssigned, StatusWorking, StatusReview, StatusDone, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// checkTransition returns ErrInvalidStateTransition wrapped with context when
// from -> to is not allowed.
func checkTransition(id string, from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: task %s cannot move from %s to %s", ErrInvalidStateTransition, id, from, to)
	}
	return nil
}
