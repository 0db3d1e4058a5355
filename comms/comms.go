// Package comms carries task lifecycle notifications out of the scheduling
// core. Publishing never blocks the caller and never fails a transition.
package comms

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/acurioustractor/farmhand/task"
)

// EventType identifies a lifecycle notification.
type EventType string

const (
	TaskCreated     EventType = "taskCreated"
	TaskAssigned    EventType = "taskAssigned"
	TaskCompleted   EventType = "taskCompleted" // done or failed
	TaskNeedsReview EventType = "taskNeedsReview"
	TaskEscalated   EventType = "taskEscalated"
)

// AllEvents subscribes a handler to every event type.
const AllEvents EventType = "*"

// Event is one notification.
type Event struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	TaskID    string      `json:"task_id"`
	TaskType  string      `json:"task_type,omitempty"`
	AgentID   string      `json:"agent_id,omitempty"`
	Status    task.Status `json:"status"`
	Detail    string      `json:"detail,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewEvent builds an event describing t.
func NewEvent(typ EventType, t *task.Task, detail string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      typ,
		TaskID:    t.ID,
		TaskType:  t.TaskType,
		AgentID:   t.AssignedAgent,
		Status:    t.Status,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	}
}

// Handler processes a published event.
type Handler func(ctx context.Context, ev *Event) error

// Bus fans events out to subscribers.
type Bus interface {
	// Publish delivers ev to every subscriber of its type and to wildcard
	// subscribers. It returns immediately; handler errors are logged.
	Publish(ctx context.Context, ev *Event)

	// Subscribe registers a handler for typ (or AllEvents). Returns an
	// unsubscribe function.
	Subscribe(typ EventType, handler Handler) (unsubscribe func())

	// History returns recent events for taskID, or for all tasks when taskID
	// is empty, oldest first.
	History(taskID string, limit int) []*Event
}

// Emit publishes an event for t on bus. A nil bus is a no-op.
func Emit(ctx context.Context, bus Bus, typ EventType, t *task.Task, detail string) {
	if bus == nil {
		return
	}
	bus.Publish(ctx, NewEvent(typ, t, detail))
}
