package task

import "time"

// EventKind tags the events broadcast to subscribers while a task runs.
type EventKind string

const (
	EventProgress     EventKind = "progress"
	EventMessage      EventKind = "message"
	EventStatusUpdate EventKind = "status_update"
	EventError        EventKind = "error"
)

// Event is a transient notification about one task. Events are not
// persisted beyond delivery to the currently subscribed observers; only the
// latest state survives in the record and the hub's per-channel snapshot.
type Event struct {
	TaskID    string    `json:"task_id"`
	Kind      EventKind `json:"event"`
	Payload   any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent stamps an event with the current time.
func NewEvent(taskID string, kind EventKind, payload any) Event {
	return Event{TaskID: taskID, Kind: kind, Payload: payload, Timestamp: time.Now()}
}

// StatusPayload is the payload of a status_update event, and of the
// snapshot event the hub delivers on subscribe.
type StatusPayload struct {
	Status   Status  `json:"status"`
	Progress float64 `json:"progress"`
	Message  string  `json:"message,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// ProgressPayload is the payload of a progress event.
type ProgressPayload struct {
	Progress float64 `json:"progress"`
	Message  string  `json:"message,omitempty"`
}
