// Package task defines the domain model shared by the store, the pipeline,
// the supervisor and the transport boundary: task records, their lifecycle
// statuses, the structured input, and the events broadcast while a task runs.
package task

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Terminal reports whether the status is absorbing. Once a record enters a
// terminal status it never changes again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Options are the generation options accepted at task creation.
type Options struct {
	Style  string `json:"style"`
	Length string `json:"length"`
	Tone   string `json:"tone"`
}

// Input is the structured payload a client submits to create a task.
type Input struct {
	Prompt  string  `json:"prompt"`
	Options Options `json:"options"`
}

// Record is one task's full state as held by the store. Records are only
// mutated through the store's guarded methods; callers always receive
// copy-on-read snapshots.
type Record struct {
	ID        string    `json:"id"`
	Input     Input     `json:"input"`
	Status    Status    `json:"status"`
	Progress  float64   `json:"progress"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Messages  []Message `json:"messages,omitempty"`
	Result    any       `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Clone returns a deep-enough copy of the record for handing outside the
// store: the messages slice is copied, Result stays shared (treated as
// immutable once set).
func (r *Record) Clone() Record {
	out := *r
	if len(r.Messages) > 0 {
		out.Messages = make([]Message, len(r.Messages))
		copy(out.Messages, r.Messages)
	}
	return out
}

// MessageKind classifies entries in a record's append-only message log.
type MessageKind string

const (
	MessageSystem MessageKind = "system"
	MessageText   MessageKind = "text"
	MessageResult MessageKind = "result"
	MessageError  MessageKind = "error"
)

// Message is one timestamped entry in a task's message log.
type Message struct {
	ID        string      `json:"id"`
	Kind      MessageKind `json:"kind"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewMessage builds a message with a fresh id and the current time.
func NewMessage(kind MessageKind, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Kind:      kind,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// NewID returns a fresh opaque task id.
func NewID() string {
	return uuid.NewString()
}
