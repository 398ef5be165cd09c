// Package progresshub fans task events out to subscribers.
//
// One channel exists per task. Delivery is at-most-once and best-effort:
// nothing is queued for observers that were not subscribed at publish time,
// and a subscriber that errors or stalls past the delivery timeout is
// dropped so it can never break delivery to the others or wedge the
// publisher. Within one task, events reach each subscriber in publish
// order; across tasks no ordering is guaranteed.
package progresshub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vk/storyflow/internal/ctxlog"
	"github.com/vk/storyflow/internal/task"
)

// ErrNoChannel is returned when subscribing to a task the hub does not know.
var ErrNoChannel = errors.New("progresshub: no channel for task")

// DefaultDeliveryTimeout bounds how long one callback may block delivery.
const DefaultDeliveryTimeout = 2 * time.Second

// Callback receives events for one task. A non-nil error removes the
// subscription. The context is canceled when the delivery timeout expires.
type Callback func(ctx context.Context, ev task.Event) error

// Subscription identifies a registered callback so it can be removed again.
type Subscription struct {
	taskID string
	id     uint64
}

// Hub is the per-task broadcaster. The zero value is not usable; call New.
type Hub struct {
	mu       sync.Mutex
	channels map[string]*channel
	nextID   uint64

	deliveryTimeout time.Duration
}

// channel is the subscriber set and latest-state snapshot for one task.
type channel struct {
	// deliverMu serializes deliveries so each subscriber observes events
	// in publish order even when publishers race.
	deliverMu   sync.Mutex
	subscribers map[uint64]Callback
	snapshot    task.Event
	hasSnapshot bool
	// terminal is set once a terminal status_update has been delivered.
	// Anything published afterwards is dropped, so no subscriber ever
	// observes an event past the terminal one. Guarded by deliverMu.
	terminal bool
}

// New creates a hub with the default per-callback delivery timeout.
func New() *Hub {
	return NewWithTimeout(DefaultDeliveryTimeout)
}

// NewWithTimeout creates a hub with an explicit delivery timeout.
func NewWithTimeout(timeout time.Duration) *Hub {
	return &Hub{
		channels:        make(map[string]*channel),
		deliveryTimeout: timeout,
	}
}

// CreateChannel registers a broadcast channel for a task. Creating a
// channel that already exists is a no-op.
func (h *Hub) CreateChannel(taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.channels[taskID]; !ok {
		h.channels[taskID] = &channel{subscribers: make(map[uint64]Callback)}
	}
}

// RemoveChannel destroys a task's channel, dropping all its subscribers.
func (h *Hub) RemoveChannel(taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.channels, taskID)
}

// HasChannel reports whether a channel exists for the task.
func (h *Hub) HasChannel(taskID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.channels[taskID]
	return ok
}

// Subscribe registers a callback and synchronously delivers one snapshot
// event before returning, so a late subscriber never starts blind. The
// snapshot is the most recently published event, or a bare status_update
// when nothing has been published yet.
func (h *Hub) Subscribe(ctx context.Context, taskID string, cb Callback) (Subscription, error) {
	h.mu.Lock()
	ch, ok := h.channels[taskID]
	if !ok {
		h.mu.Unlock()
		return Subscription{}, ErrNoChannel
	}
	h.nextID++
	sub := Subscription{taskID: taskID, id: h.nextID}
	h.mu.Unlock()

	ch.deliverMu.Lock()
	defer ch.deliverMu.Unlock()

	snapshot := ch.snapshot
	if !ch.hasSnapshot {
		snapshot = task.NewEvent(taskID, task.EventStatusUpdate, task.StatusPayload{Status: task.StatusPending})
	}
	if err := h.deliver(ctx, cb, snapshot); err != nil {
		return Subscription{}, err
	}

	h.mu.Lock()
	// Re-check: the channel may have been removed while we delivered.
	if cur, ok := h.channels[taskID]; ok && cur == ch {
		ch.subscribers[sub.id] = cb
	} else {
		h.mu.Unlock()
		return Subscription{}, ErrNoChannel
	}
	h.mu.Unlock()

	return sub, nil
}

// Unsubscribe removes a previously registered callback. Unknown
// subscriptions are ignored.
func (h *Hub) Unsubscribe(sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.channels[sub.taskID]; ok {
		delete(ch.subscribers, sub.id)
	}
}

// Publish delivers an event to a snapshot copy of the task's current
// subscriber set. Subscribers added or removed mid-delivery do not affect
// the in-flight fan-out. Callbacks that fail are removed. Once a terminal
// status_update has gone out the channel stops: later publishes, such as a
// straggler stage reporting progress after the task was canceled, are
// dropped.
func (h *Hub) Publish(ctx context.Context, ev task.Event) {
	h.mu.Lock()
	ch, ok := h.channels[ev.TaskID]
	if !ok {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	ch.deliverMu.Lock()
	defer ch.deliverMu.Unlock()

	if ch.terminal {
		return
	}
	if terminalEvent(ev) {
		ch.terminal = true
	}

	ch.snapshot = ev
	ch.hasSnapshot = true

	h.mu.Lock()
	targets := make(map[uint64]Callback, len(ch.subscribers))
	for id, cb := range ch.subscribers {
		targets[id] = cb
	}
	h.mu.Unlock()

	var failed []uint64
	for id, cb := range targets {
		if err := h.deliver(ctx, cb, ev); err != nil {
			ctxlog.FromContext(ctx).Warn("Dropping subscriber after failed delivery.",
				"taskID", ev.TaskID, "event", ev.Kind, "error", err)
			failed = append(failed, id)
		}
	}

	if len(failed) > 0 {
		h.mu.Lock()
		for _, id := range failed {
			delete(ch.subscribers, id)
		}
		h.mu.Unlock()
	}
}

// terminalEvent reports whether ev is a status_update carrying a terminal
// status.
func terminalEvent(ev task.Event) bool {
	if ev.Kind != task.EventStatusUpdate {
		return false
	}
	p, ok := ev.Payload.(task.StatusPayload)
	return ok && p.Status.Terminal()
}

// SubscriberCount reports how many callbacks a task currently has.
func (h *Hub) SubscriberCount(taskID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.channels[taskID]; ok {
		return len(ch.subscribers)
	}
	return 0
}

// deliver invokes one callback under the delivery timeout. A callback that
// neither returns nor honors its context within the budget counts as failed.
func (h *Hub) deliver(ctx context.Context, cb Callback, ev task.Event) error {
	cbCtx, cancel := context.WithTimeout(ctx, h.deliveryTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- errors.New("subscriber callback panicked")
			}
		}()
		done <- cb(cbCtx, ev)
	}()

	select {
	case err := <-done:
		return err
	case <-cbCtx.Done():
		return cbCtx.Err()
	}
}
