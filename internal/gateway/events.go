package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vk/storyflow/internal/ctxlog"
	"github.com/vk/storyflow/internal/progresshub"
	"github.com/vk/storyflow/internal/task"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

const writeWait = 5 * time.Second

// handleEvents upgrades to a WebSocket and streams the task's events until
// the task reaches a terminal status or the client goes away. The first
// frame is always the hub's snapshot of the task's current state.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	log := ctxlog.FromContext(r.Context())

	if !g.hub.HasChannel(id) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "task not found"})
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		log.Debug("WebSocket upgrade failed", "task_id", id, "error", err)
		return
	}
	defer conn.Close()

	var (
		writeMu sync.Mutex
		once    sync.Once
	)
	done := make(chan struct{})
	finish := func() { once.Do(func() { close(done) }) }

	sub, err := g.hub.Subscribe(r.Context(), id, func(ctx context.Context, ev task.Event) error {
		writeMu.Lock()
		defer writeMu.Unlock()

		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(ev); err != nil {
			finish()
			return err
		}
		if ev.Kind == task.EventStatusUpdate {
			if p, ok := ev.Payload.(task.StatusPayload); ok && p.Status.Terminal() {
				finish()
			}
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, progresshub.ErrNoChannel) {
			log.Warn("Event subscription failed", "task_id", id, "error", err)
		}
		return
	}
	defer g.hub.Unsubscribe(sub)

	// Drain client frames so close and ping handling work; any read error
	// means the client is gone.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				finish()
				return
			}
		}
	}()

	select {
	case <-done:
	case <-r.Context().Done():
		return
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "task finished"))
}
