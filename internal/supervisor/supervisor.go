// Package supervisor owns the task lifecycle. It creates records, runs one
// pipeline unit plus one timeout watchdog per task, arbitrates the race to
// the terminal status through the store's compare-and-set, and reaps old
// terminal records. Every goroutine it starts is tracked and drained on
// Close.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vk/storyflow/internal/ctxlog"
	"github.com/vk/storyflow/internal/pipeline"
	"github.com/vk/storyflow/internal/progresshub"
	"github.com/vk/storyflow/internal/task"
	"github.com/vk/storyflow/internal/taskstore"
)

// ErrClosed is returned by Create after Close has begun.
var ErrClosed = errors.New("supervisor: closed")

// Config tunes the supervisor. Zero values take the defaults below.
type Config struct {
	// TaskTimeout is the wall-clock budget of one task.
	TaskTimeout time.Duration
	// MaxCycles bounds pipeline re-entries to visited stages.
	MaxCycles int
	// HeartbeatInterval is how often a running task's current progress is
	// republished as a liveness signal.
	HeartbeatInterval time.Duration
	// CleanupInterval is how often old terminal records are reaped.
	CleanupInterval time.Duration
	// Retention is how long terminal records are kept.
	Retention time.Duration
}

const (
	DefaultTaskTimeout       = 5 * time.Minute
	DefaultMaxCycles         = 2
	DefaultHeartbeatInterval = 2 * time.Second
	DefaultCleanupInterval   = 12 * time.Hour
	DefaultRetention         = 24 * time.Hour
)

func (c Config) withDefaults() Config {
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = DefaultTaskTimeout
	}
	if c.MaxCycles == 0 {
		c.MaxCycles = DefaultMaxCycles
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	return c
}

// Supervisor runs tasks until Close.
type Supervisor struct {
	store  *taskstore.Store
	hub    *progresshub.Hub
	runner *pipeline.Runner
	cfg    Config

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu     sync.Mutex
	units  map[string]context.CancelFunc
	closed bool
}

// New wires a supervisor and starts its periodic cleanup loop. ctx must
// carry the logger; it bounds every background goroutine the supervisor
// starts.
func New(ctx context.Context, store *taskstore.Store, hub *progresshub.Hub, graph *pipeline.Graph, cfg Config) *Supervisor {
	cfg = cfg.withDefaults()
	base, stop := context.WithCancel(ctx)
	s := &Supervisor{
		store:  store,
		hub:    hub,
		runner: pipeline.NewRunner(graph, cfg.MaxCycles),
		cfg:    cfg,
		base:   base,
		stop:   stop,
		units:  make(map[string]context.CancelFunc),
	}
	s.wg.Add(1)
	go s.runCleanupLoop()
	return s
}

// Create inserts a Pending record, opens its event channel, publishes the
// initial status, and starts the pipeline unit and its watchdog.
func (s *Supervisor) Create(ctx context.Context, input task.Input) (task.Record, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return task.Record{}, ErrClosed
	}

	rec := s.store.Create(input)
	s.hub.CreateChannel(rec.ID)

	unitCtx, cancel := context.WithCancel(s.base)
	s.units[rec.ID] = cancel
	s.wg.Add(3)
	s.mu.Unlock()

	s.store.AppendMessage(rec.ID, task.NewMessage(task.MessageSystem, "task created"))
	s.hub.Publish(s.base, task.NewEvent(rec.ID, task.EventStatusUpdate, task.StatusPayload{
		Status: task.StatusPending,
	}))

	ctxlog.FromContext(ctx).Info("Task created", "task_id", rec.ID)

	go s.runUnit(unitCtx, rec.ID, input)
	go s.watch(unitCtx, rec.ID, cancel)
	go s.heartbeat(unitCtx, rec.ID)
	return rec, nil
}

// Cancel requests cooperative cancellation. It returns false when the task
// is unknown or already terminal; a true return means this call won the
// race and the record is now Canceled with its progress reset.
func (s *Supervisor) Cancel(id string) bool {
	rec, ok := s.store.Get(id)
	if !ok || rec.Status.Terminal() {
		return false
	}
	if !s.finalize(id, task.StatusCanceled, "", nil, true) {
		return false
	}
	s.store.AppendMessage(id, task.NewMessage(task.MessageSystem, "task canceled"))
	ctxlog.FromContext(s.base).Info("Task canceled", "task_id", id)
	s.cancelUnit(id)
	return true
}

// Cleanup deletes terminal records older than maxAge together with their
// event channels. Running tasks are never touched.
func (s *Supervisor) Cleanup(maxAge time.Duration) int {
	ids := s.store.ListOlderThan(maxAge, true)
	for _, id := range ids {
		s.store.Delete(id)
		s.hub.RemoveChannel(id)
	}
	if len(ids) > 0 {
		ctxlog.FromContext(s.base).Info("Cleaned up old tasks", "count", len(ids))
	}
	return len(ids)
}

// Close cancels every running unit and background loop and waits for all
// of them to finish.
func (s *Supervisor) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stop()
	s.wg.Wait()
}

// runUnit drives one task's pipeline from Pending to a terminal status.
func (s *Supervisor) runUnit(ctx context.Context, id string, input task.Input) {
	defer s.wg.Done()
	defer s.cancelUnit(id)
	log := ctxlog.FromContext(s.base)

	defer func() {
		if r := recover(); r != nil {
			log.Error("Pipeline unit panicked", "task_id", id, "panic", r)
			s.finalize(id, task.StatusFailed, fmt.Sprintf("internal error: %v", r), nil, false)
		}
	}()

	if !s.store.CompareAndSetStatus(id, task.StatusPending, task.StatusRunning) {
		// Canceled before the unit got going.
		return
	}
	s.hub.Publish(s.base, task.NewEvent(id, task.EventStatusUpdate, task.StatusPayload{
		Status: task.StatusRunning,
	}))

	pc := pipeline.NewContext(id, input, func(progress float64, message string) {
		s.store.SetProgress(id, progress)
		s.hub.Publish(s.base, task.NewEvent(id, task.EventProgress, task.ProgressPayload{
			Progress: progress,
			Message:  message,
		}))
	})

	err := s.runner.Run(ctx, pc)
	switch {
	case err != nil && ctx.Err() != nil:
		// Cancel or watchdog won; the winner already finalized.
		return
	case err != nil:
		s.finalize(id, task.StatusFailed, err.Error(), partialResult(pc), false)
	case pc.Err != nil:
		// The recovery stage gave up, leaving partial artifacts in Result
		// when it had any. partialResult keeps a nil *Result from being
		// boxed into a non-nil interface on the record.
		s.finalize(id, task.StatusFailed, pc.Err.Error(), partialResult(pc), false)
	default:
		msg := task.NewMessage(task.MessageResult, "story complete")
		s.store.AppendMessage(id, msg)
		s.hub.Publish(s.base, task.NewEvent(id, task.EventMessage, msg))
		s.finalize(id, task.StatusCompleted, "", pc.Result, false)
	}
}

// watch finalizes the task as Failed when its wall-clock budget runs out.
func (s *Supervisor) watch(ctx context.Context, id string, cancel context.CancelFunc) {
	defer s.wg.Done()

	timer := time.NewTimer(s.cfg.TaskTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	if s.finalize(id, task.StatusFailed, "task timeout", nil, true) {
		ctxlog.FromContext(s.base).Warn("Task timed out", "task_id", id,
			"timeout", s.cfg.TaskTimeout)
		cancel()
	}
}

// heartbeat republishes the record's current progress on a fixed interval
// while the task runs, so subscribers of a long-running stage still see
// liveness between checkpoint reports. It stops with the unit or when the
// record goes terminal.
func (s *Supervisor) heartbeat(ctx context.Context, id string) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		rec, ok := s.store.Get(id)
		if !ok || rec.Status.Terminal() {
			return
		}
		s.hub.Publish(s.base, task.NewEvent(id, task.EventProgress, task.ProgressPayload{
			Progress: rec.Progress,
		}))
	}
}

// finalize attempts the CAS into a terminal status. Exactly one caller per
// task wins; losers get false and must not touch the record. The winner
// records the error and result, optionally resets progress, and publishes
// the terminal status event.
func (s *Supervisor) finalize(id string, next task.Status, errMsg string, result any, resetProgress bool) bool {
	won := s.store.CompareAndSetStatus(id, task.StatusPending, next) ||
		s.store.CompareAndSetStatus(id, task.StatusRunning, next)
	if !won {
		return false
	}

	if resetProgress {
		s.store.ResetProgress(id)
	}
	if errMsg != "" {
		s.store.SetError(id, errMsg)
		s.store.AppendMessage(id, task.NewMessage(task.MessageError, errMsg))
		s.hub.Publish(s.base, task.NewEvent(id, task.EventError, task.StatusPayload{
			Status: next,
			Error:  errMsg,
		}))
	}
	if result != nil {
		s.store.SetResult(id, result)
	}

	rec, _ := s.store.Get(id)
	s.hub.Publish(s.base, task.NewEvent(id, task.EventStatusUpdate, task.StatusPayload{
		Status:   next,
		Progress: rec.Progress,
		Error:    rec.Error,
	}))
	return true
}

// partialResult salvages whatever the pipeline produced before an abnormal
// failure, such as an exhausted cycle budget.
func partialResult(pc *pipeline.Context) any {
	if pc.Result != nil {
		return pc.Result
	}
	if !pc.PartialArtifacts() {
		return nil
	}
	return &pipeline.Result{
		Title:   pc.Title,
		Outline: pc.Outline,
		Content: pc.Content,
		Partial: true,
	}
}

func (s *Supervisor) cancelUnit(id string) {
	s.mu.Lock()
	cancel, ok := s.units[id]
	if ok {
		delete(s.units, id)
	}
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *Supervisor) runCleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.base.Done():
			return
		case <-ticker.C:
			s.Cleanup(s.cfg.Retention)
		}
	}
}
