package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/storyflow/internal/ctxlog"
	"github.com/vk/storyflow/internal/pipeline"
	"github.com/vk/storyflow/internal/progresshub"
	"github.com/vk/storyflow/internal/task"
	"github.com/vk/storyflow/internal/taskstore"
	"github.com/vk/storyflow/internal/toolinvoker"
)

const tick = 5 * time.Millisecond

func testContext(t *testing.T) context.Context {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return ctxlog.WithLogger(context.Background(), logger)
}

// unitStage is a scriptable single stage for lifecycle tests.
type unitStage struct {
	block    bool // Execute blocks until the unit context is canceled
	panicMsg string
}

func (s *unitStage) ID() string { return "work" }

func (s *unitStage) Prepare(ctx context.Context, pc *pipeline.Context) (any, error) {
	pc.Report(0.5, "working")
	return nil, nil
}

func (s *unitStage) Execute(ctx context.Context, _ any) (any, error) {
	if s.panicMsg != "" {
		panic(s.panicMsg)
	}
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return nil, nil
}

func (s *unitStage) Commit(ctx context.Context, pc *pipeline.Context, _ any) (pipeline.Transition, error) {
	pc.Title = "done"
	pc.Result = &pipeline.Result{Title: "done", Content: "the story"}
	pc.Report(1.0, "complete")
	return pipeline.TransitionDefault, nil
}

// partialStage leaves an artifact behind and then fails hard.
type partialStage struct{}

func (s *partialStage) ID() string { return "work" }

func (s *partialStage) Prepare(ctx context.Context, pc *pipeline.Context) (any, error) {
	pc.Title = "half a story"
	return nil, nil
}

func (s *partialStage) Execute(ctx context.Context, _ any) (any, error) {
	return nil, toolinvoker.ErrToolNotFound
}

func (s *partialStage) Commit(ctx context.Context, pc *pipeline.Context, _ any) (pipeline.Transition, error) {
	return pipeline.TransitionDefault, nil
}

// lateStage ignores cancellation in Execute and reports progress from
// Commit, so its reports land after the task is already terminal.
type lateStage struct {
	release chan struct{}
}

func (s *lateStage) ID() string { return "work" }

func (s *lateStage) Prepare(ctx context.Context, pc *pipeline.Context) (any, error) {
	pc.Report(0.5, "working")
	return nil, nil
}

func (s *lateStage) Execute(ctx context.Context, _ any) (any, error) {
	<-s.release
	return nil, nil
}

func (s *lateStage) Commit(ctx context.Context, pc *pipeline.Context, _ any) (pipeline.Transition, error) {
	pc.Report(0.9, "straggler")
	return pipeline.TransitionDefault, nil
}

// brokenStage fails in Prepare before producing anything.
type brokenStage struct{}

func (s *brokenStage) ID() string { return "work" }

func (s *brokenStage) Prepare(ctx context.Context, pc *pipeline.Context) (any, error) {
	return nil, errors.New("bad input")
}

func (s *brokenStage) Execute(ctx context.Context, _ any) (any, error) { return nil, nil }

func (s *brokenStage) Commit(ctx context.Context, pc *pipeline.Context, _ any) (pipeline.Transition, error) {
	return pipeline.TransitionDefault, nil
}

// giveUpStage terminates an error route without salvaging anything.
type giveUpStage struct{}

func (s *giveUpStage) ID() string { return "triage" }

func (s *giveUpStage) Prepare(ctx context.Context, pc *pipeline.Context) (any, error) {
	return nil, nil
}

func (s *giveUpStage) Execute(ctx context.Context, _ any) (any, error) { return nil, nil }

func (s *giveUpStage) Commit(ctx context.Context, pc *pipeline.Context, _ any) (pipeline.Transition, error) {
	return pipeline.TransitionFailed, nil
}

func newSupervisor(t *testing.T, stage pipeline.Stage, cfg Config) (*Supervisor, *taskstore.Store, *progresshub.Hub) {
	t.Helper()

	g, err := pipeline.NewBuilder().
		Add(stage, pipeline.RetryPolicy{MaxAttempts: 1}).
		Entry(stage.ID()).
		Build()
	require.NoError(t, err)

	store := taskstore.New()
	hub := progresshub.New()
	s := New(testContext(t), store, hub, g, cfg)
	t.Cleanup(s.Close)
	return s, store, hub
}

func waitForStatus(t *testing.T, store *taskstore.Store, id string, want task.Status) task.Record {
	t.Helper()
	var rec task.Record
	require.Eventually(t, func() bool {
		r, ok := store.Get(id)
		if !ok {
			return false
		}
		rec = r
		return r.Status == want
	}, time.Second, tick, "task never reached status %s", want)
	return rec
}

func TestCreate_RunsTaskToCompletion(t *testing.T) {
	t.Parallel()

	s, store, hub := newSupervisor(t, &unitStage{}, Config{})

	var mu sync.Mutex
	var statuses []task.Status
	rec, err := s.Create(testContext(t), task.Input{Prompt: "a story"})
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, rec.Status)

	_, err = hub.Subscribe(testContext(t), rec.ID, func(ctx context.Context, ev task.Event) error {
		if ev.Kind == task.EventStatusUpdate {
			mu.Lock()
			statuses = append(statuses, ev.Payload.(task.StatusPayload).Status)
			mu.Unlock()
		}
		return nil
	})
	require.NoError(t, err)

	final := waitForStatus(t, store, rec.ID, task.StatusCompleted)
	assert.Equal(t, 1.0, final.Progress)
	require.NotNil(t, final.Result)
	assert.Equal(t, "the story", final.Result.(*pipeline.Result).Content)
	assert.Empty(t, final.Error)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(statuses) > 0 && statuses[len(statuses)-1] == task.StatusCompleted
	}, time.Second, tick, "terminal status event never delivered")
}

func TestCancel_StopsRunningTask(t *testing.T) {
	t.Parallel()

	s, store, _ := newSupervisor(t, &unitStage{block: true}, Config{})

	rec, err := s.Create(testContext(t), task.Input{Prompt: "a story"})
	require.NoError(t, err)
	waitForStatus(t, store, rec.ID, task.StatusRunning)

	require.True(t, s.Cancel(rec.ID))
	final, ok := store.Get(rec.ID)
	require.True(t, ok)
	assert.Equal(t, task.StatusCanceled, final.Status)
	assert.Zero(t, final.Progress, "cancellation resets progress")

	assert.False(t, s.Cancel(rec.ID), "second cancel reports false")
}

func TestCancel_UnknownTask(t *testing.T) {
	t.Parallel()

	s, _, _ := newSupervisor(t, &unitStage{}, Config{})
	assert.False(t, s.Cancel("no-such-task"))
}

func TestWatchdog_TimesOutStuckTask(t *testing.T) {
	t.Parallel()

	s, store, _ := newSupervisor(t, &unitStage{block: true}, Config{TaskTimeout: 30 * time.Millisecond})

	rec, err := s.Create(testContext(t), task.Input{Prompt: "a story"})
	require.NoError(t, err)

	final := waitForStatus(t, store, rec.ID, task.StatusFailed)
	assert.Equal(t, "task timeout", final.Error)
	assert.Zero(t, final.Progress, "timeout resets progress")
}

func TestRunUnit_PanicBecomesFailed(t *testing.T) {
	t.Parallel()

	s, store, _ := newSupervisor(t, &unitStage{panicMsg: "boom"}, Config{})

	rec, err := s.Create(testContext(t), task.Input{Prompt: "a story"})
	require.NoError(t, err)

	final := waitForStatus(t, store, rec.ID, task.StatusFailed)
	assert.Contains(t, final.Error, "internal error")
	assert.Contains(t, final.Error, "boom")
}

func TestRunUnit_FailurePreservesPartialArtifacts(t *testing.T) {
	t.Parallel()

	s, store, _ := newSupervisor(t, &partialStage{}, Config{})

	rec, err := s.Create(testContext(t), task.Input{Prompt: "a story"})
	require.NoError(t, err)

	final := waitForStatus(t, store, rec.ID, task.StatusFailed)
	require.NotNil(t, final.Result)
	res := final.Result.(*pipeline.Result)
	assert.True(t, res.Partial)
	assert.Equal(t, "half a story", res.Title)
}

func TestCancelAndTimeout_ExactlyOneWins(t *testing.T) {
	t.Parallel()

	s, store, _ := newSupervisor(t, &unitStage{block: true}, Config{TaskTimeout: 20 * time.Millisecond})

	rec, err := s.Create(testContext(t), task.Input{Prompt: "a story"})
	require.NoError(t, err)
	waitForStatus(t, store, rec.ID, task.StatusRunning)

	time.Sleep(18 * time.Millisecond)
	canceled := s.Cancel(rec.ID)

	require.Eventually(t, func() bool {
		r, _ := store.Get(rec.ID)
		return r.Status.Terminal()
	}, time.Second, tick)

	final, _ := store.Get(rec.ID)
	if canceled {
		assert.Equal(t, task.StatusCanceled, final.Status)
	} else {
		assert.Equal(t, task.StatusFailed, final.Status)
		assert.Equal(t, "task timeout", final.Error)
	}

	// The loser must not have overwritten the winner.
	time.Sleep(50 * time.Millisecond)
	again, _ := store.Get(rec.ID)
	assert.Equal(t, final.Status, again.Status)
	assert.Equal(t, final.Error, again.Error)
}

func TestCleanup_ReapsOnlyOldTerminalTasks(t *testing.T) {
	t.Parallel()

	s, store, hub := newSupervisor(t, &unitStage{}, Config{})

	done, err := s.Create(testContext(t), task.Input{Prompt: "finished story"})
	require.NoError(t, err)
	waitForStatus(t, store, done.ID, task.StatusCompleted)

	// A zero retention makes every terminal record immediately eligible.
	require.Eventually(t, func() bool {
		return s.Cleanup(0) == 1
	}, time.Second, tick)

	_, ok := store.Get(done.ID)
	assert.False(t, ok, "terminal record reaped")
	assert.False(t, hub.HasChannel(done.ID), "event channel reaped with the record")
}

func TestCleanup_NeverTouchesRunningTasks(t *testing.T) {
	t.Parallel()

	s, store, _ := newSupervisor(t, &unitStage{block: true}, Config{})

	rec, err := s.Create(testContext(t), task.Input{Prompt: "a story"})
	require.NoError(t, err)
	waitForStatus(t, store, rec.ID, task.StatusRunning)

	assert.Zero(t, s.Cleanup(0))
	_, ok := store.Get(rec.ID)
	assert.True(t, ok)

	require.True(t, s.Cancel(rec.ID))
}

func TestCleanupLoop_RunsOnInterval(t *testing.T) {
	t.Parallel()

	s, store, _ := newSupervisor(t, &unitStage{}, Config{
		CleanupInterval: 10 * time.Millisecond,
		Retention:       time.Nanosecond,
	})

	rec, err := s.Create(testContext(t), task.Input{Prompt: "a story"})
	require.NoError(t, err)
	waitForStatus(t, store, rec.ID, task.StatusCompleted)

	require.Eventually(t, func() bool {
		return store.Len() == 0
	}, time.Second, tick, "cleanup loop never reaped the record")
}

func TestCancel_NoEventsAfterTerminalStatus(t *testing.T) {
	t.Parallel()

	stage := &lateStage{release: make(chan struct{})}
	s, store, hub := newSupervisor(t, stage, Config{})

	rec, err := s.Create(testContext(t), task.Input{Prompt: "a story"})
	require.NoError(t, err)
	waitForStatus(t, store, rec.ID, task.StatusRunning)

	var mu sync.Mutex
	var events []task.Event
	_, err = hub.Subscribe(testContext(t), rec.ID, func(ctx context.Context, ev task.Event) error {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	require.True(t, s.Cancel(rec.ID))

	// Let the stage finish after cancellation so its Commit report races
	// the terminal status, then drain every unit goroutine.
	close(stage.release)
	s.Close()

	mu.Lock()
	defer mu.Unlock()
	terminal := -1
	for i, ev := range events {
		if ev.Kind != task.EventStatusUpdate {
			continue
		}
		if ev.Payload.(task.StatusPayload).Status.Terminal() {
			terminal = i
			break
		}
	}
	require.GreaterOrEqual(t, terminal, 0, "terminal status event never delivered")
	assert.Equal(t, len(events)-1, terminal, "events delivered after terminal status: %v", events[terminal+1:])
}

func TestHeartbeat_RepublishesProgressWhileRunning(t *testing.T) {
	t.Parallel()

	s, store, hub := newSupervisor(t, &unitStage{block: true}, Config{
		HeartbeatInterval: 10 * time.Millisecond,
	})

	rec, err := s.Create(testContext(t), task.Input{Prompt: "a story"})
	require.NoError(t, err)
	waitForStatus(t, store, rec.ID, task.StatusRunning)

	var mu sync.Mutex
	var beats []float64
	_, err = hub.Subscribe(testContext(t), rec.ID, func(ctx context.Context, ev task.Event) error {
		if ev.Kind != task.EventProgress {
			return nil
		}
		mu.Lock()
		beats = append(beats, ev.Payload.(task.ProgressPayload).Progress)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(beats) >= 3
	}, time.Second, tick, "no periodic progress republished for a running task")

	mu.Lock()
	for _, p := range beats {
		assert.Equal(t, 0.5, p, "heartbeat must carry the record's current progress")
	}
	mu.Unlock()

	require.True(t, s.Cancel(rec.ID))
}

func TestRunUnit_FailureWithoutArtifactsLeavesNilResult(t *testing.T) {
	t.Parallel()

	g, err := pipeline.NewBuilder().
		Add(&brokenStage{}, pipeline.RetryPolicy{MaxAttempts: 1}).
		Add(&giveUpStage{}, pipeline.RetryPolicy{MaxAttempts: 1}).
		Entry("work").
		Edge("work", pipeline.TransitionError, "triage").
		Build()
	require.NoError(t, err)

	store := taskstore.New()
	hub := progresshub.New()
	s := New(testContext(t), store, hub, g, Config{})
	t.Cleanup(s.Close)

	rec, err := s.Create(testContext(t), task.Input{Prompt: "a story"})
	require.NoError(t, err)

	final := waitForStatus(t, store, rec.ID, task.StatusFailed)
	assert.Contains(t, final.Error, "bad input")
	assert.True(t, final.Result == nil, "a failure with nothing to salvage must leave Result unset")
}

func TestCreate_AfterCloseFails(t *testing.T) {
	t.Parallel()

	store := taskstore.New()
	hub := progresshub.New()
	g, err := pipeline.NewBuilder().
		Add(&unitStage{}, pipeline.RetryPolicy{}).
		Entry("work").
		Build()
	require.NoError(t, err)

	s := New(testContext(t), store, hub, g, Config{})
	s.Close()

	_, err = s.Create(testContext(t), task.Input{Prompt: "too late"})
	require.ErrorIs(t, err, ErrClosed)
}

func TestClose_DrainsRunningUnits(t *testing.T) {
	t.Parallel()

	store := taskstore.New()
	hub := progresshub.New()
	g, err := pipeline.NewBuilder().
		Add(&unitStage{block: true}, pipeline.RetryPolicy{}).
		Entry("work").
		Build()
	require.NoError(t, err)

	s := New(testContext(t), store, hub, g, Config{})
	rec, err := s.Create(testContext(t), task.Input{Prompt: "a story"})
	require.NoError(t, err)
	waitForStatus(t, store, rec.ID, task.StatusRunning)

	closed := make(chan struct{})
	go func() {
		s.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close did not drain running units")
	}
}
