// Package taskstore provides the ephemeral, thread-safe registry of task
// records for a single process.
//
// The store holds no business logic. It guarantees two things to the rest
// of the system:
//
//   - Status transitions are atomic: CompareAndSetStatus is the only way to
//     change a status, it is guarded by the store lock, and it refuses to
//     move a record out of a terminal status. Racing finalizers (pipeline
//     completion, cancel, watchdog) each attempt the CAS and exactly one
//     wins; the losers observe false and stop.
//   - Reads are copy-on-read snapshots, so no caller ever processes a
//     record while holding the store lock.
package taskstore

import (
	"sync"
	"time"

	"github.com/vk/storyflow/internal/task"
)

// Store is an in-memory task registry. The zero value is not usable; call New.
type Store struct {
	mu      sync.Mutex
	records map[string]*task.Record
}

// New creates an empty store.
func New() *Store {
	return &Store{records: make(map[string]*task.Record)}
}

// Create inserts a new Pending record for the given input and returns a
// snapshot of it.
func (s *Store) Create(input task.Input) task.Record {
	now := time.Now()
	rec := &task.Record{
		ID:        task.NewID(),
		Input:     input,
		Status:    task.StatusPending,
		Progress:  0,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.records[rec.ID] = rec
	s.mu.Unlock()

	return rec.Clone()
}

// Get returns a snapshot of the record, or false if the id is unknown.
func (s *Store) Get(id string) (task.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return task.Record{}, false
	}
	return rec.Clone(), true
}

// CompareAndSetStatus atomically moves a record from expected to next.
// It returns false, without raising, when the id is unknown, the current
// status is not expected, or the current status is already terminal.
func (s *Store) CompareAndSetStatus(id string, expected, next task.Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return false
	}
	if rec.Status.Terminal() || rec.Status != expected {
		return false
	}
	rec.Status = next
	rec.UpdatedAt = time.Now()
	return true
}

// SetProgress raises the record's progress. Progress is monotonic while a
// task runs: a lower value than the current one is ignored. Values are
// clamped to [0,1].
func (s *Store) SetProgress(id string, progress float64) {
	if progress < 0 {
		progress = 0
	} else if progress > 1 {
		progress = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok || rec.Status.Terminal() {
		return
	}
	if progress <= rec.Progress {
		return
	}
	rec.Progress = progress
	rec.UpdatedAt = time.Now()
}

// ResetProgress forces progress back to zero. Only the cancel and
// watchdog-timeout finalizers call this; it is the single sanctioned
// exception to progress monotonicity.
func (s *Store) ResetProgress(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[id]; ok {
		rec.Progress = 0
		rec.UpdatedAt = time.Now()
	}
}

// AppendMessage appends to the record's message log.
func (s *Store) AppendMessage(id string, msg task.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[id]; ok {
		rec.Messages = append(rec.Messages, msg)
		rec.UpdatedAt = time.Now()
	}
}

// SetResult records the task's result payload.
func (s *Store) SetResult(id string, result any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[id]; ok {
		rec.Result = result
		rec.UpdatedAt = time.Now()
	}
}

// SetError records the task's user-visible error message.
func (s *Store) SetError(id string, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[id]; ok {
		rec.Error = msg
		rec.UpdatedAt = time.Now()
	}
}

// ListOlderThan returns the ids of records whose UpdatedAt is older than
// maxAge. With terminalOnly set, non-terminal records are never returned
// regardless of age.
func (s *Store) ListOlderThan(maxAge time.Duration, terminalOnly bool) []string {
	cutoff := time.Now().Add(-maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, rec := range s.records {
		if terminalOnly && !rec.Status.Terminal() {
			continue
		}
		if rec.UpdatedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Delete removes a record. Deleting an unknown id is a no-op.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
}

// Len reports the number of records currently held.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
