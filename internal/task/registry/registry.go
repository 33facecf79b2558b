// Package registry tracks the status of submitted tasks for polling.
//
// Each task's (status, message) pair lives behind one atomic pointer, so
// readers always see a pair that was written together. The id space is
// sharded; no operation locks more than one shard, and shard locks are only
// held for map access.
//
// History is process-local and does not survive a restart.
package registry

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"storypipe/internal/domain"
)

var (
	ErrNotFound          = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid task transition")
)

const (
	shardCount     = 32
	initialMessage = "Starting..."
)

type entry struct {
	view atomic.Pointer[domain.TaskView]
}

type shard struct {
	mu    sync.RWMutex
	tasks map[string]*entry
}

type Registry struct {
	shards [shardCount]shard
	now    func() time.Time
	newID  func() string
}

type Option func(*Registry)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

// WithIDs overrides id generation.
func WithIDs(gen func() string) Option { return func(r *Registry) { r.newID = gen } }

func New(opts ...Option) *Registry {
	r := &Registry{now: time.Now, newID: uuid.NewString}
	for i := range r.shards {
		r.shards[i].tasks = map[string]*entry{}
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Registry) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &r.shards[h.Sum32()%shardCount]
}

// Create registers a pending task and returns its id.
func (r *Registry) Create(kind domain.TaskKind) string {
	now := r.now()
	for {
		id := r.newID()
		sh := r.shardFor(id)
		sh.mu.Lock()
		if _, dup := sh.tasks[id]; dup {
			sh.mu.Unlock()
			continue
		}
		e := &entry{}
		e.view.Store(&domain.TaskView{
			ID:        id,
			Kind:      kind,
			Status:    domain.StatusPending,
			Message:   initialMessage,
			CreatedAt: now,
			UpdatedAt: now,
		})
		sh.tasks[id] = e
		sh.mu.Unlock()
		return id
	}
}

func (r *Registry) lookup(id string) *entry {
	sh := r.shardFor(id)
	sh.mu.RLock()
	e := sh.tasks[id]
	sh.mu.RUnlock()
	return e
}

// Get returns a snapshot. Unknown ids yield StatusNotFound, not an error.
func (r *Registry) Get(id string) domain.TaskView {
	e := r.lookup(id)
	if e == nil {
		return domain.TaskView{ID: id, Status: domain.StatusNotFound}
	}
	return *e.view.Load()
}

// SetRunning moves pending→running or updates the message of a running task.
func (r *Registry) SetRunning(id, msg string) error {
	return r.transition(id, domain.StatusRunning, msg, domain.StatusPending, domain.StatusRunning)
}

func (r *Registry) SetDone(id, msg string) error {
	return r.transition(id, domain.StatusDone, msg, domain.StatusRunning)
}

func (r *Registry) SetError(id, msg string) error {
	return r.transition(id, domain.StatusError, msg, domain.StatusRunning)
}

func (r *Registry) transition(id string, to domain.TaskStatus, msg string, from ...domain.TaskStatus) error {
	e := r.lookup(id)
	if e == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	for {
		cur := e.view.Load()
		if !allowed(cur.Status, from) {
			return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, id, cur.Status, to)
		}
		next := *cur
		next.Status = to
		next.Message = msg
		next.UpdatedAt = r.now()
		if e.view.CompareAndSwap(cur, &next) {
			return nil
		}
	}
}

func allowed(s domain.TaskStatus, from []domain.TaskStatus) bool {
	for _, f := range from {
		if s == f {
			return true
		}
	}
	return false
}

// List returns every task, newest first.
func (r *Registry) List() []domain.TaskView {
	var out []domain.TaskView
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		for _, e := range sh.tasks {
			out = append(out, *e.view.Load())
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.After(out[b].CreatedAt)
		}
		return out[a].ID < out[b].ID
	})
	return out
}

// Counts tallies tasks by status.
func (r *Registry) Counts() map[domain.TaskStatus]int {
	out := map[domain.TaskStatus]int{}
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		for _, e := range sh.tasks {
			out[e.view.Load().Status]++
		}
		sh.mu.RUnlock()
	}
	return out
}
