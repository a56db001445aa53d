// Package lanes provides per-key serial FIFO execution queues layered over a
// shared global lane. Same-key tasks run strictly in submission order; the
// global lane gives callers a coarse cross-process throttle point.
package lanes

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// DefaultGlobalLane is the global lane session tasks pass through.
const DefaultGlobalLane = "main"

// ErrCleared is delivered to tasks dropped by Clear before they started.
var ErrCleared = errors.New("lane cleared before task started")

// Result is the outcome of an enqueued task.
type Result struct {
	Value any
	Err   error
}

// Task is a unit of work executed on a lane.
type Task func(ctx context.Context) (any, error)

type queuedTask struct {
	ctx  context.Context
	run  Task
	done chan Result
}

type lane struct {
	queue   []*queuedTask
	running bool
}

// Scheduler owns the lanes. The zero value is not usable; call New.
type Scheduler struct {
	mu      sync.Mutex
	session map[string]*lane
	global  map[string]*lane
}

// New creates an empty scheduler.
func New() *Scheduler {
	return &Scheduler{
		session: make(map[string]*lane),
		global:  make(map[string]*lane),
	}
}

// Enqueue submits a task on the session lane for key. Before its body runs,
// the task passes through the default global lane, which orders task starts
// across sessions and gives callers a coarse throttle point. Bodies of
// different session lanes still interleave freely; only same-key tasks are
// fully serialized. The returned channel receives exactly one Result.
func (s *Scheduler) Enqueue(ctx context.Context, key string, fn Task) <-chan Result {
	wrapped := func(taskCtx context.Context) (any, error) {
		// Admission ticket through the global lane. The slot is released as
		// soon as the ticket is granted so unrelated sessions do not block
		// behind this task's body.
		gate := s.EnqueueGlobal(taskCtx, DefaultGlobalLane, func(context.Context) (any, error) {
			return nil, nil
		})
		if res := <-gate; res.Err != nil {
			return nil, res.Err
		}
		return fn(taskCtx)
	}
	return s.enqueueOn(ctx, s.session, key, wrapped)
}

// EnqueueGlobal submits a task directly on a named global lane.
func (s *Scheduler) EnqueueGlobal(ctx context.Context, name string, fn Task) <-chan Result {
	return s.enqueueOn(ctx, s.global, name, fn)
}

// Clear drops all queued-but-not-started tasks on the session lane for key.
// The running task, if any, is not affected. Returns the number of dropped
// tasks.
func (s *Scheduler) Clear(key string) int {
	s.mu.Lock()
	ln := s.session[key]
	var dropped []*queuedTask
	if ln != nil {
		dropped = ln.queue
		ln.queue = nil
	}
	s.mu.Unlock()

	for _, t := range dropped {
		t.done <- Result{Err: ErrCleared}
	}
	return len(dropped)
}

// PendingLen reports how many tasks are queued (not started) for a session key.
func (s *Scheduler) PendingLen(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ln := s.session[key]; ln != nil {
		return len(ln.queue)
	}
	return 0
}

func (s *Scheduler) enqueueOn(ctx context.Context, lanes map[string]*lane, key string, fn Task) <-chan Result {
	t := &queuedTask{ctx: ctx, run: fn, done: make(chan Result, 1)}

	s.mu.Lock()
	ln, ok := lanes[key]
	if !ok {
		ln = &lane{}
		lanes[key] = ln
	}
	ln.queue = append(ln.queue, t)
	start := !ln.running
	if start {
		ln.running = true
	}
	s.mu.Unlock()

	if start {
		go s.drain(lanes, key, ln)
	}
	return t.done
}

// drain runs queued tasks one at a time until the lane empties.
func (s *Scheduler) drain(lanes map[string]*lane, key string, ln *lane) {
	for {
		s.mu.Lock()
		if len(ln.queue) == 0 {
			ln.running = false
			s.mu.Unlock()
			return
		}
		t := ln.queue[0]
		ln.queue = ln.queue[1:]
		s.mu.Unlock()

		t.done <- runTask(t)
	}
}

// runTask executes one task, converting panics into errors so a failing task
// never blocks the lane.
func runTask(t *queuedTask) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Err: fmt.Errorf("lane task panic: %v", r)}
		}
	}()

	if t.ctx != nil {
		if err := t.ctx.Err(); err != nil {
			return Result{Err: err}
		}
	}
	v, err := t.run(t.ctx)
	return Result{Value: v, Err: err}
}
