// Package actor provides the cooperative actor runtime the dispatcher and the
// engine's record processing run on: a fixed pool of worker goroutines
// executing actor jobs, with suspension primitives (await, consume, yield,
// run-until-done) that never block a worker.
//
// An actor's jobs execute on at most one worker at a time, so actor logic has
// single-threaded semantics over its own state despite multi-threaded
// execution. Jobs are cooperative: a job runs to the end of its slice or to an
// explicit suspension call, and must not make blocking system calls.
package actor

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	// ErrActorClosed is returned when a job is submitted to an actor that has
	// requested or completed close. Submissions are never silently dropped.
	ErrActorClosed = errors.New("actor is closed")

	// ErrSchedulerClosed is returned by Submit after the scheduler stopped.
	ErrSchedulerClosed = errors.New("scheduler is closed")
)

// State is an actor's lifecycle state.
type State int32

const (
	StateNew State = iota
	StateStarting
	StateStarted
	StateCloseRequested
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateStarting:
		return "STARTING"
	case StateStarted:
		return "STARTED"
	case StateCloseRequested:
		return "CLOSE_REQUESTED"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

// Actor is the capability interface actor types implement. OnActorStarted is
// the first job the runtime executes for a submitted actor; the Control it
// receives is the actor's handle for scheduling further work.
type Actor interface {
	OnActorStarted(ctl *Control)
}

// ClosingObserver is implemented by actors that want a hook during the
// closing sequence, after the pending queue has drained.
type ClosingObserver interface {
	OnActorClosing()
}

// Consumable is a data source consume jobs can be bound to, typically a
// dispatcher subscription. RegisterConsumer must retain the condition and
// signal it whenever the source may have new work.
type Consumable interface {
	RegisterConsumer(*Condition)
}

// job is one pending slice of actor logic.
type job struct {
	fn        func()
	repeating bool // re-invoked until done (RunUntilDone)
	done      bool
}

const (
	dispatchIdle int32 = iota
	dispatchQueued
	dispatchRunning
)

// Control is the per-actor handle. Run, Close, CloseAsync, State and Name are
// safe from any goroutine; the remaining methods are suspension primitives and
// must only be called from within the actor's own jobs.
type Control struct {
	sched *Scheduler
	owner Actor
	name  string

	state    atomic.Int32
	dispatch atomic.Int32

	queueMu sync.Mutex
	queue   []*job

	// Job-slice bookkeeping, touched only by the worker currently running
	// the actor.
	current *job
	yielded bool
	failed  bool

	closeFuture *Future
}

// Name returns the actor's diagnostic name.
func (c *Control) Name() string { return c.name }

// State returns the actor's current lifecycle state.
func (c *Control) State() State { return State(c.state.Load()) }

// Run enqueues a one-shot job. The actor's own jobs execute in submission
// order relative to each other.
func (c *Control) Run(fn func()) error {
	return c.submit(&job{fn: fn}, true)
}

// RunUntilDone enqueues a job that is re-invoked each slice until it calls
// Done. Between invocations the actor's other pending jobs and other actors
// interleave, so multi-step logic never occupies a worker continuously.
func (c *Control) RunUntilDone(fn func()) error {
	return c.submit(&job{fn: fn, repeating: true}, true)
}

// Yield ends the current drain batch after this job; the actor is requeued at
// the back of the run queue so other actors get the worker.
func (c *Control) Yield() {
	c.yielded = true
}

// Done completes the surrounding RunUntilDone job.
func (c *Control) Done() {
	if c.current != nil {
		c.current.done = true
	}
}

// Await registers a continuation for the future. No worker is occupied while
// waiting; when the future resolves, the continuation is enqueued as a job
// with the result or failure. If the actor closes first, the continuation is
// dropped.
func (c *Control) Await(f *Future, cont func(value any, err error)) {
	f.onComplete(func(value any, err error) {
		_ = c.submit(&job{fn: func() { cont(value, err) }}, true)
	})
}

// Consume registers a recurring job invoked whenever src signals that it may
// have unconsumed work. The condition coalesces signals, so the runtime backs
// off naturally while the source is idle instead of busy-polling. The job
// decides when to stop doing work (e.g. the subscription reports no data).
func (c *Control) Consume(src Consumable, fn func()) *Condition {
	cond := c.OnCondition(fmt.Sprintf("%s-consume", c.name), fn)
	src.RegisterConsumer(cond)
	// Pick up anything committed before registration.
	cond.Signal()
	return cond
}

// OnCondition creates a condition that schedules fn on this actor each time
// it is signalled.
func (c *Control) OnCondition(name string, fn func()) *Condition {
	return &Condition{name: name, ctl: c, fn: fn}
}

// Close requests the actor's closing sequence: pending jobs drain, the
// OnActorClosing hook runs if implemented, and the actor ends Closed. Safe to
// call from any goroutine; idempotent.
func (c *Control) Close() {
	for {
		s := State(c.state.Load())
		if s >= StateCloseRequested {
			return
		}
		if c.state.CompareAndSwap(int32(s), int32(StateCloseRequested)) {
			break
		}
	}
	_ = c.submit(&job{fn: c.closeSlice}, false)
}

// CloseAsync requests close and returns a future resolved when the actor
// reaches Closed.
func (c *Control) CloseAsync() *Future {
	c.Close()
	return c.closeFuture
}

// submit appends a job and wakes the actor. When gated, submissions to a
// closing or closed actor fail with ErrActorClosed.
func (c *Control) submit(j *job, gated bool) error {
	if gated && State(c.state.Load()) >= StateCloseRequested {
		return ErrActorClosed
	}
	c.queueMu.Lock()
	c.queue = append(c.queue, j)
	c.queueMu.Unlock()
	c.schedule()
	return nil
}

func (c *Control) schedule() {
	if c.dispatch.CompareAndSwap(dispatchIdle, dispatchQueued) {
		c.sched.enqueueActor(c)
	}
}

func (c *Control) popJob() *job {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	if len(c.queue) == 0 {
		return nil
	}
	j := c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]
	return j
}

func (c *Control) pushJob(j *job) {
	c.queueMu.Lock()
	c.queue = append(c.queue, j)
	c.queueMu.Unlock()
}

func (c *Control) hasPending() bool {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	return len(c.queue) > 0
}

func (c *Control) discardJobs() {
	c.queueMu.Lock()
	c.queue = nil
	c.queueMu.Unlock()
}

// startSlice is the actor's first job.
func (c *Control) startSlice() {
	if !c.state.CompareAndSwap(int32(StateNew), int32(StateStarting)) {
		// Close was requested before the actor ever ran.
		return
	}
	c.owner.OnActorStarted(c)
	c.state.CompareAndSwap(int32(StateStarting), int32(StateStarted))
}

// closeSlice runs after the queue drained up to the close request.
func (c *Control) closeSlice() {
	c.state.Store(int32(StateClosing))
	if observer, ok := c.owner.(ClosingObserver); ok {
		observer.OnActorClosing()
	}
	c.discardJobs()
	c.state.Store(int32(StateClosed))
	c.sched.actorClosed(c)
	c.closeFuture.Complete(nil)
}

// runJob executes one job slice with panic containment. An uncaught failure
// is reported to the actor and closes it; the worker goroutine survives.
func (c *Control) runJob(j *job) {
	c.current = j
	func() {
		defer func() {
			if r := recover(); r != nil {
				c.handleFailure(r)
			}
		}()
		j.fn()
	}()
	c.current = nil
	if j.repeating && !j.done && !c.failed {
		c.pushJob(j)
	}
}

func (c *Control) handleFailure(cause any) {
	c.failed = true
	err, ok := cause.(error)
	if !ok {
		err = fmt.Errorf("%v", cause)
	}
	c.sched.logger.Error("actor job failed, closing actor",
		zap.String("actor", c.name),
		zap.Error(err),
		zap.Stack("stacktrace"))
	if c.sched.cfg.OnFailure != nil {
		c.sched.cfg.OnFailure.ReportActorFailure(c.name, err)
	}
	c.discardJobs()
	switch State(c.state.Load()) {
	case StateClosing:
		// The closing sequence itself failed; no close job is left to finish
		// it, so reach the terminal state here.
		c.state.Store(int32(StateClosed))
		c.sched.actorClosed(c)
		c.closeFuture.Complete(nil)
		return
	case StateClosed:
		return
	}
	// The discard may have dropped an already queued close job, so submit one
	// regardless of whether close was requested before the failure.
	c.state.Store(int32(StateCloseRequested))
	_ = c.submit(&job{fn: c.closeSlice}, false)
}
