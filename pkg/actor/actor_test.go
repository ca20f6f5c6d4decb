package actor_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/actor"
)

// startFunc adapts a function to the Actor interface.
type startFunc func(ctl *actor.Control)

func (f startFunc) OnActorStarted(ctl *actor.Control) { f(ctl) }

func newScheduler(t *testing.T, workers int) *actor.Scheduler {
	t.Helper()
	sched, err := actor.NewScheduler(actor.Config{NumWorkers: workers})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	sched.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sched.Close(ctx); err != nil {
			t.Errorf("scheduler close: %v", err)
		}
	})
	return sched
}

func waitFuture(t *testing.T, f *actor.Future, timeout time.Duration) any {
	t.Helper()
	select {
	case <-f.Done():
	case <-time.After(timeout):
		t.Fatalf("future not resolved within %v", timeout)
	}
	value, err := f.Get()
	if err != nil {
		t.Fatalf("future failed: %v", err)
	}
	return value
}

func TestJobsRunInSubmissionOrder(t *testing.T) {
	sched := newScheduler(t, 4)

	var got []int
	done := actor.NewFuture()
	_, err := sched.Submit("order", startFunc(func(ctl *actor.Control) {
		for i := 1; i <= 5; i++ {
			i := i
			if err := ctl.Run(func() { got = append(got, i) }); err != nil {
				t.Errorf("Run: %v", err)
			}
		}
		_ = ctl.Run(func() { done.Complete(nil) })
	}))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitFuture(t, done, 5*time.Second)
	if len(got) != 5 {
		t.Fatalf("expected 5 jobs, ran %d", len(got))
	}
	for i, v := range got {
		if v != i+1 {
			t.Errorf("job %d ran out of order: got %d", i, v)
		}
	}
}

func TestYieldDoesNotDropPendingJobs(t *testing.T) {
	sched := newScheduler(t, 1)

	done := actor.NewFuture()
	var steps []string
	_, err := sched.Submit("yielder", startFunc(func(ctl *actor.Control) {
		_ = ctl.Run(func() {
			steps = append(steps, "first")
			ctl.Yield()
		})
		_ = ctl.Run(func() {
			steps = append(steps, "second")
			done.Complete(nil)
		})
	}))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitFuture(t, done, 5*time.Second)
	if len(steps) != 2 || steps[0] != "first" || steps[1] != "second" {
		t.Fatalf("unexpected step order: %v", steps)
	}
}

func TestRunUntilDoneRepeatsUntilDone(t *testing.T) {
	sched := newScheduler(t, 2)

	done := actor.NewFuture()
	count := 0
	_, err := sched.Submit("repeater", startFunc(func(ctl *actor.Control) {
		_ = ctl.RunUntilDone(func() {
			count++
			if count == 5 {
				ctl.Done()
				done.Complete(count)
			}
		})
	}))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	value := waitFuture(t, done, 5*time.Second)
	if value.(int) != 5 {
		t.Fatalf("expected 5 invocations, got %v", value)
	}
	// Give a stray repeat a chance to run, then confirm it did not.
	time.Sleep(20 * time.Millisecond)
	if count != 5 {
		t.Fatalf("job repeated after Done: count=%d", count)
	}
}

func TestAwaitDeliversResultAsJob(t *testing.T) {
	sched := newScheduler(t, 2)

	pending := actor.NewFuture()
	done := actor.NewFuture()
	_, err := sched.Submit("awaiter", startFunc(func(ctl *actor.Control) {
		ctl.Await(pending, func(value any, err error) {
			if err != nil {
				done.Fail(err)
				return
			}
			done.Complete(value)
		})
	}))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		pending.Complete("result")
	}()

	if value := waitFuture(t, done, 5*time.Second); value != "result" {
		t.Fatalf("expected \"result\", got %v", value)
	}
}

func TestAwaitAlreadyResolvedFuture(t *testing.T) {
	sched := newScheduler(t, 2)

	done := actor.NewFuture()
	_, err := sched.Submit("awaiter", startFunc(func(ctl *actor.Control) {
		ctl.Await(actor.CompletedFuture(42), func(value any, err error) {
			done.Complete(value)
		})
	}))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if value := waitFuture(t, done, 5*time.Second); value != 42 {
		t.Fatalf("expected 42, got %v", value)
	}
}

// signalSource is a minimal Consumable for consume-job tests.
type signalSource struct {
	mu    sync.Mutex
	conds []*actor.Condition
}

func (s *signalSource) RegisterConsumer(cond *actor.Condition) {
	s.mu.Lock()
	s.conds = append(s.conds, cond)
	s.mu.Unlock()
}

func (s *signalSource) signal() {
	s.mu.Lock()
	conds := append([]*actor.Condition(nil), s.conds...)
	s.mu.Unlock()
	for _, c := range conds {
		c.Signal()
	}
}

func TestConsumeRunsOnSignal(t *testing.T) {
	sched := newScheduler(t, 2)
	src := &signalSource{}

	var mu sync.Mutex
	runs := 0
	_, err := sched.Submit("consumer", startFunc(func(ctl *actor.Control) {
		ctl.Consume(src, func() {
			mu.Lock()
			runs++
			mu.Unlock()
		})
	}))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Consume signals once on registration.
	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return runs >= 1 })

	mu.Lock()
	before := runs
	mu.Unlock()
	src.signal()
	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return runs > before })
}

func TestConsumeCoalescesBurstsOfSignals(t *testing.T) {
	sched := newScheduler(t, 1)
	src := &signalSource{}

	var mu sync.Mutex
	runs := 0
	block := make(chan struct{})
	registered := actor.NewFuture()
	_, err := sched.Submit("consumer", startFunc(func(ctl *actor.Control) {
		ctl.Consume(src, func() {
			mu.Lock()
			runs++
			first := runs == 1
			mu.Unlock()
			if first {
				<-block
			}
		})
		registered.Complete(nil)
	}))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFuture(t, registered, 5*time.Second)
	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return runs == 1 })

	// A burst of signals while the job runs coalesces into one follow-up run.
	for i := 0; i < 100; i++ {
		src.signal()
	}
	close(block)
	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return runs >= 2 })
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if runs > 3 {
		t.Fatalf("signals did not coalesce: job ran %d times", runs)
	}
}

// closingActor records the closing hook invocation.
type closingActor struct {
	started chan struct{}
	closing chan struct{}
}

func (a *closingActor) OnActorStarted(ctl *actor.Control) { close(a.started) }
func (a *closingActor) OnActorClosing()                   { close(a.closing) }

func TestCloseRunsClosingHookAndResolvesFuture(t *testing.T) {
	sched := newScheduler(t, 2)
	a := &closingActor{started: make(chan struct{}), closing: make(chan struct{})}

	ctl, err := sched.Submit("closer", a)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-a.started

	waitFuture(t, ctl.CloseAsync(), 5*time.Second)
	select {
	case <-a.closing:
	default:
		t.Fatal("OnActorClosing did not run")
	}
	if ctl.State() != actor.StateClosed {
		t.Fatalf("expected CLOSED, got %s", ctl.State())
	}
}

func TestRunAfterCloseReturnsErrActorClosed(t *testing.T) {
	sched := newScheduler(t, 2)
	ctl, err := sched.Submit("closed", startFunc(func(ctl *actor.Control) {}))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	ctl.Close()
	if err := ctl.Run(func() {}); !errors.Is(err, actor.ErrActorClosed) {
		t.Fatalf("expected ErrActorClosed, got %v", err)
	}
}

func TestSubmitAfterSchedulerClose(t *testing.T) {
	sched, err := actor.NewScheduler(actor.Config{NumWorkers: 1})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	sched.Start()
	if err := sched.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := sched.Submit("late", startFunc(func(ctl *actor.Control) {})); !errors.Is(err, actor.ErrSchedulerClosed) {
		t.Fatalf("expected ErrSchedulerClosed, got %v", err)
	}
}

// recordingReporter captures uncaught actor failures.
type recordingReporter struct {
	mu       sync.Mutex
	failures map[string]error
}

func (r *recordingReporter) ReportActorFailure(name string, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures == nil {
		r.failures = make(map[string]error)
	}
	r.failures[name] = cause
}

func TestPanicClosesActorButNotWorkers(t *testing.T) {
	reporter := &recordingReporter{}
	sched, err := actor.NewScheduler(actor.Config{NumWorkers: 1, OnFailure: reporter})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	sched.Start()
	t.Cleanup(func() { _ = sched.Close(context.Background()) })

	ctl, err := sched.Submit("doomed", startFunc(func(ctl *actor.Control) {
		_ = ctl.Run(func() { panic(fmt.Errorf("boom")) })
	}))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, func() bool { return ctl.State() == actor.StateClosed })

	reporter.mu.Lock()
	cause := reporter.failures["doomed"]
	reporter.mu.Unlock()
	if cause == nil || cause.Error() != "boom" {
		t.Fatalf("failure not reported, got %v", cause)
	}

	// The single worker survived the panic.
	done := actor.NewFuture()
	if _, err := sched.Submit("survivor", startFunc(func(ctl *actor.Control) {
		done.Complete(nil)
	})); err != nil {
		t.Fatalf("Submit after panic: %v", err)
	}
	waitFuture(t, done, 5*time.Second)
}

func TestPanicAfterCloseRequestStillCloses(t *testing.T) {
	sched := newScheduler(t, 2)

	ctl, err := sched.Submit("late-panic", startFunc(func(ctl *actor.Control) {
		ctl.Close()
		panic("failure after close request")
	}))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitFuture(t, ctl.CloseAsync(), 5*time.Second)
	if ctl.State() != actor.StateClosed {
		t.Fatalf("expected CLOSED, got %s", ctl.State())
	}
}

// panickyClosingActor fails inside its closing hook.
type panickyClosingActor struct{}

func (a *panickyClosingActor) OnActorStarted(ctl *actor.Control) {}
func (a *panickyClosingActor) OnActorClosing()                   { panic("closing hook failure") }

func TestPanicInClosingHookStillCloses(t *testing.T) {
	sched := newScheduler(t, 2)

	ctl, err := sched.Submit("doomed-closer", &panickyClosingActor{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitFuture(t, ctl.CloseAsync(), 5*time.Second)
	if ctl.State() != actor.StateClosed {
		t.Fatalf("expected CLOSED, got %s", ctl.State())
	}
	if live := sched.LiveActors(); live != 0 {
		t.Fatalf("expected 0 live actors, got %d", live)
	}
}

func TestSchedulerCloseWaitsForActors(t *testing.T) {
	sched, err := actor.NewScheduler(actor.Config{NumWorkers: 2})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	sched.Start()

	closing := make(chan struct{})
	a := &closingActor{started: make(chan struct{}), closing: closing}
	if _, err := sched.Submit("graceful", a); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-a.started

	if err := sched.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-closing:
	default:
		t.Fatal("scheduler closed without running the actor's closing hook")
	}
	if live := sched.LiveActors(); live != 0 {
		t.Fatalf("expected 0 live actors, got %d", live)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}
