package actor

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// jobBatchLimit bounds how many jobs a worker drains from one actor per
// dispatch before the actor is requeued, keeping scheduling fair across
// actors. Yield cuts the batch immediately.
const jobBatchLimit = 16

// FailureReporter receives uncaught actor job failures. Implementations must
// be safe for concurrent use from worker goroutines.
type FailureReporter interface {
	ReportActorFailure(actor string, cause error)
}

// Config configures a Scheduler.
type Config struct {
	// NumWorkers is the fixed size of the worker pool. Defaults to
	// runtime.NumCPU().
	NumWorkers int

	// MaxActors bounds how many actors may be live at once. Defaults to 4096.
	MaxActors int

	// Logger is used for lifecycle and failure logging. Defaults to a nop
	// logger.
	Logger *zap.Logger

	// OnFailure, if set, receives every uncaught actor job failure after it
	// has been logged.
	OnFailure FailureReporter
}

func (c *Config) applyDefaults() {
	if c.NumWorkers <= 0 {
		c.NumWorkers = runtime.NumCPU()
	}
	if c.MaxActors <= 0 {
		c.MaxActors = 4096
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Scheduler runs actor jobs on a fixed pool of worker goroutines. Actors are
// dispatched through a run queue; a dequeued actor has a bounded batch of its
// jobs drained by one worker, then is requeued if work remains. The
// idle/queued/running dispatch state on each actor guarantees at most one
// worker runs a given actor at a time.
type Scheduler struct {
	cfg    Config
	logger *zap.Logger

	// runQueue entries are live actors (at most one entry per actor) and nil
	// poison values that stop workers. Capacity MaxActors+NumWorkers makes
	// every send non-blocking.
	runQueue chan *Control

	wg      sync.WaitGroup
	started atomic.Bool
	stopped atomic.Bool

	mu     sync.Mutex
	actors map[*Control]struct{}
}

// NewScheduler creates a scheduler. Call Start before submitting actors.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.NumWorkers < 0 {
		return nil, errors.New("NumWorkers must not be negative")
	}
	cfg.applyDefaults()
	return &Scheduler{
		cfg:      cfg,
		logger:   cfg.Logger,
		runQueue: make(chan *Control, cfg.MaxActors+cfg.NumWorkers),
		actors:   make(map[*Control]struct{}),
	}, nil
}

// Start spawns the worker pool. Starting twice is a no-op.
func (s *Scheduler) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.logger.Info("starting actor scheduler", zap.Int("workers", s.cfg.NumWorkers))
	for i := 0; i < s.cfg.NumWorkers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
}

// Submit registers an actor and schedules its OnActorStarted job. The
// returned Control is the actor's external handle.
func (s *Scheduler) Submit(name string, a Actor) (*Control, error) {
	if s.stopped.Load() {
		return nil, ErrSchedulerClosed
	}
	ctl := &Control{
		sched:       s,
		owner:       a,
		name:        name,
		closeFuture: NewFuture(),
	}
	s.mu.Lock()
	if len(s.actors) >= s.cfg.MaxActors {
		s.mu.Unlock()
		return nil, fmt.Errorf("scheduler at capacity (%d actors)", s.cfg.MaxActors)
	}
	s.actors[ctl] = struct{}{}
	s.mu.Unlock()

	if err := ctl.submit(&job{fn: ctl.startSlice}, true); err != nil {
		return nil, err
	}
	return ctl, nil
}

// Close stops accepting actors, requests close on all live actors, and joins
// the workers once every actor reached Closed. Returns the context error if
// actors fail to close in time.
func (s *Scheduler) Close(ctx context.Context) error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	live := make([]*Control, 0, len(s.actors))
	for ctl := range s.actors {
		live = append(live, ctl)
	}
	s.mu.Unlock()

	futures := make([]*Future, 0, len(live))
	for _, ctl := range live {
		futures = append(futures, ctl.CloseAsync())
	}
	for _, f := range futures {
		select {
		case <-f.Done():
		case <-ctx.Done():
			return fmt.Errorf("scheduler close: %w", ctx.Err())
		}
	}

	for i := 0; i < s.cfg.NumWorkers; i++ {
		s.runQueue <- nil
	}
	s.wg.Wait()
	s.logger.Info("actor scheduler stopped")
	return nil
}

// LiveActors returns the number of actors not yet closed.
func (s *Scheduler) LiveActors() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.actors)
}

func (s *Scheduler) enqueueActor(c *Control) {
	s.runQueue <- c
}

func (s *Scheduler) actorClosed(c *Control) {
	s.mu.Lock()
	delete(s.actors, c)
	s.mu.Unlock()
	s.logger.Debug("actor closed", zap.String("actor", c.name))
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()
	s.logger.Debug("worker started", zap.Int("worker_id", id))
	for ctl := range s.runQueue {
		if ctl == nil {
			s.logger.Debug("worker stopping", zap.Int("worker_id", id))
			return
		}
		s.execute(ctl)
	}
}

// execute drains one batch of the actor's jobs. The dispatch state transition
// to idle followed by the pending recheck closes the lost-wakeup window
// against concurrent submissions.
func (s *Scheduler) execute(c *Control) {
	c.dispatch.Store(dispatchRunning)
	c.yielded = false
	for i := 0; i < jobBatchLimit; i++ {
		j := c.popJob()
		if j == nil {
			break
		}
		c.runJob(j)
		if c.yielded {
			break
		}
	}
	c.dispatch.Store(dispatchIdle)
	if c.hasPending() {
		c.schedule()
	}
}
