// Package dispatcher provides the producer-facing API over the ring buffer
// and the registry of consumer subscriptions. Producers offer fragments or
// reserve space via claim/commit; subscriptions observe committed fragments
// through their own cursor at their own pace.
//
// All producer operations are non-blocking: under backpressure or after close
// they fail fast with the ring buffer's sentinel results, so actor jobs can
// retry by yielding instead of stalling a worker thread.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/actor"
	"github.com/wehubfusion/Daedalus/pkg/ringbuffer"
)

var (
	// ErrClosed indicates an operation on a closed dispatcher.
	ErrClosed = errors.New("dispatcher is closed")

	// ErrSubscriptionExists indicates an open subscription already uses the name.
	ErrSubscriptionExists = errors.New("subscription already exists")

	// ErrSubscriptionUnknown indicates the subscription is not registered here.
	ErrSubscriptionUnknown = errors.New("subscription not registered")
)

// Claim is a producer-owned two-phase reservation, resolved by Commit or
// Abort. See ringbuffer.Claim.
type Claim = ringbuffer.Claim

// Config configures a Dispatcher.
type Config struct {
	// Name identifies the dispatcher in logs and diagnostics.
	Name string

	// BufferSize is the total ring capacity in bytes. Must be a positive
	// multiple of 16.
	BufferSize int64

	// Scheduler is the actor runtime the dispatcher's conductor runs on.
	Scheduler *actor.Scheduler

	// InitialSubscriptions are opened before the dispatcher is returned.
	InitialSubscriptions []string

	// Logger defaults to a nop logger.
	Logger *zap.Logger
}

// Dispatcher owns a ring buffer and the set of open subscriptions.
type Dispatcher struct {
	name   string
	buffer *ringbuffer.RingBuffer
	sched  *actor.Scheduler
	logger *zap.Logger

	mu            sync.Mutex
	subscriptions map[string]*Subscription
	// subsSnapshot is the lock-free view used on the commit hot path.
	subsSnapshot atomic.Pointer[[]*Subscription]

	// dataConsumed wakes the conductor to republish the producer limit when
	// any subscription advances.
	dataConsumed atomic.Pointer[actor.Condition]

	conductor *actor.Control
	closed    atomic.Bool
}

// New creates a dispatcher, starts its conductor actor on the configured
// scheduler, and opens any initial subscriptions.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Name == "" {
		return nil, errors.New("dispatcher name cannot be empty")
	}
	if cfg.Scheduler == nil {
		return nil, errors.New("scheduler cannot be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	buffer, err := ringbuffer.New(cfg.Name, cfg.BufferSize)
	if err != nil {
		return nil, fmt.Errorf("dispatcher %q: %w", cfg.Name, err)
	}

	d := &Dispatcher{
		name:          cfg.Name,
		buffer:        buffer,
		sched:         cfg.Scheduler,
		logger:        cfg.Logger,
		subscriptions: make(map[string]*Subscription),
	}
	empty := make([]*Subscription, 0)
	d.subsSnapshot.Store(&empty)
	buffer.SetCommitHandler(d.signalSubscribers)

	d.conductor, err = cfg.Scheduler.Submit(cfg.Name+"-conductor", &conductor{d: d})
	if err != nil {
		return nil, fmt.Errorf("dispatcher %q: starting conductor: %w", cfg.Name, err)
	}

	for _, name := range cfg.InitialSubscriptions {
		if _, err := d.OpenSubscription(name); err != nil {
			return nil, err
		}
	}

	d.logger.Info("dispatcher created",
		zap.String("dispatcher", cfg.Name),
		zap.Int64("buffer_size", cfg.BufferSize))
	return d, nil
}

// Name returns the dispatcher's diagnostic name.
func (d *Dispatcher) Name() string { return d.name }

// MaxFragmentLength returns the largest payload one fragment may carry.
func (d *Dispatcher) MaxFragmentLength() int64 { return d.buffer.MaxFragmentLength() }

// Offer writes payload as one committed fragment. Returns the post-write
// buffer position, or a negative sentinel (ringbuffer.ResultBackpressured,
// ResultInsufficientCapacity, ResultClosed).
func (d *Dispatcher) Offer(payload []byte, streamID int32) int64 {
	if d.closed.Load() {
		return ringbuffer.ResultClosed
	}
	result := d.buffer.Offer(payload, streamID)
	if result == ringbuffer.ResultBackpressured && d.updatePublisherLimit() {
		result = d.buffer.Offer(payload, streamID)
	}
	return result
}

// ClaimFragment reserves space for a payload of the given length, filling the
// caller-owned claim. The fragment becomes visible to subscriptions only on
// claim.Commit; claim.Abort releases the space unseen. Returns the post-write
// position or a negative sentinel.
func (d *Dispatcher) ClaimFragment(claim *Claim, length int, streamID int32) int64 {
	if d.closed.Load() {
		return ringbuffer.ResultClosed
	}
	result := d.buffer.Claim(claim, length, streamID)
	if result == ringbuffer.ResultBackpressured && d.updatePublisherLimit() {
		result = d.buffer.Claim(claim, length, streamID)
	}
	return result
}

// OpenSubscription opens a named subscription whose cursor starts at the
// current producer position, so it observes only fragments committed from now
// on.
func (d *Dispatcher) OpenSubscription(name string) (*Subscription, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscriptions[name]; ok {
		return nil, fmt.Errorf("opening %q on dispatcher %q: %w", name, d.name, ErrSubscriptionExists)
	}
	sub := &Subscription{
		id:         uuid.New(),
		name:       name,
		buf:        d.buffer,
		onConsumed: d.signalConsumed,
		releasable: make(map[int64]int64),
	}
	sub.position.Store(d.buffer.Position())
	sub.acquire.Store(d.buffer.Position())
	emptyConds := make([]*actor.Condition, 0)
	sub.conditions.Store(&emptyConds)

	d.subscriptions[name] = sub
	d.storeSnapshotLocked()
	d.logger.Info("subscription opened",
		zap.String("dispatcher", d.name),
		zap.String("subscription", name),
		zap.String("id", sub.id.String()),
		zap.Int64("position", sub.Position()))
	return sub, nil
}

// OpenSubscriptionAsync opens the subscription from the conductor actor so
// creation serializes with other registry changes; the returned future
// resolves with the *Subscription.
func (d *Dispatcher) OpenSubscriptionAsync(name string) *actor.Future {
	future := actor.NewFuture()
	err := d.conductor.Run(func() {
		sub, err := d.OpenSubscription(name)
		if err != nil {
			future.Fail(err)
			return
		}
		future.Complete(sub)
	})
	if err != nil {
		return actor.FailedFuture(fmt.Errorf("opening %q: %w", name, ErrClosed))
	}
	return future
}

// CloseSubscription removes the subscription from the registry. The caller
// must have stopped polling it; the freed read limit is republished so
// backpressured producers can proceed.
func (d *Dispatcher) CloseSubscription(sub *Subscription) error {
	d.mu.Lock()
	registered, ok := d.subscriptions[sub.name]
	if !ok || registered != sub {
		d.mu.Unlock()
		return fmt.Errorf("closing %q on dispatcher %q: %w", sub.name, d.name, ErrSubscriptionUnknown)
	}
	delete(d.subscriptions, sub.name)
	d.storeSnapshotLocked()
	d.mu.Unlock()

	sub.closed.Store(true)
	d.signalConsumed()
	d.logger.Info("subscription closed",
		zap.String("dispatcher", d.name),
		zap.String("subscription", sub.name))
	return nil
}

// Close refuses further writes, waits for in-flight claims to commit or
// abort, and shuts down the conductor. Safe to call from any goroutine;
// closing twice is a no-op.
func (d *Dispatcher) Close(ctx context.Context) error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := d.buffer.Close(ctx)

	closeFuture := d.conductor.CloseAsync()
	select {
	case <-closeFuture.Done():
	case <-ctx.Done():
		err = errors.Join(err, fmt.Errorf("closing conductor: %w", ctx.Err()))
	}

	d.mu.Lock()
	for name, sub := range d.subscriptions {
		sub.closed.Store(true)
		delete(d.subscriptions, name)
	}
	d.storeSnapshotLocked()
	d.mu.Unlock()

	d.logger.Info("dispatcher closed", zap.String("dispatcher", d.name), zap.Error(err))
	return err
}

func (d *Dispatcher) storeSnapshotLocked() {
	snapshot := make([]*Subscription, 0, len(d.subscriptions))
	for _, sub := range d.subscriptions {
		snapshot = append(snapshot, sub)
	}
	d.subsSnapshot.Store(&snapshot)
}

// signalSubscribers runs after every commit.
func (d *Dispatcher) signalSubscribers() {
	for _, sub := range *d.subsSnapshot.Load() {
		sub.signalConsumers()
	}
}

// signalConsumed runs after any subscription advances its cursor.
func (d *Dispatcher) signalConsumed() {
	if cond := d.dataConsumed.Load(); cond != nil {
		cond.Signal()
	}
}

// updatePublisherLimit recomputes the reservation limit from the slowest
// subscription (or the producer position itself when none are open) and
// reports whether the limit moved forward.
func (d *Dispatcher) updatePublisherLimit() bool {
	minPosition := d.buffer.Position()
	for _, sub := range *d.subsSnapshot.Load() {
		if pos := sub.Position(); pos < minPosition {
			minPosition = pos
		}
	}
	before := d.buffer.PublisherLimit()
	d.buffer.SetPublisherLimit(minPosition + d.buffer.Capacity())
	return d.buffer.PublisherLimit() > before
}

// conductor is the dispatcher's housekeeping actor: it republishes the
// producer limit whenever consumers advance, keeping the offer hot path down
// to one atomic load.
type conductor struct {
	d *Dispatcher
}

func (c *conductor) OnActorStarted(ctl *actor.Control) {
	cond := ctl.OnCondition(c.d.name+"-data-consumed", func() {
		c.d.updatePublisherLimit()
	})
	c.d.dataConsumed.Store(cond)
	c.d.updatePublisherLimit()
}

func (c *conductor) OnActorClosing() {
	c.d.dataConsumed.Store(nil)
}
