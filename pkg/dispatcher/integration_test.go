package dispatcher_test

import (
	"context"
	"encoding/binary"
	"fmt"
	"testing"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/actor"
	"github.com/wehubfusion/Daedalus/pkg/dispatcher"
)

// End-to-end pipeline tests: producer and consumer actors cooperating over
// one dispatcher, with sequence counters proving ordered, gap-free delivery
// across many buffer laps.

const (
	pipelineMessages = 100_000
	pipelinePayload  = 64
)

// producer offers one numbered message per job slice, yielding between
// messages so consumers interleave on the same worker pool. Backpressured
// offers retry on the next slice without incrementing the counter.
type producer struct {
	d       *dispatcher.Dispatcher
	ctl     *actor.Control
	payload []byte
	counter uint32
	total   uint32
	done    *actor.Future
}

func newProducer(d *dispatcher.Dispatcher, total uint32) *producer {
	return &producer{
		d:       d,
		payload: make([]byte, pipelinePayload),
		counter: 1,
		total:   total,
		done:    actor.NewFuture(),
	}
}

func (p *producer) OnActorStarted(ctl *actor.Control) {
	p.ctl = ctl
	_ = ctl.Run(p.produce)
}

func (p *producer) produce() {
	binary.LittleEndian.PutUint32(p.payload, p.counter)
	if p.d.Offer(p.payload, 1) > 0 {
		p.counter++
	}
	if p.counter <= p.total {
		p.ctl.Yield()
		_ = p.ctl.Run(p.produce)
		return
	}
	p.done.Complete(nil)
}

// claimingProducer writes each message directly into claimed buffer space.
type claimingProducer struct {
	d       *dispatcher.Dispatcher
	ctl     *actor.Control
	claim   dispatcher.Claim
	counter uint32
	total   uint32
	done    *actor.Future
}

func newClaimingProducer(d *dispatcher.Dispatcher, total uint32) *claimingProducer {
	return &claimingProducer{d: d, counter: 1, total: total, done: actor.NewFuture()}
}

func (p *claimingProducer) OnActorStarted(ctl *actor.Control) {
	p.ctl = ctl
	_ = ctl.Run(p.produce)
}

func (p *claimingProducer) produce() {
	if p.d.ClaimFragment(&p.claim, pipelinePayload, 1) > 0 {
		binary.LittleEndian.PutUint32(p.claim.Buffer(), p.counter)
		p.claim.Commit()
		p.counter++
	}
	if p.counter <= p.total {
		p.ctl.Yield()
		_ = p.ctl.Run(p.produce)
		return
	}
	p.done.Complete(nil)
}

// consumer polls its subscription from a consume job and verifies the
// sequence has no gaps, duplicates, or reorderings.
type consumer struct {
	sub      *dispatcher.Subscription
	expected uint32
	total    uint32
	done     *actor.Future
	failed   bool
}

func newConsumer(sub *dispatcher.Subscription, total uint32) *consumer {
	return &consumer{sub: sub, total: total, done: actor.NewFuture()}
}

func (c *consumer) OnActorStarted(ctl *actor.Control) {
	ctl.Consume(c.sub, c.consume)
}

func (c *consumer) consume() {
	if c.failed {
		return
	}
	c.sub.Poll(c.onFragment, 1000)
}

func (c *consumer) onFragment(payload []byte, streamID int32, failed bool) dispatcher.FragmentResult {
	seq := binary.LittleEndian.Uint32(payload)
	if seq != c.expected+1 {
		c.failed = true
		c.done.Fail(fmt.Errorf("sequence broken: got %d, want %d", seq, c.expected+1))
		return dispatcher.FragmentPostpone
	}
	c.expected = seq
	if seq == c.total {
		c.done.Complete(nil)
	}
	return dispatcher.FragmentConsume
}

// peekingConsumer consumes through block peeks, deferring each block's
// resolution across job slices with a repeating job.
type peekingConsumer struct {
	sub      *dispatcher.Subscription
	ctl      *actor.Control
	peek     dispatcher.BlockPeek
	expected uint32
	total    uint32
	done     *actor.Future
	failed   bool
}

func newPeekingConsumer(sub *dispatcher.Subscription, total uint32) *peekingConsumer {
	return &peekingConsumer{sub: sub, total: total, done: actor.NewFuture()}
}

func (c *peekingConsumer) OnActorStarted(ctl *actor.Control) {
	c.ctl = ctl
	ctl.Consume(c.sub, c.consume)
}

func (c *peekingConsumer) consume() {
	if c.failed || c.peek.Active() {
		return
	}
	if c.sub.PeekBlock(&c.peek, 64*1024, false) > 0 {
		_ = c.ctl.RunUntilDone(c.process)
	}
}

// process verifies up to 128 fragments per slice; the block stays unresolved
// between slices and is completed only after its last fragment.
func (c *peekingConsumer) process() {
	for i := 0; i < 128; i++ {
		if !c.peek.Next() {
			c.peek.MarkCompleted()
			if c.expected == c.total {
				c.done.Complete(nil)
			}
			c.ctl.Done()
			// A commit signal may have been swallowed while the peek was
			// unresolved; look for the next block right away.
			c.consume()
			return
		}
		seq := binary.LittleEndian.Uint32(c.peek.Fragment().Payload)
		if seq != c.expected+1 {
			c.failed = true
			c.peek.MarkCompleted()
			c.done.Fail(fmt.Errorf("sequence broken: got %d, want %d", seq, c.expected+1))
			c.ctl.Done()
			return
		}
		c.expected = seq
	}
}

func newPipeline(t *testing.T) (*dispatcher.Dispatcher, *actor.Scheduler, *dispatcher.Subscription) {
	t.Helper()
	sched, err := actor.NewScheduler(actor.Config{NumWorkers: 3})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	sched.Start()

	d, err := dispatcher.New(dispatcher.Config{
		Name:       "pipeline",
		BufferSize: 1 << 20,
		Scheduler:  sched,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sub, err := d.OpenSubscription("pipeline-consumer")
	if err != nil {
		t.Fatalf("OpenSubscription: %v", err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := d.Close(ctx); err != nil {
			t.Errorf("dispatcher close: %v", err)
		}
		if err := sched.Close(ctx); err != nil {
			t.Errorf("scheduler close: %v", err)
		}
	})
	return d, sched, sub
}

func awaitPipeline(t *testing.T, name string, f *actor.Future) {
	t.Helper()
	select {
	case <-f.Done():
	case <-time.After(60 * time.Second):
		t.Fatalf("%s did not finish in time", name)
	}
	if _, err := f.Get(); err != nil {
		t.Fatalf("%s failed: %v", name, err)
	}
}

func TestPipelineOffer(t *testing.T) {
	d, sched, sub := newPipeline(t)

	cons := newConsumer(sub, pipelineMessages)
	if _, err := sched.Submit("consumer", cons); err != nil {
		t.Fatalf("Submit consumer: %v", err)
	}
	prod := newProducer(d, pipelineMessages)
	if _, err := sched.Submit("producer", prod); err != nil {
		t.Fatalf("Submit producer: %v", err)
	}

	awaitPipeline(t, "producer", prod.done)
	awaitPipeline(t, "consumer", cons.done)
}

func TestPipelineClaim(t *testing.T) {
	d, sched, sub := newPipeline(t)

	cons := newConsumer(sub, pipelineMessages)
	if _, err := sched.Submit("consumer", cons); err != nil {
		t.Fatalf("Submit consumer: %v", err)
	}
	prod := newClaimingProducer(d, pipelineMessages)
	if _, err := sched.Submit("producer", prod); err != nil {
		t.Fatalf("Submit producer: %v", err)
	}

	awaitPipeline(t, "producer", prod.done)
	awaitPipeline(t, "consumer", cons.done)
}

func TestPipelineClaimAndPeek(t *testing.T) {
	d, sched, sub := newPipeline(t)

	cons := newPeekingConsumer(sub, pipelineMessages)
	if _, err := sched.Submit("peeking-consumer", cons); err != nil {
		t.Fatalf("Submit consumer: %v", err)
	}
	prod := newClaimingProducer(d, pipelineMessages)
	if _, err := sched.Submit("producer", prod); err != nil {
		t.Fatalf("Submit producer: %v", err)
	}

	awaitPipeline(t, "producer", prod.done)
	awaitPipeline(t, "consumer", cons.done)
}
