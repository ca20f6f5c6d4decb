package dispatcher

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/wehubfusion/Daedalus/pkg/actor"
	"github.com/wehubfusion/Daedalus/pkg/ringbuffer"
)

// FragmentResult is a handler's verdict on one delivered fragment.
type FragmentResult int

const (
	// FragmentConsume advances the cursor past the fragment.
	FragmentConsume FragmentResult = iota

	// FragmentPostpone stops polling with the cursor unchanged; the fragment
	// is redelivered on the next poll.
	FragmentPostpone

	// FragmentFailed marks the fragment failed in the buffer and advances.
	// Redelivery policy is the caller's, via the failed flag.
	FragmentFailed
)

// FragmentHandler receives one committed fragment: a zero-copy payload view,
// the producer's stream id, and whether a consumer previously marked the
// fragment failed. The payload slice is only valid for the duration of the
// call.
type FragmentHandler func(payload []byte, streamID int32, failed bool) FragmentResult

// Subscription is an independent read cursor over the dispatcher's ring
// buffer. The cursor only ever advances and never exceeds the producer
// position. Plain polling is single-reader: concurrent Poll or PeekBlock
// calls on one subscription are a contract violation (typically a
// subscription is driven by exactly one actor consume job). PollPartitioned
// is the exception and may be called by multiple cooperating pollers.
type Subscription struct {
	id   uuid.UUID
	name string
	buf  *ringbuffer.RingBuffer

	// position is the release cursor: every fragment before it has been fully
	// handled. It is what the producer limit is computed from, so a fragment's
	// byte range cannot be re-reserved while a handler still reads it.
	position atomic.Int64

	// acquire is the partitioned-poll claim cursor. Pollers win fragments by
	// CAS here; position trails until the winning handler returns.
	acquire atomic.Int64

	// releasable holds handled fragments waiting for earlier in-flight ones,
	// keyed by start position.
	releaseMu  sync.Mutex
	releasable map[int64]int64

	// conditions are the consume jobs to wake on new data, copy-on-write so
	// the commit hot path iterates without locks.
	conditions atomic.Pointer[[]*actor.Condition]

	onConsumed  func()
	peekPending atomic.Bool
	closed      atomic.Bool
}

// ID returns the subscription's unique id.
func (s *Subscription) ID() uuid.UUID { return s.id }

// Name returns the subscription's name.
func (s *Subscription) Name() string { return s.name }

// Position returns the cursor position.
func (s *Subscription) Position() int64 { return s.position.Load() }

// HasAvailable reports whether bytes exist between the cursor and the
// producer position. They may still be uncommitted; a poll decides.
func (s *Subscription) HasAvailable() bool {
	return s.position.Load() < s.buf.Position()
}

// RegisterConsumer retains a condition signalled whenever a fragment commits.
// Implements actor.Consumable, so actor logic can bind a consume job with
// Control.Consume(subscription, job).
func (s *Subscription) RegisterConsumer(cond *actor.Condition) {
	for {
		old := s.conditions.Load()
		next := make([]*actor.Condition, len(*old)+1)
		copy(next, *old)
		next[len(*old)] = cond
		if s.conditions.CompareAndSwap(old, &next) {
			return
		}
	}
}

func (s *Subscription) signalConsumers() {
	for _, cond := range *s.conditions.Load() {
		cond.Signal()
	}
}

// Poll delivers up to maxFragments committed fragments to the handler in
// commit order, skipping padding frames. It returns the number of fragments
// handled. Polling while a block peek is unresolved panics.
func (s *Subscription) Poll(handler FragmentHandler, maxFragments int) int {
	if s.peekPending.Load() {
		panic("dispatcher: poll with unresolved block peek")
	}
	if s.closed.Load() {
		return 0
	}
	start := s.position.Load()
	pos := start
	handled := 0
	for handled < maxFragments {
		frame, ok := s.buf.FrameAt(pos)
		if !ok {
			break
		}
		if frame.Padding {
			pos = frame.NextPosition()
			continue
		}
		result := handler(frame.Payload, frame.StreamID, frame.Failed)
		if result == FragmentPostpone {
			break
		}
		if result == FragmentFailed {
			s.buf.MarkFailed(frame.Position)
		}
		pos = frame.NextPosition()
		handled++
	}
	if pos != start {
		s.position.Store(pos)
		s.onConsumed()
	}
	return handled
}

// PollPartitioned is the multi-poller variant: cooperating pollers calling it
// concurrently consume disjoint fragments, because each fragment is claimed by
// a compare-and-swap on the acquire cursor and only the winner delivers it.
// The release cursor trails the handlers, so the payload view stays valid for
// the duration of the call even while other pollers and producers race ahead.
// A FragmentPostpone result stops this poller's loop, but the fragment has
// already been claimed by the winning CAS and is not redelivered.
func (s *Subscription) PollPartitioned(handler FragmentHandler, maxFragments int) int {
	if s.closed.Load() {
		return 0
	}
	// Catch up with any plain-poll or peek advancement of the release cursor.
	for {
		rel := s.position.Load()
		acq := s.acquire.Load()
		if acq >= rel || s.acquire.CompareAndSwap(acq, rel) {
			break
		}
	}
	handled := 0
	advanced := false
	for handled < maxFragments {
		pos := s.acquire.Load()
		frame, ok := s.buf.FrameAt(pos)
		if !ok {
			break
		}
		next := frame.NextPosition()
		if !s.acquire.CompareAndSwap(pos, next) {
			// Another poller took this fragment.
			continue
		}
		advanced = true
		if frame.Padding {
			s.release(pos, next)
			continue
		}
		result := handler(frame.Payload, frame.StreamID, frame.Failed)
		if result == FragmentFailed {
			s.buf.MarkFailed(frame.Position)
		}
		s.release(pos, next)
		handled++
		if result == FragmentPostpone {
			break
		}
	}
	if advanced {
		s.onConsumed()
	}
	return handled
}

// release marks the fragment at [pos, next) handled and advances the release
// cursor over every contiguous handled fragment. Fragments finishing out of
// order wait in releasable until the gap before them closes.
func (s *Subscription) release(pos, next int64) {
	s.releaseMu.Lock()
	s.releasable[pos] = next
	for {
		cur := s.position.Load()
		n, ok := s.releasable[cur]
		if !ok {
			break
		}
		delete(s.releasable, cur)
		s.position.Store(n)
	}
	s.releaseMu.Unlock()
}

// PeekBlock fills peek with a zero-copy view over the contiguous run of
// committed fragments starting at the cursor: at most maxLength buffer bytes,
// never across the buffer seam, and, when streamAware, only fragments of the
// first fragment's stream id. A single fragment longer than maxLength is
// still peeked whole. Leading padding is consumed during the scan.
//
// The cursor does not move until the peek is resolved: exactly one
// MarkCompleted or MarkFailed per successful peek, which may be deferred
// across scheduler slices. Peeking again, or polling, before resolution
// panics. Returns the number of bytes peeked, 0 if no fragment is ready.
func (s *Subscription) PeekBlock(peek *BlockPeek, maxLength int, streamAware bool) int {
	if s.peekPending.Load() {
		panic("dispatcher: peek with unresolved block peek")
	}
	if s.closed.Load() {
		return 0
	}
	pos := s.position.Load()

	// Skip leading padding so the block starts on a fragment.
	skipped := false
	for {
		frame, ok := s.buf.FrameAt(pos)
		if !ok || !frame.Padding {
			break
		}
		pos = frame.NextPosition()
		skipped = true
	}
	if skipped {
		s.position.Store(pos)
		s.onConsumed()
	}

	start := pos
	end := pos
	first := true
	var streamID int32
	for {
		frame, ok := s.buf.FrameAt(end)
		if !ok || frame.Padding {
			break
		}
		if streamAware {
			if first {
				streamID = frame.StreamID
			} else if frame.StreamID != streamID {
				break
			}
		}
		next := frame.NextPosition()
		if !first && int(next-start) > maxLength {
			break
		}
		end = next
		first = false
		if end%s.buf.Capacity() == 0 {
			// Seam: the contiguous memory run ends here.
			break
		}
		if int(end-start) >= maxLength {
			break
		}
	}
	if end == start {
		return 0
	}

	s.peekPending.Store(true)
	*peek = BlockPeek{
		buf:     s.buf,
		sub:     s,
		start:   start,
		end:     end,
		iterPos: start,
		active:  true,
	}
	return int(end - start)
}
