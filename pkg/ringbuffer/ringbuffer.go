// Package ringbuffer implements the fixed-capacity byte ring underlying the
// dispatcher: wait-free multi-producer framed writes, two-phase claim/commit
// publication, and committed-frame scans for readers.
//
// Producers reserve byte ranges by compare-and-swap advancing a monotonically
// increasing position; exactly one producer wins any given range. Visibility
// is controlled per frame by an atomic descriptor word, so there is no lock on
// the offer, claim, or read paths.
package ringbuffer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"
)

// Producer results. Non-negative values are the post-write buffer position;
// the reserved negative values distinguish why a write could not proceed.
const (
	// ResultInsufficientCapacity means the fragment can never fit: its frame
	// exceeds the maximum fragment length for this buffer.
	ResultInsufficientCapacity int64 = -1

	// ResultBackpressured means completing the write would overtake the
	// slowest subscriber by more than the buffer capacity. The caller should
	// retry after consumers advance, typically by yielding.
	ResultBackpressured int64 = -2

	// ResultClosed means the buffer (or its dispatcher) has been closed.
	ResultClosed int64 = -3
)

// ErrClaimPending is returned by Close when reserved fragments were neither
// committed nor aborted within the close deadline. An abandoned claim is a
// programming error on the producer side; it leaks buffer space until closed.
var ErrClaimPending = errors.New("claimed fragment neither committed nor aborted")

// RingBuffer is a fixed-capacity circular byte region shared by all producers
// and all subscriptions of a dispatcher.
type RingBuffer struct {
	name     string
	capacity int64
	maxFrame int64
	data     []byte

	// tail is the producer position P: total bytes ever reserved. P % capacity
	// addresses the buffer.
	tail atomic.Int64

	// publisherLimit is the highest position producers may reserve up to.
	// The owner recomputes it from the slowest subscriber: min(cursor) + capacity.
	publisherLimit atomic.Int64

	pendingClaims atomic.Int64
	closed        atomic.Bool

	// onCommit is invoked after every successful commit so the owner can
	// signal consumers. Never changes after Start; may be nil.
	onCommit func()
}

// New allocates a ring buffer. Capacity must be a positive multiple of the
// frame alignment (16 bytes). The maximum fragment length is capacity/8, as in
// the buffer's seam handling a frame never wraps.
func New(name string, capacity int64) (*RingBuffer, error) {
	if capacity <= 0 || capacity%frameAlignment != 0 {
		return nil, fmt.Errorf("buffer capacity must be a positive multiple of %d, got %d", frameAlignment, capacity)
	}
	// Backing words keep the arena 8-byte aligned so descriptor and flag
	// words can be accessed atomically.
	words := make([]uint64, capacity/8)
	b := &RingBuffer{
		name:     name,
		capacity: capacity,
		maxFrame: capacity / 8,
		data:     unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), capacity),
	}
	b.publisherLimit.Store(capacity)
	return b, nil
}

// Name returns the diagnostic name the buffer was created with.
func (b *RingBuffer) Name() string { return b.name }

// Capacity returns the buffer capacity in bytes.
func (b *RingBuffer) Capacity() int64 { return b.capacity }

// MaxFragmentLength returns the largest payload a single fragment may carry.
func (b *RingBuffer) MaxFragmentLength() int64 { return b.maxFrame - HeaderLength }

// Position returns the current producer position P.
func (b *RingBuffer) Position() int64 { return b.tail.Load() }

// PendingClaims returns the number of reserved fragments not yet resolved.
func (b *RingBuffer) PendingClaims() int64 { return b.pendingClaims.Load() }

// SetPublisherLimit publishes a new reservation limit. The limit only ever
// moves forward.
func (b *RingBuffer) SetPublisherLimit(limit int64) {
	for {
		cur := b.publisherLimit.Load()
		if limit <= cur || b.publisherLimit.CompareAndSwap(cur, limit) {
			return
		}
	}
}

// PublisherLimit returns the current reservation limit.
func (b *RingBuffer) PublisherLimit() int64 { return b.publisherLimit.Load() }

// SetCommitHandler installs the callback invoked after each commit. It must be
// set before producers start; the hot path reads it without synchronization.
func (b *RingBuffer) SetCommitHandler(fn func()) { b.onCommit = fn }

func (b *RingBuffer) descriptorWord(offset int64) *atomic.Uint64 {
	return (*atomic.Uint64)(unsafe.Pointer(&b.data[offset+frameDescriptorOffset]))
}

func (b *RingBuffer) flagsWord(offset int64) *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&b.data[offset+frameFlagsOffset]))
}

func (b *RingBuffer) generationAt(position int64) uint32 {
	return uint32(position/b.capacity) & descGenMask
}

// reserve CAS-advances the tail by frameLength bytes, inserting a padding
// frame when the remainder of the lap is too small. It returns the start
// position of the reserved frame, or a negative result.
func (b *RingBuffer) reserve(frameLength int64) (int64, int64) {
	for {
		if b.closed.Load() {
			return 0, ResultClosed
		}
		tail := b.tail.Load()
		offset := tail % b.capacity
		remaining := b.capacity - offset
		limit := b.publisherLimit.Load()

		if frameLength > remaining {
			// Pad out the lap and retry from the seam.
			if tail+remaining > limit {
				return 0, ResultBackpressured
			}
			if b.tail.CompareAndSwap(tail, tail+remaining) {
				b.writePadding(offset, remaining, b.generationAt(tail))
			}
			continue
		}

		newTail := tail + frameLength
		if newTail > limit {
			return 0, ResultBackpressured
		}
		if b.tail.CompareAndSwap(tail, newTail) {
			return tail, 0
		}
	}
}

func (b *RingBuffer) writePadding(offset, frameLength int64, gen uint32) {
	b.flagsWord(offset).Store(0)
	desc := makeDescriptor(int(frameLength-HeaderLength), gen, true) | descCommittedBit
	b.descriptorWord(offset).Store(desc)
}

// Offer writes payload as one fragment and commits it. It returns the
// post-write buffer position, or one of the negative results.
func (b *RingBuffer) Offer(payload []byte, streamID int32) int64 {
	frameLength := alignedFrameLength(len(payload))
	if frameLength > b.maxFrame {
		return ResultInsufficientCapacity
	}
	position, res := b.reserve(frameLength)
	if res < 0 {
		return res
	}
	offset := position % b.capacity

	b.flagsWord(offset).Store(0)
	putInt32(b.data[offset+frameStreamIDOffset:], streamID)
	copy(b.data[offset+HeaderLength:offset+HeaderLength+int64(len(payload))], payload)

	// Commit is the last write: readers only dereference the payload after
	// observing the committed descriptor for this lap.
	desc := makeDescriptor(len(payload), b.generationAt(position), false) | descCommittedBit
	b.descriptorWord(offset).Store(desc)

	if b.onCommit != nil {
		b.onCommit()
	}
	return position + frameLength
}

// Claim reserves space for a fragment of the given payload length without
// committing it, filling the caller-owned Claim. The claim gives the producer
// exclusive write access to the payload range until Commit or Abort. Returns
// the post-write buffer position or a negative result.
func (b *RingBuffer) Claim(c *Claim, length int, streamID int32) int64 {
	frameLength := alignedFrameLength(length)
	if frameLength > b.maxFrame {
		return ResultInsufficientCapacity
	}
	// Count the claim before reserving: Close checks closed before reading the
	// counter, so a reservation in flight is either refused or waited for,
	// never missed.
	b.pendingClaims.Add(1)
	position, res := b.reserve(frameLength)
	if res < 0 {
		b.pendingClaims.Add(-1)
		return res
	}
	offset := position % b.capacity

	b.flagsWord(offset).Store(0)
	putInt32(b.data[offset+frameStreamIDOffset:], streamID)
	// Uncommitted descriptor: correct generation, committed bit clear. Readers
	// stop here until the producer resolves the claim.
	b.descriptorWord(offset).Store(makeDescriptor(length, b.generationAt(position), false))

	*c = Claim{
		buf:      b,
		offset:   offset,
		length:   length,
		gen:      b.generationAt(position),
		position: position + frameLength,
		open:     true,
	}
	return c.position
}

// FrameAt returns the frame starting at the given position if it is committed
// and belongs to the reader's current lap. The position must be frame-aligned,
// i.e. obtained from an initial cursor or a previous frame's NextPosition.
func (b *RingBuffer) FrameAt(position int64) (Frame, bool) {
	offset := position % b.capacity
	desc := b.descriptorWord(offset).Load()
	if !descCommitted(desc) || descGeneration(desc) != b.generationAt(position) {
		return Frame{}, false
	}
	length := descLength(desc)
	f := Frame{
		Position:    position,
		Padding:     descPadding(desc),
		frameLength: alignedFrameLength(length),
	}
	if f.Padding {
		// A padding frame spans its reserved range exactly.
		f.frameLength = int64(length) + HeaderLength
		return f, true
	}
	f.StreamID = getInt32(b.data[offset+frameStreamIDOffset:])
	f.Failed = b.flagsWord(offset).Load()&FlagFailed != 0
	f.Payload = b.data[offset+HeaderLength : offset+HeaderLength+int64(length) : offset+HeaderLength+int64(length)]
	return f, true
}

// MarkFailed sets the failed flag on the committed frame at position.
func (b *RingBuffer) MarkFailed(position int64) {
	b.flagsWord(position % b.capacity).Or(FlagFailed)
}

// Slice returns the raw buffer bytes backing the given position range. The
// range must not cross the buffer seam.
func (b *RingBuffer) Slice(position, length int64) []byte {
	offset := position % b.capacity
	return b.data[offset : offset+length : offset+length]
}

// Closed reports whether Close has begun.
func (b *RingBuffer) Closed() bool { return b.closed.Load() }

// Close refuses further reservations and waits for in-flight claims to
// resolve before the buffer memory may be reused. Returns ErrClaimPending if
// the context expires first.
func (b *RingBuffer) Close(ctx context.Context) error {
	b.closed.Store(true)
	for b.pendingClaims.Load() > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("closing buffer %q with %d open claims: %w",
				b.name, b.pendingClaims.Load(), ErrClaimPending)
		case <-time.After(50 * time.Microsecond):
		}
	}
	return nil
}

func putInt32(dst []byte, v int32) {
	u := uint32(v)
	dst[0] = byte(u)
	dst[1] = byte(u >> 8)
	dst[2] = byte(u >> 16)
	dst[3] = byte(u >> 24)
}

func getInt32(src []byte) int32 {
	return int32(uint32(src[0]) | uint32(src[1])<<8 | uint32(src[2])<<16 | uint32(src[3])<<24)
}
