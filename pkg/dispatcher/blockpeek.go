package dispatcher

import (
	"github.com/wehubfusion/Daedalus/pkg/ringbuffer"
)

// BlockPeek is a transient zero-copy view over a contiguous run of committed
// fragments, produced by Subscription.PeekBlock. It is read-only until
// resolved: MarkCompleted advances the subscription cursor past the block,
// MarkFailed leaves the cursor in place and marks every fragment failed.
// Exactly one resolution per peek; resolving twice panics. A BlockPeek value
// is reusable across peeks and must not be shared between goroutines.
type BlockPeek struct {
	buf   *ringbuffer.RingBuffer
	sub   *Subscription
	start int64
	end   int64

	iterPos int64
	current ringbuffer.Frame
	active  bool
}

// Active reports whether the peek holds an unresolved block. Consumers that
// may be re-signalled while a resolution is deferred use it to skip peeking
// again.
func (p *BlockPeek) Active() bool {
	return p.active
}

// Buffer returns the raw buffer bytes of the whole block, headers included.
// This is the bulk view for consumers that copy or hash the block as one
// unit; per-fragment payloads come from the iterator.
func (p *BlockPeek) Buffer() []byte {
	return p.buf.Slice(p.start, p.end-p.start)
}

// Length returns the block's size in buffer bytes.
func (p *BlockPeek) Length() int {
	return int(p.end - p.start)
}

// Next advances the fragment iterator, returning false past the last
// fragment. The iterator may be walked multiple times before resolution by
// calling Reset.
func (p *BlockPeek) Next() bool {
	if p.iterPos >= p.end {
		return false
	}
	frame, ok := p.buf.FrameAt(p.iterPos)
	if !ok {
		return false
	}
	p.current = frame
	p.iterPos = frame.NextPosition()
	return true
}

// Fragment returns the fragment at the iterator's current position.
func (p *BlockPeek) Fragment() ringbuffer.Frame {
	return p.current
}

// Reset rewinds the fragment iterator to the start of the block.
func (p *BlockPeek) Reset() {
	p.iterPos = p.start
	p.current = ringbuffer.Frame{}
}

// MarkCompleted resolves the peek: the subscription's cursor advances past
// the block exactly once and the fragments are never redelivered.
func (p *BlockPeek) MarkCompleted() {
	p.resolve()
	p.sub.position.Store(p.end)
	p.sub.peekPending.Store(false)
	p.sub.onConsumed()
}

// MarkFailed resolves the peek without advancing the cursor: the fragments
// remain pending and carry the failed flag on redelivery.
func (p *BlockPeek) MarkFailed() {
	p.resolve()
	pos := p.start
	for pos < p.end {
		frame, ok := p.buf.FrameAt(pos)
		if !ok {
			break
		}
		p.buf.MarkFailed(pos)
		pos = frame.NextPosition()
	}
	p.sub.peekPending.Store(false)
}

func (p *BlockPeek) resolve() {
	if !p.active {
		panic("dispatcher: block peek already resolved")
	}
	p.active = false
}
