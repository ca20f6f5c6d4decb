package ringbuffer

// Claim is a producer-owned reservation of one frame: exclusive write access
// to a payload range that is invisible to readers until Commit, or skipped
// entirely after Abort. A Claim is a value bound to (offset, length,
// generation); it must be resolved exactly once and never shared between
// goroutines.
type Claim struct {
	buf      *RingBuffer
	offset   int64
	length   int
	gen      uint32
	position int64
	open     bool
}

// Buffer returns the writable payload range of the reservation.
func (c *Claim) Buffer() []byte {
	base := c.offset + HeaderLength
	return c.buf.data[base : base+int64(c.length) : base+int64(c.length)]
}

// Position returns the post-write buffer position the claim will occupy once
// committed.
func (c *Claim) Position() int64 { return c.position }

// Open reports whether the claim still awaits Commit or Abort.
func (c *Claim) Open() bool { return c.open }

// Commit makes the fragment visible to readers at its buffer position. The
// committed descriptor store is the claim's final write, so readers can never
// observe partially written payload bytes. Committing a resolved claim panics.
func (c *Claim) Commit() {
	c.resolve(false)
	if c.buf.onCommit != nil {
		c.buf.onCommit()
	}
}

// Abort releases the reservation as padding: the range is skipped by readers
// and the payload is never exposed. Aborting a resolved claim panics.
func (c *Claim) Abort() {
	c.resolve(true)
}

func (c *Claim) resolve(padding bool) {
	if !c.open {
		panic("ringbuffer: claim already committed or aborted")
	}
	c.open = false
	length := c.length
	if padding {
		// Padding frames span to their aligned end exactly, so readers
		// advance past the whole reserved range.
		length = int(alignedFrameLength(c.length)) - HeaderLength
	}
	desc := makeDescriptor(length, c.gen, padding) | descCommittedBit
	c.buf.descriptorWord(c.offset).Store(desc)
	c.buf.pendingClaims.Add(-1)
}
