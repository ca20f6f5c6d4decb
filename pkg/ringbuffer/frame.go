package ringbuffer

// Frame layout within the buffer. Every frame starts on a frameAlignment
// boundary and occupies HeaderLength + payload, padded up to the next boundary.
//
//	offset 0  uint64  descriptor (atomic): payload length, lap generation,
//	                  padding bit, committed bit
//	offset 8  uint32  flags (atomic, mutable after commit)
//	offset 12 int32   stream id
//	offset 16 ...     payload
//
// The descriptor is the single coordination point between writers and readers.
// A frame is visible to a reader at position p if and only if the descriptor's
// generation equals p/capacity and the committed bit is set. Writers publish a
// frame with one atomic store of the descriptor, which must be their last
// write. Stale descriptors from a previous lap fail the generation check, so a
// reader can never observe a byte range that has been re-reserved but not yet
// rewritten.
const (
	frameDescriptorOffset = 0
	frameFlagsOffset      = 8
	frameStreamIDOffset   = 12

	// HeaderLength is the number of bytes each frame spends on framing.
	HeaderLength = 16

	frameAlignment = 16
)

const (
	descLengthMask   = 1<<31 - 1
	descGenShift     = 32
	descGenMask      = 1<<24 - 1
	descPaddingBit   = uint64(1) << 62
	descCommittedBit = uint64(1) << 63
)

// FlagFailed marks a committed fragment that a consumer reported as failed.
// The flag survives in the buffer until the frame's range is recycled, so a
// later poll or peek over the same fragment sees failed=true.
const FlagFailed uint32 = 1

func makeDescriptor(payloadLength int, gen uint32, padding bool) uint64 {
	d := uint64(payloadLength) & descLengthMask
	d |= uint64(gen&descGenMask) << descGenShift
	if padding {
		d |= descPaddingBit
	}
	return d
}

func descLength(d uint64) int { return int(d & descLengthMask) }

func descGeneration(d uint64) uint32 { return uint32(d>>descGenShift) & descGenMask }

func descPadding(d uint64) bool { return d&descPaddingBit != 0 }

func descCommitted(d uint64) bool { return d&descCommittedBit != 0 }

// alignedFrameLength returns the total buffer span of a frame carrying
// payloadLength bytes, padded to the frame alignment.
func alignedFrameLength(payloadLength int) int64 {
	return (int64(payloadLength) + HeaderLength + frameAlignment - 1) &^ (frameAlignment - 1)
}

// Frame is a read-only view of one committed frame. The Payload slice aliases
// buffer memory and is only valid until the consumer's cursor releases the
// frame's range.
type Frame struct {
	// Position is the frame's start position in the buffer's position space.
	Position int64
	// StreamID is the producer-supplied stream id.
	StreamID int32
	// Padding reports whether this is a padding frame. Padding frames carry
	// no payload and exist only to skip to the buffer seam.
	Padding bool
	// Failed reports whether a consumer marked this fragment failed.
	Failed bool
	// Payload is the committed payload bytes, nil for padding frames.
	Payload []byte

	frameLength int64
}

// NextPosition returns the position of the frame following this one.
func (f Frame) NextPosition() int64 {
	return f.Position + f.frameLength
}
