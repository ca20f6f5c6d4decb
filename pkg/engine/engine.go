package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/dispatcher"
	"github.com/wehubfusion/Daedalus/pkg/ringbuffer"
)

var (
	// ErrBackpressure indicates the stream cannot accept the record right now;
	// the caller retries after consumers advance.
	ErrBackpressure = errors.New("stream backpressured")

	// ErrClosed indicates the underlying dispatcher is closed.
	ErrClosed = errors.New("stream closed")

	// ErrRecordTooLarge indicates the record exceeds the maximum fragment.
	ErrRecordTooLarge = errors.New("record exceeds maximum fragment length")
)

// Engine writes workflow records onto a dispatcher's stream and assigns
// record keys. It is the producer half of the engine's narrow interface to
// the dispatcher core.
type Engine struct {
	dispatcher *dispatcher.Dispatcher
	logger     *zap.Logger
	streamID   int32
	keys       atomic.Uint64
}

// New creates an engine writing to the given dispatcher. All records are
// written on stream id 1.
func New(d *dispatcher.Dispatcher, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{dispatcher: d, logger: logger, streamID: 1}
}

// NextKey returns a fresh record key.
func (e *Engine) NextKey() uint64 {
	return e.keys.Add(1)
}

// TryWriteRecord writes the record as one fragment via claim/commit, encoding
// directly into the claimed range. It fails fast: ErrBackpressure and
// ErrClosed are returned instead of blocking, which makes it safe to call
// from actor jobs. On success it returns the record's stream position.
func (e *Engine) TryWriteRecord(rec Record) (int64, error) {
	length := rec.encodedLength()
	var claim dispatcher.Claim
	result := e.dispatcher.ClaimFragment(&claim, length, e.streamID)
	switch result {
	case ringbuffer.ResultBackpressured:
		return 0, ErrBackpressure
	case ringbuffer.ResultClosed:
		return 0, ErrClosed
	case ringbuffer.ResultInsufficientCapacity:
		return 0, fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, length)
	}
	if err := rec.encode(claim.Buffer()); err != nil {
		claim.Abort()
		return 0, err
	}
	claim.Commit()
	return result, nil
}

// WriteRecord writes the record, retrying under backpressure until the
// context is done. It blocks between attempts and must not be called from
// inside an actor job; actors use TryWriteRecord and yield.
func (e *Engine) WriteRecord(ctx context.Context, rec Record) (int64, error) {
	for {
		position, err := e.TryWriteRecord(rec)
		if !errors.Is(err, ErrBackpressure) {
			return position, err
		}
		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("writing record: %w", ctx.Err())
		case <-time.After(50 * time.Microsecond):
		}
	}
}

// DeployProcess deploys a process definition: narrow interface number one.
// The resource bytes are opaque to the core; the deployment is assigned an id
// and key and written to the stream as a DEPLOYMENT/CREATED record.
func (e *Engine) DeployProcess(ctx context.Context, name string, resource []byte) (Deployment, error) {
	deployment := Deployment{
		ID:       uuid.New(),
		Key:      e.NextKey(),
		Name:     name,
		Resource: resource,
	}
	rec := Record{
		Key:     deployment.Key,
		Kind:    KindDeployment,
		Intent:  "CREATED",
		Payload: encodeDeployment(deployment),
	}
	if _, err := e.WriteRecord(ctx, rec); err != nil {
		return Deployment{}, fmt.Errorf("deploying process %q: %w", name, err)
	}
	e.logger.Info("process deployed",
		zap.String("name", name),
		zap.String("id", deployment.ID.String()),
		zap.Uint64("key", deployment.Key))
	return deployment, nil
}
