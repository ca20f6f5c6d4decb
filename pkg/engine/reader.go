package engine

import (
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/actor"
	"github.com/wehubfusion/Daedalus/pkg/dispatcher"
)

// RecordObserver receives committed records in commit order. It runs inside
// the reader's actor jobs and must follow the cooperative contract: no
// blocking calls.
type RecordObserver func(rec Record)

const readerBatchSize = 64

// StreamReader is narrow interface number two: an actor that observes the
// record stream through its own subscription and hands decoded records to an
// observer. Submit it to the scheduler the dispatcher runs on.
type StreamReader struct {
	dispatcher       *dispatcher.Dispatcher
	subscriptionName string
	observer         RecordObserver
	logger           *zap.Logger

	sub *dispatcher.Subscription
}

// NewStreamReader creates a reader that opens the named subscription when its
// actor starts.
func NewStreamReader(d *dispatcher.Dispatcher, subscriptionName string, observer RecordObserver, logger *zap.Logger) *StreamReader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamReader{
		dispatcher:       d,
		subscriptionName: subscriptionName,
		observer:         observer,
		logger:           logger,
	}
}

// OnActorStarted opens the subscription asynchronously, then registers the
// consume loop on it.
func (r *StreamReader) OnActorStarted(ctl *actor.Control) {
	ctl.Await(r.dispatcher.OpenSubscriptionAsync(r.subscriptionName), func(value any, err error) {
		if err != nil {
			r.logger.Error("stream reader failed to open subscription",
				zap.String("subscription", r.subscriptionName),
				zap.Error(err))
			ctl.Close()
			return
		}
		r.sub = value.(*dispatcher.Subscription)
		ctl.Consume(r.sub, r.consume)
	})
}

func (r *StreamReader) consume() {
	r.sub.Poll(r.onFragment, readerBatchSize)
}

func (r *StreamReader) onFragment(payload []byte, streamID int32, failed bool) dispatcher.FragmentResult {
	rec, err := DecodeRecord(payload)
	if err != nil {
		r.logger.Warn("skipping undecodable record",
			zap.String("subscription", r.subscriptionName),
			zap.Int32("stream_id", streamID),
			zap.Bool("previously_failed", failed),
			zap.Error(err))
		return dispatcher.FragmentFailed
	}
	r.observer(rec)
	return dispatcher.FragmentConsume
}
