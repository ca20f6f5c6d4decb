// Package export relays committed workflow records out of the process. An
// Exporter is an actor consuming a dispatcher subscription and publishing
// each fragment to a subject through a Publisher; the NATS adapter is the
// production publisher, tests use an in-memory one.
package export

import (
	"context"
	"errors"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/actor"
	"github.com/wehubfusion/Daedalus/pkg/dispatcher"
)

// Publisher sends one exported record to a subject. Publish is called from
// actor jobs and must not block indefinitely; returning an error leaves the
// record on the stream for retry.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Config configures an Exporter.
type Config struct {
	// SubscriptionName is the dispatcher subscription the exporter opens.
	SubscriptionName string

	// Subject is the destination subject for exported records.
	Subject string

	// Publisher is the outbound transport.
	Publisher Publisher

	// BatchSize bounds fragments exported per job slice. Defaults to 64.
	BatchSize int

	// Logger defaults to a nop logger.
	Logger *zap.Logger
}

func (c *Config) validate() error {
	if c.SubscriptionName == "" {
		return errors.New("subscription name cannot be empty")
	}
	if c.Subject == "" {
		return errors.New("subject cannot be empty")
	}
	if c.Publisher == nil {
		return errors.New("publisher cannot be nil")
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return nil
}

// Exporter consumes records from a dispatcher subscription and publishes
// them in commit order. A failed publish postpones the fragment and re-signals
// the consume condition, so the batch resumes at the same record on a later
// slice and no record is lost or reordered.
type Exporter struct {
	dispatcher *dispatcher.Dispatcher
	cfg        Config
	logger     *zap.Logger
	tracer     trace.Tracer

	sub      *dispatcher.Subscription
	cond     *actor.Condition
	exported atomic.Int64
}

// NewExporter creates an exporter over the given dispatcher. Submit it to
// the scheduler to start exporting.
func NewExporter(d *dispatcher.Dispatcher, cfg Config) (*Exporter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if d == nil {
		return nil, errors.New("dispatcher cannot be nil")
	}
	return &Exporter{
		dispatcher: d,
		cfg:        cfg,
		logger:     cfg.Logger,
		tracer:     otel.Tracer("daedalus/export"),
	}, nil
}

// Exported returns the number of records published so far.
func (e *Exporter) Exported() int64 { return e.exported.Load() }

// OnActorStarted opens the subscription asynchronously and registers the
// export loop.
func (e *Exporter) OnActorStarted(ctl *actor.Control) {
	ctl.Await(e.dispatcher.OpenSubscriptionAsync(e.cfg.SubscriptionName), func(value any, err error) {
		if err != nil {
			e.logger.Error("exporter failed to open subscription",
				zap.String("subscription", e.cfg.SubscriptionName),
				zap.Error(err))
			ctl.Close()
			return
		}
		e.sub = value.(*dispatcher.Subscription)
		e.cond = ctl.Consume(e.sub, e.export)
	})
}

// OnActorClosing logs the final export count.
func (e *Exporter) OnActorClosing() {
	e.logger.Info("exporter closing",
		zap.String("subscription", e.cfg.SubscriptionName),
		zap.Int64("exported", e.exported.Load()))
}

func (e *Exporter) export() {
	_, span := e.tracer.Start(context.Background(), "export.batch",
		trace.WithAttributes(attribute.String("subject", e.cfg.Subject)))
	defer span.End()

	batch := 0
	postponed := false
	e.sub.Poll(func(payload []byte, streamID int32, failed bool) dispatcher.FragmentResult {
		if err := e.cfg.Publisher.Publish(e.cfg.Subject, payload); err != nil {
			e.logger.Warn("publish failed, record retained for retry",
				zap.String("subject", e.cfg.Subject),
				zap.Bool("previously_failed", failed),
				zap.Error(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, "publish failed")
			postponed = true
			return dispatcher.FragmentPostpone
		}
		e.exported.Add(1)
		batch++
		return dispatcher.FragmentConsume
	}, e.cfg.BatchSize)
	span.SetAttributes(attribute.Int("records", batch))
	if postponed {
		// The condition only fires on new commits; re-arm so the retained
		// record is retried even on a quiet stream.
		e.cond.Signal()
	}
}
