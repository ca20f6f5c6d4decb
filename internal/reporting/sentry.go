// Package reporting routes uncaught actor failures to Sentry. It implements
// actor.FailureReporter so the scheduler stays free of the dependency.
package reporting

import (
	"errors"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

// SentryReporter reports actor failures as Sentry events tagged with the
// failing actor's name.
type SentryReporter struct {
	logger *zap.Logger
}

// NewSentryReporter initializes the Sentry SDK. An empty DSN is an error;
// callers that want failures logged only should not install a reporter.
func NewSentryReporter(dsn, environment string, logger *zap.Logger) (*SentryReporter, error) {
	if dsn == "" {
		return nil, errors.New("sentry DSN cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
	})
	if err != nil {
		return nil, err
	}
	return &SentryReporter{logger: logger}, nil
}

// ReportActorFailure implements actor.FailureReporter.
func (r *SentryReporter) ReportActorFailure(actor string, cause error) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("actor", actor)
		sentry.CaptureException(cause)
	})
	r.logger.Debug("actor failure reported to sentry", zap.String("actor", actor))
}

// Close flushes buffered events.
func (r *SentryReporter) Close() {
	if !sentry.Flush(2 * time.Second) {
		r.logger.Warn("sentry flush timed out, events may be lost")
	}
}
