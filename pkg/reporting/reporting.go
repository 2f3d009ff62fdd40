// Package reporting forwards supervisor failures to an error-tracking
// backend. The Sentry reporter is optional: supervisors run fine without
// one, in which case failures are only logged.
package reporting

import (
	"errors"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

// Reporter receives failures raised by supervisors and groups.
type Reporter interface {
	ReportFailure(err error, tags map[string]string)
}

// Config holds Sentry client configuration.
type Config struct {
	// DSN is the Sentry project DSN. Required.
	DSN string

	// Environment tags reported events (e.g. "production").
	Environment string

	// Release tags reported events with a version.
	Release string
}

// SentryReporter reports failures to Sentry.
type SentryReporter struct {
	logger *zap.Logger
}

// NewSentryReporter initializes the Sentry client and returns a reporter.
func NewSentryReporter(config Config, logger *zap.Logger) (*SentryReporter, error) {
	if config.DSN == "" {
		return nil, errors.New("sentry DSN cannot be empty")
	}
	if logger == nil {
		logger, _ = zap.NewProduction()
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:         config.DSN,
		Environment: config.Environment,
		Release:     config.Release,
	})
	if err != nil {
		return nil, err
	}

	logger.Info("Sentry reporting enabled",
		zap.String("environment", config.Environment),
		zap.String("release", config.Release))
	return &SentryReporter{logger: logger}, nil
}

// ReportFailure captures the error with the given tags attached.
func (r *SentryReporter) ReportFailure(err error, tags map[string]string) {
	if err == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		sentry.CaptureException(err)
	})
	r.logger.Debug("Reported failure", zap.Error(err))
}

// Flush waits for buffered events to be sent. Call before process exit.
func (r *SentryReporter) Flush(timeout time.Duration) bool {
	return sentry.Flush(timeout)
}

// Nop is a Reporter that discards everything. Useful in tests and as an
// explicit "no reporting" value.
type Nop struct{}

// ReportFailure discards the failure.
func (Nop) ReportFailure(error, map[string]string) {}
