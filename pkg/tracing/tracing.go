// Package tracing exposes the tracing configuration used by Daedalus
// components while keeping the OpenTelemetry setup private.
package tracing

import (
	"context"

	"go.uber.org/zap"

	internaltracing "github.com/wehubfusion/Daedalus/internal/tracing"
)

// Config is the public tracing configuration.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	SampleRatio    float64
}

// DefaultConfig returns a development-friendly tracing configuration.
func DefaultConfig(serviceName string) Config {
	return fromInternal(internaltracing.DefaultConfig(serviceName))
}

// Setup initializes tracing and returns a shutdown function to be called on
// application exit.
func Setup(ctx context.Context, config Config, logger *zap.Logger) (func(context.Context) error, error) {
	return internaltracing.Setup(ctx, config.toInternal(), logger)
}

// Shutdown gracefully shuts down a tracing provider returned by Setup.
func Shutdown(shutdown func(context.Context) error, logger *zap.Logger) error {
	return internaltracing.Shutdown(shutdown, logger)
}

func (c Config) toInternal() internaltracing.Config {
	return internaltracing.Config{
		ServiceName:    c.ServiceName,
		ServiceVersion: c.ServiceVersion,
		Environment:    c.Environment,
		OTLPEndpoint:   c.OTLPEndpoint,
		SampleRatio:    c.SampleRatio,
	}
}

func fromInternal(cfg internaltracing.Config) Config {
	return Config{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: cfg.ServiceVersion,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRatio:    cfg.SampleRatio,
	}
}
