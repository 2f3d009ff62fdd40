package runtime

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Processor defines the interface for unit processing implementations.
// Implementations hold the business logic executed for each unit of work
// handed to a WorkRuntime.
type Processor interface {
	Process(ctx context.Context, unit Unit) (Unit, error)
}

// ProcessorFunc adapts a plain function to the Processor interface.
type ProcessorFunc func(ctx context.Context, unit Unit) (Unit, error)

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, unit Unit) (Unit, error) {
	return f(ctx, unit)
}

// Middleware wraps a processor to add behavior around Process.
type Middleware func(Processor) Processor

// Chain composes middlewares so the first one listed is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(p Processor) Processor {
		for i := len(middlewares) - 1; i >= 0; i-- {
			p = middlewares[i](p)
		}
		return p
	}
}

// Recovery converts a panic inside Process into a returned error so a
// misbehaving processor cannot take its replica's goroutine down with it.
func Recovery() Middleware {
	return func(next Processor) Processor {
		return ProcessorFunc(func(ctx context.Context, unit Unit) (out Unit, err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic recovered: %v", r)
				}
			}()
			return next.Process(ctx, unit)
		})
	}
}

// Logging logs the outcome of every processed unit.
func Logging(logger *zap.Logger) Middleware {
	return func(next Processor) Processor {
		return ProcessorFunc(func(ctx context.Context, unit Unit) (Unit, error) {
			out, err := next.Process(ctx, unit)
			if err != nil {
				logger.Error("Error processing unit",
					zap.String("unitID", unit.ID),
					zap.String("subject", unit.Subject),
					zap.Error(err))
				return out, err
			}
			logger.Info("Successfully processed unit",
				zap.String("unitID", unit.ID),
				zap.String("subject", unit.Subject))
			return out, nil
		})
	}
}
