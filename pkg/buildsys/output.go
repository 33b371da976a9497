package buildsys

import (
	"context"

	"github.com/rs/zerolog"
)

type logKey struct{}

var disabledLogger = zerolog.Nop()

// Log returns the logger attached to ctx. Without one, events are discarded.
func Log(ctx context.Context) *zerolog.Logger {
	logger, ok := ctx.Value(logKey{}).(*zerolog.Logger)
	if !ok || logger == nil {
		return &disabledLogger
	}

	return logger
}

func log(ctx context.Context) *zerolog.Logger {
	return Log(ctx)
}

// WithLogger attaches the given logger to the context
func WithLogger(ctx context.Context, logger *zerolog.Logger) context.Context {
	return context.WithValue(ctx, logKey{}, logger)
}
