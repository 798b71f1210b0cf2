package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/mediaflow/fetchq/fetcher"
	"github.com/mediaflow/fetchq/job"
)

// Recover returns middleware that recovers from panics in an engine.
// Panics are converted to permanent fetch errors and logged with a
// stack trace; a panicking engine is broken, not unlucky, so the job
// does not burn its retry budget on it.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				logger.Error("fetch engine panicked",
					slog.String("job_id", j.ID.String()),
					slog.String("engine", j.Engine),
					slog.Any("panic", r),
					slog.String("stack", stack),
				)
				retErr = fetcher.Permanent("fetch", fmt.Errorf("panic in engine %s: %v", j.Engine, r))
			}
		}()
		return next(ctx)
	}
}
