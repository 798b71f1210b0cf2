package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/mediaflow/fetchq/job"
)

// Timeout returns middleware that enforces the maximum job runtime.
// When the deadline is exceeded the fetch context is cancelled and the
// engine is expected to return; the resulting deadline error classifies
// as transient, so the job enters the retry path. A zero max disables
// the deadline.
func Timeout(logger *slog.Logger, max time.Duration) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		if max > 0 {
			logger.Debug("fetch deadline set",
				slog.String("job_id", j.ID.String()),
				slog.Duration("timeout", max),
			)
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
		return next(ctx)
	}
}
