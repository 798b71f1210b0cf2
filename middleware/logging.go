package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/mediaflow/fetchq/job"
)

// Logging returns middleware that logs fetch start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		logger.Info("fetch started",
			slog.String("job_id", j.ID.String()),
			slog.String("url", j.SourceURL),
			slog.String("engine", j.Engine),
			slog.String("profile", j.Profile),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("fetch failed",
				slog.String("job_id", j.ID.String()),
				slog.String("url", j.SourceURL),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("fetch completed",
				slog.String("job_id", j.ID.String()),
				slog.String("url", j.SourceURL),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
