package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/emberhollow/worldqueue/work"
)

// Logging returns middleware that logs item start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, it *work.Item, next Handler) error {
		logger.Info("work item started",
			slog.String("work_type", it.WorkType),
			slog.String("item_id", it.ID.String()),
			slog.Int("attempt", it.RetryCount+1),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("work item handler failed",
				slog.String("work_type", it.WorkType),
				slog.String("item_id", it.ID.String()),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("work item completed",
				slog.String("work_type", it.WorkType),
				slog.String("item_id", it.ID.String()),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
