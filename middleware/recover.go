package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/emberhollow/worldqueue/work"
)

// Recover returns middleware that recovers from panics in the handler
// chain. Panics are converted to errors and logged with a stack trace,
// so one bad payload cannot take a worker goroutine down.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, it *work.Item, next Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				logger.Error("work item handler panicked",
					slog.String("work_type", it.WorkType),
					slog.String("item_id", it.ID.String()),
					slog.Any("panic", r),
					slog.String("stack", stack),
				)
				retErr = fmt.Errorf("panic in %s handler: %v", it.WorkType, r)
			}
		}()
		return next(ctx)
	}
}
