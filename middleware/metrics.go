package middleware

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/emberhollow/worldqueue/work"
)

// Metrics returns middleware that records per-item execution metrics
// on the given Prometheus registerer. Passing nil uses the default
// registerer.
//
// Instruments:
//   - worldqueue_item_duration_seconds (histogram): execution time,
//     labelled work_type and status ("ok" or "error")
//   - worldqueue_item_executions_total (counter): total executions,
//     labelled work_type and status ("ok" or "error")
func Metrics(reg prometheus.Registerer) Middleware {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "worldqueue_item_duration_seconds",
		Help:    "Duration of work item execution in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"work_type", "status"})

	executions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "worldqueue_item_executions_total",
		Help: "Total number of work item executions.",
	}, []string{"work_type", "status"})

	reg.MustRegister(duration, executions)

	return func(ctx context.Context, it *work.Item, next Handler) error {
		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start).Seconds()

		status := "ok"
		if err != nil {
			status = "error"
		}

		duration.WithLabelValues(it.WorkType, status).Observe(elapsed)
		executions.WithLabelValues(it.WorkType, status).Inc()

		return err
	}
}
