package queue

import (
	"context"
	"errors"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Tasks waiting per queue and state",
		},
		[]string{"queue", "state"},
	)
	QueueProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_processed_total",
			Help: "Total tasks processed grouped by status",
		},
		[]string{"kind", "status"},
	)
	QueueDLQSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_dlq_size",
			Help: "Number of archived tasks per queue",
		},
		[]string{"queue"},
	)
)

func init() {
	prometheus.MustRegister(QueueDepth, QueueProcessedTotal, QueueDLQSize)
}

func countProcessed(kind, status string) {
	QueueProcessedTotal.WithLabelValues(kind, status).Inc()
}

// Metrics counts task outcomes per type.
func Metrics(next asynq.Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		err := next.ProcessTask(ctx, t)
		switch {
		case err == nil:
			countProcessed(t.Type(), "ok")
		case errors.Is(err, asynq.SkipRetry):
			countProcessed(t.Type(), "dropped")
		default:
			countProcessed(t.Type(), "error")
		}
		return err
	})
}
