package attendance

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultStoreTimeout bounds every store call when no timeout is configured.
const DefaultStoreTimeout = 3 * time.Second

// bounded runs fn with a deadline of d and records its latency under op.
func bounded(ctx context.Context, d time.Duration, op string, fn func(ctx context.Context) error) error {
	if d <= 0 {
		d = DefaultStoreTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	timer := prometheus.NewTimer(storeLatency.WithLabelValues(op))
	defer timer.ObserveDuration()
	return fn(ctx)
}
