package store

import (
	"context"
	"time"

	"github.com/jw6ventures/calsync/internal/metrics"
)

// observeDB times one repository call; deferred at the top of each method.
func observeDB(ctx context.Context, operation string) func() {
	start := time.Now()
	return func() {
		metrics.ObserveDBLatency(ctx, operation, start)
	}
}
