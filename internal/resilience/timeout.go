package resilience

import (
	"context"
	"time"
)

// WithTimeout runs op under a hard per-attempt deadline. The attempt's
// context derives from the caller's, so an earlier caller deadline
// still cuts the attempt short (spec §4.4:
// "hard per-attempt deadline, e.g. 1s for data APIs").
func WithTimeout(ctx context.Context, timeout time.Duration, op func(ctx context.Context) error) error {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return op(attemptCtx)
}
