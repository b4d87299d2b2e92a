// Package ratelimit wraps golang.org/x/time/rate into the single
// global token bucket hook spec.md allows (Non-goals explicitly bars
// anything more elaborate: per-peer shaping, fairness queues, etc).
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Bucket throttles a byte stream to a configured rate. A limit of 0
// means unlimited — WaitN is a no-op.
type Bucket struct {
	limiter *rate.Limiter
}

// New creates a bucket allowing bytesPerSecond sustained throughput
// with a burst equal to one second's worth of traffic (clamped to at
// least 1 so a slow limit doesn't deadlock single large writes).
func New(bytesPerSecond int64) *Bucket {
	if bytesPerSecond <= 0 {
		return &Bucket{limiter: nil}
	}

	burst := int(bytesPerSecond)
	if burst < 1 {
		burst = 1
	}

	return &Bucket{limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), burst)}
}

// WaitN blocks until n bytes may be sent, or ctx is cancelled.
func (b *Bucket) WaitN(ctx context.Context, n int) error {
	if b.limiter == nil || n <= 0 {
		return nil
	}
	return b.limiter.WaitN(ctx, n)
}

// SetLimit updates the sustained rate in bytes/second; 0 disables
// limiting.
func (b *Bucket) SetLimit(bytesPerSecond int64) {
	if bytesPerSecond <= 0 {
		b.limiter = nil
		return
	}
	if b.limiter == nil {
		b.limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), int(bytesPerSecond))
		return
	}
	b.limiter.SetLimit(rate.Limit(bytesPerSecond))
	b.limiter.SetBurst(int(bytesPerSecond))
}
