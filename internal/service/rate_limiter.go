package service

import (
	"context"
	"math"
	"time"

	"gpuwatch/pkg/logger"
)

// RateDecision is the outcome of a rate limiter check
type RateDecision struct {
	Allowed bool
	// NextCaptureIn is the number of seconds until a capture is allowed again (0 when allowed)
	NextCaptureIn int
}

// CaptureRateLimiter refuses a capture when an incomplete aggregate was updated
// less than minInterval ago
type CaptureRateLimiter struct {
	store       AggregateStore
	minInterval time.Duration
	now         func() time.Time
}

// NewCaptureRateLimiter creates a limiter with the given minimum interval
func NewCaptureRateLimiter(store AggregateStore, minInterval time.Duration) *CaptureRateLimiter {
	return &CaptureRateLimiter{store: store, minInterval: minInterval, now: time.Now}
}

// Check decides whether a capture may run now. Store failures allow the capture.
func (l *CaptureRateLimiter) Check(ctx context.Context) RateDecision {
	if l.store == nil || l.minInterval <= 0 {
		return RateDecision{Allowed: true}
	}

	latest, err := l.store.LatestIncomplete(ctx)
	if err != nil {
		logger.WarnCtx(ctx, "rate limiter probe failed, allowing capture: %v", err)
		return RateDecision{Allowed: true}
	}
	if latest == nil {
		return RateDecision{Allowed: true}
	}

	elapsed := l.now().Sub(latest.LastSeen)
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed >= l.minInterval {
		return RateDecision{Allowed: true}
	}

	wait := int(math.Ceil((l.minInterval - elapsed).Seconds()))
	if wait < 1 {
		wait = 1
	}
	return RateDecision{Allowed: false, NextCaptureIn: wait}
}
