package main

import (
	"context"
	"math/rand"
	"time"
)

// ReportStrategy decides whether and when a board reports an executed
// command.
type ReportStrategy interface {
	// Wait blocks for the report delay and returns false when the report
	// must be dropped.
	Wait(ctx context.Context) bool
}

// AutoReport reports after an optional fixed delay.
type AutoReport struct {
	Delay time.Duration
}

// Wait implements ReportStrategy.
func (a AutoReport) Wait(ctx context.Context) bool {
	return sleep(ctx, a.Delay)
}

// RandomReport drops reports with the configured probability and waits for
// the specified delay before sending.
type RandomReport struct {
	Delay    time.Duration
	DropRate float64
}

// Wait implements ReportStrategy.
func (r RandomReport) Wait(ctx context.Context) bool {
	if r.DropRate > 0 && rand.Float64() < r.DropRate {
		return false
	}
	return sleep(ctx, r.Delay)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
