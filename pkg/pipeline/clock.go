package pipeline

import (
	"context"
	"time"
)

// Clock supplies timestamps to the executor.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns a Clock backed by the wall clock, in UTC.
func SystemClock() Clock { return systemClock{} }

// Latency returns how long a step is held before its handler runs.
type Latency func(step *Step) time.Duration

// SimulatedLatency holds each step for a tenth of its timeout, capped at one
// second.
func SimulatedLatency(step *Step) time.Duration {
	if step.TimeoutSeconds >= 10 {
		return time.Second
	}
	return time.Duration(step.TimeoutSeconds) * 100 * time.Millisecond
}

// NoLatency dispatches every step immediately.
func NoLatency(*Step) time.Duration { return 0 }

// Sleep blocks for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
