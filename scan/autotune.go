package scan

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"

	"shieldscan/logger"
)

const (
	tuneInterval  = 2 * time.Second
	tuneAlpha     = 0.4
	cpuHighWater  = 85.0
	cpuLowWater   = 60.0
	tuneDelayStep = 25 * time.Millisecond
	tuneDelayMax  = 250 * time.Millisecond
)

// autoTuner backs workers off between dequeues when host CPU pressure stays
// high, so a background scan does not starve the foreground. The delay is
// zero under normal load.
type autoTuner struct {
	delay   atomic.Int64
	cpuEWMA float64
	sampler func(context.Context, time.Duration) (float64, error)
}

func newAutoTuner() *autoTuner {
	return &autoTuner{sampler: sampleCPU}
}

func sampleCPU(ctx context.Context, interval time.Duration) (float64, error) {
	percents, err := cpu.PercentWithContext(ctx, interval, false)
	if err != nil || len(percents) == 0 {
		return 0, err
	}
	return percents[0], nil
}

// pause returns the current backoff applied before each dequeue.
func (t *autoTuner) pause() time.Duration {
	return time.Duration(t.delay.Load())
}

// run samples CPU pressure until the context ends. One goroutine per
// session.
func (t *autoTuner) run(ctx context.Context) {
	for {
		usage, err := t.sampler(ctx, tuneInterval)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Debugf("CPU sample failed: %v", err)
			continue
		}
		t.cpuEWMA = tuneAlpha*usage + (1-tuneAlpha)*t.cpuEWMA
		current := time.Duration(t.delay.Load())
		switch {
		case t.cpuEWMA > cpuHighWater:
			next := current + tuneDelayStep
			if next > tuneDelayMax {
				next = tuneDelayMax
			}
			if next != current {
				logger.Debugf("CPU pressure %.1f%%, worker backoff %v", t.cpuEWMA, next)
			}
			t.delay.Store(int64(next))
		case t.cpuEWMA < cpuLowWater && current > 0:
			next := current - tuneDelayStep
			if next < 0 {
				next = 0
			}
			t.delay.Store(int64(next))
		}
	}
}
