// Package util holds small shared helpers with no domain knowledge.
package util

import (
	"context"
	"math/rand/v2"
	"time"
)

// JitterTicker fires around a mean interval with a uniformly random
// offset, so periodic gossip from many nodes does not synchronize.
type JitterTicker struct {
	C    <-chan time.Time
	stop context.CancelFunc
}

// NewJitterTicker ticks at mean ± mean*spread. A spread of 0 degrades
// to a plain ticker.
func NewJitterTicker(ctx context.Context, mean time.Duration, spread float64) *JitterTicker {
	tickCh := make(chan time.Time)
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(tickCh)
		timer := time.NewTimer(jitter(mean, spread))
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case t := <-timer.C:
				select {
				case <-ctx.Done():
					return
				case tickCh <- t:
				}
				timer.Reset(jitter(mean, spread))
			}
		}
	}()

	return &JitterTicker{C: tickCh, stop: cancel}
}

func (t *JitterTicker) Stop() {
	t.stop()
}

func jitter(mean time.Duration, spread float64) time.Duration {
	delta := time.Duration(float64(mean) * spread)
	if delta <= 0 {
		return mean
	}
	offset := time.Duration(rand.N(2*int64(delta)+1)) - delta
	return mean + offset
}
