package build

import (
	"sync"
	"time"

	"go.chromium.org/luci/common/clock"
)

// errorRateBreaker implements the "prefers local when the remote pool
// is ... returning errors above a configured rate" rule from
// spec.md §4.4, and the remote_error_threshold option from §6. It is
// original engineering (no pack example implements a breaker); the
// shape is the standard sliding-window circuit breaker, sized to the
// one knob spec.md names.
type errorRateBreaker struct {
	mu        sync.Mutex
	threshold float64
	window    []bool // ring of recent outcomes, true == success
	cap       int
	cooldown  time.Duration
	tripUntil time.Time
	clk       clock.Clock
}

func newErrorRateBreaker(threshold float64, cooldown time.Duration, clk clock.Clock) *errorRateBreaker {
	return &errorRateBreaker{
		threshold: threshold,
		cap:       20,
		cooldown:  cooldown,
		clk:       clk,
	}
}

// Tripped reports whether the breaker is currently in its cooldown
// window, i.e. the Dispatcher should treat remote as unreachable.
func (b *errorRateBreaker) Tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.clk.Now().Before(b.tripUntil)
}

// Record logs one remote outcome and trips the breaker if the trailing
// window's error rate exceeds the threshold.
func (b *errorRateBreaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.window = append(b.window, success)
	if len(b.window) > b.cap {
		b.window = b.window[len(b.window)-b.cap:]
	}
	if len(b.window) < b.cap/2 {
		return // not enough samples to judge yet
	}

	failures := 0
	for _, ok := range b.window {
		if !ok {
			failures++
		}
	}
	rate := float64(failures) / float64(len(b.window))
	if rate > b.threshold {
		b.tripUntil = b.clk.Now().Add(b.cooldown)
	}
}
