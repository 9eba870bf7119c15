package analyzer

import "sync"

// progressReporter funnels all progress for one run through a single
// monotonic gate: reports can arrive concurrently from both detection
// sub-tasks, but observed values never decrease and never exceed 100.
type progressReporter struct {
	mu      sync.Mutex
	current float64
	fn      func(percent float64)
}

func newProgressReporter(fn func(percent float64)) *progressReporter {
	return &progressReporter{fn: fn}
}

// report publishes percent if it advances the run's progress.
func (r *progressReporter) report(percent float64) {
	if percent > 100 {
		percent = 100
	}
	r.mu.Lock()
	if percent <= r.current {
		r.mu.Unlock()
		return
	}
	r.current = percent
	fn := r.fn
	r.mu.Unlock()

	if fn != nil {
		fn(percent)
	}
}

// subRange remaps a sub-task's internal 0-100% onto [lo, hi] of the overall
// run, giving each concurrent sub-task a disjoint slice of the bar.
func (r *progressReporter) subRange(lo, hi float64) func(percent float64) {
	return func(percent float64) {
		if percent < 0 {
			percent = 0
		}
		if percent > 100 {
			percent = 100
		}
		r.report(lo + percent/100*(hi-lo))
	}
}
