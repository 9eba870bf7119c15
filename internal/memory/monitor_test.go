package memory

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const mb = 1024 * 1024

func simulatedSampler(used, limit uint64) Sampler {
	return func() (Snapshot, error) {
		return Snapshot{
			UsedBytes:  used,
			LimitBytes: limit,
			Known:      true,
			Timestamp:  time.Now(),
		}, nil
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		used  uint64
		limit uint64
		want  Pressure
	}{
		{"high at 90 percent", 90 * mb, 100 * mb, PressureHigh},
		{"low at 50 percent", 50 * mb, 100 * mb, PressureLow},
		{"medium at 75 percent", 75 * mb, 100 * mb, PressureMedium},
		{"unknown without limit", 90 * mb, 0, PressureUnknown},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Classify(tt.used, tt.limit, DefaultMediumThreshold, DefaultHighThreshold)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIsPressureHighFromSimulatedSnapshot(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := NewMonitor(Options{
		Interval: 5 * time.Millisecond,
		Sampler:  simulatedSampler(90*mb, 100*mb),
	})
	m.Start()
	defer m.Stop()

	require.Eventually(t, m.IsPressureHigh, time.Second, time.Millisecond)

	low := NewMonitor(Options{
		Interval: 5 * time.Millisecond,
		Sampler:  simulatedSampler(50*mb, 100*mb),
	})
	low.Start()
	defer low.Stop()

	require.Eventually(t, func() bool {
		return low.GetSnapshot().Known
	}, time.Second, time.Millisecond)
	assert.False(t, low.IsPressureHigh())

	// High-pressure ticks trigger reclamation goroutines; let them drain
	// before goleak runs.
	m.Stop()
	low.Stop()
	require.Eventually(t, func() bool {
		return !m.reclaiming.Load()
	}, time.Second, time.Millisecond)
}

func TestHasHeadroomFor(t *testing.T) {
	t.Parallel()

	m := NewMonitor(Options{Sampler: simulatedSampler(40*mb, 100*mb)})
	m.SampleNow()

	// 60MB free: a 30MB allocation needs 45MB with margin, fits.
	assert.True(t, m.HasHeadroomFor(30*mb))
	// A 50MB allocation needs 75MB with margin, does not fit.
	assert.False(t, m.HasHeadroomFor(50*mb))
}

func TestHasHeadroomForUnknownMemory(t *testing.T) {
	t.Parallel()

	m := NewMonitor(Options{Sampler: func() (Snapshot, error) {
		return Snapshot{Pressure: PressureUnknown}, nil
	}})
	m.SampleNow()

	assert.True(t, m.HasHeadroomFor(1<<40))
	assert.False(t, m.IsPressureHigh())
}

func TestStartIsIdempotentAndStopIsSafe(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := NewMonitor(Options{
		Interval: 5 * time.Millisecond,
		Sampler:  simulatedSampler(10*mb, 100*mb),
	})

	m.Stop() // not running, must not panic
	m.Start()
	m.Start() // no second goroutine
	m.Stop()
	m.Stop()
}

func TestSubscribersReceiveSnapshotsAndSurvivePanics(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := NewMonitor(Options{
		Interval: 5 * time.Millisecond,
		Sampler:  simulatedSampler(10*mb, 100*mb),
	})

	var panicky, healthy atomic.Int64
	subPanic := m.Subscribe(func(Snapshot) {
		panicky.Add(1)
		panic("listener boom")
	})
	defer subPanic.Cancel()

	sub := m.Subscribe(func(s Snapshot) {
		if s.Known {
			healthy.Add(1)
		}
	})

	m.Start()
	require.Eventually(t, func() bool {
		return healthy.Load() >= 2 && panicky.Load() >= 2
	}, time.Second, time.Millisecond)
	m.Stop()

	// After cancelling, no further notifications arrive.
	sub.Cancel()
	sub.Cancel() // idempotent
	count := healthy.Load()
	m.SampleNow()
	assert.Equal(t, count, healthy.Load())
}

func TestSamplerErrorDoesNotKillMonitor(t *testing.T) {
	defer goleak.VerifyNone(t)

	var calls atomic.Int64
	m := NewMonitor(Options{
		Interval: 5 * time.Millisecond,
		Sampler: func() (Snapshot, error) {
			calls.Add(1)
			return Snapshot{}, errors.New("no introspection")
		},
	})
	m.Start()
	defer m.Stop()

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)
	assert.Equal(t, PressureUnknown, m.GetSnapshot().Pressure)
}

func TestPeakUsedIsRetained(t *testing.T) {
	t.Parallel()

	var used atomic.Uint64
	used.Store(80 * mb)
	m := NewMonitor(Options{Sampler: func() (Snapshot, error) {
		return Snapshot{UsedBytes: used.Load(), LimitBytes: 1000 * mb, Known: true}, nil
	}})

	m.SampleNow()
	used.Store(20 * mb)
	m.SampleNow()

	assert.Equal(t, uint64(80*mb), m.PeakUsedBytes())
	assert.Equal(t, uint64(20*mb), m.GetSnapshot().UsedBytes)
}
