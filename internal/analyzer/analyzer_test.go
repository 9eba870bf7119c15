package analyzer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/keytempo/keytempo-go/internal/audio"
	"github.com/keytempo/keytempo-go/internal/cache"
	"github.com/keytempo/keytempo-go/internal/conf"
	"github.com/keytempo/keytempo-go/internal/detection"
	"github.com/keytempo/keytempo-go/internal/errors"
	"github.com/keytempo/keytempo-go/internal/workerpool"
)

// stubDetector returns fixed results and counts invocations. Individual
// tests override keyFn or bpmFn to inject failures or blocking behavior.
type stubDetector struct {
	mu       sync.Mutex
	keyCalls int
	bpmCalls int
	keyFn    func(ctx context.Context, sig *audio.Signal, progress detection.ProgressFunc) (detection.KeyResult, error)
	bpmFn    func(ctx context.Context, sig *audio.Signal, progress detection.ProgressFunc) (detection.BPMResult, error)
}

func newStubDetector() *stubDetector {
	return &stubDetector{
		keyFn: func(ctx context.Context, sig *audio.Signal, progress detection.ProgressFunc) (detection.KeyResult, error) {
			if progress != nil {
				progress(50)
				progress(100)
			}
			return detection.KeyResult{Key: "A", Signature: "3#", Mode: "major", Confidence: 0.85}, nil
		},
		bpmFn: func(ctx context.Context, sig *audio.Signal, progress detection.ProgressFunc) (detection.BPMResult, error) {
			if progress != nil {
				progress(50)
				progress(100)
			}
			return detection.BPMResult{BPM: 120, Confidence: 0.90, BeatCount: 32}, nil
		},
	}
}

func (d *stubDetector) DetectKey(ctx context.Context, sig *audio.Signal, progress detection.ProgressFunc) (detection.KeyResult, error) {
	d.mu.Lock()
	d.keyCalls++
	fn := d.keyFn
	d.mu.Unlock()
	return fn(ctx, sig, progress)
}

func (d *stubDetector) DetectBPM(ctx context.Context, sig *audio.Signal, progress detection.ProgressFunc) (detection.BPMResult, error) {
	d.mu.Lock()
	d.bpmCalls++
	fn := d.bpmFn
	d.mu.Unlock()
	return fn(ctx, sig, progress)
}

func (d *stubDetector) calls() (key, bpm int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.keyCalls, d.bpmCalls
}

// blockUntilDone parks a detector until its context ends, returning a
// cancellation-flavored error the way real detectors do.
func blockUntilDone[T any](ctx context.Context) (T, error) {
	var zero T
	<-ctx.Done()
	category := errors.CategoryCancellation
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		category = errors.CategoryTimeout
	}
	return zero, errors.New(ctx.Err()).Category(category).Build()
}

func testSignal() *audio.Signal {
	return &audio.Signal{
		SampleRate: 22050,
		Channels:   [][]float32{make([]float32, 22050)},
	}
}

func testSettings() conf.AnalysisSettings {
	return conf.AnalysisSettings{
		Timeout:          5 * time.Second,
		TargetSampleRate: 22050,
	}
}

// progressRecorder collects reports safely across goroutines.
type progressRecorder struct {
	mu     sync.Mutex
	values []float64
}

func (r *progressRecorder) record(percent float64) {
	r.mu.Lock()
	r.values = append(r.values, percent)
	r.mu.Unlock()
}

func (r *progressRecorder) all() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float64(nil), r.values...)
}

func TestProcessMergesDetections(t *testing.T) {
	defer goleak.VerifyNone(t)

	det := newStubDetector()
	a := New(testSettings(), det, Deps{})

	rec := &progressRecorder{}
	result, err := a.Process(context.Background(), testSignal(), Options{OnProgress: rec.record})
	require.NoError(t, err)

	assert.Equal(t, "A", result.Key.Key)
	assert.Equal(t, "major", result.Key.Mode)
	assert.Equal(t, "3#", result.Key.Signature)
	assert.InDelta(t, 120.0, result.BPM.BPM, 0.001)
	assert.InDelta(t, 0.875, result.Confidence.Overall(), 1e-9)
	assert.GreaterOrEqual(t, result.ProcessingTimeMS, int64(0))
	assert.Equal(t, StateComplete, a.State())

	values := rec.all()
	require.NotEmpty(t, values)
	for i := 1; i < len(values); i++ {
		assert.GreaterOrEqual(t, values[i], values[i-1], "progress must never decrease")
	}
	assert.InDelta(t, 100, values[len(values)-1], 1e-9)
	assert.Contains(t, values, 10.0)
	assert.Contains(t, values, 20.0)
}

func TestProcessCacheHitSkipsDetectors(t *testing.T) {
	defer goleak.VerifyNone(t)

	det := newStubDetector()
	settings := testSettings()
	settings.UseCache = true
	a := New(settings, det, Deps{Cache: cache.New(0)})

	sig := testSignal()
	first, err := a.Process(context.Background(), sig, Options{})
	require.NoError(t, err)

	rec := &progressRecorder{}
	second, err := a.Process(context.Background(), sig, Options{OnProgress: rec.record})
	require.NoError(t, err)

	assert.Same(t, first, second)
	keyCalls, bpmCalls := det.calls()
	assert.Equal(t, 1, keyCalls)
	assert.Equal(t, 1, bpmCalls)
	assert.Equal(t, []float64{100}, rec.all())
	assert.Equal(t, StateComplete, a.State())
}

func TestProcessDisableCacheBypassesLookup(t *testing.T) {
	defer goleak.VerifyNone(t)

	det := newStubDetector()
	settings := testSettings()
	settings.UseCache = true
	a := New(settings, det, Deps{Cache: cache.New(0)})

	sig := testSignal()
	_, err := a.Process(context.Background(), sig, Options{})
	require.NoError(t, err)
	_, err = a.Process(context.Background(), sig, Options{DisableCache: true})
	require.NoError(t, err)

	keyCalls, _ := det.calls()
	assert.Equal(t, 2, keyCalls)
}

func TestCancelAbortsRun(t *testing.T) {
	defer goleak.VerifyNone(t)

	det := newStubDetector()
	det.keyFn = func(ctx context.Context, sig *audio.Signal, progress detection.ProgressFunc) (detection.KeyResult, error) {
		return blockUntilDone[detection.KeyResult](ctx)
	}
	det.bpmFn = func(ctx context.Context, sig *audio.Signal, progress detection.ProgressFunc) (detection.BPMResult, error) {
		return blockUntilDone[detection.BPMResult](ctx)
	}
	a := New(testSettings(), det, Deps{})

	done := make(chan error, 1)
	go func() {
		_, err := a.Process(context.Background(), testSignal(), Options{})
		done <- err
	}()

	require.Eventually(t, func() bool {
		return a.State() == StateDetecting
	}, time.Second, time.Millisecond)

	a.Cancel()
	a.Cancel() // idempotent

	err := <-done
	require.Error(t, err)
	assert.True(t, errors.IsCancellation(err))
	assert.Equal(t, StateCancelled, a.State())
}

func TestCancelWhenIdleIsNoOp(t *testing.T) {
	t.Parallel()

	a := New(testSettings(), newStubDetector(), Deps{})
	a.Cancel()
	assert.Equal(t, StateIdle, a.State())
}

func TestTimeoutSurfacesConfiguredDuration(t *testing.T) {
	defer goleak.VerifyNone(t)

	det := newStubDetector()
	det.keyFn = func(ctx context.Context, sig *audio.Signal, progress detection.ProgressFunc) (detection.KeyResult, error) {
		return blockUntilDone[detection.KeyResult](ctx)
	}
	det.bpmFn = func(ctx context.Context, sig *audio.Signal, progress detection.ProgressFunc) (detection.BPMResult, error) {
		return blockUntilDone[detection.BPMResult](ctx)
	}
	a := New(testSettings(), det, Deps{})

	start := time.Now()
	_, err := a.Process(context.Background(), testSignal(), Options{Timeout: 50 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, errors.IsTimeout(err))
	assert.Contains(t, err.Error(), "50ms")
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StateFailed, a.State())
}

func TestConcurrentProcessRejected(t *testing.T) {
	defer goleak.VerifyNone(t)

	det := newStubDetector()
	release := make(chan struct{})
	det.keyFn = func(ctx context.Context, sig *audio.Signal, progress detection.ProgressFunc) (detection.KeyResult, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return detection.KeyResult{Confidence: 0.5}, nil
	}
	a := New(testSettings(), det, Deps{})

	done := make(chan error, 1)
	go func() {
		_, err := a.Process(context.Background(), testSignal(), Options{})
		done <- err
	}()

	require.Eventually(t, func() bool {
		return a.State() == StateDetecting
	}, time.Second, time.Millisecond)

	_, err := a.Process(context.Background(), testSignal(), Options{})
	require.Error(t, err)
	assert.True(t, errors.HasCategory(err, errors.CategoryState))
	assert.Contains(t, err.Error(), "already in progress")

	close(release)
	assert.NoError(t, <-done)
}

func TestDetectorErrorIsTagged(t *testing.T) {
	defer goleak.VerifyNone(t)

	det := newStubDetector()
	det.keyFn = func(ctx context.Context, sig *audio.Signal, progress detection.ProgressFunc) (detection.KeyResult, error) {
		return detection.KeyResult{}, errors.Newf("spectral collapse").
			Category(errors.CategoryProcessing).
			Build()
	}
	a := New(testSettings(), det, Deps{})

	_, err := a.Process(context.Background(), testSignal(), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "key detection")
	assert.Contains(t, err.Error(), "spectral collapse")
	assert.True(t, errors.HasCategory(err, errors.CategoryProcessing))
	assert.Equal(t, StateFailed, a.State())
}

func TestProcessRejectsInvalidSignal(t *testing.T) {
	defer goleak.VerifyNone(t)

	a := New(testSettings(), newStubDetector(), Deps{})

	_, err := a.Process(context.Background(), nil, Options{})
	require.Error(t, err)
	assert.True(t, errors.HasCategory(err, errors.CategoryValidation))
	assert.Equal(t, StateFailed, a.State())

	// The analyzer recovers: the next run succeeds.
	_, err = a.Process(context.Background(), testSignal(), Options{})
	assert.NoError(t, err)
}

func TestWorkerPathMatchesInline(t *testing.T) {
	defer goleak.VerifyNone(t)

	det := newStubDetector()
	settings := testSettings()
	settings.UseWorkers = true

	pools := workerpool.NewManager(0)
	defer pools.TerminateAll()

	a := New(settings, det, Deps{Pools: pools})
	require.NoError(t, a.InitPools(2))

	withWorkers, err := a.Process(context.Background(), testSignal(), Options{})
	require.NoError(t, err)

	inline, err := a.Process(context.Background(), testSignal(), Options{DisableWorkers: true})
	require.NoError(t, err)

	assert.Equal(t, withWorkers.Key, inline.Key)
	assert.Equal(t, withWorkers.BPM, inline.BPM)
	assert.Equal(t, withWorkers.Confidence, inline.Confidence)

	keyCalls, bpmCalls := det.calls()
	assert.Equal(t, 2, keyCalls)
	assert.Equal(t, 2, bpmCalls)
}

func TestMissingPoolsFallBackInline(t *testing.T) {
	defer goleak.VerifyNone(t)

	det := newStubDetector()
	settings := testSettings()
	settings.UseWorkers = true

	pools := workerpool.NewManager(0)
	defer pools.TerminateAll()

	// Pools never initialized: Execute fails with not-found, detection
	// runs inline instead.
	a := New(settings, det, Deps{Pools: pools})

	result, err := a.Process(context.Background(), testSignal(), Options{})
	require.NoError(t, err)
	assert.Equal(t, "A", result.Key.Key)

	keyCalls, bpmCalls := det.calls()
	assert.Equal(t, 1, keyCalls)
	assert.Equal(t, 1, bpmCalls)
}

func TestProgressSubRangesStayDisjoint(t *testing.T) {
	defer goleak.VerifyNone(t)

	rec := &progressRecorder{}
	reporter := newProgressReporter(rec.record)

	key := reporter.subRange(20, 60)
	bpm := reporter.subRange(60, 90)

	key(0)
	key(50) // 40 overall
	bpm(0)  // 60 overall
	key(100)
	bpm(100)

	values := rec.all()
	for i := 1; i < len(values); i++ {
		assert.GreaterOrEqual(t, values[i], values[i-1])
	}
	assert.InDelta(t, 90, values[len(values)-1], 1e-9)
}
