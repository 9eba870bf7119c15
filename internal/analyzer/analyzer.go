// Package analyzer orchestrates one analysis run end to end: validation,
// cache lookup, normalization, parallel key and tempo detection, and result
// merging. A single Analyzer serves one run at a time.
package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/keytempo/keytempo-go/internal/audio"
	"github.com/keytempo/keytempo-go/internal/cache"
	"github.com/keytempo/keytempo-go/internal/conf"
	"github.com/keytempo/keytempo-go/internal/detection"
	"github.com/keytempo/keytempo-go/internal/errors"
	"github.com/keytempo/keytempo-go/internal/logging"
	"github.com/keytempo/keytempo-go/internal/memory"
	"github.com/keytempo/keytempo-go/internal/observability"
	"github.com/keytempo/keytempo-go/internal/workerpool"
)

const componentAnalyzer = "analyzer"

// Detection pool and task names.
const (
	PoolKeyDetection   = "key-detection"
	PoolTempoDetection = "tempo-detection"
	TaskDetectKey      = "detect-key"
	TaskDetectBPM      = "detect-bpm"
)

// DefaultTimeout bounds a run when neither settings nor options set one.
const DefaultTimeout = 30 * time.Second

// State is the analyzer's lifecycle phase. Terminal states persist until the
// next run begins.
type State string

const (
	StateIdle        State = "idle"
	StateNormalizing State = "normalizing"
	StateDetecting   State = "detecting"
	StateMerging     State = "merging"
	StateComplete    State = "complete"
	StateCancelled   State = "cancelled"
	StateFailed      State = "failed"
)

// Options tunes a single Process call. The zero value uses the analyzer's
// configured defaults.
type Options struct {
	Timeout        time.Duration // 0 means the configured run timeout
	OnProgress     func(percent float64)
	DisableCache   bool
	DisableWorkers bool
}

// Deps are the optional collaborators. Any of them may be nil; the analyzer
// degrades to inline execution without caching or pressure handling.
type Deps struct {
	Cache   *cache.ResultCache
	Monitor *memory.Monitor
	Pools   *workerpool.Manager
	Metrics *observability.Metrics
}

// Analyzer coordinates detection runs. Safe for concurrent method calls, but
// only one Process run may be active at a time; concurrent attempts fail with
// a state error.
type Analyzer struct {
	settings conf.AnalysisSettings
	detector detection.Detector
	cache    *cache.ResultCache
	monitor  *memory.Monitor
	pools    *workerpool.Manager
	metrics  *observability.Metrics
	logger   *slog.Logger

	mu        sync.Mutex
	state     State
	cancelRun context.CancelFunc
}

// New creates an analyzer around the given detector.
func New(settings conf.AnalysisSettings, detector detection.Detector, deps Deps) *Analyzer {
	if settings.Timeout <= 0 {
		settings.Timeout = DefaultTimeout
	}
	return &Analyzer{
		settings: settings,
		detector: detector,
		cache:    deps.Cache,
		monitor:  deps.Monitor,
		pools:    deps.Pools,
		metrics:  deps.Metrics,
		logger:   logging.ForService("analyzer").With("component", "orchestrator"),
		state:    StateIdle,
	}
}

// detectPayload carries one detection sub-task through a worker pool. The run
// context rides along so worker-side detection observes run cancellation, not
// just pool termination.
type detectPayload struct {
	ctx      context.Context
	sig      *audio.Signal
	progress detection.ProgressFunc
}

// handleDetection is the shared pool handler for both detection pools.
func (a *Analyzer) handleDetection(poolCtx context.Context, taskType string, payload any) (any, error) {
	p, ok := payload.(*detectPayload)
	if !ok {
		return nil, errors.Newf("unexpected payload %T for task %s", payload, taskType).
			Component(componentAnalyzer).
			Category(errors.CategoryValidation).
			Build()
	}
	ctx := p.ctx
	if ctx == nil {
		ctx = poolCtx
	}

	switch taskType {
	case TaskDetectKey:
		return a.detector.DetectKey(ctx, p.sig, p.progress)
	case TaskDetectBPM:
		return a.detector.DetectBPM(ctx, p.sig, p.progress)
	default:
		return nil, errors.Newf("unknown task type %s", taskType).
			Component(componentAnalyzer).
			Category(errors.CategoryValidation).
			Build()
	}
}

// InitPools registers the two detection pools. A nil pool manager is a no-op;
// Process then runs detection inline.
func (a *Analyzer) InitPools(maxWorkersPerPool int) error {
	if a.pools == nil {
		return nil
	}
	if _, err := a.pools.CreatePool(PoolKeyDetection, a.handleDetection, maxWorkersPerPool); err != nil {
		return err
	}
	_, err := a.pools.CreatePool(PoolTempoDetection, a.handleDetection, maxWorkersPerPool)
	return err
}

// Process runs one full analysis of sig. Progress reports are monotonic and
// reach exactly 100 on success, including cache hits. Exactly one of result
// and error is non-nil.
func (a *Analyzer) Process(ctx context.Context, sig *audio.Signal, opts Options) (*detection.Result, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = a.settings.Timeout
	}
	start := time.Now()

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	if err := a.beginRun(cancel); err != nil {
		cancel()
		return nil, err
	}

	result, err := a.run(runCtx, sig, opts, timeout, start)
	a.finishRun(cancel, err)

	duration := time.Since(start)
	if err != nil {
		a.metrics.RecordAnalysis(statusFor(err), duration)
		if !errors.IsCancellation(err) {
			a.logger.Error("analysis failed", "error", err, "duration", duration)
		}
		return nil, err
	}
	a.metrics.RecordAnalysis("success", duration)
	return result, nil
}

// beginRun claims the single run slot.
func (a *Analyzer) beginRun(cancel context.CancelFunc) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancelRun != nil {
		return errors.Newf("analysis already in progress").
			Component(componentAnalyzer).
			Category(errors.CategoryState).
			Build()
	}
	a.cancelRun = cancel
	a.state = StateNormalizing
	return nil
}

// finishRun releases the run slot, settles the terminal state and triggers
// reclamation when the run ended under memory pressure.
func (a *Analyzer) finishRun(cancel context.CancelFunc, runErr error) {
	cancel()

	a.mu.Lock()
	a.cancelRun = nil
	switch {
	case runErr == nil:
		a.state = StateComplete
	case errors.IsCancellation(runErr):
		a.state = StateCancelled
	default:
		a.state = StateFailed
	}
	a.mu.Unlock()

	if a.monitor != nil && a.monitor.IsPressureHigh() {
		a.monitor.RequestReclamation()
	}
}

func (a *Analyzer) run(runCtx context.Context, sig *audio.Signal, opts Options, timeout time.Duration, start time.Time) (*detection.Result, error) {
	reporter := newProgressReporter(opts.OnProgress)

	if err := audio.Validate(sig); err != nil {
		return nil, err
	}

	useCache := a.settings.UseCache && !opts.DisableCache && a.cache != nil
	var fingerprint string
	if useCache {
		fingerprint = cache.Fingerprint(cache.SignalShape{
			DurationSeconds: sig.Duration(),
			SampleRate:      sig.SampleRate,
			Channels:        sig.ChannelCount(),
			SampleLength:    sig.SampleLength(),
		})
		if value, ok := a.cache.Get(fingerprint); ok {
			if cached, ok := value.(*detection.Result); ok {
				a.metrics.RecordCacheEvent("hit")
				a.logger.Debug("cache hit", "fingerprint", fingerprint)
				reporter.report(100)
				return cached, nil
			}
		}
		a.metrics.RecordCacheEvent("miss")
	}

	if a.monitor != nil && a.monitor.IsPressureHigh() {
		a.logger.Warn("starting analysis under high memory pressure")
		a.monitor.RequestReclamation()
	}

	reporter.report(10)

	normalized, err := audio.Normalize(sig, a.settings.TargetSampleRate)
	if err != nil {
		return nil, err
	}
	if runCtx.Err() != nil {
		return nil, a.runError(runCtx, timeout, runCtx.Err())
	}
	reporter.report(20)
	a.setState(StateDetecting)

	useWorkers := a.settings.UseWorkers && !opts.DisableWorkers && a.pools != nil

	var keyRes detection.KeyResult
	var bpmRes detection.BPMResult
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		res, err := a.runKeyDetection(gctx, normalized, reporter.subRange(20, 60), useWorkers, timeout)
		if err != nil {
			return wrapDetectorError(err, "key")
		}
		keyRes = res
		return nil
	})
	g.Go(func() error {
		res, err := a.runBPMDetection(gctx, normalized, reporter.subRange(60, 90), useWorkers, timeout)
		if err != nil {
			return wrapDetectorError(err, "bpm")
		}
		bpmRes = res
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, a.runError(runCtx, timeout, err)
	}

	a.setState(StateMerging)
	reporter.report(95)

	result := &detection.Result{
		Key: keyRes,
		BPM: bpmRes,
		Confidence: detection.ConfidenceScores{
			Key: keyRes.Confidence,
			BPM: bpmRes.Confidence,
		},
		ProcessingTimeMS: time.Since(start).Milliseconds(),
	}
	if useCache {
		a.cache.Put(fingerprint, result, result.EstimatedSizeBytes())
	}

	reporter.report(100)
	a.logger.Info("analysis complete",
		"key", result.Key.Key,
		"mode", result.Key.Mode,
		"bpm", result.BPM.BPM,
		"confidence", result.Confidence.Overall(),
		"duration_ms", result.ProcessingTimeMS)
	return result, nil
}

// runKeyDetection dispatches key detection to its pool, falling back to
// inline execution when no pool is registered.
func (a *Analyzer) runKeyDetection(ctx context.Context, sig *audio.Signal, progress detection.ProgressFunc, useWorkers bool, timeout time.Duration) (detection.KeyResult, error) {
	if useWorkers {
		payload := &detectPayload{ctx: ctx, sig: sig, progress: progress}
		value, err := a.pools.Execute(ctx, PoolKeyDetection, TaskDetectKey, payload, timeout)
		if err == nil {
			res, ok := value.(detection.KeyResult)
			if !ok {
				return detection.KeyResult{}, errors.Newf("unexpected key detection result %T", value).
					Component(componentAnalyzer).
					Category(errors.CategoryWorker).
					Build()
			}
			a.metrics.RecordWorkerTask(PoolKeyDetection, "success")
			return res, nil
		}
		if !errors.HasCategory(err, errors.CategoryNotFound) {
			a.metrics.RecordWorkerTask(PoolKeyDetection, "error")
			return detection.KeyResult{}, err
		}
		a.logger.Warn("key detection pool unavailable, running inline", "error", err)
	}
	return a.detector.DetectKey(ctx, sig, progress)
}

// runBPMDetection mirrors runKeyDetection for the tempo pool.
func (a *Analyzer) runBPMDetection(ctx context.Context, sig *audio.Signal, progress detection.ProgressFunc, useWorkers bool, timeout time.Duration) (detection.BPMResult, error) {
	if useWorkers {
		payload := &detectPayload{ctx: ctx, sig: sig, progress: progress}
		value, err := a.pools.Execute(ctx, PoolTempoDetection, TaskDetectBPM, payload, timeout)
		if err == nil {
			res, ok := value.(detection.BPMResult)
			if !ok {
				return detection.BPMResult{}, errors.Newf("unexpected tempo detection result %T", value).
					Component(componentAnalyzer).
					Category(errors.CategoryWorker).
					Build()
			}
			a.metrics.RecordWorkerTask(PoolTempoDetection, "success")
			return res, nil
		}
		if !errors.HasCategory(err, errors.CategoryNotFound) {
			a.metrics.RecordWorkerTask(PoolTempoDetection, "error")
			return detection.BPMResult{}, err
		}
		a.logger.Warn("tempo detection pool unavailable, running inline", "error", err)
	}
	return a.detector.DetectBPM(ctx, sig, progress)
}

// runError prefers the run-level deadline or cancellation over whatever a
// sub-task surfaced, so callers always see the configured timeout in the
// timeout message.
func (a *Analyzer) runError(runCtx context.Context, timeout time.Duration, fallback error) error {
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return errors.Newf("analysis timed out after %v", timeout).
			Component(componentAnalyzer).
			Category(errors.CategoryTimeout).
			Context("timeout", timeout).
			Build()
	case runCtx.Err() != nil:
		return errors.New(runCtx.Err()).
			Component(componentAnalyzer).
			Category(errors.CategoryCancellation).
			Build()
	default:
		return fallback
	}
}

// wrapDetectorError tags a sub-task failure with the detector that produced
// it. Cancellations pass through untouched.
func wrapDetectorError(err error, detector string) error {
	if err == nil || errors.IsCancellation(err) {
		return err
	}
	return errors.New(fmt.Errorf("%s detection: %w", detector, err)).
		Component(componentAnalyzer).
		Category(errors.Category(err)).
		Context("detector", detector).
		Build()
}

// Cancel aborts the active run, if any. Idempotent and safe when idle.
func (a *Analyzer) Cancel() {
	a.mu.Lock()
	cancel := a.cancelRun
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// State returns the analyzer's current lifecycle phase.
func (a *Analyzer) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Analyzer) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

func statusFor(err error) string {
	switch {
	case errors.IsCancellation(err):
		return "cancelled"
	case errors.IsTimeout(err):
		return "timeout"
	default:
		return "failure"
	}
}
