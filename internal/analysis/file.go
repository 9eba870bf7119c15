// Package analysis wires the full pipeline for one-shot file analysis: load,
// decode, orchestrate detection, render the result.
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/keytempo/keytempo-go/internal/analyzer"
	"github.com/keytempo/keytempo-go/internal/cache"
	"github.com/keytempo/keytempo-go/internal/conf"
	"github.com/keytempo/keytempo-go/internal/decode"
	"github.com/keytempo/keytempo-go/internal/detection"
	"github.com/keytempo/keytempo-go/internal/loader"
	"github.com/keytempo/keytempo-go/internal/logging"
	"github.com/keytempo/keytempo-go/internal/memory"
	"github.com/keytempo/keytempo-go/internal/observability"
	"github.com/keytempo/keytempo-go/internal/workerpool"
)

// FileOptions tunes one AnalyzeFile invocation.
type FileOptions struct {
	Timeout        time.Duration // 0 means the configured run timeout
	JSON           bool
	DisableCache   bool
	DisableWorkers bool
	Progress       io.Writer // nil disables progress output
	Out            io.Writer
}

// AnalyzeFile loads, decodes and analyzes a single WAV file, writing the
// result to opts.Out.
func AnalyzeFile(ctx context.Context, settings *conf.Settings, path string, opts FileOptions) error {
	logger := logging.ForService("analysis")
	start := time.Now()

	monitor := memory.NewMonitor(memory.Options{
		Interval:        settings.Memory.Interval,
		MediumThreshold: settings.Memory.MediumThreshold,
		HighThreshold:   settings.Memory.HighThreshold,
	})

	metrics, err := observability.NewMetrics(prometheus.NewRegistry())
	if err != nil {
		return err
	}

	resultCache := cache.New(settings.Cache.BudgetBytes)
	resultCache.SetMetrics(metrics)

	sub := watchPressure(monitor, resultCache, metrics, settings.Cache.MaxAge)
	defer sub.Cancel()
	monitor.Start()
	defer monitor.Stop()

	pools := workerpool.NewManager(settings.Workers.QueueCapacity)
	defer pools.TerminateAll()

	fileLoader := loader.New(monitor, loader.Config{
		SmallFileBytes:      settings.Loader.SmallFileBytes,
		MaxChunkBytes:       settings.Loader.MaxChunkBytes,
		MinChunkBytes:       settings.Loader.MinChunkBytes,
		MaxConcurrentChunks: settings.Loader.MaxConcurrentChunks,
	})

	data, err := fileLoader.Load(ctx, path, loader.Options{
		OnProgress: progressPrinter(opts.Progress, "loading"),
	})
	if err != nil {
		return err
	}
	logger.Info("file loaded", "path", path, "bytes", len(data))

	sig, err := decode.WAV(data)
	if err != nil {
		return err
	}
	data = nil // the decoded signal is all that is needed from here on

	a := analyzer.New(settings.Analysis, detection.NewDetector(), analyzer.Deps{
		Cache:   resultCache,
		Monitor: monitor,
		Pools:   pools,
		Metrics: metrics,
	})
	if settings.Workers.Enabled && settings.Analysis.UseWorkers && !opts.DisableWorkers {
		if err := a.InitPools(settings.Workers.MaxPerPool); err != nil {
			return err
		}
	}

	result, err := a.Process(ctx, sig, analyzer.Options{
		Timeout:        opts.Timeout,
		OnProgress:     progressPrinter(opts.Progress, "analyzing"),
		DisableCache:   opts.DisableCache,
		DisableWorkers: opts.DisableWorkers,
	})
	if err != nil {
		return err
	}

	cacheStats := resultCache.Stats()
	logger.Debug("run finished",
		"wall_clock", time.Since(start),
		"peak_used_bytes", monitor.PeakUsedBytes(),
		"cache_entries", cacheStats.EntryCount,
		"cache_hits", cacheStats.Hits,
		"cache_evictions", cacheStats.Evictions)

	if opts.Progress != nil {
		fmt.Fprintln(opts.Progress)
	}
	return writeResult(opts.Out, sig.Duration(), result, opts.JSON)
}

// watchPressure subscribes to memory snapshots, mirroring the pressure level
// into metrics and sweeping idle cache entries whenever pressure is high.
func watchPressure(monitor *memory.Monitor, resultCache *cache.ResultCache, metrics *observability.Metrics, maxAge time.Duration) *memory.Subscription {
	if maxAge <= 0 {
		maxAge = cache.DefaultMaxAge
	}
	logger := logging.ForService("analysis").With("component", "pressure_watch")
	return monitor.Subscribe(func(snap memory.Snapshot) {
		metrics.SetMemoryPressure(string(snap.Pressure))
		if snap.Pressure != memory.PressureHigh {
			return
		}
		if evicted := resultCache.EvictOlderThan(maxAge); evicted > 0 {
			logger.Debug("swept idle cache entries under memory pressure", "evicted", evicted)
		}
	})
}

// progressPrinter renders in-place percentage updates, or nothing when w is
// nil.
func progressPrinter(w io.Writer, phase string) func(percent float64) {
	if w == nil {
		return nil
	}
	return func(percent float64) {
		fmt.Fprintf(w, "\r%s %3.0f%%", phase, percent)
	}
}

func writeResult(w io.Writer, durationSeconds float64, result *detection.Result, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	fmt.Fprintf(w, "Key:        %s %s (%s)\n", result.Key.Key, result.Key.Mode, result.Key.Signature)
	fmt.Fprintf(w, "Tempo:      %.1f BPM (%d beats)\n", result.BPM.BPM, result.BPM.BeatCount)
	fmt.Fprintf(w, "Confidence: key %.2f, tempo %.2f, overall %.2f\n",
		result.Confidence.Key, result.Confidence.BPM, result.Confidence.Overall())
	fmt.Fprintf(w, "Audio:      %.1fs, analyzed in %dms\n", durationSeconds, result.ProcessingTimeMS)
	return nil
}
