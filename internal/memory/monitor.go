// Package memory provides process-wide visibility into memory pressure and
// drives best-effort reclamation when usage approaches the system limit.
package memory

import (
	"context"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/keytempo/keytempo-go/internal/logging"
)

// Pressure is a coarse classification of how close memory usage is to the
// limit.
type Pressure string

const (
	PressureLow     Pressure = "low"
	PressureMedium  Pressure = "medium"
	PressureHigh    Pressure = "high"
	PressureUnknown Pressure = "unknown"
)

// Default classification thresholds as a fraction of the limit.
const (
	DefaultMediumThreshold = 0.70
	DefaultHighThreshold   = 0.85
)

// headroomSafetyFactor is the margin applied to allocation estimates: an
// allocation is considered safe only if free memory exceeds 1.5x its size.
const headroomSafetyFactor = 1.5

// Snapshot describes memory usage at one sampling instant. UsedBytes and
// LimitBytes are system-wide; HeapUsedBytes and HeapTotalBytes describe this
// process. Known is false when the runtime exposed no usable numbers, in
// which case all pressure-dependent policies must assume sufficient memory.
type Snapshot struct {
	UsedBytes      uint64
	LimitBytes     uint64
	HeapUsedBytes  uint64
	HeapTotalBytes uint64
	Pressure       Pressure
	Known          bool
	Timestamp      time.Time
}

// Sampler produces a snapshot. Injectable so tests can simulate pressure.
type Sampler func() (Snapshot, error)

// Listener receives every published snapshot.
type Listener func(Snapshot)

// Subscription is the handle returned by Subscribe. Cancelling it is the
// only way to unsubscribe.
type Subscription struct {
	cancel func()
	once   sync.Once
}

// Cancel removes the listener. Idempotent.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

// Options configures a Monitor.
type Options struct {
	Interval        time.Duration
	MediumThreshold float64
	HighThreshold   float64
	Sampler         Sampler // nil means the real system sampler
}

// Monitor samples memory usage periodically, classifies pressure, notifies
// subscribers, and requests reclamation automatically on high-pressure ticks.
type Monitor struct {
	interval        time.Duration
	mediumThreshold float64
	highThreshold   float64
	sampler         Sampler
	logger          *slog.Logger

	mu        sync.RWMutex
	latest    Snapshot
	peakUsed  uint64
	listeners map[uint64]Listener
	nextID    uint64
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	reclaiming atomic.Bool
}

// NewMonitor creates a monitor. Zero option fields fall back to defaults
// (2s interval, 70%/85% thresholds, real system sampler).
func NewMonitor(opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	if opts.MediumThreshold <= 0 {
		opts.MediumThreshold = DefaultMediumThreshold
	}
	if opts.HighThreshold <= 0 {
		opts.HighThreshold = DefaultHighThreshold
	}
	if opts.Sampler == nil {
		opts.Sampler = systemSampler
	}

	m := &Monitor{
		interval:        opts.Interval,
		mediumThreshold: opts.MediumThreshold,
		highThreshold:   opts.HighThreshold,
		sampler:         opts.Sampler,
		logger:          logging.ForService("memory").With("component", "monitor"),
		listeners:       make(map[uint64]Listener),
	}
	m.latest = Snapshot{Pressure: PressureUnknown, Timestamp: time.Now()}
	return m
}

// Classify maps a used/limit ratio to a pressure level using the given
// thresholds. A zero limit classifies as unknown.
func Classify(used, limit uint64, mediumThreshold, highThreshold float64) Pressure {
	if limit == 0 {
		return PressureUnknown
	}
	ratio := float64(used) / float64(limit)
	switch {
	case ratio > highThreshold:
		return PressureHigh
	case ratio > mediumThreshold:
		return PressureMedium
	default:
		return PressureLow
	}
}

// systemSampler reads process heap stats and system-wide memory via gopsutil.
func systemSampler() (Snapshot, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	snap := Snapshot{
		HeapUsedBytes:  ms.HeapAlloc,
		HeapTotalBytes: ms.HeapSys,
		Timestamp:      time.Now(),
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		// No system introspection available; publish an unknown snapshot.
		snap.Pressure = PressureUnknown
		return snap, err
	}

	snap.UsedBytes = vm.Used
	snap.LimitBytes = vm.Total
	snap.Known = true
	return snap, nil
}

// Start begins periodic sampling. Idempotent: calling while already running
// is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.mu.Unlock()

	m.logger.Info("memory monitor started", "interval", m.interval)

	m.wg.Add(1)
	go m.run(ctx)
}

// Stop halts sampling. Safe to call when not running. The monitor can be
// started again afterwards.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
	m.logger.Info("memory monitor stopped")
}

func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()

	// Publish an initial sample so callers see real numbers before the
	// first tick.
	m.SampleNow()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SampleNow()
		}
	}
}

// SampleNow takes one sample immediately, publishes it and reacts to high
// pressure. A failed sample is logged and never terminates the monitor.
func (m *Monitor) SampleNow() {
	snap, err := m.sampler()
	if err != nil {
		m.logger.Warn("memory sample failed", "error", err)
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now()
	}
	if snap.Known {
		snap.Pressure = Classify(snap.UsedBytes, snap.LimitBytes, m.mediumThreshold, m.highThreshold)
	} else if snap.Pressure == "" {
		snap.Pressure = PressureUnknown
	}

	m.mu.Lock()
	m.latest = snap
	if snap.UsedBytes > m.peakUsed {
		m.peakUsed = snap.UsedBytes
	}
	listeners := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.mu.Unlock()

	for _, l := range listeners {
		notifyListener(m.logger, l, snap)
	}

	if snap.Pressure == PressureHigh {
		m.logger.Warn("memory pressure high, requesting reclamation",
			"used_bytes", snap.UsedBytes,
			"limit_bytes", snap.LimitBytes)
		m.RequestReclamation()
	}
}

// notifyListener shields the monitor and the remaining listeners from a
// panicking subscriber.
func notifyListener(logger *slog.Logger, l Listener, snap Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("memory listener panicked", "panic", r)
		}
	}()
	l(snap)
}

// GetSnapshot returns the latest sample. Before the first sample it returns
// an unknown snapshot.
func (m *Monitor) GetSnapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest
}

// PeakUsedBytes returns the highest used value observed over the monitor's
// lifetime.
func (m *Monitor) PeakUsedBytes() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.peakUsed
}

// IsPressureHigh reports whether the latest sample classified as high.
func (m *Monitor) IsPressureHigh() bool {
	return m.GetSnapshot().Pressure == PressureHigh
}

// HasHeadroomFor reports whether free memory exceeds estimatedBytes plus a
// 50% safety margin. True when memory cannot be measured.
func (m *Monitor) HasHeadroomFor(estimatedBytes int64) bool {
	snap := m.GetSnapshot()
	if !snap.Known || estimatedBytes <= 0 {
		return true
	}
	if snap.UsedBytes >= snap.LimitBytes {
		return false
	}
	free := snap.LimitBytes - snap.UsedBytes
	return float64(free) > float64(estimatedBytes)*headroomSafetyFactor
}

// Subscribe registers a listener for every published snapshot and returns
// the handle that removes it.
func (m *Monitor) Subscribe(l Listener) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	return &Subscription{cancel: func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}}
}

// RequestReclamation hints the runtime to return memory to the OS. Best
// effort: never blocks the caller, never guaranteed, and at most one
// reclamation runs at a time.
func (m *Monitor) RequestReclamation() {
	if !m.reclaiming.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer m.reclaiming.Store(false)
		debug.FreeOSMemory()
	}()
}
