// Package loader reads large files in bounded chunks so a full-size
// allocation never lands on a heap that cannot take it, pacing batches by
// memory pressure and reporting fine-grained progress.
package loader

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/keytempo/keytempo-go/internal/errors"
	"github.com/keytempo/keytempo-go/internal/logging"
	"github.com/keytempo/keytempo-go/internal/memory"
)

const componentLoader = "loader"

// Defaults, overridable per loader via Config and per call via Options.
const (
	DefaultSmallFileBytes      int64 = 50 * 1024 * 1024
	DefaultMaxChunkBytes       int64 = 16 * 1024 * 1024
	DefaultMinChunkBytes       int64 = 1 * 1024 * 1024
	DefaultMaxConcurrentChunks       = 3
)

// pressurePause is how long a batch waits after requesting reclamation
// under high memory pressure.
const pressurePause = 100 * time.Millisecond

// Config tunes a Loader.
type Config struct {
	SmallFileBytes      int64
	MaxChunkBytes       int64
	MinChunkBytes       int64
	MaxConcurrentChunks int
}

func (c *Config) applyDefaults() {
	if c.SmallFileBytes <= 0 {
		c.SmallFileBytes = DefaultSmallFileBytes
	}
	if c.MaxChunkBytes <= 0 {
		c.MaxChunkBytes = DefaultMaxChunkBytes
	}
	if c.MinChunkBytes <= 0 {
		c.MinChunkBytes = DefaultMinChunkBytes
	}
	if c.MaxConcurrentChunks <= 0 {
		c.MaxConcurrentChunks = DefaultMaxConcurrentChunks
	}
}

// Options tunes one Load call.
type Options struct {
	ChunkSize           int64 // 0 means derive from headroom and file size
	MaxConcurrentChunks int   // 0 means the loader default
	OnProgress          func(percent float64)
}

// Loader reads files progressively. One load runs at a time per Loader;
// Cancel aborts the active load.
type Loader struct {
	monitor *memory.Monitor
	config  Config
	logger  *slog.Logger

	mu         sync.Mutex
	cancelLoad context.CancelFunc
}

// New creates a loader. monitor may be nil, in which case all pressure
// checks assume sufficient memory.
func New(monitor *memory.Monitor, config Config) *Loader {
	config.applyDefaults()
	return &Loader{
		monitor: monitor,
		config:  config,
		logger:  logging.ForService("loader").With("component", "progressive_loader"),
	}
}

// Load reads the file at path and returns its full contents. Files below
// the small-file threshold are read in a single call; larger files are read
// in concurrent chunk batches with pressure checks between batches.
// Progress is reported after each batch, non-decreasing, reaching exactly
// 100 on success. Partial data is never returned.
func (l *Loader) Load(ctx context.Context, path string, opts Options) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.New(err).
			Component(componentLoader).
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}
	size := info.Size()

	if l.monitor != nil && !l.monitor.HasHeadroomFor(size) {
		return nil, errors.Newf("not enough memory headroom to load %d bytes, reduce input size", size).
			Component(componentLoader).
			Category(errors.CategoryResource).
			Context("path", path).
			Context("size_bytes", size).
			Build()
	}

	loadCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	l.mu.Lock()
	l.cancelLoad = cancel
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.cancelLoad = nil
		l.mu.Unlock()
	}()

	if size <= l.config.SmallFileBytes && opts.ChunkSize <= 0 {
		return l.loadWhole(loadCtx, path, opts)
	}
	return l.loadChunked(loadCtx, path, size, opts)
}

// Cancel aborts the in-flight load, if any. Safe to call when idle.
func (l *Loader) Cancel() {
	l.mu.Lock()
	cancel := l.cancelLoad
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// loadWhole is the small-file fast path: one read, one progress report.
func (l *Loader) loadWhole(ctx context.Context, path string, opts Options) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, cancelledError(err, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New(err).
			Component(componentLoader).
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}
	if opts.OnProgress != nil {
		opts.OnProgress(100)
	}
	return data, nil
}

func (l *Loader) loadChunked(ctx context.Context, path string, size int64, opts Options) ([]byte, error) {
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = l.chunkSizeFor(size)
	}
	batchSize := opts.MaxConcurrentChunks
	if batchSize <= 0 {
		batchSize = l.config.MaxConcurrentChunks
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, errors.New(err).
			Component(componentLoader).
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}
	defer func() { _ = file.Close() }()

	totalChunks := int((size + chunkSize - 1) / chunkSize)
	data := make([]byte, size)

	l.logger.Debug("starting chunked load",
		"path", path,
		"size_bytes", size,
		"chunk_bytes", chunkSize,
		"chunks", totalChunks,
		"batch_size", batchSize)

	completed := 0
	for batchStart := 0; batchStart < totalChunks; batchStart += batchSize {
		if err := ctx.Err(); err != nil {
			return nil, cancelledError(err, path)
		}

		if l.monitor != nil && l.monitor.IsPressureHigh() {
			l.monitor.RequestReclamation()
			select {
			case <-time.After(pressurePause):
			case <-ctx.Done():
				return nil, cancelledError(ctx.Err(), path)
			}
		}

		batchEnd := min(batchStart+batchSize, totalChunks)
		g, gctx := errgroup.WithContext(ctx)
		for chunk := batchStart; chunk < batchEnd; chunk++ {
			offset := int64(chunk) * chunkSize
			end := min(offset+chunkSize, size)
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				if _, err := file.ReadAt(data[offset:end], offset); err != nil {
					return errors.New(err).
						Component(componentLoader).
						Category(errors.CategoryFileIO).
						Context("path", path).
						Context("offset", offset).
						Build()
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			if ctx.Err() != nil {
				return nil, cancelledError(ctx.Err(), path)
			}
			return nil, err
		}

		completed = batchEnd
		if opts.OnProgress != nil {
			opts.OnProgress(float64(completed) / float64(totalChunks) * 100)
		}
	}

	return data, nil
}

// chunkSizeFor derives a chunk size from monitor headroom, clamped to the
// configured bounds. With no measurable memory the maximum applies.
func (l *Loader) chunkSizeFor(size int64) int64 {
	chunk := l.config.MaxChunkBytes
	if l.monitor != nil {
		for chunk > l.config.MinChunkBytes &&
			!l.monitor.HasHeadroomFor(chunk*int64(l.config.MaxConcurrentChunks)) {
			chunk /= 2
		}
		if chunk < l.config.MinChunkBytes {
			chunk = l.config.MinChunkBytes
		}
	}
	if chunk > size {
		chunk = size
	}
	return chunk
}

func cancelledError(err error, path string) error {
	category := errors.CategoryCancellation
	if errors.Is(err, context.DeadlineExceeded) {
		category = errors.CategoryTimeout
	}
	return errors.New(err).
		Component(componentLoader).
		Category(category).
		Context("path", path).
		Build()
}
