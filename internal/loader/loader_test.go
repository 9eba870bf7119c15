package loader

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keytempo/keytempo-go/internal/errors"
	"github.com/keytempo/keytempo-go/internal/memory"
)

func writeTempFile(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i * 31)
	}
	path := filepath.Join(t.TempDir(), "input.bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path, data
}

func pressuredMonitor(t *testing.T, used, limit uint64) *memory.Monitor {
	t.Helper()
	m := memory.NewMonitor(memory.Options{Sampler: func() (memory.Snapshot, error) {
		return memory.Snapshot{UsedBytes: used, LimitBytes: limit, Known: true, Timestamp: time.Now()}, nil
	}})
	m.SampleNow()
	return m
}

func TestSmallFileSingleRead(t *testing.T) {
	t.Parallel()

	path, want := writeTempFile(t, 4096)
	l := New(nil, Config{})

	var reports []float64
	got, err := l.Load(context.Background(), path, Options{OnProgress: func(p float64) {
		reports = append(reports, p)
	}})
	require.NoError(t, err)
	assert.True(t, bytes.Equal(want, got))
	// The fast path reports exactly once, straight to 100.
	assert.Equal(t, []float64{100}, reports)
}

func TestChunkedLoadReassemblesExactly(t *testing.T) {
	t.Parallel()

	path, want := writeTempFile(t, 10_000)
	l := New(nil, Config{SmallFileBytes: 1024})

	var reports []float64
	got, err := l.Load(context.Background(), path, Options{
		ChunkSize:           1000,
		MaxConcurrentChunks: 3,
		OnProgress: func(p float64) {
			reports = append(reports, p)
		},
	})
	require.NoError(t, err)
	assert.True(t, bytes.Equal(want, got), "concatenated chunks must be byte-identical")

	require.NotEmpty(t, reports)
	for i := 1; i < len(reports); i++ {
		assert.GreaterOrEqual(t, reports[i], reports[i-1])
	}
	assert.InDelta(t, 100, reports[len(reports)-1], 1e-9)
	// 10 chunks in batches of 3 means 4 batch reports.
	assert.Len(t, reports, 4)
}

func TestCancelMidLoadStopsFurtherBatches(t *testing.T) {
	t.Parallel()

	path, _ := writeTempFile(t, 10_000)
	l := New(nil, Config{SmallFileBytes: 1024})

	var reports int
	_, err := l.Load(context.Background(), path, Options{
		ChunkSize:           500,
		MaxConcurrentChunks: 2,
		OnProgress: func(float64) {
			reports++
			l.Cancel()
		},
	})
	require.Error(t, err)
	assert.True(t, errors.IsCancellation(err))
	// Cancel lands at the next batch boundary: exactly one batch reported.
	assert.Equal(t, 1, reports)
}

func TestCancelWhenIdleIsNoOp(t *testing.T) {
	t.Parallel()

	l := New(nil, Config{})
	l.Cancel()
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	l := New(nil, Config{})
	_, err := l.Load(context.Background(), filepath.Join(t.TempDir(), "absent"), Options{})
	require.Error(t, err)
	assert.True(t, errors.HasCategory(err, errors.CategoryFileIO))
}

func TestLoadFailsFastWithoutHeadroom(t *testing.T) {
	t.Parallel()

	path, _ := writeTempFile(t, 100_000)
	// 1KB free of 100KB total: no headroom for a 100KB read.
	m := pressuredMonitor(t, 99_000, 100_000)

	l := New(m, Config{})
	_, err := l.Load(context.Background(), path, Options{})
	require.Error(t, err)
	assert.True(t, errors.HasCategory(err, errors.CategoryResource))
	assert.Contains(t, err.Error(), "reduce input size")
}

func TestChunkSizeAdaptsToPressure(t *testing.T) {
	t.Parallel()

	// Plenty of room: chunk stays at the maximum.
	roomy := New(pressuredMonitor(t, 0, 1<<40), Config{})
	assert.Equal(t, DefaultMaxChunkBytes, roomy.chunkSizeFor(1<<31))

	// Tight: halved down to the minimum.
	tight := New(pressuredMonitor(t, 1<<30-4*1024*1024, 1<<30), Config{})
	assert.Equal(t, DefaultMinChunkBytes, tight.chunkSizeFor(1<<31))

	// Never larger than the file itself.
	assert.Equal(t, int64(123), roomy.chunkSizeFor(123))
}

func TestContextCancellationBeforeLoad(t *testing.T) {
	t.Parallel()

	path, _ := writeTempFile(t, 2048)
	l := New(nil, Config{SmallFileBytes: 100})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.Load(ctx, path, Options{ChunkSize: 512})
	require.Error(t, err)
	assert.True(t, errors.IsCancellation(err))
}
