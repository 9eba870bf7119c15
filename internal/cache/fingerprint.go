package cache

import (
	"fmt"
	"time"
)

// SignalShape is the identifying metadata a signal fingerprint is derived
// from. Two decoded signals with identical shape share a fingerprint even if
// their content differs; this trade-off is accepted deliberately so that
// fingerprinting a large decode stays O(1).
type SignalShape struct {
	DurationSeconds float64
	SampleRate      int
	Channels        int
	SampleLength    int
}

// Fingerprint derives a deterministic cache key from signal shape metadata.
// It never hashes sample content.
func Fingerprint(shape SignalShape) string {
	return fmt.Sprintf("sig:%.3f:%d:%d:%d",
		shape.DurationSeconds, shape.SampleRate, shape.Channels, shape.SampleLength)
}

// FingerprintFile derives a deterministic cache key from file identity
// attributes (name, size, modification time), never from file content.
func FingerprintFile(name string, sizeBytes int64, modTime time.Time) string {
	return fmt.Sprintf("file:%s:%d:%d", name, sizeBytes, modTime.UnixNano())
}
