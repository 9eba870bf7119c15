// Package detection provides the key and tempo detection contract consumed
// by the analyzer, plus a self-contained reference implementation.
package detection

import (
	"context"

	"github.com/keytempo/keytempo-go/internal/audio"
)

// ProgressFunc receives detection progress in percent [0,100].
type ProgressFunc func(percent float64)

// KeyResult is the outcome of key detection.
type KeyResult struct {
	Key        string  `json:"key"`        // tonic pitch class, e.g. "A"
	Signature  string  `json:"signature"`  // key signature, e.g. "3#"
	Mode       string  `json:"mode"`       // "major" or "minor"
	Confidence float64 `json:"confidence"` // [0,1]
}

// BPMResult is the outcome of tempo detection.
type BPMResult struct {
	BPM        float64 `json:"bpm"`
	Confidence float64 `json:"confidence"` // [0,1]
	BeatCount  int     `json:"beatCount"`
}

// ConfidenceScores aggregates the two sub-task confidences. Overall is
// always derived, never stored, so it can never drift from its components.
type ConfidenceScores struct {
	Key float64 `json:"key"`
	BPM float64 `json:"bpm"`
}

// Overall returns the arithmetic mean of the key and BPM confidences.
func (c ConfidenceScores) Overall() float64 {
	return (c.Key + c.BPM) / 2
}

// Result aggregates one complete analysis run. Immutable once created.
type Result struct {
	Key              KeyResult        `json:"key"`
	BPM              BPMResult        `json:"bpm"`
	Confidence       ConfidenceScores `json:"confidence"`
	ProcessingTimeMS int64            `json:"processingTimeMs"`
}

// EstimatedSizeBytes approximates the in-memory footprint of a result for
// cache accounting. Results are small fixed-shape structs; a flat estimate
// keeps accounting deterministic.
func (r *Result) EstimatedSizeBytes() int64 {
	const structOverhead = 256
	return structOverhead + int64(len(r.Key.Key)+len(r.Key.Signature)+len(r.Key.Mode))
}

// Detector is the detection contract: both operations are cancellable via
// ctx and report coarse progress. Implementations must be safe for
// concurrent use across runs.
type Detector interface {
	DetectKey(ctx context.Context, sig *audio.Signal, progress ProgressFunc) (KeyResult, error)
	DetectBPM(ctx context.Context, sig *audio.Signal, progress ProgressFunc) (BPMResult, error)
}
