package detection

import (
	"context"
	"math"

	"github.com/keytempo/keytempo-go/internal/audio"
	"github.com/keytempo/keytempo-go/internal/errors"
)

// Tempo search range. Detected intervals are folded by octave (doubling or
// halving) until they land inside it.
const (
	minBPM = 70.0
	maxBPM = 180.0
)

// bpmFrameSize/bpmHopSize give ~23ms hops at 22050Hz, fine enough to place
// onsets for tempo purposes.
const (
	bpmFrameSize = 1024
	bpmHopSize   = 512
)

// minOnsetGapSeconds suppresses double-triggering on one beat.
const minOnsetGapSeconds = 0.25

// DetectBPM estimates tempo from the energy-flux onset curve: frame
// energies, positive flux, adaptive threshold peak picking, then an
// inter-onset interval histogram folded into the tempo range.
func (d *KTDetector) DetectBPM(ctx context.Context, sig *audio.Signal, progress ProgressFunc) (BPMResult, error) {
	if err := audio.Validate(sig); err != nil {
		return BPMResult{}, err
	}

	samples := sig.Channels[0]
	frameCount := len(samples) / bpmHopSize
	if frameCount < 4 {
		return BPMResult{}, errors.Newf("signal too short for tempo detection (%d samples)", len(samples)).
			Component(componentDetection).
			Category(errors.CategoryValidation).
			Build()
	}

	// Phase 1 (0-50%): frame energies.
	energies := make([]float64, frameCount)
	for f := 0; f < frameCount; f++ {
		if f%64 == 0 {
			if err := checkContext(ctx, "bpm detection"); err != nil {
				return BPMResult{}, err
			}
		}
		start := f * bpmHopSize
		end := min(start+bpmFrameSize, len(samples))
		var sum float64
		for _, s := range samples[start:end] {
			sum += float64(s) * float64(s)
		}
		energies[f] = sum
		if progress != nil {
			progress(float64(f+1) / float64(frameCount) * 50)
		}
	}

	// Phase 2 (50-80%): positive energy flux and onset picking.
	flux := make([]float64, frameCount)
	for f := 1; f < frameCount; f++ {
		if delta := energies[f] - energies[f-1]; delta > 0 {
			flux[f] = delta
		}
	}
	threshold := fluxThreshold(flux)

	frameDuration := float64(bpmHopSize) / float64(sig.SampleRate)
	minGapFrames := int(minOnsetGapSeconds / frameDuration)
	if minGapFrames < 1 {
		minGapFrames = 1
	}

	var onsets []int
	lastOnset := -minGapFrames
	for f := 1; f < frameCount-1; f++ {
		if flux[f] > threshold && flux[f] >= flux[f-1] && flux[f] > flux[f+1] && f-lastOnset >= minGapFrames {
			onsets = append(onsets, f)
			lastOnset = f
		}
	}
	if progress != nil {
		progress(80)
	}
	if err := checkContext(ctx, "bpm detection"); err != nil {
		return BPMResult{}, err
	}

	if len(onsets) < 2 {
		return BPMResult{}, errors.Newf("no beat events detected").
			Component(componentDetection).
			Category(errors.CategoryProcessing).
			Context("onsets", len(onsets)).
			Build()
	}

	// Phase 3 (80-100%): inter-onset intervals folded to the tempo range,
	// voted into 1-BPM bins.
	votes := make(map[int][]float64)
	total := 0
	for i := 1; i < len(onsets); i++ {
		interval := float64(onsets[i]-onsets[i-1]) * frameDuration
		bpm := foldBPM(60.0 / interval)
		if bpm == 0 {
			continue
		}
		bin := int(math.Round(bpm))
		votes[bin] = append(votes[bin], bpm)
		total++
	}
	if total == 0 {
		return BPMResult{}, errors.Newf("no beat intervals in tempo range").
			Component(componentDetection).
			Category(errors.CategoryProcessing).
			Build()
	}

	bestBin, bestCount := 0, 0
	for bin, vs := range votes {
		// Merge adjacent bins so a tempo straddling a bin edge still wins.
		count := len(vs) + len(votes[bin-1]) + len(votes[bin+1])
		if count > bestCount || (count == bestCount && bin < bestBin) {
			bestBin, bestCount = bin, count
		}
	}

	var sum float64
	var n int
	for _, bin := range []int{bestBin - 1, bestBin, bestBin + 1} {
		for _, v := range votes[bin] {
			sum += v
			n++
		}
	}
	bpm := sum / float64(n)

	result := BPMResult{
		BPM:        bpm,
		Confidence: clamp01(float64(bestCount) / float64(total)),
		BeatCount:  len(onsets),
	}
	if progress != nil {
		progress(100)
	}
	return result, nil
}

// fluxThreshold is mean + one standard deviation of the non-zero flux.
func fluxThreshold(flux []float64) float64 {
	var sum float64
	var n int
	for _, v := range flux {
		if v > 0 {
			sum += v
			n++
		}
	}
	if n == 0 {
		return math.Inf(1)
	}
	mean := sum / float64(n)

	var variance float64
	for _, v := range flux {
		if v > 0 {
			variance += (v - mean) * (v - mean)
		}
	}
	return mean + math.Sqrt(variance/float64(n))
}

// foldBPM doubles or halves a tempo until it lands in [minBPM, maxBPM].
// Returns 0 for values that cannot be folded in (non-positive or extreme).
func foldBPM(bpm float64) float64 {
	if bpm <= 0 || math.IsInf(bpm, 0) || math.IsNaN(bpm) {
		return 0
	}
	for i := 0; bpm < minBPM && i < 8; i++ {
		bpm *= 2
	}
	for i := 0; bpm > maxBPM && i < 8; i++ {
		bpm /= 2
	}
	if bpm < minBPM || bpm > maxBPM {
		return 0
	}
	return bpm
}
