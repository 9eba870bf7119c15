package detection

import (
	"context"
	"math"

	"github.com/keytempo/keytempo-go/internal/audio"
	"github.com/keytempo/keytempo-go/internal/errors"
)

const componentDetection = "detection"

// Frame geometry shared by both detectors.
const (
	frameSize = 4096
	hopSize   = 2048
)

// Krumhansl-Schmuckler key profiles, index 0 = tonic.
var (
	majorProfile = [12]float64{6.35, 2.23, 3.48, 2.33, 4.38, 4.09, 2.52, 5.19, 2.39, 3.66, 2.29, 2.88}
	minorProfile = [12]float64{6.33, 2.68, 3.52, 5.38, 2.60, 3.53, 2.54, 4.75, 3.98, 2.69, 3.34, 3.17}
)

var pitchClassNames = [12]string{"C", "C#", "D", "D#", "E", "F", "F#", "G", "G#", "A", "A#", "B"}

// keySignatures maps "<tonic> <mode>" to the conventional signature. Minor
// keys share the signature of their relative major.
var keySignatures = map[string]string{
	"C major": "0", "G major": "1#", "D major": "2#", "A major": "3#",
	"E major": "4#", "B major": "5#", "F# major": "6#", "C# major": "7#",
	"F major": "1b", "A# major": "2b", "D# major": "3b", "G# major": "4b",
	"A minor": "0", "E minor": "1#", "B minor": "2#", "F# minor": "3#",
	"C# minor": "4#", "G# minor": "5#", "D# minor": "6#", "A# minor": "7#",
	"D minor": "1b", "G minor": "2b", "C minor": "3b", "F minor": "4b",
}

// KTDetector is the built-in key/tempo detector. It expects normalized
// (mono) input at any rate; the chroma bins adapt to the signal's rate.
type KTDetector struct{}

// NewDetector returns the reference detector.
func NewDetector() *KTDetector {
	return &KTDetector{}
}

// DetectKey estimates the musical key by accumulating a chroma vector over
// Hann-windowed frames (one Goertzel bin per pitch class per octave) and
// correlating it against the Krumhansl major/minor profiles.
func (d *KTDetector) DetectKey(ctx context.Context, sig *audio.Signal, progress ProgressFunc) (KeyResult, error) {
	if err := audio.Validate(sig); err != nil {
		return KeyResult{}, err
	}

	samples := sig.Channels[0]
	window := hannWindow(frameSize)
	frameCount := frameTotal(len(samples))

	// Chroma target frequencies: C3 (MIDI 48) through B6 (MIDI 95),
	// folded into 12 pitch classes. Skip bins above Nyquist.
	nyquist := float64(sig.SampleRate) / 2
	type bin struct {
		pitchClass int
		freq       float64
	}
	bins := make([]bin, 0, 48)
	for midi := 48; midi < 96; midi++ {
		freq := 440.0 * math.Pow(2, (float64(midi)-69)/12)
		if freq < nyquist {
			bins = append(bins, bin{pitchClass: midi % 12, freq: freq})
		}
	}

	var chroma [12]float64
	frame := make([]float64, frameSize)
	for f := 0; f < frameCount; f++ {
		if err := checkContext(ctx, "key detection"); err != nil {
			return KeyResult{}, err
		}

		start := f * hopSize
		for i := range frame {
			if start+i < len(samples) {
				frame[i] = float64(samples[start+i]) * window[i]
			} else {
				frame[i] = 0
			}
		}

		for _, b := range bins {
			chroma[b.pitchClass] += goertzelPower(frame, b.freq, float64(sig.SampleRate))
		}

		if progress != nil && frameCount > 0 {
			progress(float64(f+1) / float64(frameCount) * 100)
		}
	}

	best, second := scoreKeyProfiles(chroma[:])
	confidence := 0.0
	if best.score > 0 {
		// Margin over the runner-up, normalized to [0,1].
		confidence = clamp01((best.score - second.score) / best.score * 4)
	}

	name := pitchClassNames[best.tonic]
	result := KeyResult{
		Key:        name,
		Mode:       best.mode,
		Signature:  keySignatures[name+" "+best.mode],
		Confidence: confidence,
	}
	if progress != nil {
		progress(100)
	}
	return result, nil
}

type keyScore struct {
	tonic int
	mode  string
	score float64
}

// scoreKeyProfiles correlates the chroma vector with all 24 rotated
// profiles and returns the best and second-best candidates.
func scoreKeyProfiles(chroma []float64) (best, second keyScore) {
	best = keyScore{score: math.Inf(-1)}
	second = keyScore{score: math.Inf(-1)}

	consider := func(c keyScore) {
		switch {
		case c.score > best.score:
			second = best
			best = c
		case c.score > second.score:
			second = c
		}
	}

	for tonic := 0; tonic < 12; tonic++ {
		consider(keyScore{tonic: tonic, mode: "major", score: correlate(chroma, tonic, &majorProfile)})
		consider(keyScore{tonic: tonic, mode: "minor", score: correlate(chroma, tonic, &minorProfile)})
	}
	return best, second
}

// correlate computes the Pearson correlation between the rotated chroma
// vector and a key profile.
func correlate(chroma []float64, tonic int, profile *[12]float64) float64 {
	var chromaMean, profileMean float64
	for i := 0; i < 12; i++ {
		chromaMean += chroma[i]
		profileMean += profile[i]
	}
	chromaMean /= 12
	profileMean /= 12

	var num, chromaVar, profileVar float64
	for i := 0; i < 12; i++ {
		cv := chroma[(tonic+i)%12] - chromaMean
		pv := profile[i] - profileMean
		num += cv * pv
		chromaVar += cv * cv
		profileVar += pv * pv
	}
	denom := math.Sqrt(chromaVar * profileVar)
	if denom == 0 {
		return 0
	}
	return num / denom
}

// goertzelPower returns the spectral power of one frequency bin.
func goertzelPower(frame []float64, freq, sampleRate float64) float64 {
	omega := 2 * math.Pi * freq / sampleRate
	coeff := 2 * math.Cos(omega)
	var s0, s1, s2 float64
	for _, x := range frame {
		s0 = x + coeff*s1 - s2
		s2 = s1
		s1 = s0
	}
	return s1*s1 + s2*s2 - coeff*s1*s2
}

func hannWindow(size int) []float64 {
	w := make([]float64, size)
	for i := range w {
		w[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(size-1)))
	}
	return w
}

func frameTotal(sampleCount int) int {
	if sampleCount <= frameSize {
		return 1
	}
	return 1 + (sampleCount-frameSize)/hopSize
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// checkContext maps context termination onto the error taxonomy: an elapsed
// deadline becomes a timeout error, an explicit cancel becomes a
// cancellation error.
func checkContext(ctx context.Context, operation string) error {
	select {
	case <-ctx.Done():
	default:
		return nil
	}

	category := errors.CategoryCancellation
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		category = errors.CategoryTimeout
	}
	return errors.New(ctx.Err()).
		Component(componentDetection).
		Category(category).
		Context("operation", operation).
		Build()
}
