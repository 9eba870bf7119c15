// Package audio defines the decoded signal model and the deterministic
// transforms the detectors expect: mono downmix and resampling.
package audio

import (
	"math"

	"github.com/keytempo/keytempo-go/internal/errors"
)

const componentAudio = "audio"

// Signal is an immutable description of decoded audio. Ownership transfers
// between pipeline stages; no stage mutates a signal it has handed off.
type Signal struct {
	SampleRate int
	Channels   [][]float32 // one sample slice per channel, equal lengths
}

// ChannelCount returns the number of channels.
func (s *Signal) ChannelCount() int {
	return len(s.Channels)
}

// SampleLength returns the per-channel sample count.
func (s *Signal) SampleLength() int {
	if len(s.Channels) == 0 {
		return 0
	}
	return len(s.Channels[0])
}

// Duration returns the signal length in seconds, derived from sample count
// and rate.
func (s *Signal) Duration() float64 {
	if s.SampleRate <= 0 {
		return 0
	}
	return float64(s.SampleLength()) / float64(s.SampleRate)
}

// Validate fails fast on malformed signals: nil, non-positive or non-finite
// sample rate, zero channels, empty or ragged channel data.
func Validate(s *Signal) error {
	switch {
	case s == nil:
		return validationError("signal is nil")
	case s.SampleRate <= 0 || s.SampleRate > math.MaxInt32:
		return validationErrorf("invalid sample rate %d", s.SampleRate)
	case len(s.Channels) == 0:
		return validationError("signal has zero channels")
	case len(s.Channels[0]) == 0:
		return validationError("signal has no samples")
	}
	length := len(s.Channels[0])
	for i, ch := range s.Channels {
		if len(ch) != length {
			return validationErrorf("channel %d length %d differs from channel 0 length %d", i, len(ch), length)
		}
	}
	return nil
}

// DownmixMono averages all channels into one with equal weight. A mono
// input is returned unchanged.
func DownmixMono(s *Signal) *Signal {
	if len(s.Channels) == 1 {
		return s
	}

	length := s.SampleLength()
	channels := len(s.Channels)
	mono := make([]float32, length)
	invChannels := float32(1.0) / float32(channels)

	switch channels {
	case 2:
		left, right := s.Channels[0], s.Channels[1]
		for i := range mono {
			mono[i] = (left[i] + right[i]) * 0.5
		}
	default:
		for i := range mono {
			var sum float32
			for c := 0; c < channels; c++ {
				sum += s.Channels[c][i]
			}
			mono[i] = sum * invChannels
		}
	}

	return &Signal{SampleRate: s.SampleRate, Channels: [][]float32{mono}}
}

// Resample converts a mono signal to targetRate using linear interpolation.
// Same-rate input is returned unchanged.
func Resample(s *Signal, targetRate int) (*Signal, error) {
	if targetRate <= 0 {
		return nil, validationErrorf("invalid target sample rate %d", targetRate)
	}
	if len(s.Channels) != 1 {
		return nil, validationErrorf("resample expects mono input, got %d channels", len(s.Channels))
	}
	if s.SampleRate == targetRate {
		return s, nil
	}

	src := s.Channels[0]
	ratio := float64(s.SampleRate) / float64(targetRate)
	outLength := int(math.Floor(float64(len(src)) / ratio))
	if outLength < 1 {
		outLength = 1
	}

	out := make([]float32, outLength)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= len(src)-1 {
			out[i] = src[len(src)-1]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = src[idx]*(1-frac) + src[idx+1]*frac
	}

	return &Signal{SampleRate: targetRate, Channels: [][]float32{out}}, nil
}

// Normalize validates, downmixes to mono and resamples to targetRate. The
// transform is deterministic and side-effect free; the input signal is never
// modified.
func Normalize(s *Signal, targetRate int) (*Signal, error) {
	if err := Validate(s); err != nil {
		return nil, err
	}
	return Resample(DownmixMono(s), targetRate)
}

func validationError(msg string) error {
	return errors.Newf("%s", msg).
		Component(componentAudio).
		Category(errors.CategoryValidation).
		Build()
}

func validationErrorf(format string, args ...any) error {
	return errors.Newf(format, args...).
		Component(componentAudio).
		Category(errors.CategoryValidation).
		Build()
}
