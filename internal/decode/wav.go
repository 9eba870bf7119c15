// Package decode turns raw audio bytes into the signal model. Only WAV is
// supported in-process; other formats are expected to be transcoded
// upstream.
package decode

import (
	"bytes"
	"math"

	"github.com/go-audio/wav"

	"github.com/keytempo/keytempo-go/internal/audio"
	"github.com/keytempo/keytempo-go/internal/errors"
)

const componentDecode = "decode"

// WAV decodes a complete WAV file into a validated signal. Samples are
// converted to float32 in [-1, 1] and de-interleaved per channel.
func WAV(data []byte) (*audio.Signal, error) {
	decoder := wav.NewDecoder(bytes.NewReader(data))
	if !decoder.IsValidFile() {
		return nil, errors.Newf("not a valid WAV file").
			Component(componentDecode).
			Category(errors.CategoryDecode).
			Build()
	}

	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, errors.New(err).
			Component(componentDecode).
			Category(errors.CategoryDecode).
			Build()
	}
	if buf.Format == nil || buf.Format.NumChannels <= 0 || buf.Format.SampleRate <= 0 {
		return nil, errors.Newf("WAV file has no usable format header").
			Component(componentDecode).
			Category(errors.CategoryDecode).
			Build()
	}

	channels := buf.Format.NumChannels
	frames := len(buf.Data) / channels
	if frames == 0 {
		return nil, errors.Newf("WAV file contains no samples").
			Component(componentDecode).
			Category(errors.CategoryDecode).
			Build()
	}

	bitDepth := int(decoder.BitDepth)
	if bitDepth == 0 {
		bitDepth = buf.SourceBitDepth
	}
	scale := float32(math.Pow(2, float64(bitDepth-1)))
	if scale == 0 {
		scale = 1 << 15
	}

	signal := &audio.Signal{
		SampleRate: buf.Format.SampleRate,
		Channels:   make([][]float32, channels),
	}
	for c := 0; c < channels; c++ {
		signal.Channels[c] = make([]float32, frames)
	}
	for f := 0; f < frames; f++ {
		base := f * channels
		for c := 0; c < channels; c++ {
			signal.Channels[c][f] = float32(buf.Data[base+c]) / scale
		}
	}

	if err := audio.Validate(signal); err != nil {
		return nil, err
	}
	return signal, nil
}
