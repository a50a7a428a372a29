package synth

import (
	"errors"
	"fmt"
	"io"

	"github.com/cwbudde/algo-dsp/dsp/resample"
	"github.com/go-audio/wav"

	"github.com/loqalabs/loqa-cantor/internal/score"
)

var errEmptyText = errors.New("empty text")

// DecodeWAV reads a PCM WAV stream, mixes it down to mono and scales samples
// into [-1, 1]. It returns the waveform and its sample rate.
func DecodeWAV(r io.ReadSeeker) (score.Waveform, int, error) {
	d := wav.NewDecoder(r)
	if !d.IsValidFile() {
		return nil, 0, errors.New("invalid wav file")
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("read wav samples: %w", err)
	}
	channels := int(d.NumChans)
	if channels < 1 {
		channels = 1
	}
	depth := int(d.BitDepth)
	if depth < 8 {
		return nil, 0, fmt.Errorf("unsupported wav bit depth %d", depth)
	}

	frames := len(buf.Data) / channels
	out := make(score.Waveform, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for c := 0; c < channels; c++ {
			sum += sampleToFloat(buf.Data[i*channels+c], depth)
		}
		out[i] = sum / float64(channels)
	}
	return out, int(d.SampleRate), nil
}

func sampleToFloat(v, depth int) float64 {
	if depth == 8 {
		return float64(v-128) / 128
	}
	return float64(v) / float64(int(1)<<(uint(depth)-1))
}

// pcm16ToWaveform decodes signed 16-bit little-endian mono PCM.
func pcm16ToWaveform(pcm []byte) score.Waveform {
	out := make(score.Waveform, len(pcm)/2)
	for i := range out {
		v := int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8)
		out[i] = float64(v) / 32768
	}
	return out
}

// Resample converts w from one sample rate to another. Equal rates return w
// unchanged.
func Resample(w score.Waveform, from, to int) (score.Waveform, error) {
	if from == to || from <= 0 || len(w) == 0 {
		return w, nil
	}
	r, err := resample.NewForRates(float64(from), float64(to), resample.WithQuality(resample.QualityBalanced))
	if err != nil {
		return nil, fmt.Errorf("resample %d->%d: %w", from, to, err)
	}
	return r.Process(w), nil
}
