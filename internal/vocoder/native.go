package vocoder

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/cwbudde/algo-dsp/dsp/buffer"
	"github.com/cwbudde/algo-dsp/dsp/effects/pitch"
	"github.com/cwbudde/algo-dsp/dsp/window"
	dsptime "github.com/cwbudde/algo-dsp/stats/time"

	"github.com/loqalabs/loqa-cantor/internal/score"
)

const (
	// Search range for the fundamental.
	minF0Hz = 50.0
	maxF0Hz = 1600.0

	// Frames whose best normalized correlation stays below this are unvoiced.
	voicingThreshold = 0.5
	// Fraction of the global NSDF maximum a peak must reach to be picked.
	peakFraction = 0.9
	// Windowed RMS below this is treated as silence.
	silenceRMS = 1e-3

	minShiftRatio = 0.25
	maxShiftRatio = 4.0
)

// Native is an in-process vocoder. F0 comes from a normalized square
// difference function over [50, 1600] Hz, the envelope keeps the hop-sized
// source frames, and resynthesis runs a time-domain pitch shifter at the mean
// ratio between the requested and the analysed contour.
//
// A Native value caches analysis windows and is not safe for concurrent use.
type Native struct {
	pool    *buffer.Pool
	windows map[int][]float64
}

func NewNative() *Native {
	return &Native{pool: buffer.NewPool(), windows: make(map[int][]float64)}
}

func hopSize(sampleRate int, stepMS float64) int {
	hop := int(math.Round(stepMS * float64(sampleRate) / 1000))
	if hop < 1 {
		hop = 1
	}
	return hop
}

func lagRange(sampleRate int) (int, int) {
	lo := int(math.Floor(float64(sampleRate) / maxF0Hz))
	if lo < 2 {
		lo = 2
	}
	hi := int(math.Ceil(float64(sampleRate) / minF0Hz))
	return lo, hi
}

func (n *Native) hann(size int) []float64 {
	if w, ok := n.windows[size]; ok {
		return w
	}
	w := window.Generate(window.TypeHann, size)
	n.windows[size] = w
	return w
}

// frame copies 2*maxLag samples centred on center into a pooled buffer,
// zero-padding past either edge of wave.
func (n *Native) frame(wave []float64, center, size int) *buffer.Buffer {
	buf := n.pool.Get(size)
	dst := buf.Samples()
	start := center - size/2
	for j := range dst {
		idx := start + j
		if idx >= 0 && idx < len(wave) {
			dst[j] = wave[idx]
		}
	}
	return buf
}

// nsdf is the normalized square difference at lag, in [-1, 1].
func nsdf(x []float64, lag int) float64 {
	var acf, energy float64
	for j := 0; j+lag < len(x); j++ {
		acf += x[j] * x[j+lag]
		energy += x[j]*x[j] + x[j+lag]*x[j+lag]
	}
	if energy == 0 {
		return 0
	}
	return 2 * acf / energy
}

func (n *Native) windowedRMS(x []float64) float64 {
	w := n.hann(len(x))
	weighted := n.pool.Get(len(x))
	defer n.pool.Put(weighted)
	ws := weighted.Samples()
	for i := range x {
		ws[i] = x[i] * w[i]
	}
	return dsptime.RMS(ws)
}

func (n *Native) AnalyzeF0(ctx context.Context, wave score.Waveform, sampleRate int, stepMS float64) ([]float64, []float64, error) {
	if sampleRate <= 0 {
		return nil, nil, fmt.Errorf("sample rate must be positive: %d", sampleRate)
	}
	if stepMS <= 0 {
		return nil, nil, fmt.Errorf("frame step must be positive: %v", stepMS)
	}
	if len(wave) == 0 {
		return nil, nil, nil
	}

	hop := hopSize(sampleRate, stepMS)
	minLag, maxLag := lagRange(sampleRate)
	size := 2 * maxLag
	frames := len(wave)/hop + 1

	f0 := make([]float64, frames)
	times := make([]float64, frames)
	vals := make([]float64, maxLag+2)
	for i := 0; i < frames; i++ {
		if i%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, nil, err
			}
		}
		times[i] = float64(i*hop) / float64(sampleRate)

		buf := n.frame(wave, i*hop, size)
		x := buf.Samples()
		if n.windowedRMS(x) < silenceRMS {
			n.pool.Put(buf)
			continue
		}
		best := 0.0
		for lag := minLag - 1; lag <= maxLag+1; lag++ {
			vals[lag] = nsdf(x, lag)
			if lag >= minLag && lag <= maxLag && vals[lag] > best {
				best = vals[lag]
			}
		}
		n.pool.Put(buf)
		if best < voicingThreshold {
			continue
		}
		for lag := minLag; lag <= maxLag; lag++ {
			v := vals[lag]
			if v >= peakFraction*best && v >= vals[lag-1] && v >= vals[lag+1] {
				f0[i] = float64(sampleRate) / float64(lag)
				break
			}
		}
	}
	return f0, times, nil
}

// RefineF0 sharpens each voiced estimate with parabolic interpolation around
// its integer lag, then fills isolated single-frame dropouts.
func (n *Native) RefineF0(ctx context.Context, wave score.Waveform, f0, times []float64, sampleRate int) ([]float64, error) {
	if len(f0) != len(times) {
		return nil, fmt.Errorf("f0 has %d frames but times has %d", len(f0), len(times))
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive: %d", sampleRate)
	}
	_, maxLag := lagRange(sampleRate)
	size := 2 * maxLag
	out := make([]float64, len(f0))
	for i, hz := range f0 {
		if i%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if hz <= 0 {
			continue
		}
		lag := int(math.Round(float64(sampleRate) / hz))
		if lag < 2 {
			out[i] = hz
			continue
		}
		center := int(math.Round(times[i] * float64(sampleRate)))
		buf := n.frame(wave, center, size)
		x := buf.Samples()
		a, b, c := nsdf(x, lag-1), nsdf(x, lag), nsdf(x, lag+1)
		n.pool.Put(buf)

		refined := float64(lag)
		if denom := a - 2*b + c; denom < 0 {
			if delta := 0.5 * (a - c) / denom; math.Abs(delta) < 1 {
				refined += delta
			}
		}
		out[i] = clampHz(float64(sampleRate) / refined)
	}
	for i := 1; i+1 < len(out); i++ {
		if out[i] == 0 && out[i-1] > 0 && out[i+1] > 0 {
			out[i] = (out[i-1] + out[i+1]) / 2
		}
	}
	return out, nil
}

func clampHz(hz float64) float64 {
	return math.Min(math.Max(hz, minF0Hz), maxF0Hz)
}

// ExtractEnvelope slices wave into one hop-sized frame per analysis time. The
// frames concatenate back to the original waveform.
func (n *Native) ExtractEnvelope(ctx context.Context, wave score.Waveform, f0, times []float64, sampleRate int) (*Envelope, error) {
	if len(f0) != len(times) {
		return nil, fmt.Errorf("f0 has %d frames but times has %d", len(f0), len(times))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	hop := len(wave)
	if len(times) > 1 {
		hop = int(math.Round(times[1] * float64(sampleRate)))
	}
	if hop < 1 {
		hop = 1
	}
	env := &Envelope{
		Frames:   make([][]float64, len(times)),
		SourceF0: append([]float64(nil), f0...),
	}
	for i := range times {
		lo := i * hop
		hi := lo + hop
		if i == len(times)-1 || hi > len(wave) {
			hi = len(wave)
		}
		if lo > len(wave) {
			lo = len(wave)
		}
		env.Frames[i] = append([]float64(nil), wave[lo:hi]...)
	}
	return env, nil
}

// ExtractAperiodicity reports 1 minus the periodicity of each frame at its F0.
func (n *Native) ExtractAperiodicity(ctx context.Context, wave score.Waveform, f0, times []float64, sampleRate int) (*Aperiodicity, error) {
	if len(f0) != len(times) {
		return nil, fmt.Errorf("f0 has %d frames but times has %d", len(f0), len(times))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, maxLag := lagRange(sampleRate)
	size := 2 * maxLag
	ap := &Aperiodicity{Frames: make([][]float64, len(f0))}
	for i, hz := range f0 {
		value := 1.0
		if hz > 0 {
			lag := int(math.Round(float64(sampleRate) / hz))
			buf := n.frame(wave, int(math.Round(times[i]*float64(sampleRate))), size)
			value = 1 - math.Max(0, nsdf(buf.Samples(), lag))
			n.pool.Put(buf)
		}
		ap.Frames[i] = []float64{value}
	}
	return ap, nil
}

// Resynthesize rebuilds the source waveform from env and shifts it by the
// mean ratio of f0 to the analysed contour. The source aperiodicity is carried
// by the frames themselves, so ap is not consulted.
func (n *Native) Resynthesize(ctx context.Context, f0 []float64, env *Envelope, ap *Aperiodicity, sampleRate int, stepMS float64) (score.Waveform, error) {
	if env == nil {
		return nil, errors.New("envelope is required")
	}
	if len(f0) != len(env.SourceF0) {
		return nil, fmt.Errorf("f0 has %d frames but envelope has %d", len(f0), len(env.SourceF0))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	total := 0
	for _, fr := range env.Frames {
		total += len(fr)
	}
	signal := make([]float64, 0, total)
	for _, fr := range env.Frames {
		signal = append(signal, fr...)
	}

	var sum float64
	var count int
	for i, hz := range f0 {
		if hz > 0 && env.SourceF0[i] > 0 {
			sum += hz / env.SourceF0[i]
			count++
		}
	}
	if count == 0 || len(signal) == 0 {
		return signal, nil
	}
	ratio := math.Min(math.Max(sum/float64(count), minShiftRatio), maxShiftRatio)
	if math.Abs(ratio-1) < 1e-9 {
		return signal, nil
	}

	shifter, err := pitch.NewPitchShifter(float64(sampleRate))
	if err != nil {
		return nil, err
	}
	if err := shifter.SetPitchRatio(ratio); err != nil {
		return nil, err
	}
	return shifter.Process(signal), nil
}
