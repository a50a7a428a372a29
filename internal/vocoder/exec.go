package vocoder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/loqa-cantor/internal/score"
)

// Exec drives an external WORLD-style worker. Each call starts the command,
// writes one JSON request on stdin and reads one JSON reply from stdout.
type Exec struct {
	cmd []string
	mu  sync.Mutex
}

type execRequest struct {
	Op           string      `json:"op"`
	Wave         []float64   `json:"wave,omitempty"`
	F0           []float64   `json:"f0,omitempty"`
	Times        []float64   `json:"times,omitempty"`
	Envelope     [][]float64 `json:"envelope,omitempty"`
	Aperiodicity [][]float64 `json:"aperiodicity,omitempty"`
	SampleRate   int         `json:"sample_rate"`
	FramePeriod  float64     `json:"frame_period,omitempty"`
}

type execResponse struct {
	F0           []float64   `json:"f0"`
	Times        []float64   `json:"times"`
	Envelope     [][]float64 `json:"envelope"`
	Aperiodicity [][]float64 `json:"aperiodicity"`
	Wave         []float64   `json:"wave"`
	Error        string      `json:"error"`
}

func NewExec(command string) (*Exec, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse vocoder command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("vocoder command empty")
	}
	return &Exec{cmd: args}, nil
}

func (e *Exec) call(ctx context.Context, req execRequest) (*execResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(data)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("vocoder %s: %w: %s", req.Op, err, msg)
		}
		return nil, fmt.Errorf("vocoder %s: %w", req.Op, err)
	}
	var resp execResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("decode vocoder %s reply: %w", req.Op, err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("vocoder %s: %s", req.Op, resp.Error)
	}
	return &resp, nil
}

func (e *Exec) AnalyzeF0(ctx context.Context, wave score.Waveform, sampleRate int, stepMS float64) ([]float64, []float64, error) {
	resp, err := e.call(ctx, execRequest{Op: "analyze_f0", Wave: wave, SampleRate: sampleRate, FramePeriod: stepMS})
	if err != nil {
		return nil, nil, err
	}
	if len(resp.F0) != len(resp.Times) {
		return nil, nil, fmt.Errorf("vocoder returned %d f0 frames and %d times", len(resp.F0), len(resp.Times))
	}
	return resp.F0, resp.Times, nil
}

func (e *Exec) RefineF0(ctx context.Context, wave score.Waveform, f0, times []float64, sampleRate int) ([]float64, error) {
	resp, err := e.call(ctx, execRequest{Op: "refine_f0", Wave: wave, F0: f0, Times: times, SampleRate: sampleRate})
	if err != nil {
		return nil, err
	}
	if len(resp.F0) != len(f0) {
		return nil, fmt.Errorf("vocoder refined %d frames, expected %d", len(resp.F0), len(f0))
	}
	return resp.F0, nil
}

func (e *Exec) ExtractEnvelope(ctx context.Context, wave score.Waveform, f0, times []float64, sampleRate int) (*Envelope, error) {
	resp, err := e.call(ctx, execRequest{Op: "envelope", Wave: wave, F0: f0, Times: times, SampleRate: sampleRate})
	if err != nil {
		return nil, err
	}
	return &Envelope{Frames: resp.Envelope, SourceF0: append([]float64(nil), f0...)}, nil
}

func (e *Exec) ExtractAperiodicity(ctx context.Context, wave score.Waveform, f0, times []float64, sampleRate int) (*Aperiodicity, error) {
	resp, err := e.call(ctx, execRequest{Op: "aperiodicity", Wave: wave, F0: f0, Times: times, SampleRate: sampleRate})
	if err != nil {
		return nil, err
	}
	return &Aperiodicity{Frames: resp.Aperiodicity}, nil
}

func (e *Exec) Resynthesize(ctx context.Context, f0 []float64, env *Envelope, ap *Aperiodicity, sampleRate int, stepMS float64) (score.Waveform, error) {
	if env == nil || ap == nil {
		return nil, errors.New("envelope and aperiodicity are required")
	}
	resp, err := e.call(ctx, execRequest{
		Op:           "synthesize",
		F0:           f0,
		Envelope:     env.Frames,
		Aperiodicity: ap.Frames,
		SampleRate:   sampleRate,
		FramePeriod:  stepMS,
	})
	if err != nil {
		return nil, err
	}
	return resp.Wave, nil
}
