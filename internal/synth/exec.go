package synth

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/loqa-cantor/internal/score"
)

type execSynth struct {
	cmd        []string
	voice      string
	sourceRate int
	sampleRate int
	mu         sync.Mutex
}

type execRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice,omitempty"`
	SampleRate int    `json:"sample_rate"`
}

type execResponse struct {
	PCMBase64  string `json:"pcm_base64"`
	WAVPath    string `json:"wav_path"`
	SampleRate int    `json:"sample_rate"`
}

// NewExec runs command once per syllable. The command receives a JSON request
// on stdin and answers with JSON lines carrying either base64 16-bit
// little-endian mono PCM or the path of a WAV file. Audio at a rate other than
// sampleRate is resampled.
func NewExec(command, voice string, sourceRate, sampleRate int) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse synth command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("synth command empty")
	}
	return &execSynth{cmd: args, voice: voice, sourceRate: sourceRate, sampleRate: sampleRate}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, text string) (score.Waveform, error) {
	wave, err := e.run(ctx, text)
	if err != nil {
		return nil, &SynthesisError{Text: text, Err: err}
	}
	return wave, nil
}

func (e *execSynth) run(ctx context.Context, text string) (score.Waveform, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	data, err := json.Marshal(execRequest{Text: text, Voice: e.voice, SampleRate: e.sourceRate})
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	if _, err := stdin.Write(data); err != nil {
		_ = cmd.Wait()
		return nil, err
	}
	stdin.Close()

	var (
		pcm  []byte
		wave score.Waveform
		rate = e.sourceRate
	)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 64*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			_ = cmd.Wait()
			return nil, fmt.Errorf("decode synth reply: %w", err)
		}
		if resp.SampleRate > 0 {
			rate = resp.SampleRate
		}
		if resp.WAVPath != "" {
			wave, rate, err = readWAVFile(resp.WAVPath)
			if err != nil {
				_ = cmd.Wait()
				return nil, err
			}
		}
		if resp.PCMBase64 != "" {
			chunk, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
			if err != nil {
				_ = cmd.Wait()
				return nil, err
			}
			pcm = append(pcm, chunk...)
		}
	}
	if err := cmd.Wait(); err != nil {
		return nil, err
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if wave == nil {
		wave = pcm16ToWaveform(pcm)
	}
	if len(wave) == 0 {
		return nil, errors.New("synthesizer produced no audio")
	}
	return Resample(wave, rate, e.sampleRate)
}

func readWAVFile(path string) (score.Waveform, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()
	return DecodeWAV(f)
}
