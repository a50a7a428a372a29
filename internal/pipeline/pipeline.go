// Package pipeline sequences a render: decode, segment, synthesize,
// retarget, assemble and export.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/loqalabs/loqa-cantor/internal/config"
	"github.com/loqalabs/loqa-cantor/internal/decode"
	"github.com/loqalabs/loqa-cantor/internal/export"
	"github.com/loqalabs/loqa-cantor/internal/journal"
	"github.com/loqalabs/loqa-cantor/internal/mix"
	"github.com/loqalabs/loqa-cantor/internal/retarget"
	"github.com/loqalabs/loqa-cantor/internal/score"
	"github.com/loqalabs/loqa-cantor/internal/synth"
	"github.com/loqalabs/loqa-cantor/internal/telemetry"
	"github.com/loqalabs/loqa-cantor/internal/vocoder"
)

const (
	StageDecode     = "decode"
	StageSegment    = "segment"
	StageSynthesize = "synthesize"
	StageRetarget   = "retarget"
	StageAssemble   = "assemble"
	StageExport     = "export"
)

const (
	onFailureFail    = "fail"
	onFailureSilence = "silence"
)

// StageError is the single terminal error of a failed render.
type StageError struct {
	Stage string
	Track string
	Err   error
}

func (e *StageError) Error() string {
	if e.Track != "" {
		return fmt.Sprintf("%s stage failed on track %q: %v", e.Stage, e.Track, e.Err)
	}
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Deps are the collaborators a Pipeline drives. Journal and Metrics are
// optional.
type Deps struct {
	Decoder  decode.Decoder
	Synth    synth.Factory
	Vocoder  vocoder.Factory
	Exporter export.Exporter
	Journal  *journal.Store
	Metrics  *telemetry.Metrics
}

// Result describes a completed render.
type Result struct {
	RenderID    string
	Composition *score.Composition
	Paths       []string
	Retarget    retarget.Summary
	Fallbacks   []retarget.Fallback
	Silenced    int
}

type Pipeline struct {
	deps      Deps
	audio     config.AudioConfig
	assembler *mix.Assembler
	onFailure string
	workers   int
	logger    *slog.Logger
}

func New(deps Deps, cfg config.Config, logger *slog.Logger) *Pipeline {
	logger = logger.With(slog.String("component", "pipeline"))
	if deps.Metrics == nil {
		deps.Metrics = telemetry.NewMetrics(nil, nil)
	}
	workers := cfg.Pipeline.Workers
	if workers < 1 {
		workers = 1
	}
	onFailure := cfg.Synth.OnFailure
	if onFailure == "" {
		onFailure = onFailureFail
	}
	return &Pipeline{
		deps:      deps,
		audio:     cfg.Audio,
		assembler: mix.FromConfig(cfg.Audio, cfg.Assembly, logger),
		onFailure: onFailure,
		workers:   workers,
		logger:    logger,
	}
}

// RunOption adjusts a single render.
type RunOption func(*run)

// WithRenderID uses id instead of a generated one.
func WithRenderID(id string) RunOption {
	return func(r *run) {
		if id != "" {
			r.id = id
		}
	}
}

// WithExporter overrides the exporter for one render.
func WithExporter(e export.Exporter) RunOption {
	return func(r *run) { r.exporter = e }
}

// run carries per-render state shared by the workers.
type run struct {
	id       string
	exporter export.Exporter
	logger   *slog.Logger

	mu        sync.Mutex
	fallbacks []retarget.Fallback
	silenced  int
}

func (r *run) RecordFallback(_ context.Context, fb retarget.Fallback) {
	r.mu.Lock()
	r.fallbacks = append(r.fallbacks, fb)
	r.mu.Unlock()
}

func (p *Pipeline) newRun(opts []RunOption) *run {
	r := &run{id: uuid.NewString(), exporter: p.deps.Exporter}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = p.logger.With(slog.String("render_id", r.id))
	return r
}

// Run renders the score at source end to end.
func (p *Pipeline) Run(ctx context.Context, source string, opts ...RunOption) (*Result, error) {
	r := p.newRun(opts)
	p.begin(ctx, r, source)

	comp, err := p.decode(ctx, r, source)
	if err != nil {
		p.fail(ctx, r, err)
		return nil, err
	}
	res, err := p.render(ctx, r, comp)
	if err != nil {
		p.fail(ctx, r, err)
		return nil, err
	}
	p.complete(ctx, r, res)
	return res, nil
}

// RenderComposition runs synthesize through export on an already segmented
// composition.
func (p *Pipeline) RenderComposition(ctx context.Context, comp *score.Composition, opts ...RunOption) (*Result, error) {
	r := p.newRun(opts)
	p.begin(ctx, r, comp.Name)
	res, err := p.render(ctx, r, comp)
	if err != nil {
		p.fail(ctx, r, err)
		return nil, err
	}
	p.complete(ctx, r, res)
	return res, nil
}

func (p *Pipeline) decode(ctx context.Context, r *run, source string) (*score.Composition, error) {
	stageCtx, end := p.deps.Metrics.StartStage(ctx, StageDecode)
	sc, err := p.deps.Decoder.Decode(stageCtx, source)
	end(err)
	if err != nil {
		return nil, &StageError{Stage: StageDecode, Err: err}
	}
	p.stageDone(ctx, r, StageDecode, map[string]any{"parts": len(sc.Parts)})

	_, end = p.deps.Metrics.StartStage(ctx, StageSegment)
	comp, err := score.SegmentScore(sc)
	end(err)
	if err != nil {
		return nil, &StageError{Stage: StageSegment, Err: err}
	}
	phrases := 0
	for _, t := range comp.Tracks {
		phrases += len(t.Phrases)
	}
	p.stageDone(ctx, r, StageSegment, map[string]any{"tracks": len(comp.Tracks), "phrases": phrases})
	return comp, nil
}

func (p *Pipeline) render(ctx context.Context, r *run, comp *score.Composition) (*Result, error) {
	summary, err := p.processPhrases(ctx, r, comp)
	if err != nil {
		return nil, err
	}
	p.stageDone(ctx, r, StageAssemble, map[string]any{
		"shifted":   summary.Shifted,
		"unvoiced":  summary.Unvoiced,
		"skipped":   summary.Skipped,
		"fallbacks": summary.Fallbacks,
	})

	stageCtx, end := p.deps.Metrics.StartStage(ctx, StageExport)
	paths, err := r.exporter.Export(stageCtx, comp)
	end(err)
	if err != nil {
		return nil, &StageError{Stage: StageExport, Err: err}
	}
	p.stageDone(ctx, r, StageExport, map[string]any{"files": len(paths)})

	r.mu.Lock()
	defer r.mu.Unlock()
	return &Result{
		RenderID:    r.id,
		Composition: comp,
		Paths:       paths,
		Retarget:    summary,
		Fallbacks:   append([]retarget.Fallback(nil), r.fallbacks...),
		Silenced:    r.silenced,
	}, nil
}

type job struct {
	track  *score.Track
	phrase *score.Phrase
}

// processPhrases fans phrases out to the worker pool. Each worker owns one
// synthesizer and one vocoder. The first fatal error cancels the rest.
func (p *Pipeline) processPhrases(ctx context.Context, r *run, comp *score.Composition) (retarget.Summary, error) {
	var jobs []job
	for _, t := range comp.Tracks {
		for _, ph := range t.Phrases {
			jobs = append(jobs, job{track: t, phrase: ph})
		}
	}
	if len(jobs) == 0 {
		return retarget.Summary{}, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	workers := min(p.workers, len(jobs))
	queue := make(chan job)
	summaries := make([]retarget.Summary, workers)

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	setErr := func(err error) {
		errOnce.Do(func() {
			firstErr = err
			cancel()
		})
	}

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w, err := p.newWorker(r)
			if err != nil {
				setErr(err)
				return
			}
			for j := range queue {
				sum, err := w.process(ctx, j)
				summaries[slot].Merge(sum)
				if err != nil {
					setErr(err)
					return
				}
			}
		}(i)
	}

feed:
	for _, j := range jobs {
		select {
		case queue <- j:
		case <-ctx.Done():
			break feed
		}
	}
	close(queue)
	wg.Wait()

	var total retarget.Summary
	for _, s := range summaries {
		total.Merge(s)
	}
	if firstErr != nil {
		return total, firstErr
	}
	if err := ctx.Err(); err != nil {
		return total, &StageError{Stage: StageSynthesize, Err: err}
	}
	p.deps.Metrics.AddRetargeted(ctx, total)
	return total, nil
}

type worker struct {
	p          *Pipeline
	run        *run
	synth      synth.Synthesizer
	retargeter *retarget.Retargeter
}

func (p *Pipeline) newWorker(r *run) (*worker, error) {
	s, err := p.deps.Synth()
	if err != nil {
		return nil, &StageError{Stage: StageSynthesize, Err: fmt.Errorf("create synthesizer: %w", err)}
	}
	v, err := p.deps.Vocoder()
	if err != nil {
		return nil, &StageError{Stage: StageRetarget, Err: fmt.Errorf("create vocoder: %w", err)}
	}
	recorders := retarget.Recorders{r, p.deps.Metrics, p.deps.Journal.Recorder(r.id)}
	rt := retarget.New(v, p.audio, retarget.WithRecorder(recorders), retarget.WithLogger(r.logger))
	return &worker{p: p, run: r, synth: s, retargeter: rt}, nil
}

func (w *worker) process(ctx context.Context, j job) (retarget.Summary, error) {
	metrics := w.p.deps.Metrics

	stageCtx, end := metrics.StartStage(ctx, StageSynthesize)
	err := w.synthesize(stageCtx, j.phrase)
	end(err)
	if err != nil {
		return retarget.Summary{}, &StageError{Stage: StageSynthesize, Track: j.track.Name, Err: err}
	}

	stageCtx, end = metrics.StartStage(ctx, StageRetarget)
	sum := w.retargeter.RetargetPhrase(stageCtx, j.phrase)
	end(nil)

	_, end = metrics.StartStage(ctx, StageAssemble)
	err = w.p.assembler.Assemble(j.phrase)
	end(err)
	if err != nil {
		return sum, &StageError{Stage: StageAssemble, Track: j.track.Name, Err: err}
	}
	metrics.AddPhrasesAssembled(ctx, 1)
	return sum, nil
}

func (w *worker) synthesize(ctx context.Context, ph *score.Phrase) error {
	for _, n := range ph.Notes {
		if err := ctx.Err(); err != nil {
			return err
		}
		wave, err := w.synth.Synthesize(ctx, n.Text)
		if err == nil {
			n.Raw = wave
			continue
		}
		var synthErr *synth.SynthesisError
		if !errors.As(err, &synthErr) {
			err = &synth.SynthesisError{Text: n.Text, Err: err}
		}
		if w.p.onFailure != onFailureSilence || ctx.Err() != nil {
			return err
		}
		w.run.logger.Warn("synthesis failed, substituting silence",
			slog.String("text", n.Text),
			slog.Float64("start", n.Start()),
			slogError(err))
		n.Raw = synth.Silence(n.Interval.Duration(), w.p.audio.SampleRate)
		w.run.mu.Lock()
		w.run.silenced++
		w.run.mu.Unlock()
		if jerr := w.p.deps.Journal.AppendJSON(ctx, w.run.id, journal.EventSynthFallback, map[string]any{
			"text":   n.Text,
			"start":  n.Start(),
			"reason": err.Error(),
		}); jerr != nil {
			w.run.logger.Warn("failed to journal synthesis fallback", slogError(jerr))
		}
	}
	return nil
}

func (p *Pipeline) begin(ctx context.Context, r *run, source string) {
	r.logger.Info("render started", slog.String("source", source))
	if err := p.deps.Journal.StartRender(ctx, r.id, source); err != nil {
		r.logger.Warn("failed to journal render start", slogError(err))
		return
	}
	p.journal(ctx, r, journal.EventRenderStarted, map[string]any{"source": source})
}

func (p *Pipeline) stageDone(ctx context.Context, r *run, stage string, detail map[string]any) {
	r.logger.Debug("stage completed", slog.String("stage", stage))
	payload := map[string]any{"stage": stage}
	for k, v := range detail {
		payload[k] = v
	}
	p.journal(ctx, r, journal.EventStageCompleted, payload)
}

func (p *Pipeline) fail(ctx context.Context, r *run, err error) {
	stage := ""
	var se *StageError
	if errors.As(err, &se) {
		stage = se.Stage
	}
	r.logger.Error("render failed", slog.String("stage", stage), slogError(err))
	// The render context may already be cancelled; the journal still needs
	// the terminal record.
	ctx = context.WithoutCancel(ctx)
	p.journal(ctx, r, journal.EventRenderFailed, map[string]any{"stage": stage, "error": err.Error()})
	if jerr := p.deps.Journal.FinishRender(ctx, r.id, journal.StatusFailed); jerr != nil {
		r.logger.Warn("failed to journal render status", slogError(jerr))
	}
}

func (p *Pipeline) complete(ctx context.Context, r *run, res *Result) {
	r.logger.Info("render completed",
		slog.Int("files", len(res.Paths)),
		slog.Int("shifted", res.Retarget.Shifted),
		slog.Int("fallbacks", res.Retarget.Fallbacks),
		slog.Int("silenced", res.Silenced))
	p.journal(ctx, r, journal.EventRenderCompleted, map[string]any{"paths": res.Paths})
	if err := p.deps.Journal.FinishRender(ctx, r.id, journal.StatusCompleted); err != nil {
		r.logger.Warn("failed to journal render status", slogError(err))
	}
}

func (p *Pipeline) journal(ctx context.Context, r *run, typ string, payload any) {
	if err := p.deps.Journal.AppendJSON(ctx, r.id, typ, payload); err != nil {
		r.logger.Warn("failed to journal event", slog.String("type", typ), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}

// Build assembles a Pipeline and its WAV exporter from configuration.
func Build(cfg config.Config, js *journal.Store, metrics *telemetry.Metrics, logger *slog.Logger) (*Pipeline, *export.WAV, error) {
	kind, err := decode.ParseKind(cfg.Decoder.Kind)
	if err != nil {
		return nil, nil, err
	}
	synthFactory, err := synth.NewFactory(cfg.Synth, cfg.Audio, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("configure synthesizer: %w", err)
	}
	vocoderFactory, err := vocoder.NewFactory(cfg.Vocoder)
	if err != nil {
		return nil, nil, fmt.Errorf("configure vocoder: %w", err)
	}
	wav := export.NewWAV(cfg.Export, cfg.Audio, logger)
	p := New(Deps{
		Decoder:  decode.New(kind),
		Synth:    synthFactory,
		Vocoder:  vocoderFactory,
		Exporter: wav,
		Journal:  js,
		Metrics:  metrics,
	}, cfg, logger)
	return p, wav, nil
}
