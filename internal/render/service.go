// Package render exposes the pipeline on the message bus.
package render

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"golang.org/x/time/rate"

	"github.com/loqalabs/loqa-cantor/internal/bus"
	"github.com/loqalabs/loqa-cantor/internal/config"
	"github.com/loqalabs/loqa-cantor/internal/export"
	"github.com/loqalabs/loqa-cantor/internal/pipeline"
	"github.com/loqalabs/loqa-cantor/internal/protocol"
)

// Renderer runs one render. *pipeline.Pipeline satisfies it.
type Renderer interface {
	Run(ctx context.Context, source string, opts ...pipeline.RunOption) (*pipeline.Result, error)
}

type Service struct {
	cfg      config.RenderConfig
	bus      *bus.Client
	renderer Renderer
	exporter *export.WAV
	sema     chan struct{}
	limiter  *rate.Limiter
	sub      *nats.Subscription
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   *slog.Logger
}

// NewService builds the render service. Request sources must resolve inside
// cfg.SourceDir and output directories inside the exporter's directory.
// exporter may be nil, in which case a request's output_dir is rejected.
func NewService(parent context.Context, cfg config.RenderConfig, busClient *bus.Client, renderer Renderer, exporter *export.WAV, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	limit := cfg.MaxConcurrency
	if limit <= 0 {
		limit = 1
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return &Service{
		cfg:      cfg,
		limiter:  limiter,
		bus:      busClient,
		renderer: renderer,
		exporter: exporter,
		sema:     make(chan struct{}, limit),
		ctx:      ctx,
		cancel:   cancel,
		logger:   log.With(slog.String("component", "render-service")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectRenderRequest, s.handleRequest)
	if err != nil {
		return err
	}
	s.sub = sub
	s.logger.Info("render service listening",
		slog.String("subject", protocol.SubjectRenderRequest),
		slog.Int("max_concurrency", cap(s.sema)))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return !s.cfg.Enabled || s.sub != nil }

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.RenderRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode render request", slogError(err))
		return
	}
	if req.RenderID == "" {
		req.RenderID = uuid.NewString()
	}
	if req.Source == "" {
		s.publish(protocol.RenderStatus{RenderID: req.RenderID, State: protocol.StateFailed, Error: "source is required"})
		return
	}
	if s.limiter != nil && !s.limiter.Allow() {
		s.publish(protocol.RenderStatus{RenderID: req.RenderID, Source: req.Source, State: protocol.StateFailed, Error: "rate limited"})
		return
	}
	source, outDir, err := s.resolvePaths(req)
	if err != nil {
		s.logger.Warn("rejected render request", slog.String("render_id", req.RenderID), slogError(err))
		s.publish(protocol.RenderStatus{RenderID: req.RenderID, Source: req.Source, State: protocol.StateFailed, Error: err.Error()})
		return
	}
	s.publish(protocol.RenderStatus{RenderID: req.RenderID, Source: req.Source, State: protocol.StateQueued})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case s.sema <- struct{}{}:
		case <-s.ctx.Done():
			s.publish(failedStatus(req, s.ctx.Err()))
			return
		}
		defer func() { <-s.sema }()
		s.run(req, source, outDir)
	}()
}

func (s *Service) run(req protocol.RenderRequest, source, outDir string) {
	ctx := s.ctx
	if s.cfg.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.cfg.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	s.publish(protocol.RenderStatus{RenderID: req.RenderID, Source: req.Source, State: protocol.StateRunning})

	opts := []pipeline.RunOption{pipeline.WithRenderID(req.RenderID)}
	if outDir != "" {
		opts = append(opts, pipeline.WithExporter(s.exporter.WithDir(outDir)))
	}
	res, err := s.renderer.Run(ctx, source, opts...)
	if err != nil {
		s.logger.Warn("render failed", slog.String("render_id", req.RenderID), slogError(err))
		s.publish(failedStatus(req, err))
		return
	}
	s.publish(protocol.RenderStatus{
		RenderID:  req.RenderID,
		Source:    req.Source,
		State:     protocol.StateCompleted,
		Paths:     res.Paths,
		Shifted:   res.Retarget.Shifted,
		Fallbacks: res.Retarget.Fallbacks,
		Silenced:  res.Silenced,
	})
}

func (s *Service) resolvePaths(req protocol.RenderRequest) (source, outDir string, err error) {
	source, err = confine(s.cfg.SourceDir, req.Source)
	if err != nil {
		return "", "", fmt.Errorf("source: %w", err)
	}
	if req.OutputDir == "" {
		return source, "", nil
	}
	if s.exporter == nil {
		return "", "", errors.New("output_dir is not supported")
	}
	outDir, err = confine(s.exporter.Dir(), req.OutputDir)
	if err != nil {
		return "", "", fmt.Errorf("output_dir: %w", err)
	}
	return source, outDir, nil
}

// confine resolves p against root and fails if the result leaves root.
func confine(root, p string) (string, error) {
	if root == "" {
		root = "."
	}
	base, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	target := p
	if !filepath.IsAbs(target) {
		target = filepath.Join(base, target)
	}
	target = filepath.Clean(target)
	rel, err := filepath.Rel(base, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%q is outside %s", p, root)
	}
	return target, nil
}

func failedStatus(req protocol.RenderRequest, err error) protocol.RenderStatus {
	st := protocol.RenderStatus{RenderID: req.RenderID, Source: req.Source, State: protocol.StateFailed, Error: err.Error()}
	var stageErr *pipeline.StageError
	if errors.As(err, &stageErr) {
		st.Stage = stageErr.Stage
	}
	return st
}

// publish sends status on the per-render subject and, for terminal states,
// on the shared done subject.
func (s *Service) publish(st protocol.RenderStatus) {
	st.Timestamp = time.Now().UTC()
	data, err := json.Marshal(st)
	if err != nil {
		s.logger.Warn("failed to marshal render status", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(protocol.StatusSubject(st.RenderID), data); err != nil {
		s.logger.Warn("failed to publish render status", slogError(err))
	}
	if st.Final() {
		if err := s.bus.Conn().Publish(protocol.SubjectRenderDone, data); err != nil {
			s.logger.Warn("failed to publish render completion", slogError(err))
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
