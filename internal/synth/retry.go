package synth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/loqalabs/loqa-cantor/internal/score"
)

type retryingSynth struct {
	next    Synthesizer
	tries   uint
	initial time.Duration
	logger  *slog.Logger
}

// NewRetrying retries failed calls to next up to retries extra times with
// exponential backoff. A call that times out on its own deadline is retried;
// once the caller's ctx is done nothing is.
func NewRetrying(next Synthesizer, retries int, logger *slog.Logger) Synthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &retryingSynth{
		next:    next,
		tries:   uint(retries) + 1,
		initial: 100 * time.Millisecond,
		logger:  logger.With(slog.String("component", "synth-retry")),
	}
}

func (r *retryingSynth) Synthesize(ctx context.Context, text string) (score.Waveform, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.initial

	op := func() (score.Waveform, error) {
		wave, err := r.next.Synthesize(ctx, text)
		if err != nil && ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		return wave, err
	}
	notify := func(err error, wait time.Duration) {
		r.logger.Debug("retrying synthesis",
			slog.String("text", text),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()))
	}
	wave, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(r.tries),
		backoff.WithNotify(notify))
	if err != nil {
		var se *SynthesisError
		if errors.As(err, &se) {
			return nil, se
		}
		return nil, &SynthesisError{Text: text, Err: err}
	}
	return wave, nil
}
