package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/jmcoimbra/sound2transcript/internal/audio"
	"github.com/jmcoimbra/sound2transcript/internal/transcribe"
)

type PoolConfig struct {
	Workers      int
	Timeout      time.Duration
	Attempts     int // total attempts per chunk, including the first
	RetryBackoff time.Duration
}

// Pool transcribes chunks on a fixed number of workers. Every chunk taken
// from the input yields exactly one segment: the transcript, or a failed
// sentinel once the attempts are spent.
type Pool struct {
	engine transcribe.Engine
	cfg    PoolConfig
	logger *slog.Logger
}

func NewPool(engine transcribe.Engine, cfg PoolConfig, logger *slog.Logger) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{engine: engine, cfg: cfg, logger: logger}
}

// Run consumes in until it is closed and closes out when every worker has
// finished.
func (p *Pool) Run(ctx context.Context, in <-chan audio.Chunk, out chan<- transcribe.Segment) error {
	defer close(out)

	var g errgroup.Group
	for i := 0; i < p.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			for c := range in {
				out <- p.Transcribe(ctx, worker, c)
			}
			return nil
		})
	}
	return g.Wait()
}

// Transcribe runs one chunk through the engine with per-attempt timeouts.
func (p *Pool) Transcribe(ctx context.Context, worker int, c audio.Chunk) transcribe.Segment {
	req := transcribe.Request{
		Seq:      c.Seq,
		Samples:  c.Samples,
		Format:   c.Format,
		Duration: c.Format.Duration(len(c.Samples)),
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.cfg.RetryBackoff
	eb.MaxInterval = 30 * time.Second
	eb.MaxElapsedTime = 0
	eb.Reset()
	bo := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.cfg.Attempts-1)), ctx)

	attempts := 0
	started := time.Now()
	res, err := backoff.RetryNotifyWithData(func() (transcribe.Result, error) {
		attempts++
		actx := ctx
		if p.cfg.Timeout > 0 {
			var cancel context.CancelFunc
			actx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
			defer cancel()
		}
		res, err := p.engine.Transcribe(actx, req)
		if err != nil {
			ee := transcribe.Classify(actx, err)
			if !ee.Retryable() {
				return res, backoff.Permanent(ee)
			}
			return res, ee
		}
		return res, nil
	}, bo, func(err error, wait time.Duration) {
		p.logger.Warn("transcription attempt failed, retrying",
			"session_id", c.SessionID,
			"seq", c.Seq,
			"worker", worker,
			"attempt", attempts,
			"error", err,
			"retry_in", wait,
		)
	})

	if err != nil {
		ee := transcribe.Classify(ctx, err)
		if ee.Kind == transcribe.KindCanceled {
			p.logger.Warn("transcription abandoned, session aborted",
				"session_id", c.SessionID,
				"seq", c.Seq,
				"worker", worker,
				"attempts", attempts,
				"error_kind", ee.Kind,
			)
			return transcribe.FailedSegment(c, ee, attempts)
		}
		p.logger.Error("transcription failed",
			"session_id", c.SessionID,
			"seq", c.Seq,
			"worker", worker,
			"attempts", attempts,
			"error_kind", ee.Kind,
			"error", ee,
		)
		return transcribe.FailedSegment(c, ee, attempts)
	}

	p.logger.Debug("chunk transcribed",
		"session_id", c.SessionID,
		"seq", c.Seq,
		"worker", worker,
		"attempts", attempts,
		"took", time.Since(started),
	)
	return transcribe.NewSegment(c, res, attempts)
}
