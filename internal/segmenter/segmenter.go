// Package segmenter slices a continuous PCM stream into overlapping,
// sequence-numbered chunks.
package segmenter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jmcoimbra/sound2transcript/internal/audio"
	"github.com/jmcoimbra/sound2transcript/internal/session"
)

type Config struct {
	SessionID     string
	ChunkDuration time.Duration
	Overlap       time.Duration
	ReadAttempts  int
	RetryBackoff  time.Duration
	Logger        *slog.Logger
	Now           func() time.Time
}

// Segmenter owns the source until Run returns.
type Segmenter struct {
	cfg    Config
	src    audio.Source
	format audio.Format
	logger *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

func New(src audio.Source, cfg Config) (*Segmenter, error) {
	if cfg.ChunkDuration <= 0 {
		return nil, fmt.Errorf("chunk duration must be positive, got %s", cfg.ChunkDuration)
	}
	if cfg.Overlap < 0 || cfg.Overlap >= cfg.ChunkDuration {
		return nil, fmt.Errorf("overlap %s must be in [0, %s)", cfg.Overlap, cfg.ChunkDuration)
	}
	f := src.Format()
	if f.FrameSize() <= 0 || f.SampleRate <= 0 {
		return nil, fmt.Errorf("invalid source format %+v", f)
	}
	if f.Bytes(cfg.ChunkDuration) == 0 {
		return nil, fmt.Errorf("chunk duration %s is shorter than one frame", cfg.ChunkDuration)
	}
	if cfg.ReadAttempts < 1 {
		cfg.ReadAttempts = 1
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Segmenter{
		cfg:    cfg,
		src:    src,
		format: f,
		logger: logger,
		stop:   make(chan struct{}),
	}, nil
}

// Stop asks Run to return after the chunk currently being filled.
func (s *Segmenter) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Segmenter) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

// Run reads the source until end of stream, Stop, a fatal read error or
// ctx cancellation. out is always closed on return. A nil error means the
// stream ended or was stopped cleanly.
func (s *Segmenter) Run(ctx context.Context, out chan<- audio.Chunk) error {
	defer close(out)

	chunkBytes := s.format.Bytes(s.cfg.ChunkDuration)
	overlapBytes := s.format.Bytes(s.cfg.Overlap)

	var (
		seq   int64
		fresh int64 // fresh bytes emitted so far
		tail  []byte
	)
	for !s.stopped() {
		if err := ctx.Err(); err != nil {
			return err
		}
		buf := make([]byte, len(tail)+chunkBytes)
		copy(buf, tail)
		n, err := s.fill(ctx, buf[len(tail):])
		if n > 0 {
			c := audio.Chunk{
				SessionID:  s.cfg.SessionID,
				Seq:        seq,
				Start:      s.format.Duration(int(fresh)),
				Duration:   s.format.Duration(n),
				Overlap:    s.format.Duration(len(tail)),
				CapturedAt: s.cfg.Now(),
				Format:     s.format,
				Samples:    buf[:len(tail)+n],
			}
			select {
			case out <- c:
			case <-ctx.Done():
				return ctx.Err()
			}
			s.logger.Debug("chunk emitted",
				"session_id", s.cfg.SessionID,
				"seq", seq,
				"start", c.Start,
				"duration", c.Duration,
			)
			seq++
			fresh += int64(n)

			keep := overlapBytes
			if keep > len(c.Samples) {
				keep = len(c.Samples)
			}
			tail = append([]byte(nil), c.Samples[len(c.Samples)-keep:]...)
		}
		if errors.Is(err, io.EOF) {
			s.logger.Info("audio stream ended", "session_id", s.cfg.SessionID, "chunks", seq)
			return nil
		}
		if err != nil {
			return err
		}
	}
	s.logger.Info("segmenter stopped", "session_id", s.cfg.SessionID, "chunks", seq)
	return nil
}

// fill reads until buf is full. It returns io.EOF with a short count at end
// of stream. Transient read errors are retried with backoff; the attempt
// budget resets whenever data arrives.
func (s *Segmenter) fill(ctx context.Context, buf []byte) (int, error) {
	n := 0
	var bo backoff.BackOff
	for n < len(buf) {
		m, err := s.src.Read(buf[n:])
		n += m
		if m > 0 {
			bo = nil
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			return n, io.EOF
		}
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		if errors.Is(err, audio.ErrSourceLost) {
			return n, session.Fatal("read audio source", err)
		}

		if bo == nil {
			bo = s.newBackOff(ctx)
		}
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			if ctx.Err() != nil {
				return n, ctx.Err()
			}
			return n, session.Fatal("read audio source", err)
		}
		s.logger.Warn("audio read failed, retrying",
			"session_id", s.cfg.SessionID,
			"error", err,
			"retry_in", wait,
		)
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return n, ctx.Err()
		}
	}
	return n, nil
}

func (s *Segmenter) newBackOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.cfg.RetryBackoff
	eb.MaxInterval = 10 * s.cfg.RetryBackoff
	eb.MaxElapsedTime = 0
	eb.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(s.cfg.ReadAttempts-1)), ctx)
}
