// Package pipeline runs a capture session: segmenter, transcription pool,
// reorder window and persistence, under the single-ACTIVE session registry.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jmcoimbra/sound2transcript/internal/audio"
	"github.com/jmcoimbra/sound2transcript/internal/bus"
	"github.com/jmcoimbra/sound2transcript/internal/logging"
	"github.com/jmcoimbra/sound2transcript/internal/persist"
	"github.com/jmcoimbra/sound2transcript/internal/segmenter"
	"github.com/jmcoimbra/sound2transcript/internal/session"
	"github.com/jmcoimbra/sound2transcript/internal/transcribe"
)

type Config struct {
	DataDir   string
	SessionID string // generated when empty

	ChunkDuration time.Duration
	Overlap       time.Duration

	Workers            int
	QueueSize          int
	Window             int // 0 means 2*Workers
	TranscribeTimeout  time.Duration
	TranscribeAttempts int

	RetryBackoff  time.Duration
	ReadAttempts  int
	WriteAttempts int

	RotateSize     int64
	RotateInterval time.Duration

	// LogLevel applies to the session log artifact.
	LogLevel slog.Level
}

// Publisher sends events; *bus.Client satisfies it.
type Publisher interface {
	PublishSession(ev bus.SessionEvent) error
	PublishSegment(seg transcribe.Segment) error
}

// SegmentSink mirrors written segments somewhere queryable; *index.Store
// satisfies it.
type SegmentSink interface {
	PutSegment(ctx context.Context, seg transcribe.Segment) error
}

type Deps struct {
	Registry  *session.Registry
	Engine    transcribe.Engine
	Publisher Publisher   // optional
	Sink      SegmentSink // optional
	Logger    *slog.Logger
}

// Phase values reported by Status.
const (
	PhaseIdle     = "idle"
	PhaseRunning  = "running"
	PhaseStopping = "stopping"
	PhaseStopped  = "stopped"
	PhaseCrashed  = "crashed"
)

// Status is a point-in-time view of the pipeline.
type Status struct {
	Phase           string     `json:"phase"`
	SessionID       string     `json:"session_id,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	ChunksCaptured  int64      `json:"chunks_captured"`
	SegmentsWritten int64      `json:"segments_written"`
	SegmentsFailed  int64      `json:"segments_failed"`
	BytesRecorded   int64      `json:"bytes_recorded"`
	NextSeq         int64      `json:"next_seq"`
	WindowPending   int        `json:"window_pending"`
	InFlight        int        `json:"in_flight"`
	Error           string     `json:"error,omitempty"`
}

type Pipeline struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	mu        sync.Mutex
	seg       *segmenter.Segmenter
	window    *Window
	phase     string
	sessionID string
	startedAt time.Time
	lastErr   string

	stopRequested atomic.Bool
	chunks        atomic.Int64
	written       atomic.Int64
	failed        atomic.Int64
	recorded      atomic.Int64
}

func New(cfg Config, deps Deps) (*Pipeline, error) {
	if deps.Registry == nil {
		return nil, errors.New("pipeline: registry is required")
	}
	if deps.Engine == nil {
		return nil, errors.New("pipeline: engine is required")
	}
	if cfg.DataDir == "" {
		return nil, errors.New("pipeline: data dir is required")
	}
	if cfg.SessionID != "" && !session.ValidID(cfg.SessionID) {
		return nil, fmt.Errorf("%w: %q", session.ErrInvalidID, cfg.SessionID)
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	if cfg.Window <= 0 {
		cfg.Window = 2 * cfg.Workers
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{cfg: cfg, deps: deps, logger: logger, phase: PhaseIdle}, nil
}

// Stop requests a graceful stop: capture ends at the next chunk boundary
// and everything in flight is transcribed and written. Safe to call at any
// time, including before Run.
func (p *Pipeline) Stop() {
	p.stopRequested.Store(true)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.phase == PhaseRunning {
		p.phase = PhaseStopping
	}
	if p.seg != nil {
		p.seg.Stop()
	}
}

// HandleStop applies a remote stop command and reports whether it targeted
// the running session. It is the handler for bus.Client.OnStop.
func (p *Pipeline) HandleStop(cmd bus.StopCommand) bool {
	p.mu.Lock()
	id := p.sessionID
	p.mu.Unlock()
	if !cmd.Targets(id) {
		p.logger.Info("stop command for another session", "target", cmd.SessionID, "session_id", id)
		return false
	}
	p.logger.Info("remote stop requested", "session_id", id, "reason", cmd.Reason)
	p.Stop()
	return true
}

func (p *Pipeline) Status() Status {
	p.mu.Lock()
	st := Status{
		Phase:     p.phase,
		SessionID: p.sessionID,
		Error:     p.lastErr,
	}
	if !p.startedAt.IsZero() {
		t := p.startedAt
		st.StartedAt = &t
	}
	w := p.window
	p.mu.Unlock()

	st.ChunksCaptured = p.chunks.Load()
	st.SegmentsWritten = p.written.Load()
	st.SegmentsFailed = p.failed.Load()
	st.BytesRecorded = p.recorded.Load()
	if w != nil {
		st.NextSeq = w.Next()
		st.WindowPending = w.Pending()
		st.InFlight = w.InFlight()
	}
	return st
}

// Run executes one session over src and returns when the source ends, Stop
// completes, a fatal error occurs, or ctx is cancelled (hard abort). It
// always closes src. The session ends CRASHED when the returned error is a
// *session.FatalError and STOPPED otherwise.
func (p *Pipeline) Run(ctx context.Context, src audio.Source) error {
	defer src.Close()

	if err := p.recoverStale(ctx); err != nil {
		return err
	}

	now := time.Now()
	id := p.cfg.SessionID
	if id == "" {
		id = session.NewID(now)
	}
	sess := session.Session{ID: id, StartedAt: now, State: session.StateActive, PID: os.Getpid()}
	if err := p.deps.Registry.Claim(ctx, sess); err != nil {
		return fmt.Errorf("claim session: %w", err)
	}
	running.Store(id, struct{}{})
	defer running.Delete(id)

	p.mu.Lock()
	p.phase = PhaseRunning
	if p.stopRequested.Load() {
		p.phase = PhaseStopping
	}
	p.sessionID = id
	p.startedAt = now
	p.mu.Unlock()

	w, err := persist.Open(persist.Config{
		DataDir:        p.cfg.DataDir,
		SessionID:      id,
		Format:         src.Format(),
		RotateSize:     p.cfg.RotateSize,
		RotateInterval: p.cfg.RotateInterval,
		WriteAttempts:  p.cfg.WriteAttempts,
		RetryBackoff:   p.cfg.RetryBackoff,
		Logger:         p.logger,
	})
	if err != nil {
		return p.finish(ctx, id, session.Fatal("open session writer", err))
	}

	logger := slog.New(logging.Tee(
		p.logger.Handler(),
		slog.NewJSONHandler(w.LogWriter(), &slog.HandlerOptions{Level: p.cfg.LogLevel}),
	))
	w.SetLogger(logger)

	logger.Info("session started",
		"session_id", id,
		"pid", sess.PID,
		"chunk", p.cfg.ChunkDuration,
		"overlap", p.cfg.Overlap,
		"workers", p.cfg.Workers,
		"window", p.cfg.Window,
	)
	p.publishSession(bus.SessionEvent{
		SessionID: id,
		State:     string(session.StateActive),
		PID:       sess.PID,
		At:        now,
	})

	runErr := p.run(ctx, id, src, w, logger)
	if runErr != nil {
		logger.Error("session ended with error", "session_id", id, "error", runErr)
	}
	logger.Info("closing session artifacts", "session_id", id, "bytes", w.Stats())

	w.SetLogger(p.logger)
	if err := w.Close(); err != nil {
		runErr = errors.Join(runErr, session.Fatal("close session writer", err))
	}
	return p.finish(ctx, id, runErr)
}

func (p *Pipeline) run(ctx context.Context, id string, src audio.Source, w *persist.SessionWriter, logger *slog.Logger) error {
	seg, err := segmenter.New(src, segmenter.Config{
		SessionID:     id,
		ChunkDuration: p.cfg.ChunkDuration,
		Overlap:       p.cfg.Overlap,
		ReadAttempts:  p.cfg.ReadAttempts,
		RetryBackoff:  p.cfg.RetryBackoff,
		Logger:        logger,
	})
	if err != nil {
		return session.Fatal("create segmenter", err)
	}
	window := NewWindow(p.cfg.Window, 0)

	p.mu.Lock()
	p.seg = seg
	p.window = window
	p.mu.Unlock()
	if p.stopRequested.Load() {
		seg.Stop()
	}

	// Hard abort: unblock a pending source read.
	stopAbort := context.AfterFunc(ctx, func() { src.Close() })
	defer stopAbort()

	pool := NewPool(p.deps.Engine, PoolConfig{
		Workers:      p.cfg.Workers,
		Timeout:      p.cfg.TranscribeTimeout,
		Attempts:     p.cfg.TranscribeAttempts,
		RetryBackoff: p.cfg.RetryBackoff,
	}, logger)

	chunks := make(chan audio.Chunk, p.cfg.QueueSize)
	work := make(chan audio.Chunk)
	results := make(chan transcribe.Segment, p.cfg.Workers)

	var (
		fatalMu sync.Mutex
		fatal   error
	)
	fail := func(err error) {
		fatalMu.Lock()
		if fatal == nil {
			fatal = err
			logger.Error("fatal session error, draining", "session_id", id, "error", err)
		}
		fatalMu.Unlock()
		seg.Stop()
	}

	// Plain group: a failing stage must not cancel the others, so buffered
	// work still drains.
	var g errgroup.Group

	g.Go(func() error {
		err := seg.Run(ctx, chunks)
		if session.IsFatal(err) {
			fail(err)
		}
		return err
	})

	g.Go(func() error {
		defer close(work)
		recording := true
		for c := range chunks {
			p.chunks.Add(1)
			if err := window.Acquire(ctx); err != nil {
				for range chunks {
				}
				return err
			}
			if recording {
				if err := w.WriteChunk(c); err != nil {
					fail(err)
					recording = false
				} else {
					p.recorded.Add(int64(len(c.Fresh())))
				}
			}
			work <- c
		}
		return nil
	})

	g.Go(func() error {
		return pool.Run(ctx, work, results)
	})

	g.Go(func() error {
		writing := true
		emit := func(s transcribe.Segment) {
			if !writing {
				return
			}
			if err := w.WriteSegment(s); err != nil {
				fail(err)
				writing = false
				return
			}
			if s.Failed() {
				p.failed.Add(1)
			} else {
				p.written.Add(1)
			}
			p.mirror(ctx, logger, s)
		}
		for s := range results {
			released, err := window.Push(s)
			if err != nil {
				logger.Error("dropping segment", "session_id", id, "seq", s.Seq, "error", err)
				continue
			}
			for _, r := range released {
				emit(r)
			}
		}
		for _, r := range window.Drain() {
			logger.Warn("releasing segment after gap", "session_id", id, "seq", r.Seq)
			emit(r)
		}
		return nil
	})

	werr := g.Wait()

	fatalMu.Lock()
	defer fatalMu.Unlock()
	if fatal != nil {
		return fatal
	}
	if werr != nil {
		return werr
	}
	return ctx.Err()
}

// mirror pushes a written segment to the optional index and event bus.
// Failures are logged and never affect the session.
func (p *Pipeline) mirror(ctx context.Context, logger *slog.Logger, s transcribe.Segment) {
	if p.deps.Sink != nil {
		mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := p.deps.Sink.PutSegment(mctx, s); err != nil {
			logger.Warn("segment index write failed", "session_id", s.SessionID, "seq", s.Seq, "error", err)
		}
		cancel()
	}
	if p.deps.Publisher != nil {
		if err := p.deps.Publisher.PublishSegment(s); err != nil {
			logger.Warn("failed to publish segment", "session_id", s.SessionID, "seq", s.Seq, "error", err)
		}
	}
}

func (p *Pipeline) publishSession(ev bus.SessionEvent) {
	if p.deps.Publisher == nil {
		return
	}
	if err := p.deps.Publisher.PublishSession(ev); err != nil {
		p.logger.Warn("failed to publish session event", "session_id", ev.SessionID, "state", ev.State, "error", err)
	}
}

// finish records the terminal state. It runs even after ctx is cancelled.
func (p *Pipeline) finish(ctx context.Context, id string, runErr error) error {
	ctx = context.WithoutCancel(ctx)
	state := session.StateStopped
	phase := PhaseStopped
	if session.IsFatal(runErr) {
		state = session.StateCrashed
		phase = PhaseCrashed
	}

	end := time.Now()
	if err := p.deps.Registry.Transition(ctx, id, session.StateActive, state, end); err != nil {
		p.logger.Error("failed to record session end", "session_id", id, "state", state, "error", err)
		runErr = errors.Join(runErr, err)
	}

	p.mu.Lock()
	p.phase = phase
	if runErr != nil {
		p.lastErr = runErr.Error()
	}
	p.mu.Unlock()

	ev := bus.SessionEvent{
		SessionID: id,
		State:     string(state),
		PID:       os.Getpid(),
		At:        end,
		Segments:  p.written.Load(),
		Failed:    p.failed.Load(),
	}
	if runErr != nil {
		ev.Error = runErr.Error()
	}
	p.publishSession(ev)

	p.logger.Info("session ended",
		"session_id", id,
		"state", state,
		"segments", ev.Segments,
		"failed_segments", ev.Failed,
		"duration", end.Sub(p.startedAt).Round(time.Second),
	)
	return runErr
}

// running holds the sessions this process is running. A registry row
// carrying our own PID but missing here was left by an earlier process that
// had the same PID, as happens to PID 1 in a restarted container.
var running sync.Map

func ownerAlive(s *session.Session) bool {
	if s.PID == os.Getpid() {
		_, ok := running.Load(s.ID)
		return ok
	}
	return session.ProcessAlive(s.PID)
}

// recoverStale finalizes a session left ACTIVE by a process that no longer
// exists, then retries open artifacts of sessions that already ended. A
// live owner means another session is really running.
func (p *Pipeline) recoverStale(ctx context.Context) error {
	active, err := p.deps.Registry.Active(ctx)
	if err != nil {
		return fmt.Errorf("lookup active session: %w", err)
	}
	if active != nil {
		if ownerAlive(active) {
			return fmt.Errorf("%w: %s (pid %d)", session.ErrSessionActive, active.ID, active.PID)
		}
		if err := p.recoverCrashed(ctx, active); err != nil {
			return err
		}
	}
	p.recoverLeftovers(ctx)
	return nil
}

func (p *Pipeline) recoverCrashed(ctx context.Context, active *session.Session) error {
	files, rerr := persist.Recover(p.cfg.DataDir, active.ID)
	if rerr != nil {
		p.logger.Error("some stale artifacts stay open until the next start",
			"session_id", active.ID, "error", rerr)
	}
	err := p.deps.Registry.Transition(ctx, active.ID, session.StateActive, session.StateCrashed, time.Now())
	if err != nil && !errors.Is(err, session.ErrStateConflict) {
		return fmt.Errorf("mark stale session crashed: %w", err)
	}
	p.logger.Warn("recovered crashed session",
		"session_id", active.ID,
		"pid", active.PID,
		"finalized", len(files),
	)
	p.publishSession(bus.SessionEvent{
		SessionID: active.ID,
		State:     string(session.StateCrashed),
		PID:       active.PID,
		At:        time.Now(),
		Error:     "process exited without closing the session",
	})
	return nil
}

// recoverLeftovers finalizes open artifacts whose session is no longer
// ACTIVE, e.g. files an earlier recovery could not rename. Retention never
// touches open files, so without this they would never be reclaimed.
func (p *Pipeline) recoverLeftovers(ctx context.Context) {
	ids, err := persist.OpenSessions(p.cfg.DataDir)
	if err != nil {
		p.logger.Warn("scan for leftover artifacts failed", "error", err)
		return
	}
	for _, id := range ids {
		s, err := p.deps.Registry.Get(ctx, id)
		switch {
		case errors.Is(err, session.ErrNotFound):
		case err != nil:
			p.logger.Warn("lookup session for leftover artifacts failed", "session_id", id, "error", err)
			continue
		case s.State == session.StateActive:
			continue
		}
		files, err := persist.Recover(p.cfg.DataDir, id)
		if err != nil {
			p.logger.Error("leftover artifacts stay open", "session_id", id, "error", err)
		}
		if len(files) > 0 {
			p.logger.Warn("finalized leftover artifacts", "session_id", id, "files", len(files))
		}
	}
}
