// Package persist writes a session's recordings, transcripts and logs to
// the data directory and recovers files left open by a dead process.
package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jmcoimbra/sound2transcript/internal/artifact"
	"github.com/jmcoimbra/sound2transcript/internal/audio"
	"github.com/jmcoimbra/sound2transcript/internal/session"
	"github.com/jmcoimbra/sound2transcript/internal/transcribe"
)

type Config struct {
	DataDir        string
	SessionID      string
	Format         audio.Format
	RotateSize     int64         // 0 disables size rotation
	RotateInterval time.Duration // 0 disables time rotation
	WriteAttempts  int
	RetryBackoff   time.Duration
	// Logger receives retry warnings. It may tee into this writer's own
	// log stream.
	Logger *slog.Logger
	Now    func() time.Time
}

// file is the subset of *os.File the streams use.
type file interface {
	WriteAt(p []byte, off int64) (int, error)
	Truncate(size int64) error
	Sync() error
	Close() error
	Name() string
}

// SessionWriter owns the three artifact streams of one session. Each
// stream has its own lock so the session logger can write while a chunk
// or segment write is retrying.
type SessionWriter struct {
	cfg    Config
	logger *slog.Logger

	recording  *stream
	transcript *stream
	log        *stream
}

// Open creates index 0 of every stream.
func Open(cfg Config) (*SessionWriter, error) {
	if !session.ValidID(cfg.SessionID) {
		return nil, fmt.Errorf("%w: %q", session.ErrInvalidID, cfg.SessionID)
	}
	if cfg.WriteAttempts < 1 {
		cfg.WriteAttempts = 1
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Format.FrameSize() == 0 {
		cfg.Format = audio.Whisper
	}
	if err := artifact.EnsureDirs(cfg.DataDir); err != nil {
		return nil, err
	}

	w := &SessionWriter{cfg: cfg, logger: cfg.Logger}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	w.log = &stream{kind: artifact.Log, cfg: &w.cfg}
	w.recording = &stream{kind: artifact.Recording, cfg: &w.cfg}
	w.transcript = &stream{kind: artifact.Transcript, cfg: &w.cfg}

	for _, s := range []*stream{w.log, w.recording, w.transcript} {
		if err := s.openNext(); err != nil {
			w.Close()
			return nil, fmt.Errorf("open %s stream: %w", s.kind, err)
		}
	}
	return w, nil
}

// SetLogger replaces the logger used for retry warnings, typically with a
// session logger that tees into LogWriter.
func (w *SessionWriter) SetLogger(l *slog.Logger) {
	w.logger = l
}

// WriteChunk appends the chunk's fresh samples to the recording, so the
// concatenated recordings reproduce the captured stream without repeats.
func (w *SessionWriter) WriteChunk(c audio.Chunk) error {
	data := c.Fresh()
	if len(data) == 0 {
		return nil
	}
	return w.write(w.recording, data, "seq", c.Seq)
}

// WriteSegment appends one JSON line to the transcript.
func (w *SessionWriter) WriteSegment(seg transcribe.Segment) error {
	line, err := json.Marshal(seg)
	if err != nil {
		return fmt.Errorf("marshal segment %d: %w", seg.Seq, err)
	}
	return w.write(w.transcript, append(line, '\n'), "seq", seg.Seq)
}

func (w *SessionWriter) write(s *stream, data []byte, attrs ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.f == nil {
		return session.Fatal("write "+string(s.kind), os.ErrClosed)
	}
	if err := s.maybeRotate(int64(len(data))); err != nil {
		return session.Fatal("rotate "+string(s.kind), err)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = w.cfg.RetryBackoff
	eb.MaxElapsedTime = 0
	eb.Reset()
	bo := backoff.WithMaxRetries(eb, uint64(w.cfg.WriteAttempts-1))

	err := backoff.RetryNotify(func() error {
		return s.append(data)
	}, bo, func(err error, wait time.Duration) {
		w.logger.Warn("artifact write failed, retrying",
			append([]any{
				"session_id", w.cfg.SessionID,
				"kind", s.kind,
				"path", s.f.Name(),
				"error", err,
				"retry_in", wait,
			}, attrs...)...,
		)
	})
	if err != nil {
		return session.Fatal("write "+string(s.kind), err)
	}
	return nil
}

// LogWriter returns the sink for the session log. Each Write is one record.
func (w *SessionWriter) LogWriter() *LogSink {
	return &LogSink{s: w.log}
}

// LogSink appends to the log stream. Failed writes are truncated back and
// reported to the caller without retry, since the caller is a log handler.
type LogSink struct {
	s *stream
}

func (l *LogSink) Write(p []byte) (int, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	if l.s.closed || l.s.f == nil {
		return 0, os.ErrClosed
	}
	if err := l.s.maybeRotate(int64(len(p))); err != nil {
		return 0, err
	}
	if err := l.s.append(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close finalizes every stream. It is safe to call more than once.
func (w *SessionWriter) Close() error {
	var errs []error
	for _, s := range []*stream{w.recording, w.transcript, w.log} {
		if s == nil {
			continue
		}
		s.mu.Lock()
		if !s.closed && s.f != nil {
			if err := s.finalize(); err != nil {
				errs = append(errs, fmt.Errorf("finalize %s: %w", s.kind, err))
			}
		}
		s.closed = true
		s.mu.Unlock()
	}
	return errors.Join(errs...)
}

// Stats reports bytes written per kind across all rotations.
func (w *SessionWriter) Stats() map[artifact.Kind]int64 {
	out := make(map[artifact.Kind]int64, 3)
	for _, s := range []*stream{w.recording, w.transcript, w.log} {
		s.mu.Lock()
		out[s.kind] = s.total
		s.mu.Unlock()
	}
	return out
}

type stream struct {
	mu       sync.Mutex
	kind     artifact.Kind
	cfg      *Config
	index    int
	f        file
	size     int64
	total    int64
	openedAt time.Time
	closed   bool
}

func (s *stream) headerSize() int64 {
	if s.kind == artifact.Recording {
		return audio.WAVHeaderSize
	}
	return 0
}

func (s *stream) openNext() error {
	path := artifact.OpenPath(s.cfg.DataDir, s.cfg.SessionID, s.kind, s.index)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	s.f = f
	s.size = 0
	s.openedAt = s.cfg.Now()
	if s.kind == artifact.Recording {
		if _, err := f.WriteAt(audio.WAVHeader(s.cfg.Format, 0), 0); err != nil {
			f.Close()
			os.Remove(path)
			return fmt.Errorf("write wav header: %w", err)
		}
		s.size = audio.WAVHeaderSize
	}
	return nil
}

// append writes data with a single call at the current end. A failed
// write is truncated back so the file never holds a partial item.
func (s *stream) append(data []byte) error {
	if _, err := s.f.WriteAt(data, s.size); err != nil {
		if terr := s.f.Truncate(s.size); terr != nil {
			return errors.Join(err, fmt.Errorf("truncate: %w", terr))
		}
		return err
	}
	if s.kind == artifact.Recording {
		if err := audio.PatchWAVHeader(s.f, uint32(s.size+int64(len(data))-audio.WAVHeaderSize)); err != nil {
			s.f.Truncate(s.size)
			return err
		}
	}
	s.size += int64(len(data))
	s.total += int64(len(data))
	return nil
}

func (s *stream) maybeRotate(next int64) error {
	if s.size <= s.headerSize() {
		return nil
	}
	bySize := s.cfg.RotateSize > 0 && s.size+next > s.cfg.RotateSize
	byAge := s.cfg.RotateInterval > 0 && s.cfg.Now().Sub(s.openedAt) >= s.cfg.RotateInterval
	if !bySize && !byAge {
		return nil
	}
	if err := s.finalize(); err != nil {
		return err
	}
	s.index++
	return s.openNext()
}

// finalize flushes, closes and renames the current file to its final name.
func (s *stream) finalize() error {
	openPath := s.f.Name()
	if err := s.f.Sync(); err != nil {
		s.f.Close()
		return fmt.Errorf("sync: %w", err)
	}
	if err := s.f.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	final := artifact.Path(s.cfg.DataDir, s.cfg.SessionID, s.kind, s.index)
	if err := os.Rename(openPath, final); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	s.f = nil
	// A finalized artifact's mtime is the time it was opened, so retention
	// ages it from creation. If stamping fails the last write time stays,
	// which only makes the file look younger.
	_ = os.Chtimes(final, time.Time{}, s.openedAt)
	return nil
}
