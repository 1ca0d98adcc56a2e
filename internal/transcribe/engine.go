// Package transcribe defines the speech-recognition boundary and the
// whisper.cpp backends behind it.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmcoimbra/sound2transcript/internal/audio"
)

// Request is one chunk of audio to recognize.
type Request struct {
	Seq      int64
	Samples  []byte
	Format   audio.Format
	Duration time.Duration
}

// Span is a timed piece of recognized text, relative to the request start.
type Span struct {
	Start time.Duration `json:"start"`
	End   time.Duration `json:"end"`
	Text  string        `json:"text"`
}

// Result is a successful recognition.
type Result struct {
	Text       string
	Confidence float64
	Language   string
	Spans      []Span
}

// Engine is an opaque speech recognizer. Implementations must honour ctx
// cancellation and deadlines.
type Engine interface {
	Transcribe(ctx context.Context, req Request) (Result, error)
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(ctx context.Context, req Request) (Result, error)

func (f EngineFunc) Transcribe(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// ErrorKind classifies engine failures.
type ErrorKind string

const (
	KindTimeout     ErrorKind = "timeout"
	KindUnavailable ErrorKind = "engine-unavailable"
	KindDecode      ErrorKind = "decode-error"
	// KindCanceled marks a call abandoned because the session was aborted,
	// not because the engine failed.
	KindCanceled ErrorKind = "canceled"
)

// EngineError is the typed failure of a Transcribe call.
type EngineError struct {
	Kind ErrorKind
	Err  error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt could succeed. Decode errors
// are deterministic for the same audio.
func (e *EngineError) Retryable() bool {
	return e.Kind != KindDecode && e.Kind != KindCanceled
}

// Classify converts err from a call made under ctx into an *EngineError.
// A cancelled ctx classifies as canceled and an expired deadline as a
// timeout, whatever the engine reported, since a killed subprocess reports
// its own failure first.
func Classify(ctx context.Context, err error) *EngineError {
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return &EngineError{Kind: KindCanceled, Err: err}
	}
	expired := errors.Is(ctx.Err(), context.DeadlineExceeded)
	var ee *EngineError
	if errors.As(err, &ee) {
		if expired && ee.Kind != KindTimeout {
			return &EngineError{Kind: KindTimeout, Err: err}
		}
		return ee
	}
	if errors.Is(err, context.Canceled) {
		return &EngineError{Kind: KindCanceled, Err: err}
	}
	if expired || errors.Is(err, context.DeadlineExceeded) {
		return &EngineError{Kind: KindTimeout, Err: err}
	}
	return &EngineError{Kind: KindUnavailable, Err: err}
}

// Segment status values.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// Segment is the transcript of one chunk, or the sentinel recording that
// the chunk could not be transcribed.
type Segment struct {
	SessionID  string        `json:"session_id"`
	Seq        int64         `json:"seq"`
	Start      time.Duration `json:"-"`
	End        time.Duration `json:"-"`
	StartSec   float64       `json:"start"`
	EndSec     float64       `json:"end"`
	Text       string        `json:"text"`
	Confidence float64       `json:"confidence"`
	Language   string        `json:"language,omitempty"`
	Status     string        `json:"status"`
	Error      string        `json:"error,omitempty"`
	ErrorKind  ErrorKind     `json:"error_kind,omitempty"`
	Attempts   int           `json:"attempts"`
	Spans      []SegmentSpan `json:"spans,omitempty"`
}

// SegmentSpan is an engine Span placed on the session timeline, in
// seconds. Spans that fall in the overlap start before the segment.
type SegmentSpan struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Failed reports whether s is a gap sentinel.
func (s Segment) Failed() bool { return s.Status == StatusFailed }

// NewSegment builds an ok segment for chunk c.
func NewSegment(c audio.Chunk, res Result, attempts int) Segment {
	s := newSegment(c, attempts)
	s.Status = StatusOK
	s.Text = res.Text
	s.Confidence = res.Confidence
	s.Language = res.Language
	// Request audio begins with the overlap carried from the previous chunk.
	origin := c.Start - c.Overlap
	for _, sp := range res.Spans {
		s.Spans = append(s.Spans, SegmentSpan{
			Start: (origin + sp.Start).Seconds(),
			End:   (origin + sp.End).Seconds(),
			Text:  sp.Text,
		})
	}
	return s
}

// FailedSegment builds the sentinel for chunk c.
func FailedSegment(c audio.Chunk, err error, attempts int) Segment {
	s := newSegment(c, attempts)
	s.Status = StatusFailed
	if err != nil {
		s.Error = err.Error()
		var ee *EngineError
		if errors.As(err, &ee) {
			s.ErrorKind = ee.Kind
		}
	}
	return s
}

func newSegment(c audio.Chunk, attempts int) Segment {
	return Segment{
		SessionID: c.SessionID,
		Seq:       c.Seq,
		Start:     c.Start,
		End:       c.End(),
		StartSec:  c.Start.Seconds(),
		EndSec:    c.End().Seconds(),
		Attempts:  attempts,
	}
}
