package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmcoimbra/sound2transcript/internal/audio"
	"github.com/jmcoimbra/sound2transcript/internal/transcribe"
)

func testChunk(seq int64) audio.Chunk {
	return audio.Chunk{
		SessionID: "s1",
		Seq:       seq,
		Start:     time.Duration(seq) * time.Second,
		Duration:  time.Second,
		Format:    audio.Whisper,
		Samples:   make([]byte, audio.Whisper.Bytes(time.Second)),
	}
}

func fastPool(engine transcribe.Engine, attempts int) *Pool {
	return NewPool(engine, PoolConfig{
		Workers:      1,
		Timeout:      20 * time.Millisecond,
		Attempts:     attempts,
		RetryBackoff: time.Millisecond,
	}, nil)
}

func TestPool_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	engine := transcribe.EngineFunc(func(ctx context.Context, req transcribe.Request) (transcribe.Result, error) {
		if calls.Add(1) < 3 {
			return transcribe.Result{}, &transcribe.EngineError{Kind: transcribe.KindUnavailable, Err: errors.New("busy")}
		}
		return transcribe.Result{Text: "ok", Confidence: 0.9}, nil
	})

	seg := fastPool(engine, 3).Transcribe(context.Background(), 0, testChunk(4))
	if seg.Failed() || seg.Text != "ok" || seg.Attempts != 3 || seg.Seq != 4 {
		t.Errorf("unexpected segment %+v", seg)
	}
}

func TestPool_TimeoutsExhaustAttempts(t *testing.T) {
	var calls atomic.Int32
	engine := transcribe.EngineFunc(func(ctx context.Context, req transcribe.Request) (transcribe.Result, error) {
		calls.Add(1)
		<-ctx.Done()
		return transcribe.Result{}, ctx.Err()
	})

	seg := fastPool(engine, 3).Transcribe(context.Background(), 0, testChunk(5))
	if !seg.Failed() || seg.ErrorKind != transcribe.KindTimeout || seg.Attempts != 3 {
		t.Errorf("expected timeout sentinel after 3 attempts, got %+v", seg)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 engine calls, got %d", calls.Load())
	}
	if seg.StartSec != 5 || seg.EndSec != 6 || seg.Text != "" {
		t.Errorf("sentinel does not carry the chunk window: %+v", seg)
	}
}

func TestPool_DecodeErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	engine := transcribe.EngineFunc(func(ctx context.Context, req transcribe.Request) (transcribe.Result, error) {
		calls.Add(1)
		return transcribe.Result{}, &transcribe.EngineError{Kind: transcribe.KindDecode, Err: errors.New("garbage")}
	})

	seg := fastPool(engine, 5).Transcribe(context.Background(), 0, testChunk(0))
	if !seg.Failed() || seg.ErrorKind != transcribe.KindDecode {
		t.Errorf("expected decode sentinel, got %+v", seg)
	}
	if calls.Load() != 1 {
		t.Errorf("decode error retried %d times", calls.Load()-1)
	}
}

func TestPool_CancelIsNotAnEngineFailure(t *testing.T) {
	var calls atomic.Int32
	engine := transcribe.EngineFunc(func(ctx context.Context, req transcribe.Request) (transcribe.Result, error) {
		calls.Add(1)
		<-ctx.Done()
		return transcribe.Result{}, &transcribe.EngineError{Kind: transcribe.KindUnavailable, Err: errors.New("signal: killed")}
	})
	pool := NewPool(engine, PoolConfig{Workers: 1, Timeout: time.Minute, Attempts: 3, RetryBackoff: time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	seg := pool.Transcribe(ctx, 0, testChunk(9))
	if !seg.Failed() || seg.ErrorKind != transcribe.KindCanceled {
		t.Errorf("expected canceled sentinel, got %+v", seg)
	}
	if calls.Load() != 1 {
		t.Errorf("cancelled chunk retried %d times", calls.Load()-1)
	}
}

func TestPool_RunOneSegmentPerChunk(t *testing.T) {
	engine := transcribe.EngineFunc(func(ctx context.Context, req transcribe.Request) (transcribe.Result, error) {
		if req.Seq%3 == 0 {
			return transcribe.Result{}, &transcribe.EngineError{Kind: transcribe.KindDecode, Err: errors.New("bad")}
		}
		return transcribe.Result{Text: fmt.Sprintf("chunk %d", req.Seq)}, nil
	})
	pool := NewPool(engine, PoolConfig{Workers: 4, Attempts: 2, RetryBackoff: time.Millisecond}, nil)

	in := make(chan audio.Chunk)
	out := make(chan transcribe.Segment, 4)
	go func() {
		for i := int64(0); i < 30; i++ {
			in <- testChunk(i)
		}
		close(in)
	}()
	go pool.Run(context.Background(), in, out)

	seen := make(map[int64]bool)
	for seg := range out {
		if seen[seg.Seq] {
			t.Errorf("seq %d emitted twice", seg.Seq)
		}
		seen[seg.Seq] = true
	}
	if len(seen) != 30 {
		t.Errorf("expected 30 segments, got %d", len(seen))
	}
}
