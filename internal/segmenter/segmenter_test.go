package segmenter

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/jmcoimbra/sound2transcript/internal/audio"
	"github.com/jmcoimbra/sound2transcript/internal/session"
)

// ramp returns n bytes of PCM whose values encode their offset, so overlap
// copies can be checked byte for byte.
func ramp(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func collect(ctx context.Context, t *testing.T, seg *Segmenter) ([]audio.Chunk, error) {
	t.Helper()
	out := make(chan audio.Chunk, 4)
	errc := make(chan error, 1)
	go func() { errc <- seg.Run(ctx, out) }()

	var chunks []audio.Chunk
	for c := range out {
		chunks = append(chunks, c)
	}
	return chunks, <-errc
}

func TestRun_TenMinutesYieldsTwentyChunks(t *testing.T) {
	f := audio.Whisper
	data := ramp(f.Bytes(10 * time.Minute))
	seg, err := New(audio.NewReaderSource(bytes.NewReader(data), f), Config{
		SessionID:     "s1",
		ChunkDuration: 30 * time.Second,
		Overlap:       2 * time.Second,
		ReadAttempts:  3,
	})
	if err != nil {
		t.Fatal(err)
	}

	chunks, err := collect(context.Background(), t, seg)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(chunks) != 20 {
		t.Fatalf("expected 20 chunks, got %d", len(chunks))
	}

	overlap := f.Bytes(2 * time.Second)
	for i, c := range chunks {
		if c.Seq != int64(i) {
			t.Errorf("chunk %d has seq %d", i, c.Seq)
		}
		if c.Start != time.Duration(i)*30*time.Second || c.Duration != 30*time.Second {
			t.Errorf("chunk %d covers [%s, %s)", i, c.Start, c.End())
		}
		if c.SessionID != "s1" {
			t.Errorf("chunk %d has session %q", i, c.SessionID)
		}
		if i == 0 {
			if c.Overlap != 0 || len(c.Samples) != f.Bytes(30*time.Second) {
				t.Errorf("first chunk must not carry overlap")
			}
			continue
		}
		if c.Overlap != 2*time.Second {
			t.Errorf("chunk %d overlap %s", i, c.Overlap)
		}
		prev := chunks[i-1].Samples
		if !bytes.Equal(c.Samples[:overlap], prev[len(prev)-overlap:]) {
			t.Errorf("chunk %d overlap does not repeat the previous tail", i)
		}
	}
	if chunks[19].End() != 10*time.Minute {
		t.Errorf("last chunk ends at %s", chunks[19].End())
	}

	var fresh []byte
	for _, c := range chunks {
		fresh = append(fresh, c.Fresh()...)
	}
	if !bytes.Equal(fresh, data) {
		t.Error("fresh samples do not reassemble the stream")
	}
}

func TestRun_PartialLastChunk(t *testing.T) {
	f := audio.Whisper
	seg, _ := New(audio.NewReaderSource(bytes.NewReader(ramp(f.Bytes(2500*time.Millisecond))), f), Config{
		ChunkDuration: time.Second,
		Overlap:       200 * time.Millisecond,
	})
	chunks, err := collect(context.Background(), t, seg)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if chunks[2].Duration != 500*time.Millisecond || chunks[2].End() != 2500*time.Millisecond {
		t.Errorf("unexpected last chunk [%s, %s)", chunks[2].Start, chunks[2].End())
	}
}

func TestRun_EmptyStream(t *testing.T) {
	seg, _ := New(audio.NewReaderSource(bytes.NewReader(nil), audio.Whisper), Config{ChunkDuration: time.Second})
	chunks, err := collect(context.Background(), t, seg)
	if err != nil || len(chunks) != 0 {
		t.Errorf("expected clean close with no chunks, got %d chunks, err %v", len(chunks), err)
	}
}

func TestNew_Validation(t *testing.T) {
	src := audio.NewReaderSource(bytes.NewReader(nil), audio.Whisper)
	for _, cfg := range []Config{
		{ChunkDuration: 0},
		{ChunkDuration: time.Second, Overlap: time.Second},
		{ChunkDuration: time.Second, Overlap: -time.Millisecond},
		{ChunkDuration: time.Nanosecond},
	} {
		if _, err := New(src, cfg); err == nil {
			t.Errorf("expected error for %+v", cfg)
		}
	}
}

type flakyReader struct {
	r     io.Reader
	fails int
}

func (f *flakyReader) Read(p []byte) (int, error) {
	if f.fails > 0 {
		f.fails--
		return 0, errors.New("device busy")
	}
	return f.r.Read(p)
}

func TestRun_TransientReadErrorsRecover(t *testing.T) {
	f := audio.Whisper
	src := audio.NewReaderSource(&flakyReader{r: bytes.NewReader(ramp(f.Bytes(2 * time.Second))), fails: 2}, f)
	seg, _ := New(src, Config{ChunkDuration: time.Second, ReadAttempts: 3, RetryBackoff: time.Millisecond})

	chunks, err := collect(context.Background(), t, seg)
	if err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if len(chunks) != 2 {
		t.Errorf("expected 2 chunks, got %d", len(chunks))
	}
}

func TestRun_ReadErrorsExhausted(t *testing.T) {
	src := audio.NewReaderSource(&flakyReader{r: bytes.NewReader(nil), fails: 100}, audio.Whisper)
	seg, _ := New(src, Config{ChunkDuration: time.Second, ReadAttempts: 3, RetryBackoff: time.Millisecond})

	_, err := collect(context.Background(), t, seg)
	if !session.IsFatal(err) {
		t.Fatalf("expected fatal error, got %v", err)
	}
}

func TestRun_SourceLostIsFatal(t *testing.T) {
	r := &errReader{err: audio.ErrSourceLost}
	seg, _ := New(audio.NewReaderSource(r, audio.Whisper), Config{ChunkDuration: time.Second, ReadAttempts: 5})

	_, err := collect(context.Background(), t, seg)
	if !session.IsFatal(err) || !errors.Is(err, audio.ErrSourceLost) {
		t.Fatalf("expected fatal source loss, got %v", err)
	}
	if r.calls != 1 {
		t.Errorf("lost source should not be retried, got %d reads", r.calls)
	}
}

type errReader struct {
	err   error
	calls int
}

func (r *errReader) Read(p []byte) (int, error) {
	r.calls++
	return 0, r.err
}

func TestRun_StallBlocksEmission(t *testing.T) {
	f := audio.Whisper
	pr, pw := io.Pipe()
	seg, _ := New(audio.NewReaderSource(pr, f), Config{ChunkDuration: time.Second})

	out := make(chan audio.Chunk)
	errc := make(chan error, 1)
	go func() { errc <- seg.Run(context.Background(), out) }()

	pw.Write(make([]byte, f.Bytes(500*time.Millisecond)))
	select {
	case c := <-out:
		t.Fatalf("chunk %d emitted before it was full", c.Seq)
	case <-time.After(50 * time.Millisecond):
	}

	go pw.Write(make([]byte, f.Bytes(500*time.Millisecond)))
	select {
	case c := <-out:
		if c.Seq != 0 || c.Duration != time.Second {
			t.Errorf("unexpected chunk %+v", c)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("chunk not emitted after stream resumed")
	}

	pw.Close()
	for range out {
	}
	if err := <-errc; err != nil {
		t.Errorf("run: %v", err)
	}
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

func TestStop_AtChunkBoundary(t *testing.T) {
	seg, _ := New(audio.NewReaderSource(zeroReader{}, audio.Whisper), Config{ChunkDuration: 100 * time.Millisecond})

	out := make(chan audio.Chunk)
	errc := make(chan error, 1)
	go func() { errc <- seg.Run(context.Background(), out) }()

	first := <-out
	seg.Stop()
	seg.Stop()

	chunks := []audio.Chunk{first}
	for c := range out {
		chunks = append(chunks, c)
	}
	if err := <-errc; err != nil {
		t.Fatalf("run: %v", err)
	}
	for i, c := range chunks {
		if c.Seq != int64(i) || c.Duration != 100*time.Millisecond {
			t.Errorf("chunk %d: seq %d duration %s", i, c.Seq, c.Duration)
		}
	}
	if len(chunks) > 2 {
		t.Errorf("stop not observed at the next boundary: %d chunks", len(chunks))
	}
}

func TestRun_ContextCancel(t *testing.T) {
	seg, _ := New(audio.NewReaderSource(zeroReader{}, audio.Whisper), Config{ChunkDuration: 100 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	out := make(chan audio.Chunk)
	errc := make(chan error, 1)
	go func() { errc <- seg.Run(ctx, out) }()
	<-out
	cancel()

	for range out {
	}
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
