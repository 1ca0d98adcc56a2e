package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmcoimbra/sound2transcript/internal/artifact"
	"github.com/jmcoimbra/sound2transcript/internal/audio"
	"github.com/jmcoimbra/sound2transcript/internal/bus"
	"github.com/jmcoimbra/sound2transcript/internal/retention"
	"github.com/jmcoimbra/sound2transcript/internal/session"
	"github.com/jmcoimbra/sound2transcript/internal/transcribe"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events map[string]int
}

func (p *recordingPublisher) record(subject string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.events == nil {
		p.events = make(map[string]int)
	}
	p.events[subject]++
}

func (p *recordingPublisher) PublishSession(ev bus.SessionEvent) error {
	subject, err := bus.SessionSubject(ev.State)
	if err != nil {
		return err
	}
	p.record(subject)
	return nil
}

func (p *recordingPublisher) PublishSegment(seg transcribe.Segment) error {
	p.record(bus.SubjectSegmentWritten)
	return nil
}

func (p *recordingPublisher) count(subject string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[subject]
}

type memorySink struct {
	mu   sync.Mutex
	segs []transcribe.Segment
}

func (s *memorySink) PutSegment(ctx context.Context, seg transcribe.Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segs = append(s.segs, seg)
	return nil
}

// echoEngine answers with the sequence number after a random delay, so
// completions arrive out of order.
func echoEngine(maxDelay time.Duration) transcribe.Engine {
	return transcribe.EngineFunc(func(ctx context.Context, req transcribe.Request) (transcribe.Result, error) {
		if maxDelay > 0 {
			select {
			case <-time.After(time.Duration(rand.Int63n(int64(maxDelay)))):
			case <-ctx.Done():
				return transcribe.Result{}, ctx.Err()
			}
		}
		return transcribe.Result{Text: fmt.Sprintf("chunk %d", req.Seq), Confidence: 0.9}, nil
	})
}

type harness struct {
	dir string
	reg *session.Registry
	pub *recordingPublisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	reg, err := session.OpenRegistry(context.Background(), session.DefaultPath(dir))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { reg.Close() })
	return &harness{dir: dir, reg: reg, pub: &recordingPublisher{}}
}

func (h *harness) config(id string) Config {
	return Config{
		DataDir:            h.dir,
		SessionID:          id,
		ChunkDuration:      time.Second,
		Overlap:            200 * time.Millisecond,
		Workers:            3,
		QueueSize:          2,
		TranscribeTimeout:  time.Second,
		TranscribeAttempts: 3,
		RetryBackoff:       time.Millisecond,
		ReadAttempts:       3,
		WriteAttempts:      3,
	}
}

func (h *harness) pipeline(t *testing.T, cfg Config, engine transcribe.Engine) *Pipeline {
	t.Helper()
	p, err := New(cfg, Deps{Registry: h.reg, Engine: engine, Publisher: h.pub})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func (h *harness) transcript(t *testing.T, id string) []transcribe.Segment {
	t.Helper()
	var out []transcribe.Segment
	for idx := 0; ; idx++ {
		f, err := os.Open(artifact.Path(h.dir, id, artifact.Transcript, idx))
		if err != nil {
			break
		}
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			var seg transcribe.Segment
			if err := json.Unmarshal(sc.Bytes(), &seg); err != nil {
				t.Fatalf("bad transcript line %q: %v", sc.Text(), err)
			}
			out = append(out, seg)
		}
		f.Close()
	}
	return out
}

func (h *harness) recordedBytes(t *testing.T, id string) int64 {
	t.Helper()
	var total int64
	for idx := 0; ; idx++ {
		raw, err := os.ReadFile(artifact.Path(h.dir, id, artifact.Recording, idx))
		if err != nil {
			break
		}
		n := binary.LittleEndian.Uint32(raw[40:44])
		if int(n) != len(raw)-audio.WAVHeaderSize {
			t.Errorf("recording %d header says %d, holds %d", idx, n, len(raw)-audio.WAVHeaderSize)
		}
		total += int64(n)
	}
	return total
}

func (h *harness) state(t *testing.T, id string) session.State {
	t.Helper()
	s, err := h.reg.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return s.State
}

func (h *harness) openFiles(t *testing.T) []string {
	t.Helper()
	arts, err := artifact.Scan(h.dir)
	if err != nil {
		t.Fatal(err)
	}
	var open []string
	for _, a := range arts {
		if a.Open {
			open = append(open, a.Path)
		}
	}
	return open
}

func pcmSource(d time.Duration) audio.Source {
	return audio.NewReaderSource(bytes.NewReader(make([]byte, audio.Whisper.Bytes(d))), audio.Whisper)
}

func assertOrdered(t *testing.T, segs []transcribe.Segment, n int, chunk time.Duration) {
	t.Helper()
	if len(segs) != n {
		t.Fatalf("expected %d segments, got %d", n, len(segs))
	}
	for i, s := range segs {
		if s.Seq != int64(i) {
			t.Fatalf("segment %d has seq %d", i, s.Seq)
		}
		wantStart := (time.Duration(i) * chunk).Seconds()
		wantEnd := (time.Duration(i+1) * chunk).Seconds()
		if s.StartSec != wantStart || s.EndSec != wantEnd {
			t.Errorf("segment %d covers [%v, %v)", i, s.StartSec, s.EndSec)
		}
	}
}

func TestRun_TenMinuteSession(t *testing.T) {
	h := newHarness(t)
	cfg := h.config("tenmin")
	cfg.ChunkDuration = 30 * time.Second
	cfg.Overlap = 2 * time.Second
	sink := &memorySink{}

	p, err := New(cfg, Deps{Registry: h.reg, Engine: echoEngine(5 * time.Millisecond), Publisher: h.pub, Sink: sink})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Run(context.Background(), pcmSource(10*time.Minute)); err != nil {
		t.Fatalf("run: %v", err)
	}

	segs := h.transcript(t, "tenmin")
	assertOrdered(t, segs, 20, 30*time.Second)
	if segs[19].EndSec != 600 {
		t.Errorf("transcript ends at %v", segs[19].EndSec)
	}
	for _, s := range segs {
		if s.Failed() || s.Text != fmt.Sprintf("chunk %d", s.Seq) {
			t.Errorf("unexpected segment %+v", s)
		}
	}

	if got := h.recordedBytes(t, "tenmin"); got != int64(audio.Whisper.Bytes(10*time.Minute)) {
		t.Errorf("recording holds %d bytes", got)
	}
	if h.state(t, "tenmin") != session.StateStopped {
		t.Errorf("session not STOPPED")
	}
	if open := h.openFiles(t); len(open) != 0 {
		t.Errorf("artifacts left open: %v", open)
	}

	st := p.Status()
	if st.Phase != PhaseStopped || st.ChunksCaptured != 20 || st.SegmentsWritten != 20 || st.NextSeq != 20 {
		t.Errorf("unexpected status %+v", st)
	}
	if st.BytesRecorded != int64(audio.Whisper.Bytes(10*time.Minute)) {
		t.Errorf("status reports %d bytes recorded", st.BytesRecorded)
	}
	if len(sink.segs) != 20 {
		t.Errorf("index mirror got %d segments", len(sink.segs))
	}
	if h.pub.count(bus.SubjectSessionStarted) != 1 || h.pub.count(bus.SubjectSessionStopped) != 1 || h.pub.count(bus.SubjectSegmentWritten) != 20 {
		t.Errorf("unexpected events %v", h.pub.events)
	}
}

func TestRun_TimeoutsOnOneChunkLeaveSentinel(t *testing.T) {
	h := newHarness(t)
	cfg := h.config("timeouts")
	cfg.TranscribeTimeout = 20 * time.Millisecond

	var seq5Calls atomic.Int32
	engine := transcribe.EngineFunc(func(ctx context.Context, req transcribe.Request) (transcribe.Result, error) {
		if req.Seq == 5 {
			seq5Calls.Add(1)
			<-ctx.Done()
			return transcribe.Result{}, ctx.Err()
		}
		return transcribe.Result{Text: "ok"}, nil
	})

	if err := h.pipeline(t, cfg, engine).Run(context.Background(), pcmSource(8*time.Second)); err != nil {
		t.Fatalf("run: %v", err)
	}

	segs := h.transcript(t, "timeouts")
	assertOrdered(t, segs, 8, time.Second)
	for _, s := range segs {
		if s.Seq == 5 {
			if !s.Failed() || s.ErrorKind != transcribe.KindTimeout || s.Attempts != 3 || s.Text != "" {
				t.Errorf("expected timeout sentinel for seq 5, got %+v", s)
			}
		} else if s.Failed() {
			t.Errorf("seq %d unexpectedly failed", s.Seq)
		}
	}
	if seq5Calls.Load() != 3 {
		t.Errorf("seq 5 attempted %d times", seq5Calls.Load())
	}

	logRaw, err := os.ReadFile(artifact.Path(h.dir, "timeouts", artifact.Log, 0))
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, line := range strings.Split(string(logRaw), "\n") {
		if strings.Contains(line, `"msg":"transcription failed"`) &&
			strings.Contains(line, `"seq":5`) &&
			strings.Contains(line, `"error_kind":"timeout"`) {
			found = true
		}
	}
	if !found {
		t.Errorf("session log has no engine error for seq 5:\n%s", logRaw)
	}
	if h.state(t, "timeouts") != session.StateStopped {
		t.Error("engine failures must not crash the session")
	}
}

func TestRun_OutOfOrderCompletion(t *testing.T) {
	h := newHarness(t)
	cfg := h.config("reorder")
	cfg.Workers = 4
	cfg.Overlap = 0

	// Earlier chunks take longer, so later ones finish first.
	engine := transcribe.EngineFunc(func(ctx context.Context, req transcribe.Request) (transcribe.Result, error) {
		time.Sleep(time.Duration(4-req.Seq%4) * 5 * time.Millisecond)
		return transcribe.Result{Text: fmt.Sprint(req.Seq)}, nil
	})

	if err := h.pipeline(t, cfg, engine).Run(context.Background(), pcmSource(12*time.Second)); err != nil {
		t.Fatal(err)
	}
	assertOrdered(t, h.transcript(t, "reorder"), 12, time.Second)
}

func TestRun_SingleActiveSession(t *testing.T) {
	h := newHarness(t)
	pr, pw := io.Pipe()
	first := h.pipeline(t, h.config("first"), echoEngine(0))

	done := make(chan error, 1)
	go func() { done <- first.Run(context.Background(), audio.NewReaderSource(pr, audio.Whisper)) }()

	waitForPhase(t, first, PhaseRunning)

	second := h.pipeline(t, h.config("second"), echoEngine(0))
	err := second.Run(context.Background(), pcmSource(time.Second))
	if !errors.Is(err, session.ErrSessionActive) {
		t.Fatalf("expected ErrSessionActive, got %v", err)
	}
	if _, err := h.reg.Get(context.Background(), "second"); !errors.Is(err, session.ErrNotFound) {
		t.Error("rejected session must not be registered")
	}

	first.Stop()
	pw.Write(make([]byte, audio.Whisper.Bytes(1500*time.Millisecond)))
	pw.Close()
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
	if h.state(t, "first") != session.StateStopped {
		t.Error("first session not STOPPED")
	}
}

func TestRun_GracefulStop(t *testing.T) {
	h := newHarness(t)
	cfg := h.config("graceful")
	cfg.ChunkDuration = 100 * time.Millisecond
	cfg.Overlap = 0
	p := h.pipeline(t, cfg, echoEngine(time.Millisecond))

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background(), audio.NewReaderSource(endless{}, audio.Whisper)) }()

	deadline := time.Now().Add(5 * time.Second)
	for p.Status().SegmentsWritten < 3 {
		if time.Now().After(deadline) {
			t.Fatal("no progress")
		}
		time.Sleep(time.Millisecond)
	}
	p.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not end the session")
	}

	segs := h.transcript(t, "graceful")
	st := p.Status()
	if int64(len(segs)) != st.ChunksCaptured {
		t.Errorf("captured %d chunks but wrote %d segments", st.ChunksCaptured, len(segs))
	}
	assertOrdered(t, segs, len(segs), 100*time.Millisecond)
	if h.state(t, "graceful") != session.StateStopped {
		t.Error("session not STOPPED")
	}
}

func waitForPhase(t *testing.T, p *Pipeline, phase string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for p.Status().Phase != phase {
		if time.Now().After(deadline) {
			t.Fatalf("pipeline never reached phase %q", phase)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type endless struct{}

func (endless) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

func TestRun_HardAbort(t *testing.T) {
	h := newHarness(t)
	pr, _ := io.Pipe()
	p := h.pipeline(t, h.config("abort"), echoEngine(0))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, audio.NewReaderSource(pr, audio.Whisper)) }()

	waitForPhase(t, p, PhaseRunning)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("hard abort did not unblock the stalled source")
	}
	if h.state(t, "abort") != session.StateStopped {
		t.Error("aborted session should still be closed")
	}
	if open := h.openFiles(t); len(open) != 0 {
		t.Errorf("artifacts left open: %v", open)
	}
}

func TestRun_HardAbortMarksInFlightCanceled(t *testing.T) {
	h := newHarness(t)
	cfg := h.config("abortinflight")
	cfg.TranscribeTimeout = time.Minute
	stuck := transcribe.EngineFunc(func(ctx context.Context, req transcribe.Request) (transcribe.Result, error) {
		<-ctx.Done()
		return transcribe.Result{}, ctx.Err()
	})
	p := h.pipeline(t, cfg, stuck)

	// Three chunks of audio, then a stall that only Close ends.
	pr, _ := io.Pipe()
	src := struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(make([]byte, audio.Whisper.Bytes(3*time.Second))), pr), pr}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, audio.NewReaderSource(src, audio.Whisper)) }()

	deadline := time.Now().Add(5 * time.Second)
	for p.Status().InFlight < 2 {
		if time.Now().After(deadline) {
			t.Fatal("chunks never reached the engine")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	segs := h.transcript(t, "abortinflight")
	if len(segs) == 0 {
		t.Fatal("in-flight chunks left no sentinels")
	}
	for _, s := range segs {
		if !s.Failed() || s.ErrorKind != transcribe.KindCanceled {
			t.Errorf("seq %d: expected canceled sentinel, got %+v", s.Seq, s)
		}
	}
}

func TestRun_WriterFailureCrashesSession(t *testing.T) {
	h := newHarness(t)
	// A file where the recordings directory should be.
	if err := os.WriteFile(filepath.Join(h.dir, "recordings"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	err := h.pipeline(t, h.config("doomed"), echoEngine(0)).Run(context.Background(), pcmSource(time.Second))
	if !session.IsFatal(err) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if h.state(t, "doomed") != session.StateCrashed {
		t.Error("session not CRASHED")
	}
	if h.pub.count(bus.SubjectSessionCrashed) != 1 {
		t.Errorf("crash event not published: %v", h.pub.events)
	}
}

func deadPID(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Skipf("cannot spawn helper process: %v", err)
	}
	return cmd.Process.Pid
}

func TestRun_RecoversCrashedSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.reg.Claim(ctx, session.Session{ID: "stale", StartedAt: time.Now().Add(-time.Hour), PID: deadPID(t)}); err != nil {
		t.Fatal(err)
	}
	artifact.EnsureDirs(h.dir)
	open := artifact.OpenPath(h.dir, "stale", artifact.Transcript, 0)
	os.WriteFile(open, []byte("{\"seq\":0}\n{\"seq\""), 0o644)

	if err := h.pipeline(t, h.config("fresh"), echoEngine(0)).Run(ctx, pcmSource(2*time.Second)); err != nil {
		t.Fatalf("run: %v", err)
	}

	if h.state(t, "stale") != session.StateCrashed {
		t.Error("stale session not marked CRASHED")
	}
	raw, err := os.ReadFile(artifact.Path(h.dir, "stale", artifact.Transcript, 0))
	if err != nil {
		t.Fatalf("stale transcript not finalized: %v", err)
	}
	if string(raw) != "{\"seq\":0}\n" {
		t.Errorf("partial line not truncated: %q", raw)
	}
	if h.state(t, "fresh") != session.StateStopped {
		t.Error("new session not STOPPED")
	}
}

func TestRun_RecoversSessionLeftWithOwnPID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	// A restarted container gets the same PID as the process that crashed.
	if err := h.reg.Claim(ctx, session.Session{ID: "prev", StartedAt: time.Now().Add(-time.Hour), PID: os.Getpid()}); err != nil {
		t.Fatal(err)
	}
	artifact.EnsureDirs(h.dir)
	os.WriteFile(artifact.OpenPath(h.dir, "prev", artifact.Transcript, 0), []byte("{\"seq\":0}\n"), 0o644)

	if err := h.pipeline(t, h.config("next"), echoEngine(0)).Run(ctx, pcmSource(2*time.Second)); err != nil {
		t.Fatalf("run: %v", err)
	}
	if h.state(t, "prev") != session.StateCrashed {
		t.Error("session left with our PID not marked CRASHED")
	}
	if h.state(t, "next") != session.StateStopped {
		t.Error("new session not STOPPED")
	}
	if open := h.openFiles(t); len(open) != 0 {
		t.Errorf("artifacts left open: %v", open)
	}
}

func TestRun_RetriesLeftoverArtifacts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.reg.Claim(ctx, session.Session{ID: "stale", StartedAt: time.Now().Add(-30 * 24 * time.Hour), PID: deadPID(t)}); err != nil {
		t.Fatal(err)
	}
	artifact.EnsureDirs(h.dir)
	recOpen := artifact.OpenPath(h.dir, "stale", artifact.Recording, 0)
	os.WriteFile(recOpen, audio.WAVHeader(audio.Whisper, 0), 0o644)
	logOpen := artifact.OpenPath(h.dir, "stale", artifact.Log, 0)
	os.WriteFile(logOpen, []byte("{}\n"), 0o644)
	old := time.Now().Add(-30 * 24 * time.Hour)
	os.Chtimes(recOpen, old, old)

	// Block the log rename with a non-empty directory at its final path.
	blocker := artifact.Path(h.dir, "stale", artifact.Log, 0)
	os.MkdirAll(filepath.Join(blocker, "x"), 0o755)

	if err := h.pipeline(t, h.config("fresh"), echoEngine(0)).Run(ctx, pcmSource(time.Second)); err != nil {
		t.Fatalf("run: %v", err)
	}
	if h.state(t, "stale") != session.StateCrashed {
		t.Error("stale session not marked CRASHED")
	}
	if _, err := os.Stat(logOpen); err != nil {
		t.Fatalf("blocked log should still be open: %v", err)
	}

	// The recording was finalized despite the log failure, so gc can age it out.
	sum, err := retention.New(h.dir, retention.Policy{MaxAgeRecordings: time.Hour}, h.reg, nil).Run(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(artifact.Path(h.dir, "stale", artifact.Recording, 0)); !os.IsNotExist(err) {
		t.Errorf("old stale recording survived gc: %+v", sum)
	}

	os.RemoveAll(blocker)
	if err := h.pipeline(t, h.config("later"), echoEngine(0)).Run(ctx, pcmSource(time.Second)); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if open := h.openFiles(t); len(open) != 0 {
		t.Errorf("leftover artifacts not retried: %v", open)
	}
}

func TestRun_GCDuringSessionLeavesItIntact(t *testing.T) {
	h := newHarness(t)
	cfg := h.config("guarded")
	cfg.ChunkDuration = 100 * time.Millisecond
	cfg.Overlap = 0
	// Rotate every two chunks so finalized files of the live session exist.
	cfg.RotateSize = audio.WAVHeaderSize + int64(2*audio.Whisper.Bytes(100*time.Millisecond))
	p := h.pipeline(t, cfg, echoEngine(time.Millisecond))

	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background(), audio.NewReaderSource(pr, audio.Whisper)) }()

	gc := retention.New(h.dir, retention.Policy{
		MaxAgeRecordings:  time.Nanosecond,
		MaxAgeTranscripts: time.Nanosecond,
		MaxAgeLogs:        time.Nanosecond,
		MaxFileCount:      1,
	}, h.reg, nil)

	chunk := make([]byte, audio.Whisper.Bytes(100*time.Millisecond))
	total := 0
	for i := 0; i < 20; i++ {
		pw.Write(chunk)
		total += len(chunk)
		if _, err := gc.Run(context.Background(), false); err != nil {
			t.Fatalf("gc: %v", err)
		}
	}
	pw.Close()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := h.recordedBytes(t, "guarded"); got != int64(total) {
		t.Errorf("gc removed recordings of the active session: %d of %d bytes left", got, total)
	}
	assertOrdered(t, h.transcript(t, "guarded"), 20, 100*time.Millisecond)
}

func TestHandleStop(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(t, h.config("remote"), echoEngine(0))
	p.mu.Lock()
	p.sessionID = "remote"
	p.mu.Unlock()

	if p.HandleStop(bus.StopCommand{SessionID: "other"}) || p.stopRequested.Load() {
		t.Fatal("stop for another session was honoured")
	}
	if !p.HandleStop(bus.StopCommand{SessionID: "remote", Reason: "meeting over"}) || !p.stopRequested.Load() {
		t.Fatal("stop for this session was ignored")
	}
}

func TestStopBeforeRun(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(t, h.config("early"), echoEngine(0))
	p.Stop()

	if err := p.Run(context.Background(), audio.NewReaderSource(endless{}, audio.Whisper)); err != nil {
		t.Fatalf("run: %v", err)
	}
	if n := len(h.transcript(t, "early")); n != 0 {
		t.Errorf("expected no chunks after an early stop, got %d", n)
	}
}

func TestNew_Validation(t *testing.T) {
	h := newHarness(t)
	if _, err := New(h.config("x"), Deps{Engine: echoEngine(0)}); err == nil {
		t.Error("expected error without registry")
	}
	if _, err := New(h.config("x"), Deps{Registry: h.reg}); err == nil {
		t.Error("expected error without engine")
	}
	if _, err := New(h.config("bad id"), Deps{Registry: h.reg, Engine: echoEngine(0)}); !errors.Is(err, session.ErrInvalidID) {
		t.Errorf("expected ErrInvalidID, got %v", err)
	}
}
