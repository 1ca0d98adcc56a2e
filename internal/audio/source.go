package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
)

// ErrSourceLost is returned by Read when the capture process died.
var ErrSourceLost = errors.New("audio source lost")

// Source is a continuous PCM byte stream. Close must unblock a pending Read.
type Source interface {
	io.ReadCloser
	Format() Format
}

type readerSource struct {
	r      io.Reader
	format Format
}

// NewReaderSource adapts raw PCM from r. Close closes r if it is an io.Closer.
func NewReaderSource(r io.Reader, f Format) Source {
	return &readerSource{r: r, format: f}
}

func (s *readerSource) Read(p []byte) (int, error) { return s.r.Read(p) }
func (s *readerSource) Format() Format             { return s.format }

func (s *readerSource) Close() error {
	if c, ok := s.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// OpenFile opens a raw s16le PCM file in the Whisper format; "-" is stdin.
func OpenFile(path string) (Source, error) {
	if path == "-" {
		return NewReaderSource(os.Stdin, Whisper), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	return NewReaderSource(f, Whisper), nil
}

// CaptureConfig selects the ffmpeg input device.
type CaptureConfig struct {
	FFmpegBin   string
	InputFormat string // avfoundation, pulse, alsa, ...
	Device      string // e.g. ":BlackHole 2ch" or "default"
}

// FFmpegSource captures a device through an ffmpeg subprocess that writes
// Whisper-format PCM to stdout.
type FFmpegSource struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *tailBuffer
	cancel context.CancelFunc
	closed atomic.Bool

	waitOnce sync.Once
	waitErr  error
}

// StartCapture launches ffmpeg. Cancelling ctx kills the process.
func StartCapture(ctx context.Context, cfg CaptureConfig) (*FFmpegSource, error) {
	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, cfg.FFmpegBin, CaptureArgs(cfg)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ffmpeg stdout: %w", err)
	}
	stderr := &tailBuffer{max: 4096}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}
	return &FFmpegSource{cmd: cmd, stdout: stdout, stderr: stderr, cancel: cancel}, nil
}

// CaptureArgs builds the ffmpeg command line for cfg.
func CaptureArgs(cfg CaptureConfig) []string {
	return []string{
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-f", cfg.InputFormat, "-i", cfg.Device,
		"-ac", "1", "-ar", "16000",
		"-acodec", "pcm_s16le", "-f", "s16le", "pipe:1",
	}
}

func (s *FFmpegSource) Format() Format { return Whisper }

func (s *FFmpegSource) Read(p []byte) (int, error) {
	n, err := s.stdout.Read(p)
	if err == nil {
		return n, nil
	}
	if s.closed.Load() {
		return n, io.EOF
	}
	werr := s.wait()
	if werr != nil {
		return n, fmt.Errorf("%w: ffmpeg: %v: %s", ErrSourceLost, werr, s.stderr.String())
	}
	if errors.Is(err, io.EOF) {
		return n, io.EOF
	}
	return n, err
}

// Close stops the capture process and unblocks readers.
func (s *FFmpegSource) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.cancel()
	s.wait()
	return nil
}

func (s *FFmpegSource) wait() error {
	s.waitOnce.Do(func() {
		s.waitErr = s.cmd.Wait()
	})
	return s.waitErr
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = b.buf[len(b.buf)-b.max:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(string(b.buf))
}
