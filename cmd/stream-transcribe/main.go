package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jmcoimbra/sound2transcript/internal/api"
	"github.com/jmcoimbra/sound2transcript/internal/artifact"
	"github.com/jmcoimbra/sound2transcript/internal/audio"
	"github.com/jmcoimbra/sound2transcript/internal/buildinfo"
	"github.com/jmcoimbra/sound2transcript/internal/bus"
	"github.com/jmcoimbra/sound2transcript/internal/config"
	"github.com/jmcoimbra/sound2transcript/internal/index"
	"github.com/jmcoimbra/sound2transcript/internal/logging"
	"github.com/jmcoimbra/sound2transcript/internal/pipeline"
	"github.com/jmcoimbra/sound2transcript/internal/session"
	"github.com/jmcoimbra/sound2transcript/internal/transcribe"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("stream-transcribe failed", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if err := config.LoadFile(config.EnvFile()); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	cfg := config.Load()

	fs := flag.NewFlagSet("stream-transcribe", flag.ExitOnError)
	fs.DurationVar(&cfg.ChunkDuration, "chunk", cfg.ChunkDuration, "chunk duration")
	fs.DurationVar(&cfg.Overlap, "overlap", cfg.Overlap, "overlap carried into the next chunk")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "transcription workers")
	fs.IntVar(&cfg.QueueSize, "queue", cfg.QueueSize, "chunk queue capacity")
	fs.IntVar(&cfg.Window, "window", cfg.Window, "max chunks in flight (0 = 2*workers)")
	fs.DurationVar(&cfg.TranscribeTimeout, "timeout", cfg.TranscribeTimeout, "per-attempt transcription timeout")
	fs.IntVar(&cfg.TranscribeAttempts, "attempts", cfg.TranscribeAttempts, "transcription attempts per chunk")
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "data directory")
	sessionID := fs.String("session", "", "session id (generated when empty)")
	input := fs.String("input", "", "raw 16kHz mono s16le PCM file, or - for stdin (default: live capture)")
	fs.StringVar(&cfg.Engine, "engine", cfg.Engine, "whisper-cli or whisper-server")
	fs.StringVar(&cfg.ModelPath, "model", cfg.ModelPath, "ggml model path for whisper-cli")
	fs.StringVar(&cfg.Language, "language", cfg.Language, "spoken language or auto")
	fs.StringVar(&cfg.StatusAddr, "status-addr", cfg.StatusAddr, "status API listen address (empty disables)")
	version := fs.Bool("version", false, "print version and exit")
	fs.Parse(args)

	if *version {
		fmt.Println("stream-transcribe", buildinfo.Version)
		return nil
	}

	logger := logging.New(cfg.LogLevel, os.Stdout)
	slog.SetDefault(logger)

	if err := prepareDataDir(cfg.DataDir); err != nil {
		return err
	}

	engine, err := newEngine(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg, err := session.OpenRegistry(ctx, session.DefaultPath(cfg.DataDir))
	if err != nil {
		return err
	}
	defer reg.Close()

	deps := pipeline.Deps{Registry: reg, Engine: engine, Logger: logger}

	// Index (optional)
	var idx *index.Store
	if cfg.DatabaseURL != "" {
		idx = connectIndex(ctx, cfg.DatabaseURL, logger)
		if idx != nil {
			defer idx.Close()
			deps.Sink = idx
		}
	}

	// NATS (optional)
	var bc *bus.Client
	if cfg.NatsURL != "" {
		bc, err = bus.NewClient(ctx, cfg.NatsURL, cfg.NatsToken, logger)
		if err != nil {
			logger.Warn("NATS unavailable, running without events", "error", err)
			bc = nil
		} else {
			defer bc.Close()
			deps.Publisher = bc
			logger.Info("NATS connected", "url", cfg.NatsURL)
		}
	}

	p, err := pipeline.New(pipeline.Config{
		DataDir:            cfg.DataDir,
		SessionID:          *sessionID,
		ChunkDuration:      cfg.ChunkDuration,
		Overlap:            cfg.Overlap,
		Workers:            cfg.Workers,
		QueueSize:          cfg.QueueSize,
		Window:             cfg.Window,
		TranscribeTimeout:  cfg.TranscribeTimeout,
		TranscribeAttempts: cfg.TranscribeAttempts,
		RetryBackoff:       cfg.RetryBackoff,
		ReadAttempts:       cfg.ReadAttempts,
		WriteAttempts:      cfg.WriteAttempts,
		RotateSize:         cfg.RotateSize,
		RotateInterval:     cfg.RotateInterval,
		LogLevel:           logging.ParseLevel(cfg.LogLevel),
	}, deps)
	if err != nil {
		return err
	}

	if bc != nil {
		if err := bc.OnStop(p.HandleStop); err != nil {
			logger.Warn("remote stop disabled", "error", err)
		}
	}

	// Status API (optional)
	if cfg.StatusAddr != "" {
		var segs api.Segments
		if idx != nil {
			segs = idx
		}
		srv := api.NewServer(cfg.StatusAddr, p, reg, segs)
		go func() {
			if err := srv.Start(); err != nil {
				logger.Error("status API error", "error", err)
			}
		}()
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer scancel()
			srv.Shutdown(sctx)
		}()
	}

	src, err := openSource(ctx, cfg, *input)
	if err != nil {
		return err
	}

	go handleSignals(ctx, p, cancel, cfg.StopGrace, logger)

	logger.Info("stream-transcribe starting",
		"version", buildinfo.Version,
		"data_dir", cfg.DataDir,
		"engine", cfg.Engine,
		"input", inputName(*input),
	)
	err = p.Run(ctx, src)
	if bc != nil {
		fctx, fcancel := context.WithTimeout(context.Background(), 2*time.Second)
		bc.Flush(fctx)
		fcancel()
	}
	if err != nil {
		if errors.Is(err, session.ErrSessionActive) {
			return fmt.Errorf("%w; stop it first or wait for it to end", err)
		}
		return err
	}
	logger.Info("stream-transcribe stopped", "session_id", p.Status().SessionID)
	return nil
}

// handleSignals turns the first SIGINT/SIGTERM into a graceful stop and a
// second one, or the grace period running out, into a hard abort.
func handleSignals(ctx context.Context, p *pipeline.Pipeline, abort context.CancelFunc, grace time.Duration, logger *slog.Logger) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-ctx.Done():
		return
	case sig := <-sigCh:
		logger.Info("stopping at next chunk boundary", "signal", sig.String())
		p.Stop()
	}

	var deadline <-chan time.Time
	if grace > 0 {
		t := time.NewTimer(grace)
		defer t.Stop()
		deadline = t.C
	}
	select {
	case <-ctx.Done():
	case sig := <-sigCh:
		logger.Warn("aborting", "signal", sig.String())
		abort()
	case <-deadline:
		logger.Warn("stop grace period elapsed, aborting", "grace", grace)
		abort()
	}
}

func prepareDataDir(dataDir string) error {
	if err := artifact.EnsureDirs(dataDir); err != nil {
		return err
	}
	for _, sub := range []string{"models", "config"} {
		if err := os.MkdirAll(filepath.Join(dataDir, sub), 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", sub, err)
		}
	}
	return nil
}

func newEngine(cfg config.Config) (transcribe.Engine, error) {
	if cfg.Engine == transcribe.EngineCLI || cfg.Engine == "" {
		if _, err := os.Stat(cfg.ModelPath); err != nil {
			return nil, fmt.Errorf("whisper model %s: %w", cfg.ModelPath, err)
		}
	}
	return transcribe.New(transcribe.Options{
		Engine:    cfg.Engine,
		Bin:       cfg.WhisperBin,
		ModelPath: cfg.ModelPath,
		Language:  cfg.Language,
		Threads:   cfg.Threads,
		ServerURL: cfg.WhisperURL,
	})
}

func connectIndex(ctx context.Context, url string, logger *slog.Logger) *index.Store {
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	idx, err := index.New(cctx, url)
	if err != nil {
		logger.Warn("segment index unavailable", "error", err)
		return nil
	}
	if err := idx.EnsureSchema(cctx); err != nil {
		logger.Warn("segment index schema failed", "error", err)
		idx.Close()
		return nil
	}
	logger.Info("segment index connected")
	return idx
}

func openSource(ctx context.Context, cfg config.Config, input string) (audio.Source, error) {
	if input != "" {
		return audio.OpenFile(input)
	}
	return audio.StartCapture(ctx, audio.CaptureConfig{
		FFmpegBin:   cfg.FFmpegBin,
		InputFormat: cfg.CaptureFormat,
		Device:      cfg.CaptureDevice,
	})
}

func inputName(input string) string {
	if input == "" {
		return "capture"
	}
	return input
}
