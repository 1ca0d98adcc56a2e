package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
)

type Config struct {
	DataDir  string
	LogLevel string

	// Pipeline
	ChunkDuration      time.Duration
	Overlap            time.Duration
	Workers            int
	QueueSize          int
	Window             int
	TranscribeTimeout  time.Duration
	TranscribeAttempts int
	RetryBackoff       time.Duration
	ReadAttempts       int
	WriteAttempts      int
	RotateSize         int64
	RotateInterval     time.Duration
	StopGrace          time.Duration

	// Engine
	Engine     string
	WhisperBin string
	ModelPath  string
	Language   string
	Threads    int
	WhisperURL string

	// Capture
	FFmpegBin     string
	CaptureFormat string
	CaptureDevice string

	// Integrations
	StatusAddr  string
	NatsURL     string
	NatsToken   string
	DatabaseURL string

	// Retention
	MaxAgeRecordings  time.Duration
	MaxAgeTranscripts time.Duration
	MaxAgeLogs        time.Duration
	MaxTotalSize      int64
	MaxFileCount      int
}

// Load reads the configuration from the environment. Call LoadFile first to
// pick up config.env.
func Load() Config {
	dataDir := expandHome(envStr("S2T_DATA_DIR", DefaultDataDir()))
	captureFormat, captureDevice := "pulse", "default"
	if runtime.GOOS == "darwin" {
		captureFormat, captureDevice = "avfoundation", ":BlackHole 2ch"
	}

	return Config{
		DataDir:  dataDir,
		LogLevel: envStr("LOG_LEVEL", "info"),

		ChunkDuration:      envDuration("S2T_CHUNK_DURATION", 30*time.Second),
		Overlap:            envDuration("S2T_OVERLAP", 2*time.Second),
		Workers:            envInt("S2T_WORKERS", 2),
		QueueSize:          envInt("S2T_QUEUE_SIZE", 4),
		Window:             envInt("S2T_WINDOW", 0),
		TranscribeTimeout:  envDuration("S2T_TRANSCRIBE_TIMEOUT", 2*time.Minute),
		TranscribeAttempts: envInt("S2T_TRANSCRIBE_ATTEMPTS", 3),
		RetryBackoff:       envDuration("S2T_RETRY_BACKOFF", time.Second),
		ReadAttempts:       envInt("S2T_READ_ATTEMPTS", 5),
		WriteAttempts:      envInt("S2T_WRITE_ATTEMPTS", 3),
		RotateSize:         envBytes("S2T_ROTATE_SIZE", 512*1000*1000),
		RotateInterval:     envDuration("S2T_ROTATE_INTERVAL", time.Hour),
		StopGrace:          envDuration("S2T_STOP_GRACE", 0),

		Engine:     envStr("S2T_ENGINE", "whisper-cli"),
		WhisperBin: envStr("S2T_WHISPER_BIN", "whisper-cli"),
		ModelPath:  expandHome(envStr("S2T_MODEL", filepath.Join(dataDir, "models", "ggml-medium.bin"))),
		Language:   envStr("S2T_LANGUAGE", "auto"),
		Threads:    envInt("S2T_THREADS", 4),
		WhisperURL: envStr("S2T_WHISPER_URL", "http://127.0.0.1:8080"),

		FFmpegBin:     envStr("S2T_FFMPEG_BIN", "ffmpeg"),
		CaptureFormat: envStr("S2T_CAPTURE_FORMAT", captureFormat),
		CaptureDevice: envStr("S2T_CAPTURE_DEVICE", captureDevice),

		StatusAddr:  envStr("S2T_STATUS_ADDR", "127.0.0.1:8765"),
		NatsURL:     envStr("NATS_URL", ""),
		NatsToken:   envStr("NATS_TOKEN", ""),
		DatabaseURL: envStr("DATABASE_URL", ""),

		MaxAgeRecordings:  envDuration("S2T_MAX_AGE_RECORDINGS", 0),
		MaxAgeTranscripts: envDuration("S2T_MAX_AGE_TRANSCRIPTS", 0),
		MaxAgeLogs:        envDuration("S2T_MAX_AGE_LOGS", 0),
		MaxTotalSize:      envBytes("S2T_MAX_TOTAL_SIZE", 0),
		MaxFileCount:      envInt("S2T_MAX_FILE_COUNT", 0),
	}
}

// DefaultDataDir is ~/sound2transcript.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "sound2transcript"
	}
	return filepath.Join(home, "sound2transcript")
}

// EnvFile returns the config.env path: S2T_CONFIG if set, otherwise
// config/config.env under the data directory.
func EnvFile() string {
	if p := os.Getenv("S2T_CONFIG"); p != "" {
		return expandHome(p)
	}
	dataDir := expandHome(envStr("S2T_DATA_DIR", DefaultDataDir()))
	return filepath.Join(dataDir, "config", "config.env")
}

// LoadFile loads KEY=value pairs from path into the process environment.
// Variables already set in the environment win. A missing file is not an
// error.
func LoadFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// ParseDuration accepts time.ParseDuration syntax plus a whole-day suffix,
// e.g. "7d" or "1d12h".
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}
	var days time.Duration
	if i := strings.IndexByte(s, 'd'); i > 0 {
		n, err := strconv.Atoi(s[:i])
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		days = time.Duration(n) * 24 * time.Hour
		s = s[i+1:]
		if s == "" {
			return days, nil
		}
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return days + d, nil
}

// ParseSize accepts humanized sizes such as "500MB", "20GiB" or plain bytes.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return int64(n), nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envBytes(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := ParseSize(v); err == nil {
			return n
		}
	}
	return fallback
}

func expandHome(path string) string {
	if len(path) > 1 && path[0] == '~' && path[1] == '/' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
