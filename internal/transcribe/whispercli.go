package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jmcoimbra/sound2transcript/internal/audio"
)

// CLI runs the whisper.cpp command line binary once per chunk.
type CLI struct {
	Bin      string
	Model    string
	Language string
	Threads  int
	// TempDir holds the per-call WAV and JSON files; empty means os.TempDir.
	TempDir string
}

func NewCLI(bin, model, language string, threads int) *CLI {
	return &CLI{Bin: bin, Model: model, Language: language, Threads: threads}
}

// CLIArgs builds the whisper-cli argument list for one input file.
func (c *CLI) CLIArgs(wavPath, outBase string) []string {
	args := []string{
		"-m", c.Model,
		"-f", wavPath,
		"-ojf",
		"-of", outBase,
		"-np",
	}
	if c.Language != "" {
		args = append(args, "-l", c.Language)
	}
	if c.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(c.Threads))
	}
	return args
}

func (c *CLI) Transcribe(ctx context.Context, req Request) (Result, error) {
	dir, err := os.MkdirTemp(c.TempDir, "s2t-whisper-")
	if err != nil {
		return Result{}, &EngineError{Kind: KindUnavailable, Err: fmt.Errorf("temp dir: %w", err)}
	}
	defer os.RemoveAll(dir)

	wavPath := filepath.Join(dir, fmt.Sprintf("chunk_%06d.wav", req.Seq))
	if err := os.WriteFile(wavPath, audio.EncodeWAV(req.Format, req.Samples), 0o600); err != nil {
		return Result{}, &EngineError{Kind: KindUnavailable, Err: fmt.Errorf("write wav: %w", err)}
	}
	outBase := filepath.Join(dir, "out")

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.Bin, c.CLIArgs(wavPath, outBase)...)
	cmd.Stderr = &stderr
	cmd.WaitDelay = 5 * time.Second
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Result{}, Classify(ctx, ctx.Err())
		}
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 512 {
			msg = msg[len(msg)-512:]
		}
		return Result{}, &EngineError{Kind: KindUnavailable, Err: fmt.Errorf("%s: %w: %s", c.Bin, err, msg)}
	}

	raw, err := os.ReadFile(outBase + ".json")
	if err != nil {
		return Result{}, &EngineError{Kind: KindDecode, Err: fmt.Errorf("read output: %w", err)}
	}
	return ParseCLIOutput(raw)
}

type cliOutput struct {
	Result struct {
		Language string `json:"language"`
	} `json:"result"`
	Transcription []struct {
		Offsets struct {
			From int64 `json:"from"`
			To   int64 `json:"to"`
		} `json:"offsets"`
		Text   string `json:"text"`
		Tokens []struct {
			Text string  `json:"text"`
			P    float64 `json:"p"`
		} `json:"tokens"`
	} `json:"transcription"`
}

// ParseCLIOutput decodes a whisper-cli full JSON (-ojf) document.
// Confidence is the mean probability of the non-special tokens.
func ParseCLIOutput(raw []byte) (Result, error) {
	var out cliOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return Result{}, &EngineError{Kind: KindDecode, Err: fmt.Errorf("unmarshal output: %w", err)}
	}
	if out.Transcription == nil {
		return Result{}, &EngineError{Kind: KindDecode, Err: errors.New("output has no transcription")}
	}

	res := Result{Language: out.Result.Language}
	var texts []string
	var sum float64
	var n int
	for _, tr := range out.Transcription {
		text := strings.TrimSpace(tr.Text)
		if text != "" {
			texts = append(texts, text)
		}
		res.Spans = append(res.Spans, Span{
			Start: time.Duration(tr.Offsets.From) * time.Millisecond,
			End:   time.Duration(tr.Offsets.To) * time.Millisecond,
			Text:  text,
		})
		for _, tok := range tr.Tokens {
			if strings.HasPrefix(tok.Text, "[_") {
				continue
			}
			sum += tok.P
			n++
		}
	}
	res.Text = strings.Join(texts, " ")
	if n > 0 {
		res.Confidence = clamp01(sum / float64(n))
	}
	return res, nil
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
