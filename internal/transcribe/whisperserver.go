package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/jmcoimbra/sound2transcript/internal/audio"
)

// Server talks to a running whisper.cpp server over HTTP. The model stays
// loaded between chunks, which makes it much faster than CLI for long sessions.
type Server struct {
	baseURL  string
	language string
	client   *http.Client
}

// NewServer creates a client for baseURL, e.g. http://127.0.0.1:8080.
// Per-call deadlines come from ctx.
func NewServer(baseURL, language string) *Server {
	return &Server{
		baseURL:  strings.TrimRight(baseURL, "/"),
		language: language,
		client:   &http.Client{},
	}
}

type verboseResponse struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Segments []struct {
		Start      float64 `json:"start"`
		End        float64 `json:"end"`
		Text       string  `json:"text"`
		AvgLogprob float64 `json:"avg_logprob"`
	} `json:"segments"`
}

type serverError struct {
	Error string `json:"error"`
}

func (s *Server) Transcribe(ctx context.Context, req Request) (Result, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", fmt.Sprintf("chunk_%06d.wav", req.Seq))
	if err != nil {
		return Result{}, &EngineError{Kind: KindUnavailable, Err: fmt.Errorf("create form: %w", err)}
	}
	if _, err := fw.Write(audio.EncodeWAV(req.Format, req.Samples)); err != nil {
		return Result{}, &EngineError{Kind: KindUnavailable, Err: fmt.Errorf("write form: %w", err)}
	}
	mw.WriteField("response_format", "verbose_json")
	mw.WriteField("temperature", "0.0")
	if s.language != "" {
		mw.WriteField("language", s.language)
	}
	if err := mw.Close(); err != nil {
		return Result{}, &EngineError{Kind: KindUnavailable, Err: fmt.Errorf("close form: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/inference", &body)
	if err != nil {
		return Result{}, &EngineError{Kind: KindUnavailable, Err: fmt.Errorf("create request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return Result{}, Classify(ctx, fmt.Errorf("inference call: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, Classify(ctx, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		msg := string(respBody)
		var se serverError
		if json.Unmarshal(respBody, &se) == nil && se.Error != "" {
			msg = se.Error
		}
		kind := KindUnavailable
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			kind = KindDecode
		}
		return Result{}, &EngineError{Kind: kind, Err: fmt.Errorf("inference error %d: %s", resp.StatusCode, msg)}
	}

	return ParseServerResponse(respBody)
}

// ParseServerResponse decodes a verbose_json inference response. Confidence
// is the mean of exp(avg_logprob) over segments.
func ParseServerResponse(raw []byte) (Result, error) {
	var vr verboseResponse
	if err := json.Unmarshal(raw, &vr); err != nil {
		return Result{}, &EngineError{Kind: KindDecode, Err: fmt.Errorf("unmarshal response: %w", err)}
	}

	res := Result{Text: strings.TrimSpace(vr.Text), Language: vr.Language}
	var sum float64
	for _, seg := range vr.Segments {
		res.Spans = append(res.Spans, Span{
			Start: time.Duration(seg.Start * float64(time.Second)),
			End:   time.Duration(seg.End * float64(time.Second)),
			Text:  strings.TrimSpace(seg.Text),
		})
		sum += math.Exp(seg.AvgLogprob)
	}
	if len(vr.Segments) > 0 {
		res.Confidence = clamp01(sum / float64(len(vr.Segments)))
	}
	return res, nil
}
