// Package whisper provides a Transcriber backed by a local whisper.cpp
// server (which exposes a REST API at POST /inference).
//
// whisper-server only accepts 16 kHz mono WAV input, so incoming voice
// messages (Ogg/Opus from WhatsApp) are first converted with ffmpeg through a
// per-call temp directory. The directory is removed on every return path, so
// no intermediate files survive a call.
//
// Usage:
//
//	t, err := whisper.New("http://localhost:8080", whisper.WithLanguage("en"))
//	text, err := t.Transcribe(ctx, oggBytes, "audio/ogg")
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const (
	defaultLanguage = "en"
	defaultTimeout  = 60 * time.Second

	// targetSampleRate is fixed by whisper.cpp, which resamples nothing and
	// expects 16 kHz mono 16-bit PCM.
	targetSampleRate = "16000"
)

// Option is a functional option for configuring a Transcriber.
type Option func(*Transcriber)

// WithLanguage sets the language code forwarded to the whisper.cpp server
// (e.g., "en", "de"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(t *Transcriber) {
		t.language = lang
	}
}

// WithFFmpegPath overrides the ffmpeg binary used for container conversion.
// Defaults to "ffmpeg" resolved via PATH.
func WithFFmpegPath(path string) Option {
	return func(t *Transcriber) {
		t.ffmpegPath = path
	}
}

// WithTimeout sets the HTTP timeout for inference requests. Defaults to 60 s.
func WithTimeout(d time.Duration) Option {
	return func(t *Transcriber) {
		t.httpClient.Timeout = d
	}
}

// Transcriber implements stt.Transcriber backed by a whisper.cpp HTTP server.
// Safe for concurrent use; each call works in its own temp directory.
type Transcriber struct {
	serverURL  string
	language   string
	ffmpegPath string
	httpClient *http.Client
}

// New creates a Transcriber that connects to the whisper.cpp server at
// serverURL (e.g., "http://localhost:8080"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Transcriber, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	t := &Transcriber{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		ffmpegPath: "ffmpeg",
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// inferenceResponse is the JSON body returned by whisper-server.
type inferenceResponse struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

// Transcribe implements stt.Transcriber.
func (t *Transcriber) Transcribe(ctx context.Context, audio []byte, _ string) (string, error) {
	if len(audio) == 0 {
		return "", errors.New("whisper: empty audio")
	}

	wav, err := t.toWAV(ctx, audio)
	if err != nil {
		return "", fmt.Errorf("whisper: convert audio: %w", err)
	}

	text, err := t.infer(ctx, wav)
	if err != nil {
		return "", fmt.Errorf("whisper: inference: %w", err)
	}
	return strings.TrimSpace(text), nil
}

// toWAV converts the input blob to 16 kHz mono WAV using ffmpeg. All
// intermediate files live in a temp directory removed before returning.
func (t *Transcriber) toWAV(ctx context.Context, audio []byte) ([]byte, error) {
	dir, err := os.MkdirTemp("", "whisper-stt-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "in")
	out := filepath.Join(dir, "out.wav")
	if err := os.WriteFile(in, audio, 0o600); err != nil {
		return nil, fmt.Errorf("write input: %w", err)
	}

	cmd := exec.CommandContext(ctx, t.ffmpegPath,
		"-hide_banner", "-loglevel", "error",
		"-i", in,
		"-ar", targetSampleRate,
		"-ac", "1",
		"-c:a", "pcm_s16le",
		out,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg: %w (%s)", err, strings.TrimSpace(stderr.String()))
	}

	wav, err := os.ReadFile(out)
	if err != nil {
		return nil, fmt.Errorf("read output: %w", err)
	}
	return wav, nil
}

// infer submits the WAV bytes to the whisper-server /inference endpoint.
func (t *Transcriber) infer(ctx context.Context, wav []byte) (string, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	part, err := w.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", err
	}
	if _, err := part.Write(wav); err != nil {
		return "", err
	}
	if err := w.WriteField("language", t.language); err != nil {
		return "", err
	}
	if err := w.WriteField("response_format", "json"); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.serverURL+"/inference", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var parsed inferenceResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if parsed.Error != "" {
		return "", fmt.Errorf("server error: %s", parsed.Error)
	}
	return parsed.Text, nil
}
