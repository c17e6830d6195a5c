// Package openai provides a Transcriber backed by the OpenAI audio
// transcription API (Whisper). WhatsApp voice notes arrive as Ogg/Opus, a
// container the API accepts directly, so no local conversion is needed.
package openai

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/shamspias/whatsapp-voice-gpt/pkg/provider/stt"
)

// defaultModel is the transcription model used when none is configured.
const defaultModel = "whisper-1"

// uploadName is the filename attached to the multipart upload. The API infers
// the container from the extension when the content type is ambiguous.
const uploadName = "voice-message.ogg"

// Compile-time assertion that Transcriber implements stt.Transcriber.
var _ stt.Transcriber = (*Transcriber)(nil)

// Option is a functional option for Transcriber.
type Option func(*Transcriber)

// WithModel overrides the transcription model (e.g., "whisper-1",
// "gpt-4o-mini-transcribe").
func WithModel(model string) Option {
	return func(t *Transcriber) {
		t.model = model
	}
}

// WithLanguage sets the ISO-639-1 language hint (e.g., "en"). Empty lets the
// model auto-detect.
func WithLanguage(lang string) Option {
	return func(t *Transcriber) {
		t.language = lang
	}
}

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(t *Transcriber) {
		t.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout. Defaults to 60 s.
func WithTimeout(d time.Duration) Option {
	return func(t *Transcriber) {
		t.timeout = d
	}
}

// Transcriber implements stt.Transcriber using the OpenAI audio API.
type Transcriber struct {
	client   oai.Client
	model    string
	language string
	baseURL  string
	timeout  time.Duration
}

// New constructs a Transcriber. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Transcriber, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai stt: apiKey must not be empty")
	}

	t := &Transcriber{
		model:   defaultModel,
		timeout: 60 * time.Second,
	}
	for _, o := range opts {
		o(t)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Timeout: t.timeout}),
	}
	if t.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(t.baseURL))
	}
	t.client = oai.NewClient(reqOpts...)
	return t, nil
}

// Transcribe implements stt.Transcriber.
func (t *Transcriber) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	if len(audio) == 0 {
		return "", fmt.Errorf("openai stt: empty audio")
	}
	if mimeType == "" {
		mimeType = "audio/ogg"
	}

	params := oai.AudioTranscriptionNewParams{
		Model: oai.AudioModel(t.model),
		File:  oai.File(bytes.NewReader(audio), uploadName, mimeType),
	}
	if t.language != "" {
		params.Language = oai.String(t.language)
	}

	resp, err := t.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai stt: transcription: %w", err)
	}
	return resp.Text, nil
}
