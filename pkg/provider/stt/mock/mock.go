// Package mock provides a test double for the stt.Transcriber interface.
package mock

import (
	"context"
	"sync"

	"github.com/shamspias/whatsapp-voice-gpt/pkg/provider/stt"
)

// Compile-time assertion that Transcriber implements stt.Transcriber.
var _ stt.Transcriber = (*Transcriber)(nil)

// TranscribeCall records a single invocation of Transcribe.
type TranscribeCall struct {
	// Audio is the blob passed to Transcribe.
	Audio []byte
	// MimeType is the content type passed to Transcribe.
	MimeType string
}

// Transcriber is a mock implementation of stt.Transcriber.
// Set Text for the canned result and Err to inject a failure.
type Transcriber struct {
	mu sync.Mutex

	// Text is returned by Transcribe when Err is nil.
	Text string

	// Err, if non-nil, is returned as the error from Transcribe.
	Err error

	// Calls records every invocation of Transcribe in order.
	Calls []TranscribeCall
}

// Transcribe implements stt.Transcriber.
func (t *Transcriber) Transcribe(_ context.Context, audio []byte, mimeType string) (string, error) {
	t.mu.Lock()
	t.Calls = append(t.Calls, TranscribeCall{Audio: audio, MimeType: mimeType})
	text, err := t.Text, t.Err
	t.mu.Unlock()

	if err != nil {
		return "", err
	}
	return text, nil
}

// CallCount returns the number of Transcribe invocations recorded so far.
func (t *Transcriber) CallCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.Calls)
}
