// Package stt defines the Transcriber interface for speech-to-text backends.
//
// The relay consumes transcription as a black box: an inbound voice message
// arrives as an opaque audio blob (typically Ogg/Opus from WhatsApp), and the
// transcriber returns plain text. Everything in between (container
// conversion, format negotiation, the decode itself) is the provider's
// responsibility, including cleanup of any intermediate resources on success
// and on every failure path.
//
// Implementations must be safe for concurrent use; multiple voice messages
// from different users may be transcribed simultaneously.
package stt

import "context"

// Transcriber converts a recorded voice message to text.
type Transcriber interface {
	// Transcribe decodes the audio blob and returns the recognised text.
	// mimeType is the declared content type of the blob (e.g. "audio/ogg");
	// providers may use it as a hint or ignore it and sniff the container.
	//
	// Returns an error when the audio cannot be decoded or the backend is
	// unreachable. Implementations must not leave temp files or other
	// intermediate resources behind on any return path.
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
}
