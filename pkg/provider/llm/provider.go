// Package llm defines the Provider interface for language-completion backends.
//
// A provider wraps a remote or local model API (e.g., OpenAI, Anthropic, or a
// local Ollama instance) and exposes a uniform interface for the relay to
// request completions without coupling to any specific SDK. The relay treats
// the backend as a black box: an ordered message list goes in, reply text
// comes out.
//
// Implementations must be safe for concurrent use and must propagate context
// cancellation promptly.
package llm

import "context"

// CompletionRequest carries everything the backend needs to produce a reply.
// Messages must be non-empty; the first entry is expected to be the system
// instruction.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message is from
	// the "user" role and drives the response.
	Messages []Message

	// Temperature controls output randomness in the range [0.0, 2.0].
	// Zero means use the provider default.
	Temperature float64

	// MaxTokens caps the number of completion tokens the model may generate.
	// Zero means use the provider default.
	MaxTokens int
}

// CompletionResponse is returned by Complete.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any completion backend.
//
// Implementations must be safe for concurrent use from multiple goroutines.
// When ctx is cancelled, Complete must return as quickly as possible; the
// relay's worker relies on this for its per-job timeout.
type Provider interface {
	// Complete sends req to the model and waits for the full reply text.
	// Returns an error if the request fails or ctx is cancelled before the
	// completion arrives. Retrying is the caller's concern; implementations
	// must not retry internally.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
