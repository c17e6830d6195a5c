// Package messenger defines the Client interface for outbound message
// delivery.
//
// The relay consumes delivery as a stateless remote service: send a message
// to an address and get back an identifier, or delete a previously sent
// message by identifier. Deletion is inherently best-effort; some channels
// (and some message states) do not support retraction, and the relay treats
// a failed delete as a degraded-but-acceptable outcome.
package messenger

import "context"

// Client sends and retracts messages on a messaging channel.
//
// Implementations must be safe for concurrent use.
type Client interface {
	// Send delivers body to the given address and returns the channel's
	// identifier for the created message, usable with Delete.
	Send(ctx context.Context, to string, body string) (string, error)

	// Delete retracts a previously sent message. Callers treat failure as
	// non-fatal; implementations should return a descriptive error rather
	// than retrying.
	Delete(ctx context.Context, messageID string) error
}
