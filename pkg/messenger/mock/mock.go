// Package mock provides a test double for the messenger.Client interface.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/shamspias/whatsapp-voice-gpt/pkg/messenger"
)

// Compile-time assertion that Client implements messenger.Client.
var _ messenger.Client = (*Client)(nil)

// SendCall records a single invocation of Send.
type SendCall struct {
	// To is the destination address passed to Send.
	To string
	// Body is the message body passed to Send.
	Body string
}

// Client is a mock implementation of messenger.Client. Sent messages get
// sequential ids ("msg-1", "msg-2", …) unless SendErr is set.
type Client struct {
	mu sync.Mutex

	// SendErr, if non-nil, is returned by every Send call.
	SendErr error

	// SendErrOnce, if non-nil, is returned by the next Send call only.
	SendErrOnce error

	// DeleteErr, if non-nil, is returned by every Delete call.
	DeleteErr error

	// SendCalls records every invocation of Send in order.
	SendCalls []SendCall

	// DeleteCalls records the message ids passed to Delete in order.
	DeleteCalls []string

	nextID int
}

// Send implements messenger.Client.
func (c *Client) Send(_ context.Context, to string, body string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.SendCalls = append(c.SendCalls, SendCall{To: to, Body: body})
	if c.SendErrOnce != nil {
		err := c.SendErrOnce
		c.SendErrOnce = nil
		return "", err
	}
	if c.SendErr != nil {
		return "", c.SendErr
	}
	c.nextID++
	return fmt.Sprintf("msg-%d", c.nextID), nil
}

// Delete implements messenger.Client.
func (c *Client) Delete(_ context.Context, messageID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.DeleteCalls = append(c.DeleteCalls, messageID)
	return c.DeleteErr
}

// SentBodies returns the bodies of all Send calls in order.
func (c *Client) SentBodies() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, len(c.SendCalls))
	for i, call := range c.SendCalls {
		out[i] = call.Body
	}
	return out
}

// SendCount returns the number of Send invocations recorded so far.
func (c *Client) SendCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.SendCalls)
}

// DeleteCount returns the number of Delete invocations recorded so far.
func (c *Client) DeleteCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.DeleteCalls)
}
