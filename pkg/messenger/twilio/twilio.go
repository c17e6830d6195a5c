// Package twilio provides a messenger.Client backed by the Twilio Messages
// REST API, used here for the WhatsApp channel.
package twilio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://api.twilio.com"
	apiVersion     = "2010-04-01"

	// defaultChannelPrefix is prepended to bare addresses so that Twilio
	// routes the message over WhatsApp rather than SMS.
	defaultChannelPrefix = "whatsapp:"
)

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithBaseURL overrides the Twilio API base URL. Useful for tests.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithChannelPrefix overrides the address prefix ("whatsapp:" by default).
// Pass an empty string to send plain SMS.
func WithChannelPrefix(prefix string) Option {
	return func(c *Client) {
		c.channelPrefix = prefix
	}
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 15 s.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// Client implements messenger.Client against the Twilio REST API.
// Safe for concurrent use.
type Client struct {
	accountSID    string
	authToken     string
	fromNumber    string
	baseURL       string
	channelPrefix string
	httpClient    *http.Client
}

// New creates a Client. accountSID, authToken, and fromNumber (the E.164
// sender number, without channel prefix) must all be non-empty.
func New(accountSID, authToken, fromNumber string, opts ...Option) (*Client, error) {
	if accountSID == "" {
		return nil, errors.New("twilio: accountSID must not be empty")
	}
	if authToken == "" {
		return nil, errors.New("twilio: authToken must not be empty")
	}
	if fromNumber == "" {
		return nil, errors.New("twilio: fromNumber must not be empty")
	}
	c := &Client{
		accountSID:    accountSID,
		authToken:     authToken,
		fromNumber:    fromNumber,
		baseURL:       defaultBaseURL,
		channelPrefix: defaultChannelPrefix,
		httpClient:    &http.Client{Timeout: 15 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// messageResource is the subset of the Twilio message resource we consume.
type messageResource struct {
	SID          string `json:"sid"`
	Status       string `json:"status"`
	ErrorCode    *int   `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// errorBody is the Twilio error response shape.
type errorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Send implements messenger.Client. to is a bare E.164 address; the channel
// prefix is added here.
func (c *Client) Send(ctx context.Context, to string, body string) (string, error) {
	form := url.Values{}
	form.Set("To", c.channelPrefix+to)
	form.Set("From", c.channelPrefix+c.fromNumber)
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/%s/Accounts/%s/Messages.json", c.baseURL, apiVersion, c.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("twilio: build request: %w", err)
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("twilio: send: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("twilio: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e errorBody
		if json.Unmarshal(payload, &e) == nil && e.Message != "" {
			return "", fmt.Errorf("twilio: send failed (%d, code %d): %s", resp.StatusCode, e.Code, e.Message)
		}
		return "", fmt.Errorf("twilio: send failed with status %d", resp.StatusCode)
	}

	var msg messageResource
	if err := json.Unmarshal(payload, &msg); err != nil {
		return "", fmt.Errorf("twilio: decode response: %w", err)
	}
	if msg.SID == "" {
		return "", errors.New("twilio: response missing message sid")
	}
	return msg.SID, nil
}

// Delete implements messenger.Client by deleting the message resource.
// Twilio returns 204 on success and 404 when the resource is already gone;
// both count as a successful retraction.
func (c *Client) Delete(ctx context.Context, messageID string) error {
	if messageID == "" {
		return errors.New("twilio: messageID must not be empty")
	}

	endpoint := fmt.Sprintf("%s/%s/Accounts/%s/Messages/%s.json", c.baseURL, apiVersion, c.accountSID, url.PathEscape(messageID))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return fmt.Errorf("twilio: build request: %w", err)
	}
	req.SetBasicAuth(c.accountSID, c.authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("twilio: delete: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusNoContent, resp.StatusCode == http.StatusNotFound:
		return nil
	default:
		return fmt.Errorf("twilio: delete failed with status %d", resp.StatusCode)
	}
}
