package relay

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/shamspias/whatsapp-voice-gpt/internal/observe"
	"github.com/shamspias/whatsapp-voice-gpt/pkg/messenger"
)

const defaultSendTimeout = 15 * time.Second

// Dispatcher manages outbound replies on the messaging channel, including
// the placeholder lifecycle: a placeholder goes out while completion work is
// pending, the final (or apology) text goes out as a new message, and the
// placeholder is retracted afterwards. The final reply is never an edit of
// the placeholder, so a failed retraction can only leave a stale placeholder
// behind, never lose the reply.
type Dispatcher struct {
	client      messenger.Client
	metrics     *observe.Metrics
	sendTimeout time.Duration
}

// DispatcherOption configures a Dispatcher during construction.
type DispatcherOption func(*Dispatcher)

// WithSendTimeout bounds each outbound channel call. Default 15 s.
func WithSendTimeout(d time.Duration) DispatcherOption {
	return func(dp *Dispatcher) {
		if d > 0 {
			dp.sendTimeout = d
		}
	}
}

// WithDispatcherMetrics injects a metrics instance. Defaults to
// [observe.Default].
func WithDispatcherMetrics(m *observe.Metrics) DispatcherOption {
	return func(dp *Dispatcher) {
		dp.metrics = m
	}
}

// NewDispatcher creates a Dispatcher sending through client.
func NewDispatcher(client messenger.Client, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		client:      client,
		sendTimeout: defaultSendTimeout,
	}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = observe.Default()
	}
	return d
}

// SendPlaceholder sends the interim "working on it" message and returns the
// channel message ID needed to retract it later. Failure here is fatal for
// the turn: with no placeholder to track there is nothing to retract, so the
// caller must not dispatch completion work.
func (d *Dispatcher) SendPlaceholder(ctx context.Context, to, text string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()

	id, err := d.client.Send(ctx, to, text)
	if err != nil {
		d.metrics.DeliveryErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("operation", "placeholder"),
		))
		return "", fmt.Errorf("relay: send placeholder: %w", err)
	}
	return id, nil
}

// SendFinal sends a terminal reply (completion text, command response, or
// apology) as a fresh message. A send failure is logged and counted but
// returned to the caller for its own accounting; there is no retry.
func (d *Dispatcher) SendFinal(ctx context.Context, to, text string) error {
	ctx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()

	if _, err := d.client.Send(ctx, to, text); err != nil {
		d.metrics.DeliveryErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("operation", "final"),
		))
		observe.Logger(ctx).Warn("final reply delivery failed",
			"user_id", to,
			"err", err,
		)
		return fmt.Errorf("relay: send final reply: %w", err)
	}
	return nil
}

// DeletePlaceholder retracts a previously sent placeholder. Best effort:
// failure leaves a stale placeholder in the user's chat, which is logged and
// counted but never escalated. Deleting an already-gone message is treated
// as success by the channel client, so retraction is idempotent.
func (d *Dispatcher) DeletePlaceholder(ctx context.Context, messageID string) {
	if messageID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()

	if err := d.client.Delete(ctx, messageID); err != nil {
		d.metrics.DeliveryErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("operation", "delete"),
		))
		observe.Logger(ctx).Warn("placeholder retraction failed",
			"message_id", messageID,
			"err", err,
		)
	}
}
