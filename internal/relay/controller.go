// Package relay implements the turn pipeline of the assistant: classify an
// inbound message, answer commands synchronously, and run chat turns through
// the asynchronous completion worker with a placeholder covering the wait.
package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/shamspias/whatsapp-voice-gpt/internal/conversation"
	"github.com/shamspias/whatsapp-voice-gpt/internal/observe"
)

// Turn is one inbound user message as seen by the controller: the transport
// envelope is already stripped and voice content is already transcribed.
type Turn struct {
	// Sender is the user's channel address, the conversation partition key.
	Sender string

	// Text is the message body.
	Text string
}

// Controller drives a turn from arrival to its terminal reply.
//
// Command turns (reset, help) resolve synchronously. Chat turns record the
// user message, send a placeholder, and hand the completion to the worker;
// HandleTurn returns as soon as the job is queued, and the worker callback
// finishes the turn later. A turn always ends in exactly one terminal
// message to the user, either the model's reply or the apology, except when
// the placeholder itself could not be sent and the apology also fails.
type Controller struct {
	store       *conversation.Store
	worker      *Worker
	dispatcher  *Dispatcher
	commands    *Commands
	metrics     *observe.Metrics
	placeholder string
}

// ControllerOption configures a Controller during construction.
type ControllerOption func(*Controller)

// WithPlaceholderText overrides the interim message text.
func WithPlaceholderText(text string) ControllerOption {
	return func(c *Controller) {
		if text != "" {
			c.placeholder = text
		}
	}
}

// WithControllerMetrics injects a metrics instance. Defaults to
// [observe.Default].
func WithControllerMetrics(m *observe.Metrics) ControllerOption {
	return func(c *Controller) {
		c.metrics = m
	}
}

// NewController wires the turn pipeline together.
func NewController(store *conversation.Store, worker *Worker, dispatcher *Dispatcher, opts ...ControllerOption) *Controller {
	c := &Controller{
		store:       store,
		worker:      worker,
		dispatcher:  dispatcher,
		commands:    NewCommands(store),
		placeholder: DefaultPlaceholder,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.Default()
	}
	return c
}

// HandleTurn processes one inbound turn. For chat turns a nil return means
// the completion job was accepted, not that the reply has been delivered.
// The returned error reflects the synchronous part of the turn only; by the
// time it is non-nil the user has already received the apology where one
// could be sent.
func (c *Controller) HandleTurn(ctx context.Context, turn Turn) error {
	start := time.Now()
	kind := Classify(turn.Text)

	ctx, span := observe.StartSpan(ctx, "relay.turn",
		trace.WithAttributes(
			attribute.String("turn.classification", string(kind)),
		),
	)
	defer span.End()

	log := observe.Logger(ctx).With(
		"user_id", turn.Sender,
		"classification", string(kind),
	)
	log.Info("turn received")

	if kind != KindChat {
		reply := c.commands.Handle(kind, turn.Sender)
		err := c.dispatcher.SendFinal(ctx, turn.Sender, reply)
		c.recordTurn(ctx, kind, err == nil, start)
		if err != nil {
			return fmt.Errorf("relay: command reply: %w", err)
		}
		log.Info("turn completed", "duration_ms", time.Since(start).Milliseconds())
		return nil
	}

	return c.dispatchChat(ctx, turn, start)
}

// dispatchChat runs the asynchronous branch: append the turn, cover the wait
// with a placeholder, and queue the completion job. The user message is
// recorded before the placeholder send, so even an aborted turn stays part
// of the conversation record.
func (c *Controller) dispatchChat(ctx context.Context, turn Turn, start time.Time) error {
	log := observe.Logger(ctx).With("user_id", turn.Sender)

	messages, turnID := c.store.AppendTurn(turn.Sender, turn.Text)

	placeholderID, err := c.dispatcher.SendPlaceholder(ctx, turn.Sender, c.placeholder)
	if err != nil {
		// Nothing to retract later, so no job is dispatched either.
		log.Warn("placeholder send failed, aborting turn", "err", err)
		c.store.Abandon(turn.Sender, turnID)
		c.failTurn(ctx, turn.Sender, "", start)
		return err
	}

	job := Job{
		ID:       uuid.NewString(),
		UserID:   turn.Sender,
		Messages: messages,
	}
	err = c.worker.Submit(job, func(cbCtx context.Context, reply string, jobErr error) {
		c.finishChat(cbCtx, turn.Sender, turnID, placeholderID, reply, jobErr, start)
	})
	if err != nil {
		log.Warn("completion dispatch rejected", "job_id", job.ID, "err", err)
		c.store.Abandon(turn.Sender, turnID)
		c.failTurn(ctx, turn.Sender, placeholderID, start)
		return fmt.Errorf("relay: dispatch completion: %w", err)
	}

	log.Info("completion dispatched", "job_id", job.ID, "context_messages", len(messages))
	return nil
}

// finishChat is the worker callback: it terminates a chat turn with either
// the model reply or the apology, then retracts the placeholder. The reply
// is recorded against the turn that produced it, so overlapping turns for
// one user completing out of order never cross-pair.
func (c *Controller) finishChat(ctx context.Context, sender string, turnID conversation.TurnID, placeholderID, reply string, jobErr error, start time.Time) {
	if jobErr != nil {
		c.store.Abandon(sender, turnID)
		c.failTurn(ctx, sender, placeholderID, start)
		return
	}

	// Record before delivery: the exchange happened even if the channel
	// drops the outbound message.
	c.store.RecordReply(sender, turnID, reply)

	err := c.dispatcher.SendFinal(ctx, sender, reply)
	c.dispatcher.DeletePlaceholder(ctx, placeholderID)
	c.recordTurn(ctx, KindChat, err == nil, start)

	if err == nil {
		observe.Logger(ctx).Info("turn completed",
			"user_id", sender,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

// failTurn delivers the apology and cleans up the placeholder if one exists.
func (c *Controller) failTurn(ctx context.Context, sender, placeholderID string, start time.Time) {
	_ = c.dispatcher.SendFinal(ctx, sender, MsgApology)
	c.dispatcher.DeletePlaceholder(ctx, placeholderID)
	c.recordTurn(ctx, KindChat, false, start)
}

func (c *Controller) recordTurn(ctx context.Context, kind Kind, ok bool, start time.Time) {
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	attrs := metric.WithAttributes(
		attribute.String("classification", string(kind)),
		attribute.String("outcome", outcome),
	)
	c.metrics.Turns.Add(ctx, 1, attrs)
	c.metrics.TurnDuration.Record(ctx, time.Since(start).Seconds(), attrs)
}
