package relay_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shamspias/whatsapp-voice-gpt/internal/conversation"
	"github.com/shamspias/whatsapp-voice-gpt/internal/relay"
	msgmock "github.com/shamspias/whatsapp-voice-gpt/pkg/messenger/mock"
	"github.com/shamspias/whatsapp-voice-gpt/pkg/provider/llm"
	llmmock "github.com/shamspias/whatsapp-voice-gpt/pkg/provider/llm/mock"
)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

// pipeline bundles a fully wired controller with its test doubles.
type pipeline struct {
	controller *relay.Controller
	store      *conversation.Store
	channel    *msgmock.Client
	worker     *relay.Worker
}

func newPipeline(t *testing.T, provider llm.Provider, workerOpts ...relay.WorkerOption) *pipeline {
	t.Helper()

	store := conversation.NewStore("You are a test assistant.")
	channel := &msgmock.Client{}
	opts := append([]relay.WorkerOption{relay.WithConcurrency(1)}, workerOpts...)
	worker := relay.NewWorker(provider, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	worker.Start(ctx)

	dispatcher := relay.NewDispatcher(channel)
	controller := relay.NewController(store, worker, dispatcher)
	return &pipeline{controller: controller, store: store, channel: channel, worker: worker}
}

func TestHandleTurn_ChatHappyPath(t *testing.T) {
	t.Parallel()
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "blue, mostly"},
	}
	p := newPipeline(t, provider)

	err := p.controller.HandleTurn(context.Background(), relay.Turn{
		Sender: "user-1",
		Text:   "what color is the sky?",
	})
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}

	waitFor(t, func() bool { return p.channel.DeleteCount() == 1 })

	bodies := p.channel.SentBodies()
	if len(bodies) != 2 {
		t.Fatalf("sent %d messages, want placeholder + reply: %v", len(bodies), bodies)
	}
	if bodies[0] != relay.DefaultPlaceholder {
		t.Errorf("first send = %q, want placeholder", bodies[0])
	}
	if bodies[1] != "blue, mostly" {
		t.Errorf("second send = %q, want model reply", bodies[1])
	}
	if got := p.channel.DeleteCalls[0]; got != "msg-1" {
		t.Errorf("deleted %q, want the placeholder id msg-1", got)
	}

	hist := p.store.History("user-1")
	if len(hist) != 1 || !hist[0].Answered || hist[0].Reply != "blue, mostly" {
		t.Errorf("history = %+v, want one answered exchange", hist)
	}

	// The prompt context the model saw: system plus the new message.
	req := provider.LastRequest()
	if len(req.Messages) != 2 || req.Messages[1].Content != "what color is the sky?" {
		t.Errorf("model prompt = %+v", req.Messages)
	}
}

func TestHandleTurn_CompletionFailure(t *testing.T) {
	t.Parallel()
	provider := &llmmock.Provider{CompleteErr: errors.New("model down")}
	p := newPipeline(t, provider)

	if err := p.controller.HandleTurn(context.Background(), relay.Turn{
		Sender: "user-1",
		Text:   "hello?",
	}); err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}

	waitFor(t, func() bool { return p.channel.DeleteCount() == 1 })

	bodies := p.channel.SentBodies()
	if len(bodies) != 2 {
		t.Fatalf("sent %d messages, want placeholder + apology: %v", len(bodies), bodies)
	}
	if bodies[1] != relay.MsgApology {
		t.Errorf("terminal message = %q, want apology", bodies[1])
	}

	// The failed turn is closed without a reply.
	hist := p.store.History("user-1")
	if len(hist) != 1 || hist[0].Answered || !hist[0].Failed {
		t.Fatalf("history = %+v, want one failed exchange", hist)
	}
}

func TestHandleTurn_FailedTurnDoesNotCaptureNextReply(t *testing.T) {
	t.Parallel()
	provider := &llmmock.Provider{
		CompleteFunc: func(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			if req.Messages[len(req.Messages)-1].Content == "failed question" {
				return nil, errors.New("model down")
			}
			return &llm.CompletionResponse{Content: "answer to second"}, nil
		},
	}
	p := newPipeline(t, provider)

	if err := p.controller.HandleTurn(context.Background(), relay.Turn{Sender: "user-1", Text: "failed question"}); err != nil {
		t.Fatalf("first turn: %v", err)
	}
	waitFor(t, func() bool { return p.channel.DeleteCount() == 1 })

	if err := p.controller.HandleTurn(context.Background(), relay.Turn{Sender: "user-1", Text: "second question"}); err != nil {
		t.Fatalf("second turn: %v", err)
	}
	waitFor(t, func() bool { return p.channel.DeleteCount() == 2 })

	// The second turn's reply belongs to the second turn; the failed one
	// stays closed without a reply.
	hist := p.store.History("user-1")
	if len(hist) != 2 {
		t.Fatalf("history = %+v, want two exchanges", hist)
	}
	if hist[0].Answered || !hist[0].Failed {
		t.Errorf("failed exchange = %+v, want closed without a reply", hist[0])
	}
	if !hist[1].Answered || hist[1].Reply != "answer to second" {
		t.Errorf("second exchange = %+v, want answer to second", hist[1])
	}

	// And the failed prompt is absent from the second completion's context.
	for _, m := range provider.LastRequest().Messages {
		if m.Content == "failed question" {
			t.Errorf("failed prompt leaked into the model context: %+v", provider.LastRequest().Messages)
		}
	}
}

func TestHandleTurn_PlaceholderSendFails(t *testing.T) {
	t.Parallel()
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "a fine reply"},
	}
	p := newPipeline(t, provider)
	p.channel.SendErrOnce = errors.New("channel rejected send")

	err := p.controller.HandleTurn(context.Background(), relay.Turn{
		Sender: "user-1",
		Text:   "hello?",
	})
	if err == nil {
		t.Fatal("HandleTurn = nil, want error when placeholder cannot be sent")
	}

	// No completion work may be dispatched without a tracked placeholder.
	waitFor(t, func() bool { return p.channel.SendCount() == 2 })
	if provider.CallCount() != 0 {
		t.Errorf("provider called %d times, want 0", provider.CallCount())
	}

	bodies := p.channel.SentBodies()
	if bodies[1] != relay.MsgApology {
		t.Errorf("follow-up message = %q, want apology", bodies[1])
	}
	if p.channel.DeleteCount() != 0 {
		t.Errorf("deleted %d messages, want 0 with no placeholder", p.channel.DeleteCount())
	}

	// The aborted turn is closed; the next turn's reply pairs with its own
	// prompt, not with the leftover.
	if err := p.controller.HandleTurn(context.Background(), relay.Turn{Sender: "user-1", Text: "second try"}); err != nil {
		t.Fatalf("second turn: %v", err)
	}
	waitFor(t, func() bool { return p.channel.DeleteCount() == 1 })

	hist := p.store.History("user-1")
	if len(hist) != 2 {
		t.Fatalf("history = %+v, want two exchanges", hist)
	}
	if hist[0].Answered || !hist[0].Failed {
		t.Errorf("aborted exchange = %+v, want closed without a reply", hist[0])
	}
	if !hist[1].Answered || hist[1].Reply != "a fine reply" {
		t.Errorf("second exchange = %+v, want the model reply", hist[1])
	}
}

func TestHandleTurn_QueueFull(t *testing.T) {
	t.Parallel()

	// An unstarted worker with a one-slot queue: the first turn occupies the
	// slot, the second is rejected.
	store := conversation.NewStore("sys")
	channel := &msgmock.Client{}
	worker := relay.NewWorker(&llmmock.Provider{}, relay.WithQueueSize(1))
	dispatcher := relay.NewDispatcher(channel)
	controller := relay.NewController(store, worker, dispatcher)

	if err := controller.HandleTurn(context.Background(), relay.Turn{Sender: "user-1", Text: "first"}); err != nil {
		t.Fatalf("first HandleTurn: %v", err)
	}

	err := controller.HandleTurn(context.Background(), relay.Turn{Sender: "user-1", Text: "second"})
	if !errors.Is(err, relay.ErrQueueFull) {
		t.Fatalf("second HandleTurn error = %v, want ErrQueueFull", err)
	}

	// placeholder 1, placeholder 2, apology for the rejected turn.
	bodies := channel.SentBodies()
	if len(bodies) != 3 || bodies[2] != relay.MsgApology {
		t.Errorf("sent bodies = %v, want trailing apology", bodies)
	}
	// Only the rejected turn's placeholder is retracted.
	if channel.DeleteCount() != 1 || channel.DeleteCalls[0] != "msg-2" {
		t.Errorf("deletes = %v, want [msg-2]", channel.DeleteCalls)
	}
}

func TestHandleTurn_HelpCommand(t *testing.T) {
	t.Parallel()
	provider := &llmmock.Provider{}
	p := newPipeline(t, provider)

	if err := p.controller.HandleTurn(context.Background(), relay.Turn{
		Sender: "user-1",
		Text:   "/start",
	}); err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}

	bodies := p.channel.SentBodies()
	if len(bodies) != 1 || bodies[0] != relay.MsgGreeting {
		t.Errorf("sent bodies = %v, want only the greeting", bodies)
	}
	if provider.CallCount() != 0 {
		t.Error("command turn reached the model")
	}
	if p.channel.DeleteCount() != 0 {
		t.Error("command turn produced a placeholder delete")
	}
}

func TestHandleTurn_ResetCommand(t *testing.T) {
	t.Parallel()
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "hi there"},
	}
	p := newPipeline(t, provider)

	// Build up one answered exchange first.
	if err := p.controller.HandleTurn(context.Background(), relay.Turn{Sender: "user-1", Text: "hello"}); err != nil {
		t.Fatalf("chat turn: %v", err)
	}
	waitFor(t, func() bool { return p.channel.DeleteCount() == 1 })

	if err := p.controller.HandleTurn(context.Background(), relay.Turn{Sender: "user-1", Text: "/clear"}); err != nil {
		t.Fatalf("reset turn: %v", err)
	}

	bodies := p.channel.SentBodies()
	if got := bodies[len(bodies)-1]; got != relay.MsgResetDone {
		t.Errorf("reset reply = %q, want %q", got, relay.MsgResetDone)
	}
	if len(p.store.History("user-1")) != 0 {
		t.Error("history survived reset")
	}

	// A second reset finds nothing to clear.
	if err := p.controller.HandleTurn(context.Background(), relay.Turn{Sender: "user-1", Text: "/clear"}); err != nil {
		t.Fatalf("second reset turn: %v", err)
	}
	bodies = p.channel.SentBodies()
	if got := bodies[len(bodies)-1]; got != relay.MsgResetEmpty {
		t.Errorf("second reset reply = %q, want %q", got, relay.MsgResetEmpty)
	}
}

func TestHandleTurn_FinalSendFailureStillRetractsPlaceholder(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	provider := &llmmock.Provider{
		CompleteFunc: func(ctx context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
			select {
			case <-release:
				return &llm.CompletionResponse{Content: "a reply"}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
	p := newPipeline(t, provider)

	if err := p.controller.HandleTurn(context.Background(), relay.Turn{Sender: "user-1", Text: "hello"}); err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	// Fail the final send, after the placeholder already went out and before
	// the completion finishes.
	waitFor(t, func() bool { return p.channel.SendCount() == 1 })
	p.channel.SendErr = errors.New("channel down")
	close(release)

	waitFor(t, func() bool { return p.channel.DeleteCount() == 1 })

	// The exchange is still recorded; delivery failure does not unwind it.
	hist := p.store.History("user-1")
	if len(hist) != 1 || !hist[0].Answered {
		t.Errorf("history = %+v, want one answered exchange", hist)
	}
}
