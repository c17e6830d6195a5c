package relay_test

import (
	"context"
	"errors"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/shamspias/whatsapp-voice-gpt/internal/observe"
	"github.com/shamspias/whatsapp-voice-gpt/internal/relay"
	"github.com/shamspias/whatsapp-voice-gpt/pkg/provider/llm"
	llmmock "github.com/shamspias/whatsapp-voice-gpt/pkg/provider/llm/mock"
)

// queueDepth reads the current value of the worker queue gauge.
func queueDepth(t *testing.T, reader *sdkmetric.ManualReader) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "sonic.worker.queue_depth" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("queue_depth data type = %T", m.Data)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestWorker_SuccessfulCompletion(t *testing.T) {
	t.Parallel()
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "  the reply \n"},
	}
	w := relay.NewWorker(provider, relay.WithConcurrency(1))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	w.Start(ctx)

	done := make(chan struct{})
	var gotReply string
	var gotErr error
	job := relay.Job{ID: "job-1", UserID: "user-1", Messages: []llm.Message{
		{Role: llm.RoleSystem, Content: "sys"},
		{Role: llm.RoleUser, Content: "hi"},
	}}
	if err := w.Submit(job, func(_ context.Context, reply string, err error) {
		gotReply, gotErr = reply, err
		close(done)
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("callback never invoked")
	}

	if gotErr != nil {
		t.Fatalf("callback error = %v, want nil", gotErr)
	}
	if gotReply != "the reply" {
		t.Errorf("reply = %q, want trimmed %q", gotReply, "the reply")
	}
	req := provider.LastRequest()
	if len(req.Messages) != 2 || req.Messages[1].Content != "hi" {
		t.Errorf("provider received %+v", req.Messages)
	}
}

func TestWorker_CompletionError(t *testing.T) {
	t.Parallel()
	wantErr := errors.New("model unavailable")
	provider := &llmmock.Provider{CompleteErr: wantErr}
	w := relay.NewWorker(provider, relay.WithConcurrency(1))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	w.Start(ctx)

	done := make(chan error, 1)
	err := w.Submit(relay.Job{ID: "job-1"}, func(_ context.Context, _ string, err error) {
		done <- err
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, wantErr) {
			t.Errorf("callback error = %v, want %v", err, wantErr)
		}
		if relay.IsTransient(err) {
			t.Error("plain provider error classified as transient")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback never invoked")
	}
}

func TestWorker_JobTimeout(t *testing.T) {
	t.Parallel()
	provider := &llmmock.Provider{
		CompleteFunc: func(ctx context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	w := relay.NewWorker(provider,
		relay.WithConcurrency(1),
		relay.WithJobTimeout(20*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	w.Start(ctx)

	done := make(chan error, 1)
	if err := w.Submit(relay.Job{ID: "job-1"}, func(_ context.Context, _ string, err error) {
		done <- err
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, relay.ErrCompletionTimeout) {
			t.Errorf("callback error = %v, want ErrCompletionTimeout", err)
		}
		if !relay.IsTransient(err) {
			t.Error("timeout not classified as transient")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback never invoked")
	}
}

func TestWorker_QueueFull(t *testing.T) {
	t.Parallel()
	// Never started, so submissions stay queued.
	w := relay.NewWorker(&llmmock.Provider{}, relay.WithQueueSize(1))

	noop := func(context.Context, string, error) {}
	if err := w.Submit(relay.Job{ID: "job-1"}, noop); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	if err := w.Submit(relay.Job{ID: "job-2"}, noop); !errors.Is(err, relay.ErrQueueFull) {
		t.Errorf("second Submit error = %v, want ErrQueueFull", err)
	}
	if err := w.Ready(); !errors.Is(err, relay.ErrQueueFull) {
		t.Errorf("Ready error = %v, want ErrQueueFull", err)
	}
}

func TestWorker_SubmitAfterShutdown(t *testing.T) {
	t.Parallel()
	w := relay.NewWorker(&llmmock.Provider{}, relay.WithConcurrency(1))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	w.Start(ctx)

	if err := w.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	err := w.Submit(relay.Job{ID: "job-1"}, func(context.Context, string, error) {
		t.Error("callback invoked for rejected submission")
	})
	if !errors.Is(err, relay.ErrWorkerStopped) {
		t.Errorf("Submit error = %v, want ErrWorkerStopped", err)
	}
	if err := w.Ready(); !errors.Is(err, relay.ErrWorkerStopped) {
		t.Errorf("Ready error = %v, want ErrWorkerStopped", err)
	}
}

func TestWorker_ShutdownDrainsQueueGauge(t *testing.T) {
	t.Parallel()
	reader := sdkmetric.NewManualReader()
	metrics, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	// Never started: every submission stays queued and is abandoned by
	// Shutdown.
	w := relay.NewWorker(&llmmock.Provider{},
		relay.WithQueueSize(4),
		relay.WithWorkerMetrics(metrics),
	)
	for i := 0; i < 3; i++ {
		if err := w.Submit(relay.Job{ID: "job"}, func(context.Context, string, error) {
			t.Error("callback invoked for abandoned job")
		}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	if got := queueDepth(t, reader); got != 3 {
		t.Fatalf("queue depth before shutdown = %d, want 3", got)
	}

	if err := w.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := queueDepth(t, reader); got != 0 {
		t.Errorf("queue depth after shutdown = %d, want 0", got)
	}
}

func TestWorker_ConcurrentJobs(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	provider := &llmmock.Provider{
		CompleteFunc: func(ctx context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
			select {
			case <-release:
				return &llm.CompletionResponse{Content: "done"}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
	w := relay.NewWorker(provider, relay.WithConcurrency(2))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	w.Start(ctx)

	done := make(chan string, 2)
	for _, id := range []string{"job-a", "job-b"} {
		id := id
		if err := w.Submit(relay.Job{ID: id}, func(_ context.Context, reply string, err error) {
			if err != nil {
				t.Errorf("%s: %v", id, err)
			}
			done <- id
		}); err != nil {
			t.Fatalf("Submit %s: %v", id, err)
		}
	}

	// Both jobs must be in flight before either is released; a single
	// goroutine would deadlock here if concurrency were broken.
	waitFor(t, func() bool { return provider.CallCount() == 2 })
	close(release)

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("callbacks incomplete")
		}
	}
}
