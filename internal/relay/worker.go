package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/shamspias/whatsapp-voice-gpt/internal/observe"
	"github.com/shamspias/whatsapp-voice-gpt/pkg/provider/llm"
)

const (
	defaultQueueSize   = 64
	defaultConcurrency = 4
	defaultJobTimeout  = 90 * time.Second
)

// ErrQueueFull is returned by Submit when the job queue is at capacity.
// Submit never blocks the caller; a saturated queue is a turn failure.
var ErrQueueFull = errors.New("relay: completion queue is full")

// ErrWorkerStopped is returned by Submit after Shutdown has begun.
var ErrWorkerStopped = errors.New("relay: worker is stopped")

// ErrCompletionTimeout wraps a completion call that exceeded the per-job
// deadline.
var ErrCompletionTimeout = errors.New("relay: completion timed out")

// IsTransient reports whether a completion failure is momentary. Timeouts
// and cancellations qualify; auth, quota, and malformed-response errors do
// not. No failure class is retried, the distinction only feeds logs and
// metrics.
func IsTransient(err error) bool {
	return errors.Is(err, ErrCompletionTimeout) || errors.Is(err, context.Canceled)
}

// Job is one unit of completion work. The payload is JSON-serializable so
// the in-process queue could be swapped for an external broker without
// changing the shape; delivery is at-most-once with no dedup either way.
type Job struct {
	// ID is a unique identifier for log correlation.
	ID string `json:"id"`

	// UserID is the conversation partition key, carried for logging.
	UserID string `json:"user_id"`

	// Messages is the full prompt context, system instruction first.
	Messages []llm.Message `json:"messages"`
}

// Callback receives the outcome of a submitted Job: the trimmed reply text
// on success, or a non-nil error. It is invoked exactly once per accepted
// submission, on a worker goroutine, unless the process shuts down first.
// ctx is the worker's run context, suitable for outbound delivery calls.
type Callback func(ctx context.Context, reply string, err error)

// submission pairs a Job with its callback on the queue. The callback stays
// out of Job so the payload remains wire-ready.
type submission struct {
	job      Job
	callback Callback
}

// Worker is the background executor for completion calls. Submissions are
// fed through a bounded channel to a fixed pool of goroutines, so a slow
// model call never blocks the goroutine that accepted the inbound webhook.
// Overlapping submissions for different users run concurrently; there is no
// global lock.
//
// In-flight jobs are abandoned, not persisted, when the run context is
// cancelled.
type Worker struct {
	provider    llm.Provider
	metrics     *observe.Metrics
	timeout     time.Duration
	concurrency int
	temperature float64
	maxTokens   int

	jobs    chan submission
	stopped chan struct{}

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// WorkerOption configures a Worker during construction.
type WorkerOption func(*Worker)

// WithQueueSize sets the submission queue capacity. Default 64.
func WithQueueSize(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.jobs = make(chan submission, n)
		}
	}
}

// WithConcurrency sets the number of worker goroutines. Default 4.
func WithConcurrency(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithJobTimeout sets the per-completion deadline. Default 90 s.
func WithJobTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.timeout = d
		}
	}
}

// WithTemperature sets the sampling temperature forwarded to the provider.
func WithTemperature(t float64) WorkerOption {
	return func(w *Worker) {
		w.temperature = t
	}
}

// WithMaxTokens caps completion length. Zero means provider default.
func WithMaxTokens(n int) WorkerOption {
	return func(w *Worker) {
		w.maxTokens = n
	}
}

// WithWorkerMetrics injects a metrics instance. Defaults to [observe.Default].
func WithWorkerMetrics(m *observe.Metrics) WorkerOption {
	return func(w *Worker) {
		w.metrics = m
	}
}

// NewWorker creates a Worker backed by provider. Call Start before Submit.
func NewWorker(provider llm.Provider, opts ...WorkerOption) *Worker {
	w := &Worker{
		provider:    provider,
		timeout:     defaultJobTimeout,
		concurrency: defaultConcurrency,
		jobs:        make(chan submission, defaultQueueSize),
		stopped:     make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	if w.metrics == nil {
		w.metrics = observe.Default()
	}
	return w
}

// Start launches the worker pool. The pool runs until ctx is cancelled or
// Shutdown is called. Start must be called exactly once.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.run(ctx)
	}
}

// Submit enqueues a job and returns immediately. Exactly one callback
// invocation follows per nil return. Returns ErrQueueFull when the queue is
// saturated and ErrWorkerStopped after shutdown has begun; in both cases the
// callback is never invoked.
func (w *Worker) Submit(job Job, cb Callback) error {
	select {
	case <-w.stopped:
		return ErrWorkerStopped
	default:
	}

	select {
	case w.jobs <- submission{job: job, callback: cb}:
		w.metrics.QueueDepth.Add(context.Background(), 1)
		return nil
	default:
		return ErrQueueFull
	}
}

// Ready reports whether the worker would accept a submission right now.
// Used by the readiness probe so a stopped worker or a saturated queue takes
// the instance out of rotation.
func (w *Worker) Ready() error {
	select {
	case <-w.stopped:
		return ErrWorkerStopped
	default:
	}
	if len(w.jobs) == cap(w.jobs) {
		return ErrQueueFull
	}
	return nil
}

// Shutdown stops accepting submissions and waits for in-progress jobs to
// finish, up to ctx's deadline. Queued-but-unstarted jobs are abandoned;
// their callbacks never fire and they are removed from the queue-depth
// gauge. On a deadline the drain is skipped, so the gauge may keep the
// abandoned jobs counted until the process exits.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.stopOnce.Do(func() {
		close(w.stopped)
	})

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.drainAbandoned()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drainAbandoned empties the queue after all workers have exited, keeping
// the queue-depth gauge consistent with the jobs that will never run.
func (w *Worker) drainAbandoned() {
	for {
		select {
		case <-w.jobs:
			w.metrics.QueueDepth.Add(context.Background(), -1)
		default:
			return
		}
	}
}

// run is one worker goroutine: pull, execute, call back, repeat.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopped:
			return
		case sub := <-w.jobs:
			w.metrics.QueueDepth.Add(ctx, -1)
			w.execute(ctx, sub)
		}
	}
}

// execute performs one completion call and invokes the callback exactly once.
func (w *Worker) execute(ctx context.Context, sub submission) {
	w.metrics.InFlightJobs.Add(ctx, 1)
	defer w.metrics.InFlightJobs.Add(ctx, -1)

	jobCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	start := time.Now()
	resp, err := w.provider.Complete(jobCtx, llm.CompletionRequest{
		Messages:    sub.job.Messages,
		Temperature: w.temperature,
		MaxTokens:   w.maxTokens,
	})
	elapsed := time.Since(start)
	w.metrics.CompletionDuration.Record(ctx, elapsed.Seconds())

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && jobCtx.Err() != nil {
			err = ErrCompletionTimeout
		}
		w.metrics.CompletionErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.Bool("transient", IsTransient(err)),
		))
		observe.Logger(ctx).Warn("completion failed",
			"job_id", sub.job.ID,
			"user_id", sub.job.UserID,
			"duration_ms", elapsed.Milliseconds(),
			"err", err,
		)
		sub.callback(ctx, "", err)
		return
	}

	sub.callback(ctx, strings.TrimSpace(resp.Content), nil)
}
