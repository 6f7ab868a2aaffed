// Package lifecycle runs the side effects of user writes (queue provisioning,
// webhooks, IdP sync) after the directory write has committed. Side effects
// are retried with bounded exponential backoff; a task that exhausts its
// attempts is logged as a dead letter and never reaches the caller.
package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/dreamup-ai/user-service/cmd/userapi/internal/logging"
	"github.com/dreamup-ai/user-service/cmd/userapi/internal/telemetry"
)

var (
	// ErrQueueFull is recorded when a task is dropped because the buffer is full.
	ErrQueueFull = errors.New("lifecycle queue full")
	// ErrClosed is recorded when a task is submitted after Close.
	ErrClosed = errors.New("lifecycle dispatcher closed")
)

// Task is one side effect.
type Task struct {
	// Name identifies the task kind in logs and metrics (queue.provision, webhook.user.created, ...)
	Name   string
	UserID string
	Run    func(ctx context.Context) error
}

// Options configures a Dispatcher. Zero values fall back to defaults.
type Options struct {
	MaxAttempts     int
	AttemptTimeout  time.Duration
	QueueSize       int
	Workers         int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Logger          *zap.SugaredLogger
	Metrics         *telemetry.Metrics
}

type job struct {
	ctx  context.Context
	task Task
}

// Dispatcher runs tasks on a fixed pool of workers fed by a bounded buffer.
// Submit never blocks.
type Dispatcher struct {
	opts    Options
	logger  *zap.SugaredLogger
	metrics *telemetry.Metrics

	jobs chan job
	wg   sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	// stop aborts in-flight tasks when Close runs out of time
	stop   context.Context
	cancel context.CancelFunc
}

// NewDispatcher starts the worker pool.
func NewDispatcher(opts Options) *Dispatcher {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 5 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 200 * time.Millisecond
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = 5 * time.Second
	}

	stop, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		opts:    opts,
		logger:  logging.OrNop(opts.Logger),
		metrics: opts.Metrics,
		jobs:    make(chan job, opts.QueueSize),
		stop:    stop,
		cancel:  cancel,
	}

	d.wg.Add(opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		go d.worker()
	}
	return d
}

// Submit queues t. The request context contributes its values (trace span,
// request id) but not its cancellation, so a task outlives the response.
// Tasks that cannot be queued are dead-lettered immediately.
func (d *Dispatcher) Submit(ctx context.Context, t Task) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.deadLetter(ctx, t, 0, ErrClosed)
		return
	}

	select {
	case d.jobs <- job{ctx: context.WithoutCancel(ctx), task: t}:
	default:
		d.deadLetter(ctx, t, 0, ErrQueueFull)
	}
}

// Close stops accepting tasks and waits for queued ones to finish. If ctx
// expires first, in-flight tasks are cancelled and ctx.Err() is returned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.jobs)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for j := range d.jobs {
		d.run(j)
	}
}

func (d *Dispatcher) run(j job) {
	ctx, cancel := context.WithCancel(j.ctx)
	defer cancel()
	unhook := context.AfterFunc(d.stop, cancel)
	defer unhook()

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = d.opts.InitialInterval
	exp.MaxInterval = d.opts.MaxInterval
	exp.Reset()

	attempts := 0
	operation := func() (struct{}, error) {
		attempts++
		actx, acancel := context.WithTimeout(ctx, d.opts.AttemptTimeout)
		defer acancel()

		err := j.task.Run(actx)
		d.metrics.RecordTaskAttempt(ctx, j.task.Name, err == nil)
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(exp),
		backoff.WithMaxTries(uint(d.opts.MaxAttempts)), // #nosec G115 -- MaxAttempts is positive
		backoff.WithNotify(func(err error, wait time.Duration) {
			d.logger.Warnw("side effect failed, retrying",
				"task", j.task.Name,
				"user_id", j.task.UserID,
				"attempt", attempts,
				"retry_in", wait,
				"error", err,
			)
		}),
	)
	if err != nil {
		d.deadLetter(ctx, j.task, attempts, err)
		return
	}
	d.logger.Debugw("side effect done", "task", j.task.Name, "user_id", j.task.UserID, "attempts", attempts)
}

func (d *Dispatcher) deadLetter(ctx context.Context, t Task, attempts int, err error) {
	d.logger.Errorw("side effect dead-lettered",
		"task", t.Name,
		"user_id", t.UserID,
		"attempts", attempts,
		"dead_letter", true,
		"error", err,
	)
	d.metrics.RecordDeadLetter(ctx, t.Name)
}
