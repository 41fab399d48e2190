package queue

import (
	"context"
	"runtime"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-kit/kit/metrics"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Handler processes a leased job. Returning nil acks the job; returning an
// error hands it to the retry policy. Permanent business failures must be
// absorbed by the handler itself (ack plus a failed property status), so
// that only transient failures burn retry attempts.
type Handler interface {
	Process(ctx context.Context, job *Envelope) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, job *Envelope) error

// Process implements Handler.
func (f HandlerFunc) Process(ctx context.Context, job *Envelope) error {
	return f(ctx, job)
}

// Queue owns the driver on behalf of both the enqueuer and the worker pool.
// Publish requests go through Enqueue; Consume runs the workers until the
// context is canceled.
type Queue struct {
	logger                   log.Logger
	driver                   Driver
	handler                  Handler
	events                   *EventBus
	parallelism              int
	maxAttempts              int
	backoff                  Backoff
	handleTimeout            time.Duration
	queueLengthGauge         metrics.Gauge
	checkQueueLengthInterval time.Duration
	popRetryInterval         time.Duration
}

// NewQueue returns a Queue consuming jobs from driver with handler.
func NewQueue(driver Driver, handler Handler, opts ...func(*Queue)) *Queue {
	q := Queue{
		logger:           log.NewNopLogger(),
		driver:           driver,
		handler:          handler,
		events:           &EventBus{},
		parallelism:      runtime.NumCPU(),
		maxAttempts:      5,
		backoff:          DefaultBackoff,
		handleTimeout:    time.Minute,
		popRetryInterval: time.Second,
	}
	for _, f := range opts {
		f(&q)
	}
	return &q
}

// UseLogger is an option for NewQueue that feeds the queue with a logger of
// choice.
func UseLogger(logger log.Logger) func(*Queue) {
	return func(q *Queue) {
		q.logger = logger
	}
}

// UseParallelism is an option for NewQueue that sets the number of
// concurrent workers.
func UseParallelism(parallelism int) func(*Queue) {
	return func(q *Queue) {
		q.parallelism = parallelism
	}
}

// UseMaxAttempts is an option for NewQueue that sets how many leases a job
// may consume before it is dead-lettered.
func UseMaxAttempts(attempts int) func(*Queue) {
	return func(q *Queue) {
		q.maxAttempts = attempts
	}
}

// UseBackoff is an option for NewQueue that replaces the retry policy.
func UseBackoff(b Backoff) func(*Queue) {
	return func(q *Queue) {
		q.backoff = b
	}
}

// UseHandleTimeout is an option for NewQueue that bounds a single run of the
// handler.
func UseHandleTimeout(timeout time.Duration) func(*Queue) {
	return func(q *Queue) {
		q.handleTimeout = timeout
	}
}

// UseGauge is an option for NewQueue that periodically reports per-state
// queue depth to the given gauge.
func UseGauge(gauge metrics.Gauge, interval time.Duration) func(*Queue) {
	return func(q *Queue) {
		q.queueLengthGauge = gauge
		q.checkQueueLengthInterval = interval
	}
}

// UseEventBus is an option for NewQueue that replaces the event bus.
func UseEventBus(bus *EventBus) func(*Queue) {
	return func(q *Queue) {
		q.events = bus
	}
}

// Driver exposes the underlying driver.
func (q *Queue) Driver() Driver {
	return q.driver
}

// Events exposes the bus carrying retry, dead-letter and completion events.
func (q *Queue) Events() *EventBus {
	return q.events
}

// Enqueue durably stores a registration job for the given property and
// returns its id. The job is eligible for lease immediately; the call does
// no chain work. Storage errors propagate to the caller.
func (q *Queue) Enqueue(ctx context.Context, propertyID string, payload []byte) (string, error) {
	e := &Envelope{
		ID:          uuid.NewString(),
		PropertyID:  propertyID,
		Payload:     payload,
		MaxAttempts: q.maxAttempts,
		EnqueuedAt:  time.Now(),
		State:       StatePending,
	}
	if err := q.driver.Push(ctx, e, 0); err != nil {
		return "", errors.Wrapf(err, "enqueue for property %s failed", propertyID)
	}
	return e.ID, nil
}

// Consume starts the worker pool and blocks until the context is canceled.
// Driver errors are retried after a short backoff. Workers drain their
// in-flight job before returning.
func (q *Queue) Consume(ctx context.Context) error {
	var jobChan = make(chan *Envelope)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(jobChan)
		for {
			e, err := q.driver.Pop(ctx)
			if errors.Is(err, ErrEmpty) {
				continue
			}
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				// A driver blip must not tear down the whole pool; back off
				// and poll again.
				_ = level.Warn(q.logger).Log("msg", "pop failed, backing off", "err", err)
				select {
				case <-time.After(q.popRetryInterval):
					continue
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			select {
			case jobChan <- e:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	if q.queueLengthGauge != nil {
		if q.checkQueueLengthInterval == 0 {
			q.checkQueueLengthInterval = 15 * time.Second
		}
		ticker := time.NewTicker(q.checkQueueLengthInterval)
		g.Go(func() error {
			for {
				select {
				case <-ticker.C:
					q.gauge(ctx)
				case <-ctx.Done():
					ticker.Stop()
					return ctx.Err()
				}
			}
		})
	}

	for i := 0; i < q.parallelism; i++ {
		g.Go(func() error {
			for e := range jobChan {
				q.work(ctx, e)
			}
			return nil
		})
	}
	return g.Wait()
}

func (q *Queue) work(ctx context.Context, e *Envelope) {
	// A panicking handler abandons the job; the lease lapses and the job is
	// redelivered like any other transient failure.
	defer func() {
		if r := recover(); r != nil {
			_ = level.Error(q.logger).Log("msg", "handler panicked, job abandoned", "job", e.ID, "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, q.handleTimeout)
	defer cancel()

	err := q.handler.Process(ctx, e)
	if err != nil {
		e.LastError = err.Error()
		if e.Attempt < e.MaxAttempts {
			e.Backoff = q.backoff.Delay(e.Attempt)
			_ = level.Info(q.logger).Log("err", errors.Wrapf(err, "job %s failed %d times, retrying", e.ID, e.Attempt))
			q.events.Emit(context.Background(), EventRetrying, RetryingPayload{Err: err, Job: e})
			if err := q.driver.Retry(context.Background(), e); err != nil {
				_ = level.Warn(q.logger).Log("msg", "retry failed, lease left to expire", "job", e.ID, "err", err)
			}
			return
		}
		_ = level.Warn(q.logger).Log("err", errors.Wrapf(err, "job %s failed after %d attempts, dead-lettered", e.ID, e.MaxAttempts))
		q.events.Emit(context.Background(), EventDeadLettered, DeadLetteredPayload{Err: err, Job: e})
		if err := q.driver.Fail(context.Background(), e); err != nil {
			_ = level.Error(q.logger).Log("msg", "dead-letter failed", "job", e.ID, "err", err)
		}
		return
	}
	if err := q.driver.Ack(context.Background(), e); err != nil {
		_ = level.Warn(q.logger).Log("msg", "ack failed, job may be redelivered", "job", e.ID, "err", err)
		return
	}
	q.events.Emit(context.Background(), EventCompleted, CompletedPayload{Job: e})
}

func (q *Queue) gauge(ctx context.Context) {
	info, err := q.driver.Info(ctx)
	if err != nil {
		_ = level.Warn(q.logger).Log("err", err)
		return
	}
	q.queueLengthGauge.With("channel", "pending").Set(float64(info.Pending))
	q.queueLengthGauge.With("channel", "in_flight").Set(float64(info.InFlight))
	q.queueLengthGauge.With("channel", "completed").Set(float64(info.Completed))
	q.queueLengthGauge.With("channel", "dead_lettered").Set(float64(info.DeadLettered))
}
