package queue

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startConsumer(t *testing.T, q *Queue) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		err := q.Consume(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("consume returned: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("consumer did not shut down")
		}
	})
	return cancel
}

func TestQueue_EnqueueStoresPendingJob(t *testing.T) {
	ctx := context.Background()
	driver := NewInProcessDriver(WithPopTimeout(20 * time.Millisecond))
	q := NewQueue(driver, HandlerFunc(func(context.Context, *Envelope) error { return nil }),
		UseMaxAttempts(7),
	)

	id, err := q.Enqueue(ctx, "PROP-000100", []byte("payload"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	stored, err := driver.Find(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "PROP-000100", stored.PropertyID)
	assert.Equal(t, StatePending, stored.State)
	assert.Equal(t, 0, stored.Attempt)
	assert.Equal(t, 7, stored.MaxAttempts)
	assert.False(t, stored.EnqueuedAt.IsZero())
}

func TestQueue_ConsumeAcksSuccessfulJob(t *testing.T) {
	ctx := context.Background()
	driver := NewInProcessDriver(WithPopTimeout(20 * time.Millisecond))

	processed := make(chan *Envelope, 1)
	q := NewQueue(driver, HandlerFunc(func(_ context.Context, e *Envelope) error {
		processed <- e
		return nil
	}), UseParallelism(2))

	completed := make(chan struct{}, 1)
	q.Events().Subscribe(EventCompleted, func(context.Context, interface{}) {
		completed <- struct{}{}
	})

	startConsumer(t, q)

	id, err := q.Enqueue(ctx, "PROP-000100", []byte("payload"))
	require.NoError(t, err)

	select {
	case e := <-processed:
		assert.Equal(t, id, e.ID)
		assert.Equal(t, 1, e.Attempt)
	case <-time.After(2 * time.Second):
		t.Fatal("job was not processed")
	}
	select {
	case <-completed:
	case <-time.After(2 * time.Second):
		t.Fatal("completion event did not fire")
	}

	stored, err := driver.Find(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, stored.State)
}

func TestQueue_RetriesTransientFailureUntilSuccess(t *testing.T) {
	ctx := context.Background()
	driver := NewInProcessDriver(WithPopTimeout(20 * time.Millisecond))

	var calls int32
	done := make(chan *Envelope, 1)
	q := NewQueue(driver, HandlerFunc(func(_ context.Context, e *Envelope) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("gateway unavailable")
		}
		done <- e
		return nil
	}),
		UseMaxAttempts(5),
		UseBackoff(Backoff{Base: time.Millisecond, Cap: 2 * time.Millisecond}),
	)

	var retries int32
	q.Events().Subscribe(EventRetrying, func(context.Context, interface{}) {
		atomic.AddInt32(&retries, 1)
	})

	startConsumer(t, q)

	_, err := q.Enqueue(ctx, "PROP-000100", []byte("payload"))
	require.NoError(t, err)

	select {
	case e := <-done:
		assert.Equal(t, 3, e.Attempt)
	case <-time.After(5 * time.Second):
		t.Fatal("job never succeeded")
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&retries))
}

func TestQueue_DeadLettersAfterExactlyMaxAttempts(t *testing.T) {
	ctx := context.Background()
	driver := NewInProcessDriver(WithPopTimeout(20 * time.Millisecond))

	var calls int32
	q := NewQueue(driver, HandlerFunc(func(context.Context, *Envelope) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("gateway unavailable")
	}),
		UseMaxAttempts(3),
		UseBackoff(Backoff{Base: time.Millisecond, Cap: time.Millisecond}),
	)

	deadLettered := make(chan DeadLetteredPayload, 1)
	q.Events().Subscribe(EventDeadLettered, func(_ context.Context, payload interface{}) {
		deadLettered <- payload.(DeadLetteredPayload)
	})

	startConsumer(t, q)

	id, err := q.Enqueue(ctx, "PROP-000100", []byte("payload"))
	require.NoError(t, err)

	var dead DeadLetteredPayload
	select {
	case dead = <-deadLettered:
	case <-time.After(5 * time.Second):
		t.Fatal("job was not dead-lettered")
	}
	assert.Equal(t, id, dead.Job.ID)
	assert.Equal(t, 3, dead.Job.Attempt)
	assert.EqualError(t, dead.Err, "gateway unavailable")

	// Exactly maxAttempts leases, never more.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))

	stored, err := driver.Find(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateDeadLettered, stored.State)
	assert.Equal(t, "gateway unavailable", stored.LastError)
}

// flakyDriver fails the first Pop calls with a connection error before
// recovering, like a redis blip.
type flakyDriver struct {
	*InProcessDriver
	failures int32
}

func (d *flakyDriver) Pop(ctx context.Context) (*Envelope, error) {
	if atomic.AddInt32(&d.failures, -1) >= 0 {
		return nil, errors.New("connection refused")
	}
	return d.InProcessDriver.Pop(ctx)
}

func TestQueue_ConsumerSurvivesPopError(t *testing.T) {
	ctx := context.Background()
	driver := &flakyDriver{
		InProcessDriver: NewInProcessDriver(WithPopTimeout(20 * time.Millisecond)),
		failures:        2,
	}

	processed := make(chan *Envelope, 1)
	q := NewQueue(driver, HandlerFunc(func(_ context.Context, e *Envelope) error {
		processed <- e
		return nil
	}))
	q.popRetryInterval = time.Millisecond

	startConsumer(t, q)

	id, err := q.Enqueue(ctx, "PROP-000100", []byte("payload"))
	require.NoError(t, err)

	// The blips must not tear the pool down; the job is processed once the
	// driver recovers.
	select {
	case e := <-processed:
		assert.Equal(t, id, e.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not survive the pop errors")
	}
}

func TestQueue_PanickingHandlerAbandonsJob(t *testing.T) {
	ctx := context.Background()
	driver := NewInProcessDriver(
		WithPopTimeout(20*time.Millisecond),
		WithVisibilityTimeout(50*time.Millisecond),
	)

	done := make(chan *Envelope, 1)
	var calls int32
	q := NewQueue(driver, HandlerFunc(func(_ context.Context, e *Envelope) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			panic("handler bug")
		}
		done <- e
		return nil
	}), UseMaxAttempts(5))

	startConsumer(t, q)

	_, err := q.Enqueue(ctx, "PROP-000100", []byte("payload"))
	require.NoError(t, err)

	// The panicked attempt is neither acked nor retried; the lease expires
	// and the job is delivered again.
	select {
	case e := <-done:
		assert.Equal(t, 2, e.Attempt)
	case <-time.After(5 * time.Second):
		t.Fatal("job was not redelivered after panic")
	}
}

func TestQueue_JobsProcessConcurrently(t *testing.T) {
	ctx := context.Background()
	driver := NewInProcessDriver(WithPopTimeout(20 * time.Millisecond))

	block := make(chan struct{})
	fast := make(chan *Envelope, 1)
	q := NewQueue(driver, HandlerFunc(func(_ context.Context, e *Envelope) error {
		if e.PropertyID == "PROP-SLOW" {
			<-block
			return nil
		}
		fast <- e
		return nil
	}), UseParallelism(2))

	startConsumer(t, q)
	defer close(block)

	_, err := q.Enqueue(ctx, "PROP-SLOW", []byte("payload"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "PROP-FAST", []byte("payload"))
	require.NoError(t, err)

	// The stuck job must not block the other worker.
	select {
	case e := <-fast:
		assert.Equal(t, "PROP-FAST", e.PropertyID)
	case <-time.After(2 * time.Second):
		t.Fatal("unrelated job was blocked")
	}
}
