package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testEnvelope(id, propertyID string) *Envelope {
	return &Envelope{
		ID:          id,
		PropertyID:  propertyID,
		Payload:     []byte("payload"),
		MaxAttempts: 3,
		EnqueuedAt:  time.Now(),
		State:       StatePending,
	}
}

func TestInProcessDriver_LeaseLifecycle(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	driver := NewInProcessDriver(
		WithClock(clock.Now),
		WithVisibilityTimeout(30*time.Second),
		WithPopTimeout(20*time.Millisecond),
	)

	require.NoError(t, driver.Push(ctx, testEnvelope("job-1", "PROP-000100"), 0))

	leased, err := driver.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job-1", leased.ID)
	assert.Equal(t, 1, leased.Attempt)
	assert.Equal(t, StateInFlight, leased.State)
	assert.Equal(t, clock.Now().Add(30*time.Second), leased.VisibleAt)

	// The lease hides the job from other consumers.
	_, err = driver.Pop(ctx)
	assert.ErrorIs(t, err, ErrEmpty)

	leased.LastError = "chain rejected owner address"
	require.NoError(t, driver.Ack(ctx, leased))
	info, err := driver.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, QueueInfo{Completed: 1}, info)

	// The acked record keeps the last error for the dashboard.
	found, err := driver.Find(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "chain rejected owner address", found.LastError)

	// Acking twice is a no-op.
	require.NoError(t, driver.Ack(ctx, leased))
	info, err = driver.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, QueueInfo{Completed: 1}, info)
}

func TestInProcessDriver_ExpiredLeaseIsRedelivered(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	driver := NewInProcessDriver(
		WithClock(clock.Now),
		WithVisibilityTimeout(30*time.Second),
		WithPopTimeout(20*time.Millisecond),
	)

	require.NoError(t, driver.Push(ctx, testEnvelope("job-1", "PROP-000100"), 0))

	first, err := driver.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Attempt)

	// The worker crashes: no ack, no retry. Before the timeout the job
	// stays invisible.
	clock.Advance(29 * time.Second)
	_, err = driver.Pop(ctx)
	assert.ErrorIs(t, err, ErrEmpty)

	clock.Advance(2 * time.Second)
	second, err := driver.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job-1", second.ID)
	assert.Equal(t, 2, second.Attempt)
}

func TestInProcessDriver_RetryDelaysRedelivery(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	driver := NewInProcessDriver(
		WithClock(clock.Now),
		WithVisibilityTimeout(time.Minute),
		WithPopTimeout(20*time.Millisecond),
	)

	require.NoError(t, driver.Push(ctx, testEnvelope("job-1", "PROP-000100"), 0))
	leased, err := driver.Pop(ctx)
	require.NoError(t, err)

	leased.Backoff = 10 * time.Second
	leased.LastError = "gateway unavailable"
	require.NoError(t, driver.Retry(ctx, leased))

	_, err = driver.Pop(ctx)
	assert.ErrorIs(t, err, ErrEmpty)

	clock.Advance(11 * time.Second)
	again, err := driver.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, again.Attempt)
	assert.Equal(t, "gateway unavailable", again.LastError)
}

func TestInProcessDriver_DelayedPush(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	driver := NewInProcessDriver(WithClock(clock.Now), WithPopTimeout(20*time.Millisecond))

	require.NoError(t, driver.Push(ctx, testEnvelope("job-1", "PROP-000100"), time.Minute))

	_, err := driver.Pop(ctx)
	assert.ErrorIs(t, err, ErrEmpty)

	clock.Advance(time.Minute)
	leased, err := driver.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job-1", leased.ID)
}

func TestInProcessDriver_FailIsTerminal(t *testing.T) {
	ctx := context.Background()
	driver := NewInProcessDriver(WithPopTimeout(20 * time.Millisecond))

	require.NoError(t, driver.Push(ctx, testEnvelope("job-1", "PROP-000100"), 0))
	leased, err := driver.Pop(ctx)
	require.NoError(t, err)

	leased.LastError = "boom"
	require.NoError(t, driver.Fail(ctx, leased))

	_, err = driver.Pop(ctx)
	assert.ErrorIs(t, err, ErrEmpty)

	// A dead-lettered job never becomes completed, even if a stale worker
	// acks it after the fact.
	require.NoError(t, driver.Ack(ctx, leased))
	found, err := driver.Find(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StateDeadLettered, found.State)
	assert.Equal(t, "boom", found.LastError)
}

func TestInProcessDriver_InspectorViews(t *testing.T) {
	ctx := context.Background()
	driver := NewInProcessDriver(WithPopTimeout(20 * time.Millisecond))

	e1 := testEnvelope("job-1", "PROP-000100")
	e1.EnqueuedAt = time.Now().Add(-time.Hour)
	e2 := testEnvelope("job-2", "PROP-000200")
	require.NoError(t, driver.Push(ctx, e1, 0))
	require.NoError(t, driver.Push(ctx, e2, 0))

	jobs, err := driver.Jobs(ctx, StatePending, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "job-1", jobs[0].ID, "oldest first")

	jobs, err = driver.Jobs(ctx, "", 1)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	_, err = driver.Find(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	found, err := driver.Find(ctx, "job-2")
	require.NoError(t, err)
	assert.Equal(t, "PROP-000200", found.PropertyID)
}

func TestInProcessDriver_NotifyWakesBlockedPop(t *testing.T) {
	ctx := context.Background()
	driver := NewInProcessDriver(WithPopTimeout(2 * time.Second))

	done := make(chan *Envelope, 1)
	go func() {
		e, err := driver.Pop(ctx)
		if err == nil {
			done <- e
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, driver.Push(ctx, testEnvelope("job-1", "PROP-000100"), 0))

	select {
	case e := <-done:
		assert.Equal(t, "job-1", e.ID)
	case <-time.After(time.Second):
		t.Fatal("pop did not receive the pushed job")
	}
}
