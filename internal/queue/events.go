package queue

import (
	"context"
	"sync"
)

type event string

const (
	// EventRetrying fires when a job failed and is going to be redelivered.
	// Note: if retry attempts are exhausted, this event won't fire.
	EventRetrying event = "retrying"
	// EventDeadLettered fires when a job failed and has no retry attempts
	// remaining. Operators act on this one.
	EventDeadLettered event = "deadLettered"
	// EventCompleted fires after a job is acked.
	EventCompleted event = "completed"
)

// RetryingPayload accompanies EventRetrying.
type RetryingPayload struct {
	Err error
	Job *Envelope
}

// DeadLetteredPayload accompanies EventDeadLettered.
type DeadLetteredPayload struct {
	Err error
	Job *Envelope
}

// CompletedPayload accompanies EventCompleted.
type CompletedPayload struct {
	Job *Envelope
}

// EventBus delivers queue lifecycle events to subscribers synchronously.
// It is safe for concurrent use. Subscriber errors are the subscriber's
// problem: observability must not interfere with the data path.
type EventBus struct {
	registry map[event][]func(ctx context.Context, payload interface{})
	rwLock   sync.RWMutex
}

// Subscribe registers a callback for the given event.
func (b *EventBus) Subscribe(e event, fn func(ctx context.Context, payload interface{})) {
	b.rwLock.Lock()
	defer b.rwLock.Unlock()

	if b.registry == nil {
		b.registry = make(map[event][]func(ctx context.Context, payload interface{}))
	}
	b.registry[e] = append(b.registry[e], fn)
}

// Emit calls every subscriber of the given event in subscription order.
func (b *EventBus) Emit(ctx context.Context, e event, payload interface{}) {
	b.rwLock.RLock()
	subscribers := b.registry[e]
	b.rwLock.RUnlock()

	for _, fn := range subscribers {
		fn(ctx, payload)
	}
}
