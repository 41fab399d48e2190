package queue

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
)

// ErrEmpty is returned by Pop when no job became eligible within the long
// poll window.
var ErrEmpty = errors.New("no message available")

// ErrNotFound is returned by Inspector lookups for unknown job ids.
var ErrNotFound = errors.New("job not found")

// Driver is the durable storage for pending jobs. It is the sole
// synchronization point between the enqueuer and the worker pool: the
// visibility timeout it maintains is what prevents two workers from
// processing the same job concurrently, and what brings a crashed worker's
// job back into rotation.
type Driver interface {
	// Push durably stores the job in the pending state before returning,
	// optionally delaying its first delivery. A storage error must propagate
	// to the caller; a job is never silently dropped.
	Push(ctx context.Context, e *Envelope, delay time.Duration) error
	// Pop leases one eligible job: its Attempt is incremented, its VisibleAt
	// is set to now plus the visibility timeout, and it will not be handed to
	// another consumer until that lease expires. Pop blocks up to the
	// driver's poll window and returns ErrEmpty when nothing is eligible.
	Pop(ctx context.Context) (*Envelope, error)
	// Ack marks the job completed and removes it from future delivery. It is
	// an idempotent no-op on an already completed job.
	Ack(ctx context.Context, e *Envelope) error
	// Retry releases the lease early and re-shelves the job, delayed by
	// e.Backoff. Letting the lease lapse has the same effect, only slower.
	Retry(ctx context.Context, e *Envelope) error
	// Fail moves the job to the dead-letter queue. Terminal.
	Fail(ctx context.Context, e *Envelope) error
	// Info reports the number of jobs per state.
	Info(ctx context.Context) (QueueInfo, error)
}

// Inspector is the read-only view of a driver consumed by the operator
// dashboard. Implementations must never mutate job state on behalf of an
// Inspector call.
type Inspector interface {
	// Jobs lists up to limit jobs in the given state, oldest first. A zero
	// state lists jobs in every state.
	Jobs(ctx context.Context, state State, limit int) ([]*Envelope, error)
	// Find returns the job with the given id, or ErrNotFound.
	Find(ctx context.Context, id string) (*Envelope, error)
}

func sortByEnqueuedAt(jobs []*Envelope) {
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].EnqueuedAt.Before(jobs[j].EnqueuedAt) })
}
