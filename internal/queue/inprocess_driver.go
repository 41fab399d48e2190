package queue

import (
	"context"
	"sync"
	"time"
)

// InProcessDriver is a Driver and Inspector backed by process memory. Jobs do
// not survive a restart, so it is only suitable for tests and local
// development, but it honors the same lease semantics as the redis driver.
type InProcessDriver struct {
	mu           sync.Mutex
	now          func() time.Time
	visibility   time.Duration
	popTimeout   time.Duration
	pollInterval time.Duration

	jobs    map[string]*Envelope
	waiting []string
	delayed map[string]time.Time

	notify chan struct{}
}

// NewInProcessDriver creates an InProcessDriver.
func NewInProcessDriver(opts ...func(*InProcessDriver)) *InProcessDriver {
	d := &InProcessDriver{
		now:          time.Now,
		visibility:   30 * time.Second,
		popTimeout:   time.Second,
		pollInterval: 10 * time.Millisecond,
		jobs:         make(map[string]*Envelope),
		delayed:      make(map[string]time.Time),
		notify:       make(chan struct{}, 1),
	}
	for _, f := range opts {
		f(d)
	}
	return d
}

// WithClock swaps the wall clock, letting tests control lease expiry.
func WithClock(now func() time.Time) func(*InProcessDriver) {
	return func(d *InProcessDriver) {
		d.now = now
	}
}

// WithVisibilityTimeout sets the lease duration applied on each Pop.
func WithVisibilityTimeout(timeout time.Duration) func(*InProcessDriver) {
	return func(d *InProcessDriver) {
		d.visibility = timeout
	}
}

// WithPopTimeout sets the long poll window of Pop.
func WithPopTimeout(timeout time.Duration) func(*InProcessDriver) {
	return func(d *InProcessDriver) {
		d.popTimeout = timeout
	}
}

// Push implements Driver.
func (d *InProcessDriver) Push(_ context.Context, e *Envelope, delay time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	stored := e.clone()
	stored.State = StatePending
	d.jobs[stored.ID] = stored
	if delay > 0 {
		d.delayed[stored.ID] = d.now().Add(delay)
	} else {
		d.waiting = append(d.waiting, stored.ID)
	}
	select {
	case d.notify <- struct{}{}:
	default:
	}
	return nil
}

// Pop implements Driver.
func (d *InProcessDriver) Pop(ctx context.Context) (*Envelope, error) {
	start := time.Now()
	for {
		if e := d.lease(); e != nil {
			return e, nil
		}
		remaining := d.popTimeout - time.Since(start)
		if remaining <= 0 {
			return nil, ErrEmpty
		}
		wait := d.pollInterval
		if wait > remaining {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-d.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// lease promotes eligible jobs and hands out the oldest waiting one.
func (d *InProcessDriver) lease() *Envelope {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.promoteLocked()
	if len(d.waiting) == 0 {
		return nil
	}
	id := d.waiting[0]
	d.waiting = d.waiting[1:]
	job, ok := d.jobs[id]
	if !ok {
		return nil
	}
	job.Attempt++
	job.State = StateInFlight
	job.VisibleAt = d.now().Add(d.visibility)
	return job.clone()
}

// promoteLocked moves due delayed jobs and expired leases back to waiting.
// Callers must hold mu.
func (d *InProcessDriver) promoteLocked() {
	now := d.now()
	for id, readyAt := range d.delayed {
		if !readyAt.After(now) {
			delete(d.delayed, id)
			d.waiting = append(d.waiting, id)
		}
	}
	for id, job := range d.jobs {
		if job.State == StateInFlight && !job.VisibleAt.After(now) {
			job.State = StatePending
			d.waiting = append(d.waiting, id)
		}
	}
}

// Ack implements Driver. Acking an already completed job is a no-op.
func (d *InProcessDriver) Ack(_ context.Context, e *Envelope) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	job, ok := d.jobs[e.ID]
	if !ok || job.State.Terminal() {
		return nil
	}
	job.State = StateCompleted
	job.Attempt = e.Attempt
	job.LastError = e.LastError
	d.dropPendingLocked(e.ID)
	return nil
}

// Retry implements Driver.
func (d *InProcessDriver) Retry(_ context.Context, e *Envelope) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	job, ok := d.jobs[e.ID]
	if !ok || job.State.Terminal() {
		return nil
	}
	job.State = StatePending
	job.Attempt = e.Attempt
	job.Backoff = e.Backoff
	job.LastError = e.LastError
	d.dropPendingLocked(e.ID)
	d.delayed[e.ID] = d.now().Add(e.Backoff)
	return nil
}

// Fail implements Driver.
func (d *InProcessDriver) Fail(_ context.Context, e *Envelope) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	job, ok := d.jobs[e.ID]
	if !ok || job.State.Terminal() {
		return nil
	}
	job.State = StateDeadLettered
	job.Attempt = e.Attempt
	job.LastError = e.LastError
	d.dropPendingLocked(e.ID)
	return nil
}

// Info implements Driver.
func (d *InProcessDriver) Info(_ context.Context) (QueueInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.promoteLocked()
	var info QueueInfo
	for _, job := range d.jobs {
		switch job.State {
		case StatePending:
			info.Pending++
		case StateInFlight:
			info.InFlight++
		case StateCompleted:
			info.Completed++
		case StateDeadLettered:
			info.DeadLettered++
		}
	}
	return info, nil
}

// Jobs implements Inspector.
func (d *InProcessDriver) Jobs(_ context.Context, state State, limit int) ([]*Envelope, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []*Envelope
	for _, job := range d.jobs {
		if state != "" && job.State != state {
			continue
		}
		out = append(out, job.clone())
	}
	sortByEnqueuedAt(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Find implements Inspector.
func (d *InProcessDriver) Find(_ context.Context, id string) (*Envelope, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	job, ok := d.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return job.clone(), nil
}

func (d *InProcessDriver) dropPendingLocked(id string) {
	delete(d.delayed, id)
	for i, w := range d.waiting {
		if w == id {
			d.waiting = append(d.waiting[:i], d.waiting[i+1:]...)
			break
		}
	}
}

func (e *Envelope) clone() *Envelope {
	c := *e
	return &c
}
