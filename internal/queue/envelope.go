package queue

import "time"

// State is the lifecycle state of an Envelope.
type State string

const (
	// StatePending means the job is waiting to be leased, either immediately
	// eligible or delayed until a backoff elapses.
	StatePending State = "PENDING"
	// StateInFlight means a worker holds an unexpired lease on the job.
	StateInFlight State = "IN_FLIGHT"
	// StateCompleted is terminal. The job has been acked and will never be
	// delivered again.
	StateCompleted State = "COMPLETED"
	// StateDeadLettered is terminal. The job exhausted its retry budget and
	// requires operator intervention.
	StateDeadLettered State = "DEAD_LETTERED"
)

// AllStates lists every Envelope state, in lifecycle order.
var AllStates = []State{StatePending, StateInFlight, StateCompleted, StateDeadLettered}

// Terminal reports whether no further transitions can occur from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateDeadLettered
}

// Envelope represents a persisted registration job.
type Envelope struct {
	// ID identifies each individual job. It is assigned at enqueue time and
	// never changes afterwards.
	ID string
	// PropertyID is the business identifier of the property to register, not
	// the internal numeric key.
	PropertyID string
	// Payload is the serialized registration payload.
	Payload []byte
	// Attempt denotes how many times the job has been leased. It starts at 0
	// and is incremented by the driver on each lease.
	Attempt int
	// MaxAttempts denotes the maximum number of leases before the job is put
	// onto the dead-letter queue.
	MaxAttempts int
	// Backoff sets the duration before the next delivery when the job is
	// retried.
	Backoff time.Duration
	// EnqueuedAt is set once when the job is first pushed.
	EnqueuedAt time.Time
	// VisibleAt is the moment the current lease expires. The driver sets it
	// on each lease; a job whose VisibleAt has elapsed is eligible again.
	VisibleAt time.Time
	// State is the current lifecycle state.
	State State
	// LastError records the most recent processing failure, for operators.
	LastError string
}
