package queue

// QueueInfo describes the state of the queue.
type QueueInfo struct {
	// Pending is the number of jobs waiting for a lease, including delayed
	// jobs whose backoff has not yet elapsed.
	Pending int64 `json:"pending"`
	// InFlight is the number of jobs currently held under an unexpired lease.
	InFlight int64 `json:"inFlight"`
	// Completed is the number of jobs acked since the queue was created.
	Completed int64 `json:"completed"`
	// DeadLettered is the number of jobs that exhausted their retry budget.
	DeadLettered int64 `json:"deadLettered"`
}
