// Package queue implements the durable job pipeline behind property
// publishing: an accept-and-enqueue front, a redis-backed store with
// visibility-timeout leases, and a pool of concurrent workers with
// exponential retry and a dead-letter channel.
//
// Delivery is at-least-once. A job leased by a worker is hidden from other
// consumers until its visibility timeout elapses; if the worker crashes or
// stalls, the job simply reappears and is leased again. Handlers must
// therefore be idempotent. There is no ordering guarantee across jobs.
//
// A minimal consumer:
//
//	drv := queue.NewInProcessDriver()
//	q := queue.NewQueue(drv, handler, queue.UseParallelism(4))
//	go q.Consume(ctx)
//	id, err := q.Enqueue(ctx, "PROP-000100", payload)
//
// The retry budget is enforced per job: every lease increments the attempt
// counter, and the attempt that would exceed MaxAttempts dead-letters the
// job instead. EventRetrying and EventDeadLettered fire on the transitions
// so an operator-facing surface can subscribe without touching the data
// path.
package queue
