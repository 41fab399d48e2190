package queue

import "time"

// Backoff computes the redelivery delay after a failed attempt. The delay
// doubles with each attempt, starting at Base, and never exceeds Cap.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// DefaultBackoff is used when no policy is configured.
var DefaultBackoff = Backoff{Base: 5 * time.Second, Cap: 5 * time.Minute}

// Delay returns the backoff before the next delivery, given the number of
// leases already spent on the job.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		b.Base = DefaultBackoff.Base
	}
	if b.Cap <= 0 {
		b.Cap = DefaultBackoff.Cap
	}
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Cap {
			return b.Cap
		}
	}
	if d > b.Cap {
		return b.Cap
	}
	return d
}
