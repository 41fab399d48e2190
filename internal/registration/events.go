package registration

import (
	"context"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"

	"github.com/deedstack/registrar/internal/property"
	"github.com/deedstack/registrar/internal/queue"
)

// SubscribeStatusEvents keeps property status converged with terminal job
// outcomes. Transient failures exhaust their retry budget inside the worker
// pool, so the dead-letter transition is the only place left to record the
// failure on the property itself.
func SubscribeStatusEvents(bus *queue.EventBus, store property.Store, logger log.Logger) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	bus.Subscribe(queue.EventDeadLettered, func(ctx context.Context, payload interface{}) {
		p, ok := payload.(queue.DeadLetteredPayload)
		if !ok {
			return
		}
		reason := "retry budget exhausted"
		if p.Err != nil {
			reason = p.Err.Error()
		}
		if err := store.MarkFailed(ctx, p.Job.PropertyID, reason); err != nil && !errors.Is(err, property.ErrNotFound) {
			_ = level.Error(logger).Log("msg", "could not mark property failed after dead-letter",
				"property", p.Job.PropertyID, "job", p.Job.ID, "err", err)
		}
	})
}
