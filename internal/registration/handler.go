package registration

import (
	"context"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"

	"github.com/deedstack/registrar/internal/property"
	"github.com/deedstack/registrar/internal/queue"
)

// Handler is the registration step executed by the worker pool. It is
// idempotent: delivery of the same job twice never invokes the chain twice
// after the first success.
type Handler struct {
	registrar Registrar
	store     property.Store
	logger    log.Logger
}

var _ queue.Handler = (*Handler)(nil)

// NewHandler creates a Handler.
func NewHandler(registrar Registrar, store property.Store, logger log.Logger) *Handler {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Handler{registrar: registrar, store: store, logger: logger}
}

// Process implements queue.Handler.
//
// A nil return acks the job. Transient failures are returned so the worker
// re-shelves the job; permanent failures mark the property failed and return
// nil, because redelivering them would fail identically forever.
func (h *Handler) Process(ctx context.Context, job *queue.Envelope) error {
	logger := log.With(h.logger, "job", job.ID, "property", job.PropertyID, "attempt", job.Attempt)

	current, err := h.store.Get(ctx, job.PropertyID)
	if err != nil && !errors.Is(err, property.ErrNotFound) {
		return Transient("status.lookup", err)
	}
	if errors.Is(err, property.ErrNotFound) {
		_ = level.Warn(logger).Log("msg", "property vanished before registration")
		return h.fail(ctx, job, Permanent("status.lookup", err))
	}
	// Duplicate delivery after a successful attempt: the chain call already
	// happened, so treat this as success.
	if current.Status == property.StatusRegistered {
		_ = level.Debug(logger).Log("msg", "already registered, skipping chain call", "txRef", current.TxRef)
		return nil
	}

	payload, err := DecodePayload(job.Payload)
	if err != nil {
		return h.fail(ctx, job, Permanent("payload.decode", err))
	}
	if payload.OwnerAddress == "" || payload.MetadataCID == "" {
		return h.fail(ctx, job, Permanent("payload.validate", errors.New("owner address and metadata CID are required")))
	}

	receipt, err := h.registrar.Register(ctx, job.PropertyID, payload)
	if err != nil {
		if IsPermanent(err) {
			return h.fail(ctx, job, err)
		}
		_ = level.Info(logger).Log("msg", "chain call failed, will retry", "err", err)
		return err
	}

	if err := h.store.MarkRegistered(ctx, job.PropertyID, receipt.TxHash); err != nil {
		// The chain registration succeeded; the idempotence guard will skip
		// the chain call on redelivery once the status write goes through.
		return Transient("status.update", err)
	}
	_ = level.Info(logger).Log("msg", "property registered", "txHash", receipt.TxHash, "block", receipt.BlockNumber)
	return nil
}

// fail marks the property failed and absorbs the error so the job is acked.
func (h *Handler) fail(ctx context.Context, job *queue.Envelope, cause error) error {
	_ = level.Warn(h.logger).Log("msg", "registration failed permanently", "job", job.ID, "property", job.PropertyID, "err", cause)
	if err := h.store.MarkFailed(ctx, job.PropertyID, cause.Error()); err != nil && !errors.Is(err, property.ErrNotFound) {
		// Could not persist the failed status: keep the job alive so the
		// outcome stays observable.
		return Transient("status.update", err)
	}
	job.LastError = cause.Error()
	return nil
}
