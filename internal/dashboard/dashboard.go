// Package dashboard is the operator-facing view of the registration queue.
// It is strictly read-only with respect to job state: the one action it
// offers, retrying a dead-lettered job, is modeled as enqueueing a fresh job
// for the same property rather than resurrecting the dead record. It runs on
// its own listener so its availability never affects the data path.
package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/deedstack/registrar/internal/property"
	"github.com/deedstack/registrar/internal/queue"
)

const defaultListLimit = 50

// Inspector is the read-only queue surface the dashboard renders.
type Inspector interface {
	queue.Inspector
	Info(ctx context.Context) (queue.QueueInfo, error)
}

// Enqueuer re-enqueues fresh jobs for the operator retry action.
type Enqueuer interface {
	Enqueue(ctx context.Context, propertyID string, payload []byte) (string, error)
}

// Dashboard serves queue state to operators.
type Dashboard struct {
	logger    log.Logger
	inspector Inspector
	enqueuer  Enqueuer
	store     property.Store
}

// New creates a Dashboard.
func New(inspector Inspector, enqueuer Enqueuer, store property.Store, logger log.Logger) *Dashboard {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Dashboard{logger: logger, inspector: inspector, enqueuer: enqueuer, store: store}
}

// Routes returns the dashboard router, with prometheus metrics on /metrics.
func (d *Dashboard) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/queue/stats", d.handleStats)
	r.Get("/queue/jobs", d.handleListJobs)
	r.Get("/queue/jobs/{jobID}", d.handleJobDetail)
	r.Post("/queue/jobs/{jobID}/retry", d.handleRetry)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

func (d *Dashboard) handleStats(w http.ResponseWriter, r *http.Request) {
	info, err := d.inspector.Info(r.Context())
	if err != nil {
		_ = level.Error(d.logger).Log("msg", "queue info failed", "err", err)
		httpError(w, http.StatusInternalServerError, "queue info unavailable")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (d *Dashboard) handleListJobs(w http.ResponseWriter, r *http.Request) {
	state := queue.State(r.URL.Query().Get("state"))
	if state != "" && !validState(state) {
		httpError(w, http.StatusBadRequest, "unknown state")
		return
	}
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			httpError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	jobs, err := d.inspector.Jobs(r.Context(), state, limit)
	if err != nil {
		_ = level.Error(d.logger).Log("msg", "job listing failed", "err", err)
		httpError(w, http.StatusInternalServerError, "job listing unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": toViews(jobs)})
}

func (d *Dashboard) handleJobDetail(w http.ResponseWriter, r *http.Request) {
	job, err := d.inspector.Find(r.Context(), chi.URLParam(r, "jobID"))
	if errors.Is(err, queue.ErrNotFound) {
		httpError(w, http.StatusNotFound, "unknown job")
		return
	}
	if err != nil {
		_ = level.Error(d.logger).Log("msg", "job lookup failed", "err", err)
		httpError(w, http.StatusInternalServerError, "job lookup unavailable")
		return
	}
	writeJSON(w, http.StatusOK, toView(job))
}

// handleRetry enqueues a fresh job carrying the payload of a dead-lettered
// one. The dead-lettered record itself stays put, attempt history intact.
func (d *Dashboard) handleRetry(w http.ResponseWriter, r *http.Request) {
	job, err := d.inspector.Find(r.Context(), chi.URLParam(r, "jobID"))
	if errors.Is(err, queue.ErrNotFound) {
		httpError(w, http.StatusNotFound, "unknown job")
		return
	}
	if err != nil {
		_ = level.Error(d.logger).Log("msg", "job lookup failed", "err", err)
		httpError(w, http.StatusInternalServerError, "job lookup unavailable")
		return
	}
	if job.State != queue.StateDeadLettered {
		httpError(w, http.StatusConflict, "only dead-lettered jobs can be retried")
		return
	}

	// Dead-lettering marked the property REGISTRATION_FAILED; the retried
	// job can only record a success from PENDING, so re-arm the row first.
	if err := d.store.EnsurePending(r.Context(), job.PropertyID); err != nil {
		_ = level.Error(d.logger).Log("msg", "could not reset property status", "property", job.PropertyID, "err", err)
		httpError(w, http.StatusServiceUnavailable, "enqueue failed")
		return
	}

	newID, err := d.enqueuer.Enqueue(r.Context(), job.PropertyID, job.Payload)
	if err != nil {
		_ = level.Error(d.logger).Log("msg", "retry enqueue failed", "property", job.PropertyID, "err", err)
		httpError(w, http.StatusServiceUnavailable, "enqueue failed")
		return
	}
	_ = level.Info(d.logger).Log("msg", "operator retry enqueued", "property", job.PropertyID, "from", job.ID, "job", newID)
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": newID})
}

// jobView is the wire shape of a job. Payload bytes are withheld; operators
// act on identity and history, not on the serialized payload.
type jobView struct {
	ID         string      `json:"jobId"`
	PropertyID string      `json:"propertyId"`
	State      queue.State `json:"state"`
	Attempt    int         `json:"attempt"`
	MaxAttempt int         `json:"maxAttempts"`
	EnqueuedAt string      `json:"enqueuedAt"`
	VisibleAt  string      `json:"visibleAt,omitempty"`
	LastError  string      `json:"lastError,omitempty"`
}

func toView(e *queue.Envelope) jobView {
	v := jobView{
		ID:         e.ID,
		PropertyID: e.PropertyID,
		State:      e.State,
		Attempt:    e.Attempt,
		MaxAttempt: e.MaxAttempts,
		EnqueuedAt: e.EnqueuedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		LastError:  e.LastError,
	}
	if e.State == queue.StateInFlight {
		v.VisibleAt = e.VisibleAt.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	return v
}

func toViews(jobs []*queue.Envelope) []jobView {
	views := make([]jobView, 0, len(jobs))
	for _, e := range jobs {
		views = append(views, toView(e))
	}
	return views
}

func validState(s queue.State) bool {
	for _, known := range queue.AllStates {
		if s == known {
			return true
		}
	}
	return false
}

func httpError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
