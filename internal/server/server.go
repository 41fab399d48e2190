// Package server exposes the publish API: accept a registration request,
// enqueue it, answer 202 with the job id. No chain work happens on the
// request path; callers observe the outcome by polling the property status.
package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"

	"github.com/deedstack/registrar/internal/property"
	"github.com/deedstack/registrar/internal/registration"
)

// Enqueuer is the slice of the queue the ingress needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, propertyID string, payload []byte) (string, error)
}

// Server handles the property publish API.
type Server struct {
	logger   log.Logger
	enqueuer Enqueuer
	store    property.Store
}

// New creates a Server.
func New(enqueuer Enqueuer, store property.Store, logger log.Logger) *Server {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Server{logger: logger, enqueuer: enqueuer, store: store}
}

// Routes returns the API router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/v1/properties/{propertyID}/publish", s.handlePublish)
	r.Get("/v1/properties/{propertyID}/registration", s.handleRegistrationStatus)
	return r
}

type publishRequest struct {
	OwnerAddress   string   `json:"ownerAddress"`
	MetadataCID    string   `json:"metadataCid"`
	DocumentHashes []string `json:"documentHashes"`
}

type publishResponse struct {
	JobID string `json:"jobId"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	propertyID := chi.URLParam(r, "propertyID")

	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.OwnerAddress == "" || req.MetadataCID == "" {
		httpError(w, http.StatusBadRequest, "ownerAddress and metadataCid are required")
		return
	}

	payload, err := registration.EncodePayload(registration.Payload{
		OwnerAddress:   req.OwnerAddress,
		MetadataCID:    req.MetadataCID,
		DocumentHashes: req.DocumentHashes,
	})
	if err != nil {
		_ = level.Error(s.logger).Log("msg", "payload encoding failed", "property", propertyID, "err", err)
		httpError(w, http.StatusInternalServerError, "could not encode payload")
		return
	}

	if err := s.store.EnsurePending(r.Context(), propertyID); err != nil {
		_ = level.Error(s.logger).Log("msg", "could not record pending status", "property", propertyID, "err", err)
		httpError(w, http.StatusServiceUnavailable, "registration temporarily unavailable")
		return
	}

	// The queue backend failing must fail this request loudly; dropping the
	// job silently would leave the property PENDING forever.
	jobID, err := s.enqueuer.Enqueue(r.Context(), propertyID, payload)
	if err != nil {
		_ = level.Error(s.logger).Log("msg", "enqueue failed", "property", propertyID, "err", err)
		httpError(w, http.StatusServiceUnavailable, "registration temporarily unavailable")
		return
	}

	writeJSON(w, http.StatusAccepted, publishResponse{JobID: jobID})
}

func (s *Server) handleRegistrationStatus(w http.ResponseWriter, r *http.Request) {
	propertyID := chi.URLParam(r, "propertyID")

	p, err := s.store.Get(r.Context(), propertyID)
	if errors.Is(err, property.ErrNotFound) {
		httpError(w, http.StatusNotFound, "unknown property")
		return
	}
	if err != nil {
		_ = level.Error(s.logger).Log("msg", "status lookup failed", "property", propertyID, "err", err)
		httpError(w, http.StatusInternalServerError, "status lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func httpError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
