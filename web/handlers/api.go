package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/scrypster/cloudml/internal/registry"
	"github.com/scrypster/cloudml/internal/storage"
	"github.com/scrypster/cloudml/pkg/types"
)

// APIHandlers contains HTTP handlers for the model REST API.
type APIHandlers struct {
	registry *registry.Registry
	validate *validator.Validate
	logger   *zap.Logger
}

// NewAPIHandlers creates a new APIHandlers instance. A nil logger discards
// log output.
func NewAPIHandlers(reg *registry.Registry, logger *zap.Logger) *APIHandlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &APIHandlers{
		registry: reg,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.Named("api"),
	}
}

// RegisterRoutes installs every model route on mux.
func (h *APIHandlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/models", h.CreateModel)
	mux.HandleFunc("GET /api/models", h.ListModels)
	mux.HandleFunc("GET /api/models/{id}", h.GetModel)
	mux.HandleFunc("DELETE /api/models/{id}", h.DeleteModel)
	mux.HandleFunc("POST /api/models/{id}/data", h.IngestData)
	mux.HandleFunc("DELETE /api/models/{id}/data", h.ResetModel)
	mux.HandleFunc("POST /api/models/{id}/datum", h.IngestDatum)
	mux.HandleFunc("POST /api/models/{id}/predict", h.Predict)
}

// CreateModel handles POST /api/models - create a model with zero coefficients.
func (h *APIHandlers) CreateModel(w http.ResponseWriter, r *http.Request) {
	var req CreateModelRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.validate.Struct(req); err != nil {
		respondValidationError(w, "invalid model spec", err)
		return
	}

	model, err := h.registry.Create(r.Context(), registry.ModelSpec{
		Type:              types.ModelType(req.Type),
		Covariates:        req.Covariates,
		LearningRate:      req.LearningRate,
		LearningRateDecay: req.LearningRateDecay,
		Lambda:            req.Lambda,
	})
	if err != nil {
		h.respondRegistryError(w, "failed to create model", err)
		return
	}

	respondJSON(w, http.StatusCreated, model)
}

// ListModels handles GET /api/models - every live model, oldest first.
func (h *APIHandlers) ListModels(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.registry.List())
}

// GetModel handles GET /api/models/{id}.
func (h *APIHandlers) GetModel(w http.ResponseWriter, r *http.Request) {
	model, err := h.registry.Get(extractID(r, "id"))
	if err != nil {
		h.respondRegistryError(w, "failed to get model", err)
		return
	}
	respondJSON(w, http.StatusOK, model)
}

// DeleteModel handles DELETE /api/models/{id}.
func (h *APIHandlers) DeleteModel(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Delete(r.Context(), extractID(r, "id")); err != nil {
		h.respondRegistryError(w, "failed to delete model", err)
		return
	}
	respondJSON(w, http.StatusOK, struct{}{})
}

// IngestData handles POST /api/models/{id}/data - train on a batch of
// observations. The batch is absorbed whole or not at all.
func (h *APIHandlers) IngestData(w http.ResponseWriter, r *http.Request) {
	var reqs []ObservationRequest
	if !h.decode(w, r, &reqs) {
		return
	}

	obs := make([]types.Observation, len(reqs))
	for i, req := range reqs {
		if err := h.validate.Struct(req); err != nil {
			respondValidationError(w, fmt.Sprintf("invalid observation %d", i), err)
			return
		}
		obs[i] = req.toObservation()
	}

	acks, err := h.registry.IngestData(r.Context(), extractID(r, "id"), obs)
	if err != nil {
		h.respondRegistryError(w, "failed to ingest data", err)
		return
	}
	respondJSON(w, http.StatusOK, acks)
}

// IngestDatum handles POST /api/models/{id}/datum - train on one observation.
func (h *APIHandlers) IngestDatum(w http.ResponseWriter, r *http.Request) {
	var req ObservationRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.validate.Struct(req); err != nil {
		respondValidationError(w, "invalid observation", err)
		return
	}

	acks, err := h.registry.IngestData(r.Context(), extractID(r, "id"), []types.Observation{req.toObservation()})
	if err != nil {
		h.respondRegistryError(w, "failed to ingest datum", err)
		return
	}
	respondJSON(w, http.StatusOK, acks[0])
}

// ResetModel handles DELETE /api/models/{id}/data - forget everything the
// model has learned.
func (h *APIHandlers) ResetModel(w http.ResponseWriter, r *http.Request) {
	model, err := h.registry.Reset(r.Context(), extractID(r, "id"))
	if err != nil {
		h.respondRegistryError(w, "failed to reset model", err)
		return
	}
	respondJSON(w, http.StatusOK, model)
}

// Predict handles POST /api/models/{id}/predict.
func (h *APIHandlers) Predict(w http.ResponseWriter, r *http.Request) {
	var req PredictRequest
	if !h.decode(w, r, &req) {
		return
	}

	value, err := h.registry.Predict(extractID(r, "id"), req.Covariates)
	if err != nil {
		h.respondRegistryError(w, "failed to predict", err)
		return
	}
	respondJSON(w, http.StatusOK, PredictResponse{Value: value})
}

// Health handles GET /api/health. It is served without authentication.
func (h *APIHandlers) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Models: h.registry.Len()})
}

// decode reads a JSON body into dst, writing the error response itself
// when it returns false.
func (h *APIHandlers) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "request body too large", err)
			return false
		}
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return false
	}
	return true
}

// respondRegistryError maps a registry failure onto its status code.
// Server-side failures are logged; client errors are not.
func (h *APIHandlers) respondRegistryError(w http.ResponseWriter, message string, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, zap.Error(err), zap.Int("status", status))
	}
	respondError(w, status, message, err)
}

// statusForError classifies registry, trainer and storage errors.
func statusForError(err error) int {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrInvalidModelSpec),
		errors.Is(err, registry.ErrMalformedObservation),
		errors.Is(err, registry.ErrBatchTooLarge):
		return http.StatusBadRequest
	case errors.Is(err, registry.ErrNonFinite):
		return http.StatusUnprocessableEntity
	case errors.Is(err, storage.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondValidationError writes a 400 listing each failed field and rule.
func respondValidationError(w http.ResponseWriter, message string, err error) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		respondError(w, http.StatusBadRequest, message, err)
		return
	}

	fields := make(map[string]interface{}, len(verrs))
	descriptions := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields[fe.Namespace()] = fe.Tag()
		descriptions = append(descriptions, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	respondJSON(w, http.StatusBadRequest, ErrorResponse{
		Error: message,
		Code:  http.StatusText(http.StatusBadRequest),
		Details: map[string]interface{}{
			"error":  strings.Join(descriptions, "; "),
			"fields": fields,
		},
	})
}

// extractID extracts the ID from the URL path.
func extractID(r *http.Request, key string) string {
	return r.PathValue(key)
}

// respondJSON writes a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	// Headers are already sent, so an encoding failure cannot be reported.
	_ = json.NewEncoder(w).Encode(data)
}

// respondError writes an error response with the given status code.
func respondError(w http.ResponseWriter, statusCode int, message string, err error) {
	errResp := ErrorResponse{
		Error: message,
		Code:  http.StatusText(statusCode),
	}

	if err != nil {
		errResp.Details = map[string]interface{}{
			"error": err.Error(),
		}
	}

	respondJSON(w, statusCode, errResp)
}
