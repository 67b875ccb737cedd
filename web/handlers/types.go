package handlers

import (
	"github.com/scrypster/cloudml/pkg/types"
)

// ErrorResponse is the standard error response format for the API.
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// CreateModelRequest is the request body for POST /api/models.
// Omitted hyperparameters take the server defaults.
//
// Covariates lists the model's inputs only. The intercept is implicit and
// always becomes the first coefficient, so "intercept" itself is rejected
// with 400.
type CreateModelRequest struct {
	Type              string   `json:"type" validate:"required"`
	Covariates        []string `json:"covariates" validate:"required,min=1,dive,required"`
	LearningRate      *float64 `json:"learning_rate,omitempty" validate:"omitempty,gt=0"`
	LearningRateDecay *float64 `json:"learning_rate_decay,omitempty" validate:"omitempty,gte=0"`
	Lambda            *float64 `json:"lambda,omitempty" validate:"omitempty,gte=0"`
}

// ObservationRequest is one element of the POST /api/models/{id}/data body
// and the whole body of POST /api/models/{id}/datum.
type ObservationRequest struct {
	Value      *float64           `json:"value" validate:"required"`
	Covariates map[string]float64 `json:"covariates"`
}

// toObservation converts a validated request into the training type.
func (o ObservationRequest) toObservation() types.Observation {
	return types.Observation{Value: *o.Value, Covariates: o.Covariates}
}

// PredictRequest is the request body for POST /api/models/{id}/predict.
type PredictRequest struct {
	Covariates map[string]float64 `json:"covariates"`
}

// PredictResponse is the response format for POST /api/models/{id}/predict.
type PredictResponse struct {
	Value float64 `json:"value"`
}

// HealthResponse is the response format for GET /api/health.
type HealthResponse struct {
	Status string `json:"status"`
	Models int    `json:"models"`
}
