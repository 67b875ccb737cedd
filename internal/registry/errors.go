package registry

import (
	"errors"

	"github.com/scrypster/cloudml/internal/learn"
)

var (
	// ErrInvalidModelSpec indicates a create request with an unsupported
	// type, an empty or duplicated covariate list, a reserved covariate name
	// or out-of-range hyperparameters. No model is created.
	ErrInvalidModelSpec = errors.New("invalid model spec")

	// ErrNotFound indicates an ID that never existed or was deleted.
	ErrNotFound = errors.New("model not found")

	// ErrBatchTooLarge indicates an ingest batch above the configured limit.
	ErrBatchTooLarge = errors.New("batch too large")
)

// Trainer failures, re-exported so that callers only need this package to
// classify registry errors.
var (
	ErrMalformedObservation = learn.ErrMalformedObservation
	ErrUnsupportedModelType = learn.ErrUnsupportedModelType
	ErrNonFinite            = learn.ErrNonFinite
)
