// Package learn implements online (streaming) estimation of model
// coefficients. Observations are absorbed one stochastic gradient step at a
// time, so memory use never depends on how much data a model has seen.
package learn

import "errors"

var (
	// ErrUnsupportedModelType indicates that no update rule is registered for
	// the model's type.
	ErrUnsupportedModelType = errors.New("unsupported model type")

	// ErrMalformedObservation indicates an observation that references an
	// undeclared covariate or carries a non-finite or out-of-range value.
	ErrMalformedObservation = errors.New("malformed observation")

	// ErrNonFinite indicates that applying a batch would leave a coefficient
	// at NaN or ±Inf.
	ErrNonFinite = errors.New("non-finite coefficient")
)
