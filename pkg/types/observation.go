package types

// Observation is one labeled training example.
type Observation struct {
	// Value is the label: 0/1 (or a probability) for logistic models,
	// any finite value for linear ones.
	Value float64 `json:"value"`

	// Covariates maps declared covariate names to observed values.
	// Declared covariates that are absent count as 0.
	Covariates map[string]float64 `json:"covariates"`
}

// Covariate is one labeled input value echoed back in a Datum.
type Covariate struct {
	Label string  `json:"label"`
	Value float64 `json:"value"`
}

// Datum acknowledges one absorbed observation.
type Datum struct {
	ID    string  `json:"id"`
	Model string  `json:"model"`
	Value float64 `json:"value"`

	// Covariates lists every declared covariate in model order, with
	// missing ones filled in as 0.
	Covariates []Covariate `json:"covariates"`

	// Prediction is the model output for this observation just before the
	// update step that absorbed it.
	Prediction float64 `json:"prediction"`
}
