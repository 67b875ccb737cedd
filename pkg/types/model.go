package types

import "time"

// Coefficient is one labeled weight of a model.
type Coefficient struct {
	Label string  `json:"label" yaml:"label"`
	Value float64 `json:"value" yaml:"value"`
}

// CoefficientVector is the ordered weight vector of a model. The intercept
// is always at index 0, followed by the declared covariates in order.
type CoefficientVector []Coefficient

// NewCoefficientVector builds a zero vector labeled intercept first, then
// covariates in the given order.
func NewCoefficientVector(covariates []string) CoefficientVector {
	v := make(CoefficientVector, len(covariates)+1)
	v[0] = Coefficient{Label: InterceptLabel}
	for i, c := range covariates {
		v[i+1] = Coefficient{Label: c}
	}
	return v
}

// Labels returns the coefficient labels in order.
func (v CoefficientVector) Labels() []string {
	labels := make([]string, len(v))
	for i, c := range v {
		labels[i] = c.Label
	}
	return labels
}

// Values returns the weights in order as a fresh slice.
func (v CoefficientVector) Values() []float64 {
	values := make([]float64, len(v))
	for i, c := range v {
		values[i] = c.Value
	}
	return values
}

// WithValues returns a copy of v carrying the given weights. It panics if
// the lengths differ.
func (v CoefficientVector) WithValues(values []float64) CoefficientVector {
	if len(values) != len(v) {
		panic("types: coefficient length mismatch")
	}
	out := make(CoefficientVector, len(v))
	for i, c := range v {
		out[i] = Coefficient{Label: c.Label, Value: values[i]}
	}
	return out
}

// Clone returns an independent copy of v.
func (v CoefficientVector) Clone() CoefficientVector {
	if v == nil {
		return nil
	}
	out := make(CoefficientVector, len(v))
	copy(out, v)
	return out
}

// Hyperparameters control the online update rule of a model.
type Hyperparameters struct {
	// LearningRate is the initial SGD step size (> 0).
	LearningRate float64 `json:"learning_rate" yaml:"learning_rate"`

	// LearningRateDecay shrinks the step size as 1/(1 + decay*t) where t is
	// the number of observations absorbed before the step (>= 0).
	LearningRateDecay float64 `json:"learning_rate_decay" yaml:"learning_rate_decay"`

	// Lambda is the L2 penalty applied to every non-intercept weight (>= 0).
	Lambda float64 `json:"lambda" yaml:"lambda"`
}

// Model is a typed set of covariates plus its learned coefficient vector.
type Model struct {
	ID           string            `json:"id" yaml:"id"`
	Type         ModelType         `json:"type" yaml:"type"`
	Covariates   []string          `json:"covariates" yaml:"covariates"`
	Coefficients CoefficientVector `json:"coefficients" yaml:"coefficients"`

	// NumTrainingData counts the observations absorbed so far.
	NumTrainingData int64 `json:"num_training_data" yaml:"num_training_data"`

	Hyperparameters `yaml:",inline"`

	// TrainLoss is the running mean of the pre-update loss of every
	// absorbed observation (log-loss or squared error by type).
	TrainLoss float64 `json:"train_loss" yaml:"train_loss"`

	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// Clone returns a deep copy of m. Mutating the copy never affects m.
func (m *Model) Clone() *Model {
	if m == nil {
		return nil
	}
	out := *m
	if m.Covariates != nil {
		out.Covariates = make([]string, len(m.Covariates))
		copy(out.Covariates, m.Covariates)
	}
	out.Coefficients = m.Coefficients.Clone()
	return &out
}
