package learn

import (
	"fmt"

	"github.com/scrypster/cloudml/pkg/types"
)

// Update is the outcome of absorbing one batch into a model. It holds only
// the new state; the model passed to Trainer.Update is never modified.
type Update struct {
	// Coefficients is the new weight vector, labeled like the input.
	Coefficients types.CoefficientVector

	// NumTrainingDataDelta is the number of observations absorbed.
	NumTrainingDataDelta int64

	// TrainLoss is the new running mean loss over all absorbed observations.
	TrainLoss float64

	// Predictions holds the pre-update prediction for each observation, in
	// submission order.
	Predictions []float64
}

// Trainer computes coefficient updates for the model types it has rules for.
// Rules are registered at construction; a Trainer is safe for concurrent use
// once built.
type Trainer struct {
	rules map[types.ModelType]UpdateRule
}

// NewTrainer returns a Trainer with the logistic and linear rules installed.
func NewTrainer() *Trainer {
	t := &Trainer{rules: make(map[types.ModelType]UpdateRule)}
	t.Register(types.ModelLogistic, LogisticRule{})
	t.Register(types.ModelLinear, LinearRule{})
	return t
}

// Register installs (or replaces) the rule for a model type. It must not be
// called concurrently with Update or Predict.
func (t *Trainer) Register(mt types.ModelType, rule UpdateRule) {
	t.rules[mt] = rule
}

// Supports reports whether a rule is registered for mt.
func (t *Trainer) Supports(mt types.ModelType) bool {
	_, ok := t.rules[mt]
	return ok
}

func (t *Trainer) rule(mt types.ModelType) (UpdateRule, error) {
	r, ok := t.rules[mt]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedModelType, mt)
	}
	return r, nil
}

// Update applies obs to m in submission order, one SGD step per
// observation, each step seeing the weights left by the previous one.
//
// The whole batch is validated before the first step. Any malformed
// observation, or a batch that would produce a non-finite weight, fails the
// call with no Update returned.
func (t *Trainer) Update(m *types.Model, obs []types.Observation) (*Update, error) {
	r, err := t.rule(m.Type)
	if err != nil {
		return nil, err
	}

	rows := make([][]float64, len(obs))
	for i, o := range obs {
		if err := r.CheckLabel(o.Value); err != nil {
			return nil, fmt.Errorf("%w: observation %d: %v", ErrMalformedObservation, i, err)
		}
		x, err := DesignRow(m.Covariates, o.Covariates)
		if err != nil {
			return nil, fmt.Errorf("%w: observation %d: %v", ErrMalformedObservation, i, err)
		}
		rows[i] = x
	}

	w := m.Coefficients.Values()
	if len(w) != len(m.Covariates)+1 {
		return nil, fmt.Errorf("learn: model %s has %d coefficients for %d covariates", m.ID, len(w), len(m.Covariates))
	}

	sched := ScheduleFor(m.Hyperparameters)
	preds := make([]float64, len(obs))
	var lossSum float64
	for i, x := range rows {
		eta := sched.At(m.NumTrainingData + int64(i))
		p, loss := r.Step(w, x, obs[i].Value, eta, m.Lambda)
		preds[i] = p
		lossSum += loss
	}

	for i, v := range w {
		if !isFinite(v) {
			return nil, fmt.Errorf("%w: %s became %v", ErrNonFinite, m.Coefficients[i].Label, v)
		}
	}

	n := m.NumTrainingData
	delta := int64(len(obs))
	trainLoss := m.TrainLoss
	if n+delta > 0 {
		trainLoss = (m.TrainLoss*float64(n) + lossSum) / float64(n+delta)
	}

	return &Update{
		Coefficients:         m.Coefficients.WithValues(w),
		NumTrainingDataDelta: delta,
		TrainLoss:            trainLoss,
		Predictions:          preds,
	}, nil
}

// Predict evaluates m at the given covariate values.
func (t *Trainer) Predict(m *types.Model, covariates map[string]float64) (float64, error) {
	r, err := t.rule(m.Type)
	if err != nil {
		return 0, err
	}
	x, err := DesignRow(m.Covariates, covariates)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedObservation, err)
	}
	return r.Predict(m.Coefficients.Values(), x), nil
}

// DesignRow lays covariate values out in declared order behind a leading 1
// for the intercept. Missing covariates are 0; undeclared keys and
// non-finite values are rejected.
func DesignRow(declared []string, values map[string]float64) ([]float64, error) {
	x := make([]float64, len(declared)+1)
	x[0] = 1
	matched := 0
	for i, name := range declared {
		v, ok := values[name]
		if !ok {
			continue
		}
		if !isFinite(v) {
			return nil, fmt.Errorf("covariate %q is %v", name, v)
		}
		x[i+1] = v
		matched++
	}
	if matched != len(values) {
		for k := range values {
			if !contains(declared, k) {
				return nil, fmt.Errorf("undeclared covariate %q", k)
			}
		}
	}
	return x, nil
}

func contains(s []string, v string) bool {
	for _, e := range s {
		if e == v {
			return true
		}
	}
	return false
}
