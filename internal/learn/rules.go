package learn

import (
	"fmt"
)

// UpdateRule is the per-type capability the Trainer dispatches to: given
// the current weights and one observation, move the weights one step.
//
// x is the design row with x[0] == 1 for the intercept. Step mutates w in
// place and returns the prediction and loss measured before the update.
type UpdateRule interface {
	Predict(w, x []float64) float64
	Step(w, x []float64, y, eta, lambda float64) (prediction, loss float64)
	CheckLabel(y float64) error
}

// LogisticRule is SGD on the logistic log-loss.
type LogisticRule struct{}

// Predict returns sigmoid(w·x).
func (LogisticRule) Predict(w, x []float64) float64 {
	return Sigmoid(dot(w, x))
}

// Step applies w_i -= eta * ((p - y) * x_i + lambda * w_i).
func (LogisticRule) Step(w, x []float64, y, eta, lambda float64) (float64, float64) {
	z := dot(w, x)
	p := Sigmoid(z)
	descend(w, x, p-y, eta, lambda)
	return p, LogLoss(z, y)
}

// CheckLabel accepts labels in [0, 1].
func (LogisticRule) CheckLabel(y float64) error {
	if !isFinite(y) || y < 0 || y > 1 {
		return fmt.Errorf("logistic label must be in [0, 1], got %v", y)
	}
	return nil
}

// LinearRule is SGD on squared error with an identity link.
type LinearRule struct{}

// Predict returns w·x.
func (LinearRule) Predict(w, x []float64) float64 {
	return dot(w, x)
}

// Step applies w_i -= eta * ((p - y) * x_i + lambda * w_i).
func (LinearRule) Step(w, x []float64, y, eta, lambda float64) (float64, float64) {
	p := dot(w, x)
	r := p - y
	descend(w, x, r, eta, lambda)
	return p, r * r
}

// CheckLabel accepts any finite label.
func (LinearRule) CheckLabel(y float64) error {
	if !isFinite(y) {
		return fmt.Errorf("label must be finite, got %v", y)
	}
	return nil
}

// descend takes one gradient step for residual r. The intercept (index 0)
// is not penalised.
func descend(w, x []float64, r, eta, lambda float64) {
	w[0] -= eta * r * x[0]
	for i := 1; i < len(w); i++ {
		w[i] -= eta * (r*x[i] + lambda*w[i])
	}
}
