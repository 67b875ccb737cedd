package learn

import "math"

// Sigmoid returns 1/(1+exp(-z)) without overflowing for large |z|.
func Sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}

// softplus returns log(1+exp(z)) without overflowing for large |z|.
func softplus(z float64) float64 {
	return math.Max(z, 0) + math.Log1p(math.Exp(-math.Abs(z)))
}

// LogLoss is the logistic negative log-likelihood of label y at linear
// predictor z: log(1+exp(z)) - y*z.
func LogLoss(z, y float64) float64 {
	return softplus(z) - y*z
}

func dot(a, b []float64) float64 {
	var s float64
	for i, v := range a {
		s += v * b[i]
	}
	return s
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
