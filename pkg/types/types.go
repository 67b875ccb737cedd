// Package types defines the core data structures for the cloudml model server.
// These types represent models, their coefficient vectors, the observations
// used to train them and the acknowledgements returned after ingestion.
package types

// ModelType tags the statistical family of a model. The trainer keeps one
// update rule per ModelType.
type ModelType string

// Supported model types
const (
	// ModelLogistic is binary logistic regression trained on log-loss.
	ModelLogistic ModelType = "logistic"

	// ModelLinear is ordinary linear regression trained on squared error.
	ModelLinear ModelType = "linear"
)

// InterceptLabel is the label of the implicit first coefficient. Its
// covariate value is always 1.
const InterceptLabel = "intercept"

// ValidModelTypes lists every model type known to the types package.
// The trainer may support a subset.
var ValidModelTypes = []ModelType{
	ModelLogistic,
	ModelLinear,
}

// IsValidModelType reports whether t is one of ValidModelTypes.
func IsValidModelType(t ModelType) bool {
	for _, v := range ValidModelTypes {
		if v == t {
			return true
		}
	}
	return false
}
