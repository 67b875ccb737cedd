package storage

import (
	"errors"
	"fmt"
	"sort"

	"github.com/scrypster/cloudml/pkg/types"
)

var (
	// ErrNotFound indicates that the requested model was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnavailable indicates that the store is temporarily refusing calls,
	// typically because its circuit breaker is open.
	ErrUnavailable = errors.New("storage unavailable")
)

// Engine names accepted by the backend factory.
const (
	EngineMemory   = "memory"
	EngineSQLite   = "sqlite"
	EnginePostgres = "postgres"
	EngineBadger   = "badger"
)

// Engines lists every supported storage engine.
var Engines = []string{EngineMemory, EngineSQLite, EnginePostgres, EngineBadger}

// ValidateModel checks the fields every backend needs before writing.
func ValidateModel(m *types.Model) error {
	if m == nil {
		return fmt.Errorf("%w: model is nil", ErrInvalidInput)
	}
	if m.ID == "" {
		return fmt.Errorf("%w: model ID is required", ErrInvalidInput)
	}
	if len(m.Coefficients) != len(m.Covariates)+1 {
		return fmt.Errorf("%w: model %s has %d coefficients for %d covariates",
			ErrInvalidInput, m.ID, len(m.Coefficients), len(m.Covariates))
	}
	return nil
}

// SortModels orders models by creation time, then ID. Backends that cannot
// sort in their query language use it to satisfy ModelStore.List.
func SortModels(models []*types.Model) {
	sort.Slice(models, func(i, j int) bool {
		a, b := models[i], models[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
