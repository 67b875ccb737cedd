package types_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/cloudml/pkg/types"
)

func TestNewCoefficientVector(t *testing.T) {
	v := types.NewCoefficientVector([]string{"age", "gender"})

	require.Len(t, v, 3)
	assert.Equal(t, []string{"intercept", "age", "gender"}, v.Labels())
	assert.Equal(t, []float64{0, 0, 0}, v.Values())
}

func TestCoefficientVector_WithValues(t *testing.T) {
	v := types.NewCoefficientVector([]string{"x"})
	w := v.WithValues([]float64{1.5, -2})

	assert.Equal(t, []float64{1.5, -2}, w.Values())
	assert.Equal(t, []float64{0, 0}, v.Values(), "source vector must not change")
	assert.Panics(t, func() { v.WithValues([]float64{1}) })
}

func TestModelClone_Independent(t *testing.T) {
	m := &types.Model{
		ID:           "m1",
		Type:         types.ModelLogistic,
		Covariates:   []string{"age"},
		Coefficients: types.NewCoefficientVector([]string{"age"}),
	}

	c := m.Clone()
	c.Covariates[0] = "changed"
	c.Coefficients[1].Value = 42
	c.NumTrainingData = 7

	assert.Equal(t, "age", m.Covariates[0])
	assert.Equal(t, 0.0, m.Coefficients[1].Value)
	assert.Equal(t, int64(0), m.NumTrainingData)
}

func TestModelClone_Nil(t *testing.T) {
	var m *types.Model
	assert.Nil(t, m.Clone())
}

func TestIsValidModelType(t *testing.T) {
	assert.True(t, types.IsValidModelType(types.ModelLogistic))
	assert.True(t, types.IsValidModelType(types.ModelLinear))
	assert.False(t, types.IsValidModelType("poisson"))
}
