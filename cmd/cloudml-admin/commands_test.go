package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const sampleDocument = `models:
  - id: m-1
    type: logistic
    covariates: [age, gender]
    coefficients:
      - {label: intercept, value: -0.5}
      - {label: age, value: 0.25}
      - {label: gender, value: 1.5}
    num_training_data: 12
    learning_rate: 0.05
    learning_rate_decay: 0.01
    lambda: 0
    train_loss: 0.4
    created_at: 2026-01-02T03:04:05Z
    updated_at: 2026-01-02T03:04:06Z
  - id: m-2
    type: linear
    covariates: [x]
    coefficients:
      - {label: intercept, value: 2}
      - {label: x, value: 3}
    num_training_data: 100
    learning_rate: 0.1
    learning_rate_decay: 0
    lambda: 0.001
    train_loss: 0.01
    created_at: 2026-01-03T00:00:00Z
    updated_at: 2026-01-03T00:00:00Z
`

// execute runs the admin CLI against a sqlite store in dataDir.
func execute(t *testing.T, dataDir string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--engine", "sqlite", "--data-path", dataDir}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleDocument), 0o600))
	return path
}

func TestImportListExport(t *testing.T) {
	dataDir := t.TempDir()

	out, err := execute(t, dataDir, "import", "-i", writeSample(t))
	require.NoError(t, err)
	assert.Contains(t, out, "Imported 2 models")

	out, err = execute(t, dataDir, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "m-1")
	assert.Contains(t, out, "age,gender")
	assert.Contains(t, out, "m-2")

	exportPath := filepath.Join(t.TempDir(), "export.yaml")
	_, err = execute(t, dataDir, "export", "-o", exportPath)
	require.NoError(t, err)

	data, err := os.ReadFile(exportPath)
	require.NoError(t, err)
	var doc Document
	require.NoError(t, yaml.Unmarshal(data, &doc))
	require.Len(t, doc.Models, 2)

	m := doc.Models[0]
	assert.Equal(t, "m-1", m.ID)
	assert.Equal(t, []string{"intercept", "age", "gender"}, m.Coefficients.Labels())
	assert.Equal(t, []float64{-0.5, 0.25, 1.5}, m.Coefficients.Values())
	assert.Equal(t, int64(12), m.NumTrainingData)
	assert.Equal(t, 0.05, m.LearningRate)
	assert.Equal(t, 0.001, doc.Models[1].Lambda)
}

func TestExportToStdout(t *testing.T) {
	dataDir := t.TempDir()
	_, err := execute(t, dataDir, "import", "-i", writeSample(t))
	require.NoError(t, err)

	out, err := execute(t, dataDir, "export")
	require.NoError(t, err)

	var doc Document
	require.NoError(t, yaml.Unmarshal([]byte(out), &doc))
	assert.Len(t, doc.Models, 2)
}

func TestImportAndDeleteAnnounceChanges(t *testing.T) {
	dataDir := t.TempDir()
	_, err := execute(t, dataDir, "import", "-i", writeSample(t))
	require.NoError(t, err)
	_, err = execute(t, dataDir, "delete", "m-2")
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(dataDir, "events"))
	require.NoError(t, err)
	assert.Len(t, entries, 3, "two imports and one delete")
}

func TestImportRejectsInvalidDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`models:
  - id: ok
    type: linear
    covariates: [x]
    coefficients: [{label: intercept, value: 0}, {label: x, value: 0}]
  - id: short
    type: linear
    covariates: [x, y]
    coefficients: [{label: intercept, value: 0}]
  - id: weird
    type: forest
    covariates: [x]
    coefficients: [{label: intercept, value: 0}, {label: x, value: 0}]
`), 0o600))

	dataDir := t.TempDir()
	_, err := execute(t, dataDir, "import", "-i", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "short")
	assert.Contains(t, err.Error(), "forest")

	out, err := execute(t, dataDir, "list")
	require.NoError(t, err)
	assert.NotContains(t, out, "ok", "nothing is written when any model is invalid")
}

func TestImportRequiresInput(t *testing.T) {
	_, err := execute(t, t.TempDir(), "import")
	assert.Error(t, err)
}

func TestDelete(t *testing.T) {
	dataDir := t.TempDir()
	_, err := execute(t, dataDir, "import", "-i", writeSample(t))
	require.NoError(t, err)

	out, err := execute(t, dataDir, "delete", "m-1")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted m-1")

	out, err = execute(t, dataDir, "list")
	require.NoError(t, err)
	assert.NotContains(t, out, "m-1")
	assert.Contains(t, out, "m-2")

	_, err = execute(t, dataDir, "delete", "m-1")
	assert.Error(t, err, "deleting a missing model fails")
}

func TestMigrate(t *testing.T) {
	dataDir := t.TempDir()

	out, err := execute(t, dataDir, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "Schema at version 1")

	out, err = execute(t, dataDir, "migrate", "--down")
	require.NoError(t, err)
	assert.Contains(t, out, "no migrations applied")

	// Reopening reapplies the schema.
	out, err = execute(t, dataDir, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "Schema at version 1")
}

func TestMigrate_EngineWithoutSchema(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--engine", "memory", "migrate"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "no schema")
}
