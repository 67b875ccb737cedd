package main

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/scrypster/cloudml/internal/config"
	"github.com/scrypster/cloudml/internal/notify"
	"github.com/scrypster/cloudml/internal/storage/backend"
	"github.com/scrypster/cloudml/internal/storage/sqlite"
)

// startRun runs the server in the background and returns its address and a
// stop function that waits for run to return.
func startRun(t *testing.T, cfg *config.Config) (string, func() error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, cfg, zap.NewNop(), func(addr string) { ready <- addr })
	}()

	select {
	case addr := <-ready:
		return addr, func() error {
			cancel()
			select {
			case err := <-done:
				return err
			case <-time.After(10 * time.Second):
				t.Fatal("server did not stop in time")
				return nil
			}
		}
	case err := <-done:
		cancel()
		t.Fatalf("server exited early: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("server did not start in time")
	}
	return "", nil
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Server.Port = 0 // random port
	cfg.Storage.DataPath = t.TempDir()
	return cfg
}

func TestRun_Routes(t *testing.T) {
	addr, stop := startRun(t, testConfig(t))

	resp, err := http.Get("http://" + addr + "/")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// WebSocket upgrade fails via plain GET, but the route exists.
	resp, err = http.Get("http://" + addr + "/ws")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.NotEqual(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.NoError(t, stop())
}

func TestRun_ModelsSurviveRestart(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.StorageEngine = "sqlite"

	addr, stop := startRun(t, cfg)
	resp, err := http.Post("http://"+addr+"/api/models", "application/json",
		strings.NewReader(`{"type":"logistic","covariates":["age"]}`))
	require.NoError(t, err)
	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	_ = resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err = http.Post("http://"+addr+"/api/models/"+created.ID+"/data", "application/json",
		strings.NewReader(`[{"value":1,"covariates":{"age":4}}]`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, stop())

	addr, stop = startRun(t, cfg)
	defer func() { assert.NoError(t, stop()) }()

	resp, err = http.Get("http://" + addr + "/api/models/" + created.ID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got struct {
		NumTrainingData int64 `json:"num_training_data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, int64(1), got.NumTrainingData)
}

func TestRun_RefreshesOnStoreEvents(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.StorageEngine = "sqlite"

	addr, stop := startRun(t, cfg)
	defer func() { assert.NoError(t, stop()) }()

	resp, err := http.Post("http://"+addr+"/api/models", "application/json",
		strings.NewReader(`{"type":"linear","covariates":["x"]}`))
	require.NoError(t, err)
	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	_ = resp.Body.Close()

	// Delete behind the server's back, the way cloudml-admin does.
	ctx := context.Background()
	other, err := sqlite.NewModelStore(ctx, filepath.Join(cfg.Storage.DataPath, backend.SQLiteFile))
	require.NoError(t, err)
	require.NoError(t, other.Delete(ctx, created.ID))
	require.NoError(t, other.Close())
	require.NoError(t, notify.NewEventWriter(cfg.Storage.DataPath).Notify(notify.EventModelDeleted, created.ID))

	assert.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/api/models/" + created.ID)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusNotFound
	}, 5*time.Second, 20*time.Millisecond)
}

func TestRun_BadStorage(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.StorageEngine = "mongo"

	err := run(context.Background(), cfg, nil, nil)
	assert.Error(t, err)
}

func TestLoadConfig_File(t *testing.T) {
	_, err := loadConfig(t.TempDir() + "/missing.yaml")
	assert.Error(t, err)

	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 6060, cfg.Server.Port)
}
