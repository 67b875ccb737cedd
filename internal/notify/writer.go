// Package notify carries model change notices between processes that share
// a data directory. cloudml-admin writes one event file per changed model
// and a running cloudml-server watches the directory and refreshes the
// affected models from the store.
package notify

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Event types written by the admin tool.
const (
	EventModelUpdated = "model_updated"
	EventModelDeleted = "model_deleted"
)

// eventDir is the subdirectory of the data path holding event files.
const eventDir = "events"

// Event is the payload written to an event file.
type Event struct {
	Type    string `json:"type"`
	ModelID string `json:"model_id"`
	Time    int64  `json:"time"`
}

// EventWriter writes event files to a shared directory.
type EventWriter struct {
	dir string
}

// NewEventWriter creates a writer that emits events to {dataPath}/events/.
func NewEventWriter(dataPath string) *EventWriter {
	return &EventWriter{dir: filepath.Join(dataPath, eventDir)}
}

// Notify writes an event file for modelID. The file is renamed into place
// so a watcher never reads a partial write. Safe to call concurrently.
func (w *EventWriter) Notify(eventType, modelID string) error {
	if err := os.MkdirAll(w.dir, 0o700); err != nil {
		return fmt.Errorf("notify: mkdir %s: %w", w.dir, err)
	}
	evt := Event{
		Type:    eventType,
		ModelID: modelID,
		Time:    time.Now().UnixNano(),
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("notify: encode event: %w", err)
	}

	name := fmt.Sprintf("%d-%s", evt.Time, sanitizeID(modelID))
	tmp := filepath.Join(w.dir, name+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("notify: write event: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(w.dir, name+".event")); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("notify: publish event: %w", err)
	}
	return nil
}

// sanitizeID replaces characters unsafe for filenames.
func sanitizeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '.':
			return '_'
		}
		return r
	}, id)
}
