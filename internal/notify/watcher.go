package notify

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/scrypster/cloudml/internal/logging"
)

// EventWatcher watches the events directory and dispatches callbacks.
type EventWatcher struct {
	dir      string
	callback func(eventType, modelID string)
	logger   *zap.Logger
	watcher  *fsnotify.Watcher
	done     chan struct{}
}

// NewEventWatcher creates a watcher for {dataPath}/events/. A nil logger
// discards output.
func NewEventWatcher(dataPath string, logger *zap.Logger, callback func(eventType, modelID string)) *EventWatcher {
	return &EventWatcher{
		dir:      filepath.Join(dataPath, eventDir),
		callback: callback,
		logger:   logging.OrNop(logger),
		done:     make(chan struct{}),
	}
}

// Start drains event files left from before startup, then watches for new
// ones until Stop is called.
func (ew *EventWatcher) Start() error {
	if err := os.MkdirAll(ew.dir, 0o700); err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(ew.dir); err != nil {
		_ = w.Close()
		return err
	}
	ew.watcher = w

	ew.drainExisting()

	go ew.loop()
	ew.logger.Info("watching for model change events", zap.String("dir", ew.dir))
	return nil
}

// Stop shuts down the watcher and waits for the dispatch loop to exit.
func (ew *EventWatcher) Stop() {
	if ew.watcher == nil {
		return
	}
	_ = ew.watcher.Close()
	<-ew.done
}

func (ew *EventWatcher) loop() {
	defer close(ew.done)
	for {
		select {
		case evt, ok := <-ew.watcher.Events:
			if !ok {
				return
			}
			if evt.Op&(fsnotify.Create|fsnotify.Rename) != 0 && strings.HasSuffix(evt.Name, ".event") {
				ew.processFile(evt.Name)
			}
		case err, ok := <-ew.watcher.Errors:
			if !ok {
				return
			}
			ew.logger.Warn("event watcher error", zap.Error(err))
		}
	}
}

func (ew *EventWatcher) drainExisting() {
	entries, err := os.ReadDir(ew.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".event") {
			ew.processFile(filepath.Join(ew.dir, entry.Name()))
		}
	}
}

func (ew *EventWatcher) processFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return // consumed by another watcher, or renamed away
	}
	_ = os.Remove(path)

	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		ew.logger.Warn("invalid event file", zap.String("file", filepath.Base(path)), zap.Error(err))
		return
	}

	if event.ModelID != "" && ew.callback != nil {
		ew.callback(event.Type, event.ModelID)
	}
}
