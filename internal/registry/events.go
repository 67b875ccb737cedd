package registry

import (
	"time"

	"github.com/scrypster/cloudml/pkg/types"
)

// Event types emitted by the Registry.
const (
	EventModelCreated = "model.created"
	EventModelTrained = "model.trained"
	EventModelReset   = "model.reset"
	EventModelDeleted = "model.deleted"

	// EventModelRefreshed reports a snapshot replaced from the store by
	// Refresh.
	EventModelRefreshed = "model.refreshed"
)

// Event describes one committed lifecycle change.
type Event struct {
	Type    string       `json:"type"`
	ModelID string       `json:"model_id"`
	Model   *types.Model `json:"model,omitempty"` // nil for deletions
	Count   int          `json:"count,omitempty"` // observations absorbed, for trained events
	Time    time.Time    `json:"time"`
}

// EventSink receives registry events. Publish is called while the model's
// lock is held, so events for one model arrive in commit order; it must not
// block or call back into the Registry.
type EventSink interface {
	Publish(Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

// Publish calls f(e).
func (f EventSinkFunc) Publish(e Event) { f(e) }

// MultiSink fans events out to several sinks in order.
type MultiSink []EventSink

// Publish implements EventSink.
func (m MultiSink) Publish(e Event) {
	for _, s := range m {
		if s != nil {
			s.Publish(e)
		}
	}
}
