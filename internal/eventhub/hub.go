// Package eventhub fans safety and checkpoint events out to broadcasters
// such as the audit journal and the log.
package eventhub

import (
	"log/slog"
	"time"
)

// Broadcaster receives every emitted event.
type Broadcaster interface {
	BroadcastEvent(eventType string, payload interface{})
}

// BroadcasterFunc adapts a function to Broadcaster.
type BroadcasterFunc func(eventType string, payload interface{})

func (f BroadcasterFunc) BroadcastEvent(eventType string, payload interface{}) {
	f(eventType, payload)
}

// EventHub is the single dispatch point for events. A nil *EventHub drops
// everything, so components can hold one unconditionally. Broadcasters
// are fixed at construction.
type EventHub struct {
	broadcasters []Broadcaster
}

// New creates an EventHub with the given broadcasters.
func New(broadcasters ...Broadcaster) *EventHub {
	return &EventHub{broadcasters: broadcasters}
}

func (h *EventHub) emit(eventName string, payload interface{}) {
	if h == nil {
		return
	}
	for _, b := range h.broadcasters {
		b.BroadcastEvent(eventName, payload)
	}
}

// Event names.
const (
	SafetyEventName     = "safety:event"
	CheckpointEventName = "checkpoint:changed"
)

// SafetyEvent is one entry of an operation's audit trail.
type SafetyEvent struct {
	Type        string    `json:"type"`
	OperationID string    `json:"operation_id"`
	Severity    string    `json:"severity"`
	Timestamp   time.Time `json:"timestamp"`
	Detail      string    `json:"detail"`
}

func (h *EventHub) EmitSafetyEvent(event SafetyEvent) {
	h.emit(SafetyEventName, event)
}

// CheckpointChangedEvent reports checkpoint creation, restore and deletion.
type CheckpointChangedEvent struct {
	CheckpointID string `json:"checkpoint_id"`
	Action       string `json:"action"` // "created", "restored", "deleted"
	Files        int    `json:"files"`
}

func (h *EventHub) EmitCheckpointChanged(event CheckpointChangedEvent) {
	h.emit(CheckpointEventName, event)
}

// LogBroadcaster writes events to a logger at debug level.
func LogBroadcaster(logger *slog.Logger) Broadcaster {
	return BroadcasterFunc(func(eventType string, payload interface{}) {
		logger.Debug("event", "type", eventType, "payload", payload)
	})
}
