package eventhub

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"safemod/internal/logging"
)

type recorder struct {
	mu     sync.Mutex
	names  []string
	values []interface{}
}

func (r *recorder) BroadcastEvent(eventType string, payload interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, eventType)
	r.values = append(r.values, payload)
}

func TestEventHub_FanOut(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	hub := New(a, b, LogBroadcaster(logging.Nop()))

	ev := SafetyEvent{Type: "operation_started", OperationID: "op-1", Severity: "info", Timestamp: time.Now()}
	hub.EmitSafetyEvent(ev)
	hub.EmitCheckpointChanged(CheckpointChangedEvent{CheckpointID: "cp-1", Action: "created", Files: 2})

	for _, r := range []*recorder{a, b} {
		require.Len(t, r.names, 2)
		assert.Equal(t, SafetyEventName, r.names[0])
		assert.Equal(t, ev, r.values[0])
		assert.Equal(t, CheckpointEventName, r.names[1])
	}
}

func TestEventHub_Nil(t *testing.T) {
	var hub *EventHub
	assert.NotPanics(t, func() {
		hub.EmitSafetyEvent(SafetyEvent{})
		hub.EmitCheckpointChanged(CheckpointChangedEvent{})
	})
}
