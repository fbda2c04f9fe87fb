package observability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, event Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func TestEventStream_RecordEvent(t *testing.T) {
	es := NewEventStream(EventStreamConfig{MaxSize: 10}, zap.NewNop())
	ctx := WithRequestID(context.Background(), "req-42")

	es.RecordEvent(ctx, NewAdmissionEvent(EventAgentApproved, "operator", "alice", "0123456789abcdef", "Agent approved"))

	events := es.GetEvents(EventFilter{})
	require.Len(t, events, 1)
	assert.NotEmpty(t, events[0].ID)
	assert.False(t, events[0].Timestamp.IsZero())
	assert.Equal(t, "req-42", events[0].RequestID)
	assert.Equal(t, SeverityInfo, events[0].Severity)
}

func TestEventStream_TrimsToMaxSize(t *testing.T) {
	es := NewEventStream(EventStreamConfig{MaxSize: 3}, zap.NewNop())
	for i := 0; i < 5; i++ {
		es.RecordEvent(context.Background(), Event{Type: EventAgentRegistered, ResourceID: string(rune('a' + i))})
	}

	events := es.GetEvents(EventFilter{})
	require.Len(t, events, 3)
	assert.Equal(t, "c", events[0].ResourceID)
	assert.Equal(t, "e", events[2].ResourceID)
}

func TestEventStream_Filter(t *testing.T) {
	es := NewEventStream(EventStreamConfig{}, zap.NewNop())
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	es.RecordEvent(ctx, Event{Type: EventAgentRegistered, ResourceID: "a", Timestamp: base})
	es.RecordEvent(ctx, Event{Type: EventAgentApproved, ResourceID: "a", Timestamp: base.Add(time.Minute)})
	es.RecordEvent(ctx, Event{Type: EventAgentRegistered, ResourceID: "b", Timestamp: base.Add(2 * time.Minute)})

	assert.Len(t, es.GetEvents(EventFilter{Types: []EventType{EventAgentRegistered}}), 2)
	assert.Len(t, es.GetEvents(EventFilter{ResourceID: "a"}), 2)
	assert.Len(t, es.GetEvents(EventFilter{Since: base.Add(30 * time.Second)}), 2)

	limited := es.GetEvents(EventFilter{Limit: 1})
	require.Len(t, limited, 1)
	assert.Equal(t, "b", limited[0].ResourceID)
}

func TestEventStream_WatchAndPublish(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("redis down")}
	es := NewEventStream(EventStreamConfig{Publisher: pub}, zap.NewNop())

	ch := es.Watch()
	es.RecordEvent(context.Background(), NewHealthChangedEvent("0123456789abcdef", "healthy", "degraded"))

	select {
	case ev := <-ch:
		assert.Equal(t, EventAgentHealthChanged, ev.Type)
		assert.Equal(t, SeverityWarning, ev.Severity)
		assert.Equal(t, "degraded", ev.Metadata["to"])
	case <-time.After(time.Second):
		t.Fatal("watcher did not receive event")
	}

	// A publisher failure must not lose the in-memory record.
	assert.Len(t, pub.events, 1)
	assert.Len(t, es.GetEvents(EventFilter{}), 1)

	es.Unwatch(ch)
	_, open := <-ch
	assert.False(t, open)
}

func TestEventStream_Export(t *testing.T) {
	es := NewEventStream(EventStreamConfig{}, zap.NewNop())
	es.RecordEvent(context.Background(), NewAuthenticationFailedEvent("deadbeefdeadbeef", "stale_timestamp"))

	data, err := es.Export()
	require.NoError(t, err)
	assert.Contains(t, string(data), "security.auth_failed")
	assert.Contains(t, string(data), "stale_timestamp")
}
