package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType represents the type of event
type EventType string

const (
	// Admission events
	EventAgentRegistered  EventType = "agent.registered"
	EventAgentProvisioned EventType = "agent.provisioned"
	EventAgentApproved    EventType = "agent.approved"
	EventAgentRevoked     EventType = "agent.revoked"
	EventAgentRenamed     EventType = "agent.renamed"

	// Health events
	EventAgentHealthChanged EventType = "agent.health_changed"

	// Security events
	EventAuthenticationFailed EventType = "security.auth_failed"
	EventAdminDenied          EventType = "security.admin_denied"

	// Collector events
	EventCollectorPaused      EventType = "collector.paused"
	EventCollectorResumed     EventType = "collector.resumed"
	EventCollectorModeChanged EventType = "collector.mode_changed"
)

// EventSeverity represents the severity level of an event
type EventSeverity string

const (
	SeverityInfo    EventSeverity = "info"
	SeverityWarning EventSeverity = "warning"
	SeverityError   EventSeverity = "error"
)

// Event is an audit record of something that happened to the fleet
type Event struct {
	ID        string        `json:"id"`
	Type      EventType     `json:"type"`
	Severity  EventSeverity `json:"severity"`
	Timestamp time.Time     `json:"timestamp"`

	RequestID string `json:"request_id,omitempty"`

	ActorType string `json:"actor_type,omitempty"` // operator, agent, system
	ActorID   string `json:"actor_id,omitempty"`

	ResourceID string `json:"resource_id,omitempty"`

	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// EventPublisher forwards events outside the process
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// EventRecorder is the narrow interface handed to components that emit events
type EventRecorder interface {
	RecordEvent(ctx context.Context, event Event)
}

// EventStream keeps a bounded in-memory history of events, logs them and
// fans them out to watchers and an optional publisher.
type EventStream struct {
	logger    *zap.Logger
	publisher EventPublisher
	events    []Event
	mu        sync.RWMutex
	maxSize   int
	watchers  []chan Event
}

// EventStreamConfig holds configuration for the event stream
type EventStreamConfig struct {
	MaxSize   int
	Publisher EventPublisher
}

// NewEventStream creates a new event stream
func NewEventStream(cfg EventStreamConfig, logger *zap.Logger) *EventStream {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1000
	}

	return &EventStream{
		logger:    logger,
		publisher: cfg.Publisher,
		events:    make([]Event, 0, cfg.MaxSize),
		maxSize:   cfg.MaxSize,
	}
}

// RecordEvent stores, logs and publishes an event
func (es *EventStream) RecordEvent(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.ID == "" {
		event.ID = GenerateRequestID()
	}
	if event.RequestID == "" {
		event.RequestID = GetRequestID(ctx)
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}

	es.mu.Lock()
	es.events = append(es.events, event)
	if len(es.events) > es.maxSize {
		es.events = es.events[len(es.events)-es.maxSize:]
	}
	for _, ch := range es.watchers {
		select {
		case ch <- event:
		default:
		}
	}
	es.mu.Unlock()

	es.logEvent(event)

	if es.publisher != nil {
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := es.publisher.Publish(pubCtx, event); err != nil {
			es.logger.Warn("Failed to publish event",
				zap.String("event_id", event.ID),
				zap.String("event_type", string(event.Type)),
				zap.Error(err),
			)
		}
	}
}

func (es *EventStream) logEvent(event Event) {
	fields := []zap.Field{
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
	}
	if event.RequestID != "" {
		fields = append(fields, zap.String("request_id", event.RequestID))
	}
	if event.ActorID != "" {
		fields = append(fields, zap.String("actor_id", event.ActorID))
	}
	if event.ResourceID != "" {
		fields = append(fields, zap.String("resource_id", event.ResourceID))
	}
	for k, v := range event.Metadata {
		fields = append(fields, zap.String(k, v))
	}

	switch event.Severity {
	case SeverityWarning:
		es.logger.Warn(event.Description, fields...)
	case SeverityError:
		es.logger.Error(event.Description, fields...)
	default:
		es.logger.Info(event.Description, fields...)
	}
}

// GetEvents returns stored events matching filter, oldest first
func (es *EventStream) GetEvents(filter EventFilter) []Event {
	es.mu.RLock()
	defer es.mu.RUnlock()

	result := make([]Event, 0)
	for _, event := range es.events {
		if filter.Matches(event) {
			result = append(result, event)
		}
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[len(result)-filter.Limit:]
	}
	return result
}

// Watch creates a channel that receives new events
func (es *EventStream) Watch() chan Event {
	es.mu.Lock()
	defer es.mu.Unlock()

	ch := make(chan Event, 100)
	es.watchers = append(es.watchers, ch)
	return ch
}

// Unwatch removes and closes a watcher channel
func (es *EventStream) Unwatch(ch chan Event) {
	es.mu.Lock()
	defer es.mu.Unlock()

	for i, watcher := range es.watchers {
		if watcher == ch {
			es.watchers = append(es.watchers[:i], es.watchers[i+1:]...)
			close(ch)
			break
		}
	}
}

// Export exports stored events as JSON
func (es *EventStream) Export() ([]byte, error) {
	es.mu.RLock()
	defer es.mu.RUnlock()

	return json.MarshalIndent(es.events, "", "  ")
}

// EventFilter defines filtering criteria for events
type EventFilter struct {
	Types      []EventType
	ResourceID string
	Since      time.Time
	Limit      int
}

// Matches checks if an event matches the filter
func (f EventFilter) Matches(event Event) bool {
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if event.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.ResourceID != "" && event.ResourceID != f.ResourceID {
		return false
	}
	if !f.Since.IsZero() && event.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// NewAdmissionEvent creates an event for an operator or registration action
func NewAdmissionEvent(eventType EventType, actorType, actorID, agentID, description string) Event {
	return Event{
		Type:        eventType,
		Severity:    SeverityInfo,
		ActorType:   actorType,
		ActorID:     actorID,
		ResourceID:  agentID,
		Description: description,
	}
}

// NewHealthChangedEvent creates an event for an agent health tier transition
func NewHealthChangedEvent(agentID, from, to string) Event {
	severity := SeverityInfo
	if to != "healthy" {
		severity = SeverityWarning
	}
	return Event{
		Type:        EventAgentHealthChanged,
		Severity:    severity,
		ActorType:   "system",
		ResourceID:  agentID,
		Description: fmt.Sprintf("Agent health changed from %s to %s", from, to),
		Metadata: map[string]string{
			"from": from,
			"to":   to,
		},
	}
}

// NewAuthenticationFailedEvent creates an authentication failed event
func NewAuthenticationFailedEvent(agentID, reason string) Event {
	return Event{
		Type:        EventAuthenticationFailed,
		Severity:    SeverityWarning,
		ActorType:   "agent",
		ActorID:     agentID,
		Description: "Agent authentication failed",
		Metadata: map[string]string{
			"reason": reason,
		},
	}
}

// NewCollectorEvent creates a collector state event
func NewCollectorEvent(eventType EventType, actorID, description string, metadata map[string]string) Event {
	actorType := "system"
	if actorID != "" {
		actorType = "operator"
	}
	return Event{
		Type:        eventType,
		Severity:    SeverityInfo,
		ActorType:   actorType,
		ActorID:     actorID,
		Description: description,
		Metadata:    metadata,
	}
}
