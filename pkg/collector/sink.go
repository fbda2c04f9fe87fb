package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrInvalidPayload is returned when a payload is not a JSON object with a
// "features" member
var ErrInvalidPayload = errors.New("invalid payload")

// Payload sources
const (
	SourceAgent  = "agent"
	SourceDirect = "direct"
)

// Payload is one upstream document handed to the downstream store
type Payload struct {
	Source     string          `json:"source"`
	AgentID    string          `json:"agent_id,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
	Features   int             `json:"features"`
	Body       json.RawMessage `json:"body"`
}

// PayloadSink accepts validated upstream documents. Persisting them is the
// job of an external store.
type PayloadSink interface {
	Accept(ctx context.Context, p Payload) error
}

// Validate checks the document shape and returns the feature count
func Validate(body json.RawMessage) (int, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return 0, fmt.Errorf("%w: not a JSON object", ErrInvalidPayload)
	}
	raw, ok := doc["features"]
	if !ok {
		return 0, fmt.Errorf("%w: missing 'features' key", ErrInvalidPayload)
	}
	var features []json.RawMessage
	if err := json.Unmarshal(raw, &features); err != nil {
		return 0, fmt.Errorf("%w: 'features' is not a list", ErrInvalidPayload)
	}
	return len(features), nil
}

// LatestSink validates payloads and keeps the most recent one in memory
type LatestSink struct {
	mu       sync.RWMutex
	latest   Payload
	has      bool
	accepted int64
}

// NewLatestSink creates an empty sink
func NewLatestSink() *LatestSink {
	return &LatestSink{}
}

// Accept validates p and stores it as the latest document
func (s *LatestSink) Accept(ctx context.Context, p Payload) error {
	n, err := Validate(p.Body)
	if err != nil {
		return err
	}
	p.Features = n

	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = p
	s.has = true
	s.accepted++
	return nil
}

// Latest returns the most recently accepted payload
func (s *LatestSink) Latest() (Payload, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, s.has
}

// Accepted returns how many payloads have been accepted
func (s *LatestSink) Accepted() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accepted
}
