package membership

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists agent records. Implementations must apply Update
// atomically per record: the mutation sees the latest committed state
// and no other write to the same record interleaves with it.
type Store interface {
	// Create inserts a new record, or returns ErrDuplicateIdentity
	Create(ctx context.Context, agent *Agent) error

	// Get returns a copy of the record, or ErrNotFound
	Get(ctx context.Context, id string) (*Agent, error)

	// Update applies fn to the record and persists the result. If fn
	// returns an error nothing is written and the error is returned.
	Update(ctx context.Context, id string, fn func(*Agent) error) (*Agent, error)

	// List returns every record ordered by id
	List(ctx context.Context) ([]*Agent, error)

	// ListLive returns approved records seen at or after cutoff, ordered by id
	ListLive(ctx context.Context, cutoff time.Time) ([]*Agent, error)

	// Ping checks the backend is reachable
	Ping(ctx context.Context) error

	Close() error
}

func sortByID(agents []*Agent) {
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
}

// MemoryStore keeps records in a map. State is lost on restart.
type MemoryStore struct {
	mu     sync.RWMutex
	agents map[string]*Agent
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{agents: make(map[string]*Agent)}
}

func (s *MemoryStore) Create(ctx context.Context, agent *Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.agents[agent.ID]; exists {
		return ErrDuplicateIdentity
	}
	s.agents[agent.ID] = agent.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agent, exists := s.agents[id]
	if !exists {
		return nil, ErrNotFound
	}
	return agent.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, fn func(*Agent) error) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, exists := s.agents[id]
	if !exists {
		return nil, ErrNotFound
	}
	working := agent.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	working.ID = id
	s.agents[id] = working
	return working.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agents := make([]*Agent, 0, len(s.agents))
	for _, agent := range s.agents {
		agents = append(agents, agent.Clone())
	}
	sortByID(agents)
	return agents, nil
}

func (s *MemoryStore) ListLive(ctx context.Context, cutoff time.Time) ([]*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agents := make([]*Agent, 0)
	for _, agent := range s.agents {
		if agent.Live(cutoff) {
			agents = append(agents, agent.Clone())
		}
	}
	sortByID(agents)
	return agents, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
