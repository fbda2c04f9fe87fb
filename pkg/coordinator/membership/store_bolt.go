package membership

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var agentsBucket = []byte("agents")

// BoltStore persists agents as JSON documents in a single bbolt file.
// bbolt serialises write transactions, which gives Update its atomicity.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database at path
func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(agentsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create agents bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func decodeAgent(data []byte) (*Agent, error) {
	var agent Agent
	if err := json.Unmarshal(data, &agent); err != nil {
		return nil, fmt.Errorf("failed to decode agent record: %w", err)
	}
	return &agent, nil
}

func (s *BoltStore) Create(ctx context.Context, agent *Agent) error {
	data, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("failed to encode agent record: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(agentsBucket)
		if b.Get([]byte(agent.ID)) != nil {
			return ErrDuplicateIdentity
		}
		return b.Put([]byte(agent.ID), data)
	})
}

func (s *BoltStore) Get(ctx context.Context, id string) (*Agent, error) {
	var agent *Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(agentsBucket).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		var err error
		agent, err = decodeAgent(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return agent, nil
}

func (s *BoltStore) Update(ctx context.Context, id string, fn func(*Agent) error) (*Agent, error) {
	var agent *Agent
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(agentsBucket)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}

		current, err := decodeAgent(data)
		if err != nil {
			return err
		}
		if err := fn(current); err != nil {
			return err
		}
		current.ID = id

		encoded, err := json.Marshal(current)
		if err != nil {
			return fmt.Errorf("failed to encode agent record: %w", err)
		}
		agent = current
		return b.Put([]byte(id), encoded)
	})
	if err != nil {
		return nil, err
	}
	return agent, nil
}

func (s *BoltStore) scan(keep func(*Agent) bool) ([]*Agent, error) {
	agents := make([]*Agent, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(agentsBucket).ForEach(func(k, v []byte) error {
			agent, err := decodeAgent(v)
			if err != nil {
				return err
			}
			if keep(agent) {
				agents = append(agents, agent)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	// bbolt iterates keys in byte order, which is already id order
	return agents, nil
}

func (s *BoltStore) List(ctx context.Context) ([]*Agent, error) {
	return s.scan(func(*Agent) bool { return true })
}

func (s *BoltStore) ListLive(ctx context.Context, cutoff time.Time) ([]*Agent, error) {
	return s.scan(func(a *Agent) bool { return a.Live(cutoff) })
}

func (s *BoltStore) Ping(ctx context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(agentsBucket) == nil {
			return fmt.Errorf("agents bucket missing")
		}
		return nil
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
