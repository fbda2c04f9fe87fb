package membership

import (
	"context"
	"fmt"
)

// Storage drivers accepted by OpenStore
const (
	DriverMemory   = "memory"
	DriverBolt     = "bolt"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// StoreConfig selects and configures a Store backend
type StoreConfig struct {
	Driver string
	Path   string // bolt and sqlite
	DSN    string // postgres
}

// Validate checks the driver and its required settings
func (c StoreConfig) Validate() error {
	switch c.Driver {
	case DriverMemory:
	case DriverBolt, DriverSQLite:
		if c.Path == "" {
			return fmt.Errorf("storage path is required for driver %q", c.Driver)
		}
	case DriverPostgres:
		if c.DSN == "" {
			return fmt.Errorf("storage dsn is required for driver %q", c.Driver)
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Driver)
	}
	return nil
}

// OpenStore opens the configured backend
func OpenStore(ctx context.Context, cfg StoreConfig) (Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Driver {
	case DriverBolt:
		return NewBoltStore(cfg.Path)
	case DriverSQLite:
		return NewSQLiteStore(cfg.Path)
	case DriverPostgres:
		return NewPostgresStore(ctx, cfg.DSN)
	default:
		return NewMemoryStore(), nil
	}
}
