package membership

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS agents (
	id                   TEXT PRIMARY KEY,
	name                 TEXT NOT NULL,
	public_key           TEXT NOT NULL,
	status               TEXT NOT NULL DEFAULT 'pending',
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	total_reports        BIGINT NOT NULL DEFAULT 0,
	failed_reports       BIGINT NOT NULL DEFAULT 0,
	last_error           TEXT NOT NULL DEFAULT '',
	last_seen_at         TIMESTAMPTZ,
	ip                   TEXT NOT NULL DEFAULT '',
	system_info          TEXT NOT NULL DEFAULT '',
	created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_agents_live ON agents(status, last_seen_at);
`

// PostgresStore persists agents in PostgreSQL through a pgx pool
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn, verifies the connection and applies the schema
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func scanPostgresAgent(row pgx.Row) (*Agent, error) {
	var (
		agent    Agent
		status   string
		lastSeen *time.Time
	)
	err := row.Scan(&agent.ID, &agent.Name, &agent.PublicKey, &status, &agent.ConsecutiveFailures,
		&agent.TotalReports, &agent.FailedReports, &agent.LastError, &lastSeen, &agent.IP,
		&agent.SystemInfo, &agent.CreatedAt)
	if err != nil {
		return nil, err
	}
	agent.Status = Status(status)
	if lastSeen != nil {
		agent.LastSeenAt = lastSeen.UTC()
	}
	agent.CreatedAt = agent.CreatedAt.UTC()
	return &agent, nil
}

func (s *PostgresStore) Create(ctx context.Context, agent *Agent) error {
	tag, err := s.pool.Exec(ctx, `INSERT INTO agents (`+agentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING`,
		agent.ID, agent.Name, agent.PublicKey, string(agent.Status), agent.ConsecutiveFailures,
		agent.TotalReports, agent.FailedReports, agent.LastError, nullableTime(agent.LastSeenAt),
		agent.IP, agent.SystemInfo, agent.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateIdentity
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Agent, error) {
	agent, err := scanPostgresAgent(s.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return agent, nil
}

func (s *PostgresStore) Update(ctx context.Context, id string, fn func(*Agent) error) (*Agent, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	agent, err := scanPostgresAgent(tx.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}

	if err := fn(agent); err != nil {
		return nil, err
	}
	agent.ID = id

	_, err = tx.Exec(ctx, `UPDATE agents SET name = $1, public_key = $2, status = $3,
		consecutive_failures = $4, total_reports = $5, failed_reports = $6, last_error = $7,
		last_seen_at = $8, ip = $9, system_info = $10 WHERE id = $11`,
		agent.Name, agent.PublicKey, string(agent.Status), agent.ConsecutiveFailures,
		agent.TotalReports, agent.FailedReports, agent.LastError, nullableTime(agent.LastSeenAt),
		agent.IP, agent.SystemInfo, id)
	if err != nil {
		return nil, fmt.Errorf("failed to update agent: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit agent update: %w", err)
	}
	return agent, nil
}

func (s *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*Agent, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	agents := make([]*Agent, 0)
	for rows.Next() {
		agent, err := scanPostgresAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

func (s *PostgresStore) List(ctx context.Context) ([]*Agent, error) {
	return s.query(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY id`)
}

func (s *PostgresStore) ListLive(ctx context.Context, cutoff time.Time) ([]*Agent, error) {
	return s.query(ctx, `SELECT `+agentColumns+` FROM agents
		WHERE status = $1 AND last_seen_at >= $2 ORDER BY id`,
		string(StatusApproved), cutoff)
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
