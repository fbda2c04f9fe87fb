package membership

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS agents (
	id                   TEXT PRIMARY KEY,
	name                 TEXT NOT NULL,
	public_key           TEXT NOT NULL,
	status               TEXT NOT NULL DEFAULT 'pending',
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	total_reports        INTEGER NOT NULL DEFAULT 0,
	failed_reports       INTEGER NOT NULL DEFAULT 0,
	last_error           TEXT NOT NULL DEFAULT '',
	last_seen_at         INTEGER NOT NULL DEFAULT 0,
	ip                   TEXT NOT NULL DEFAULT '',
	system_info          TEXT NOT NULL DEFAULT '',
	created_at           INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agents_live ON agents(status, last_seen_at);
`

const agentColumns = `id, name, public_key, status, consecutive_failures, total_reports,
	failed_reports, last_error, last_seen_at, ip, system_info, created_at`

// SQLiteStore persists agents in an embedded SQLite database
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the database at path and applies the schema
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// A single connection serialises writers, so read-modify-write
	// transactions cannot interleave.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func unixMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteAgent(row rowScanner) (*Agent, error) {
	var (
		agent     Agent
		status    string
		lastSeen  int64
		createdAt int64
	)
	err := row.Scan(&agent.ID, &agent.Name, &agent.PublicKey, &status, &agent.ConsecutiveFailures,
		&agent.TotalReports, &agent.FailedReports, &agent.LastError, &lastSeen, &agent.IP,
		&agent.SystemInfo, &createdAt)
	if err != nil {
		return nil, err
	}
	agent.Status = Status(status)
	agent.LastSeenAt = fromUnixMillis(lastSeen)
	agent.CreatedAt = fromUnixMillis(createdAt)
	return &agent, nil
}

func (s *SQLiteStore) Create(ctx context.Context, agent *Agent) error {
	res, err := s.db.ExecContext(ctx, `INSERT INTO agents (`+agentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		agent.ID, agent.Name, agent.PublicKey, string(agent.Status), agent.ConsecutiveFailures,
		agent.TotalReports, agent.FailedReports, agent.LastError, unixMillis(agent.LastSeenAt),
		agent.IP, agent.SystemInfo, unixMillis(agent.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to insert agent: %w", err)
	}
	if n == 0 {
		return ErrDuplicateIdentity
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	agent, err := scanSQLiteAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return agent, nil
}

func (s *SQLiteStore) Update(ctx context.Context, id string, fn func(*Agent) error) (*Agent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	agent, err := scanSQLiteAgent(tx.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}

	if err := fn(agent); err != nil {
		return nil, err
	}
	agent.ID = id

	_, err = tx.ExecContext(ctx, `UPDATE agents SET name = ?, public_key = ?, status = ?,
		consecutive_failures = ?, total_reports = ?, failed_reports = ?, last_error = ?,
		last_seen_at = ?, ip = ?, system_info = ? WHERE id = ?`,
		agent.Name, agent.PublicKey, string(agent.Status), agent.ConsecutiveFailures,
		agent.TotalReports, agent.FailedReports, agent.LastError, unixMillis(agent.LastSeenAt),
		agent.IP, agent.SystemInfo, id)
	if err != nil {
		return nil, fmt.Errorf("failed to update agent: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit agent update: %w", err)
	}
	return agent, nil
}

func (s *SQLiteStore) query(ctx context.Context, q string, args ...any) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	agents := make([]*Agent, 0)
	for rows.Next() {
		agent, err := scanSQLiteAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

func (s *SQLiteStore) List(ctx context.Context) ([]*Agent, error) {
	return s.query(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY id`)
}

func (s *SQLiteStore) ListLive(ctx context.Context, cutoff time.Time) ([]*Agent, error) {
	return s.query(ctx, `SELECT `+agentColumns+` FROM agents
		WHERE status = ? AND last_seen_at > 0 AND last_seen_at >= ? ORDER BY id`,
		string(StatusApproved), cutoff.UnixMilli())
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
