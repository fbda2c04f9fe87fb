package membership

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var storeEpoch = time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)

func storeBackends(t *testing.T) map[string]func(t *testing.T) Store {
	backends := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"bolt": func(t *testing.T) Store {
			s, err := NewBoltStore(filepath.Join(t.TempDir(), "agents.db"))
			require.NoError(t, err)
			return s
		},
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "agents.sqlite"))
			require.NoError(t, err)
			return s
		},
	}

	if dsn := os.Getenv("PLOWFLEET_TEST_POSTGRES_DSN"); dsn != "" {
		backends["postgres"] = func(t *testing.T) Store {
			s, err := NewPostgresStore(context.Background(), dsn)
			require.NoError(t, err)
			_, err = s.pool.Exec(context.Background(), "TRUNCATE agents")
			require.NoError(t, err)
			return s
		}
	}
	return backends
}

func testAgent(id string, status Status) *Agent {
	return &Agent{
		ID:        id,
		Name:      "agent-" + id[:8],
		PublicKey: "-----BEGIN PUBLIC KEY-----\n" + id + "\n-----END PUBLIC KEY-----\n",
		Status:    status,
		CreatedAt: storeEpoch,
	}
}

func TestStoreContract(t *testing.T) {
	for name, open := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("create and get", func(t *testing.T) {
				s := open(t)
				defer s.Close()

				require.NoError(t, s.Create(ctx, testAgent("aaaaaaaaaaaaaaa1", StatusPending)))
				got, err := s.Get(ctx, "aaaaaaaaaaaaaaa1")
				require.NoError(t, err)
				assert.Equal(t, StatusPending, got.Status)
				assert.True(t, got.LastSeenAt.IsZero())
				assert.True(t, got.CreatedAt.Equal(storeEpoch))

				err = s.Create(ctx, testAgent("aaaaaaaaaaaaaaa1", StatusApproved))
				assert.ErrorIs(t, err, ErrDuplicateIdentity)

				_, err = s.Get(ctx, "doesnotexist0000")
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("update", func(t *testing.T) {
				s := open(t)
				defer s.Close()

				require.NoError(t, s.Create(ctx, testAgent("bbbbbbbbbbbbbbb1", StatusApproved)))
				seen := storeEpoch.Add(time.Minute)
				updated, err := s.Update(ctx, "bbbbbbbbbbbbbbb1", func(a *Agent) error {
					a.LastSeenAt = seen
					a.ConsecutiveFailures = 7
					a.TotalReports = 9
					a.FailedReports = 7
					a.LastError = "challenge: captcha"
					return nil
				})
				require.NoError(t, err)
				assert.Equal(t, 7, updated.ConsecutiveFailures)

				got, err := s.Get(ctx, "bbbbbbbbbbbbbbb1")
				require.NoError(t, err)
				assert.True(t, got.LastSeenAt.Equal(seen))
				assert.Equal(t, int64(9), got.TotalReports)
				assert.Equal(t, "challenge: captcha", got.LastError)

				_, err = s.Update(ctx, "missing000000000", func(a *Agent) error { return nil })
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("update aborted by fn", func(t *testing.T) {
				s := open(t)
				defer s.Close()

				require.NoError(t, s.Create(ctx, testAgent("ccccccccccccccc1", StatusPending)))
				boom := errors.New("boom")
				_, err := s.Update(ctx, "ccccccccccccccc1", func(a *Agent) error {
					a.Status = StatusApproved
					return boom
				})
				assert.ErrorIs(t, err, boom)

				got, err := s.Get(ctx, "ccccccccccccccc1")
				require.NoError(t, err)
				assert.Equal(t, StatusPending, got.Status)
			})

			t.Run("list and list live", func(t *testing.T) {
				s := open(t)
				defer s.Close()

				cutoff := storeEpoch.Add(-30 * time.Second)
				fixtures := []struct {
					id     string
					status Status
					seen   time.Time
				}{
					{"dddddddddddddd03", StatusApproved, storeEpoch},
					{"dddddddddddddd01", StatusApproved, storeEpoch.Add(-10 * time.Second)},
					{"dddddddddddddd02", StatusApproved, storeEpoch.Add(-31 * time.Second)},
					{"dddddddddddddd04", StatusPending, storeEpoch},
					{"dddddddddddddd05", StatusRevoked, storeEpoch},
					{"dddddddddddddd06", StatusApproved, time.Time{}},
					{"dddddddddddddd07", StatusApproved, cutoff},
				}
				for _, f := range fixtures {
					require.NoError(t, s.Create(ctx, testAgent(f.id, f.status)))
					seen := f.seen
					_, err := s.Update(ctx, f.id, func(a *Agent) error {
						a.LastSeenAt = seen
						return nil
					})
					require.NoError(t, err)
				}

				all, err := s.List(ctx)
				require.NoError(t, err)
				require.Len(t, all, len(fixtures))
				for i := 1; i < len(all); i++ {
					assert.Less(t, all[i-1].ID, all[i].ID)
				}

				live, err := s.ListLive(ctx, cutoff)
				require.NoError(t, err)
				ids := make([]string, 0, len(live))
				for _, a := range live {
					ids = append(ids, a.ID)
				}
				assert.Equal(t, []string{"dddddddddddddd01", "dddddddddddddd03", "dddddddddddddd07"}, ids)
			})

			t.Run("concurrent updates are atomic", func(t *testing.T) {
				s := open(t)
				defer s.Close()

				require.NoError(t, s.Create(ctx, testAgent("eeeeeeeeeeeeeee1", StatusApproved)))

				const writers = 20
				var wg sync.WaitGroup
				for i := 0; i < writers; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						_, err := s.Update(ctx, "eeeeeeeeeeeeeee1", func(a *Agent) error {
							a.TotalReports++
							return nil
						})
						assert.NoError(t, err)
					}()
				}
				wg.Wait()

				got, err := s.Get(ctx, "eeeeeeeeeeeeeee1")
				require.NoError(t, err)
				assert.Equal(t, int64(writers), got.TotalReports)
			})

			t.Run("ping", func(t *testing.T) {
				s := open(t)
				defer s.Close()
				assert.NoError(t, s.Ping(ctx))
			})
		})
	}
}

func TestBoltStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.db")
	ctx := context.Background()

	s, err := NewBoltStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, testAgent("fffffffffffffff1", StatusApproved)))
	require.NoError(t, s.Close())

	s, err = NewBoltStore(path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(ctx, "fffffffffffffff1")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, got.Status)
}

func TestStoreConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     StoreConfig
		wantErr bool
	}{
		{"memory", StoreConfig{Driver: DriverMemory}, false},
		{"bolt with path", StoreConfig{Driver: DriverBolt, Path: "/tmp/a.db"}, false},
		{"bolt without path", StoreConfig{Driver: DriverBolt}, true},
		{"sqlite without path", StoreConfig{Driver: DriverSQLite}, true},
		{"postgres without dsn", StoreConfig{Driver: DriverPostgres}, true},
		{"unknown", StoreConfig{Driver: "etcd"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestOpenStore_SQLite(t *testing.T) {
	s, err := OpenStore(context.Background(), StoreConfig{
		Driver: DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "nested", "agents.sqlite"),
	})
	require.NoError(t, err)
	defer s.Close()
	assert.IsType(t, &SQLiteStore{}, s)
}
