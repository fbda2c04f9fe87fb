package coordinator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wheretheplow/plowfleet/pkg/coordinator/membership"
)

func validConfig() *Config {
	return &Config{
		BindAddr: ":8080",
		Logger:   zap.NewNop(),
		Storage:  membership.StoreConfig{Driver: membership.DriverMemory},
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing bind", func(c *Config) { c.BindAddr = "" }, "bind address"},
		{"missing logger", func(c *Config) { c.Logger = nil }, "logger"},
		{"bad driver", func(c *Config) { c.Storage.Driver = "mongo" }, "storage"},
		{"explicit store skips storage", func(c *Config) {
			c.Storage.Driver = "mongo"
			c.Store = membership.NewMemoryStore()
		}, ""},
		{"negative interval", func(c *Config) { c.GlobalInterval = -time.Second }, "global interval"},
		{"negative skew", func(c *Config) { c.MaxSkew = -time.Second }, "max skew"},
		{"provision pending", func(c *Config) { c.ProvisionStatus = membership.StatusPending }, ""},
		{"provision revoked", func(c *Config) { c.ProvisionStatus = membership.StatusRevoked }, "provision status"},
		{"collector without upstream", func(c *Config) { c.CollectorEnabled = true }, "upstream url"},
		{"collector with upstream", func(c *Config) {
			c.CollectorEnabled = true
			c.UpstreamURL = "https://upstream.example.org"
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig()
			tt.mutate(config)
			err := config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_Defaults(t *testing.T) {
	config := validConfig()
	require.NoError(t, config.Validate())

	assert.Equal(t, 6*time.Second, config.GlobalInterval)
	assert.Equal(t, 30*time.Second, config.LivenessWindow)
	assert.Equal(t, 30*time.Second, config.MaxSkew)
	assert.Equal(t, 30*time.Second, config.ArbitrationWindow)
	assert.Equal(t, config.GlobalInterval, config.CollectorInterval)
	assert.Equal(t, DefaultAdminTokenTTL, config.AdminTokenTTL)
	assert.Equal(t, membership.StatusApproved, config.ProvisionStatus)
	assert.NotNil(t, config.Clock)
}

func TestConfig_CollectorIntervalFollowsGlobalInterval(t *testing.T) {
	config := validConfig()
	config.GlobalInterval = 10 * time.Second
	require.NoError(t, config.Validate())
	assert.Equal(t, 10*time.Second, config.CollectorInterval)
}
