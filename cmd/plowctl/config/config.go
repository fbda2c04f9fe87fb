package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	defaultCoordinator = "http://localhost:8080"
	defaultTimeout     = 10 * time.Second
)

// Config holds CLI configuration
type Config struct {
	Coordinator string        `mapstructure:"coordinator"`
	Token       string        `mapstructure:"token"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// LoadConfig loads configuration from file, environment and flags
func LoadConfig(cmd *cobra.Command) (*Config, error) {
	cfg := &Config{}

	// Get config file path
	configFile, _ := cmd.Flags().GetString("config")
	if configFile == "" {
		// Default to $HOME/.plowfleet/config.yaml
		home, err := os.UserHomeDir()
		if err == nil {
			configFile = filepath.Join(home, ".plowfleet", "config.yaml")
		}
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("PLOWCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range []string{"coordinator", "token", "timeout"} {
		v.BindEnv(key)
	}

	// Read config file if it exists
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Override with flags
	if coordinator, _ := cmd.Flags().GetString("coordinator"); coordinator != "" {
		cfg.Coordinator = coordinator
	}
	if token, _ := cmd.Flags().GetString("token"); token != "" {
		cfg.Token = token
	}

	if cfg.Coordinator == "" {
		cfg.Coordinator = defaultCoordinator
	}
	cfg.Coordinator = strings.TrimRight(cfg.Coordinator, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	return cfg, nil
}

// NewAdminClient creates a client for the coordinator admin API
func (c *Config) NewAdminClient() (*AdminClient, error) {
	if c.Token == "" {
		return nil, fmt.Errorf("operator token is required (--token, PLOWCTL_TOKEN or token in the config file)")
	}
	return NewAdminClient(c.Coordinator, c.Token, c.Timeout), nil
}
