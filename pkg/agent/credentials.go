package agent

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/wheretheplow/plowfleet/pkg/identity"
)

const (
	keyFile  = "key.pem"
	nameFile = "name"
)

// Credentials is the agent's persisted identity
type Credentials struct {
	Dir  string
	Keys *identity.KeyPair
	Name string

	// Created is set when the key was generated by this call; such an
	// agent has never registered.
	Created bool
}

// DefaultDataDir returns $XDG_CONFIG_HOME/plowfleet-agent, falling back to
// ~/.config/plowfleet-agent.
func DefaultDataDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "plowfleet-agent")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".plowfleet-agent")
	}
	return filepath.Join(home, ".config", "plowfleet-agent")
}

// KeyPath returns the private key location inside dir
func KeyPath(dir string) string {
	return filepath.Join(dir, keyFile)
}

// LoadCredentials reads an existing identity from dir
func LoadCredentials(dir string) (*Credentials, error) {
	data, err := os.ReadFile(KeyPath(dir))
	if err != nil {
		return nil, err
	}
	key, err := identity.DecodePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", KeyPath(dir), err)
	}
	keys, err := identity.KeyPairFromPrivateKey(key)
	if err != nil {
		return nil, err
	}

	creds := &Credentials{Dir: dir, Keys: keys}
	if data, err := os.ReadFile(filepath.Join(dir, nameFile)); err == nil {
		creds.Name = strings.TrimSpace(string(data))
	}
	return creds, nil
}

// LoadOrCreateCredentials loads the identity in dir, generating and
// persisting a new key if there is none. A non-empty name is stored when
// no name has been saved yet; a saved name wins.
func LoadOrCreateCredentials(dir, name string) (*Credentials, error) {
	creds, err := LoadCredentials(dir)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
		if creds, err = createCredentials(dir); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	name = strings.TrimSpace(name)
	if creds.Name == "" && name != "" {
		if err := os.WriteFile(filepath.Join(dir, nameFile), []byte(name+"\n"), 0600); err != nil {
			return nil, fmt.Errorf("failed to write agent name: %w", err)
		}
		creds.Name = name
	}
	return creds, nil
}

func createCredentials(dir string) (*Credentials, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	keys, err := identity.NewKeyPair()
	if err != nil {
		return nil, err
	}
	pemData, err := identity.EncodePrivateKey(keys.PrivateKey)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(KeyPath(dir), pemData, 0600); err != nil {
		return nil, fmt.Errorf("failed to write private key: %w", err)
	}
	return &Credentials{Dir: dir, Keys: keys, Created: true}, nil
}
