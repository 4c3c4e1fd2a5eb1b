// Package auth stores login credentials across the system keychain, an
// encrypted file and environment variables, with transparent fallback.
package auth

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// Credentials holds one account's login secret.
type Credentials struct {
	Username     string    `json:"username"`
	Password     string    `json:"password"`
	LastModified time.Time `json:"last_modified"`
}

// Store is the interface for persisting and retrieving credentials.
type Store interface {
	// Save persists credentials for an account.
	Save(creds *Credentials) error

	// Retrieve gets credentials for a specific username.
	Retrieve(username string) (*Credentials, error)

	// List returns all stored credentials.
	List() ([]*Credentials, error)

	// Delete removes credentials for a specific username.
	Delete(username string) error

	// Exists checks whether credentials exist for a username.
	Exists(username string) bool
}

// Manager handles credential storage with fallback mechanisms.
type Manager struct {
	stores []Store
}

// NewManager creates a credential manager with the storage backends that
// are available on this system, in preference order.
func NewManager() (*Manager, error) {
	var stores []Store

	// System keychain first, when one answers.
	keyringStore, err := NewKeyringStore()
	if err == nil {
		stores = append(stores, keyringStore)
	}

	configDir, err := configDirectory()
	if err != nil {
		return nil, fmt.Errorf("failed to get config directory: %w", err)
	}

	encryptedStore, err := NewEncryptedFileStore(filepath.Join(configDir, "credentials.enc"))
	if err != nil {
		return nil, fmt.Errorf("failed to create encrypted store: %w", err)
	}
	stores = append(stores, encryptedStore)

	// Environment variables as last resort.
	stores = append(stores, NewEnvironmentStore())

	return &Manager{stores: stores}, nil
}

// Save stores credentials using the first backend that accepts them.
func (m *Manager) Save(creds *Credentials) error {
	if creds == nil || creds.Username == "" {
		return errors.New("username is required")
	}
	if creds.Password == "" {
		return errors.New("password is required")
	}

	creds.LastModified = time.Now()

	var lastErr error
	for _, store := range m.stores {
		if err := store.Save(creds); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}

	if lastErr != nil {
		return fmt.Errorf("failed to store credentials: %w", lastErr)
	}
	return errors.New("no available credential stores")
}

// Retrieve gets credentials from the first backend that has them.
func (m *Manager) Retrieve(username string) (*Credentials, error) {
	for _, store := range m.stores {
		if creds, err := store.Retrieve(username); err == nil && creds != nil {
			return creds, nil
		}
	}
	return nil, fmt.Errorf("credentials not found for user: %s", username)
}

// RetrieveDefault gets credentials from the environment, falling back to
// the first stored account.
func (m *Manager) RetrieveDefault() (*Credentials, error) {
	if envStore, ok := m.stores[len(m.stores)-1].(*EnvironmentStore); ok {
		if creds, err := envStore.Retrieve(""); err == nil && creds != nil {
			return creds, nil
		}
	}

	all, err := m.List()
	if err == nil && len(all) > 0 {
		return all[0], nil
	}

	return nil, errors.New("no credentials found")
}

// List returns all stored credentials across backends, deduplicated by
// username with the most recently modified version winning.
func (m *Manager) List() ([]*Credentials, error) {
	byUser := make(map[string]*Credentials)

	for _, store := range m.stores {
		all, err := store.List()
		if err != nil {
			continue
		}
		for _, creds := range all {
			if existing, ok := byUser[creds.Username]; !ok || creds.LastModified.After(existing.LastModified) {
				byUser[creds.Username] = creds
			}
		}
	}

	var result []*Credentials
	for _, creds := range byUser {
		result = append(result, creds)
	}

	return result, nil
}

// Delete removes credentials from all backends.
func (m *Manager) Delete(username string) error {
	var deleted bool
	var lastErr error

	for _, store := range m.stores {
		if err := store.Delete(username); err == nil {
			deleted = true
		} else {
			lastErr = err
		}
	}

	if !deleted && lastErr != nil {
		return fmt.Errorf("failed to delete credentials: %w", lastErr)
	}
	if !deleted {
		return fmt.Errorf("credentials not found for user: %s", username)
	}

	return nil
}

// configDirectory returns the per-user configuration directory, creating
// it if needed.
func configDirectory() (string, error) {
	var configDir string

	switch runtime.GOOS {
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		configDir = filepath.Join(home, "Library", "Application Support", "instaharvest")
	case "windows":
		configDir = filepath.Join(os.Getenv("APPDATA"), "instaharvest")
	default: // Linux and others
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			configDir = filepath.Join(xdgConfig, "instaharvest")
		} else {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			configDir = filepath.Join(home, ".config", "instaharvest")
		}
	}

	if err := os.MkdirAll(configDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}

	return configDir, nil
}

// Sanitize creates a copy of the credentials with the password masked,
// safe for logging.
func Sanitize(creds *Credentials) *Credentials {
	if creds == nil {
		return nil
	}

	return &Credentials{
		Username:     creds.Username,
		Password:     maskString(creds.Password),
		LastModified: creds.LastModified,
	}
}

// maskString masks all but the first and last character of a string.
func maskString(s string) string {
	if len(s) <= 4 {
		return "********"
	}
	return s[:1] + "******" + s[len(s)-1:]
}

// Errors
var (
	ErrCredentialsNotFound = errors.New("credentials not found")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrStoreUnavailable    = errors.New("credential store unavailable")
)
