package auth

import (
	"os"
	"time"
)

// EnvironmentStore reads credentials from environment variables. It is
// read-only and mainly serves CI and scripted use.
type EnvironmentStore struct{}

// NewEnvironmentStore creates an environment-based credential store.
func NewEnvironmentStore() *EnvironmentStore {
	return &EnvironmentStore{}
}

// Save is not supported for environment variables.
func (e *EnvironmentStore) Save(creds *Credentials) error {
	return ErrStoreUnavailable
}

// Retrieve gets credentials from INSTAHARVEST_USERNAME and
// INSTAHARVEST_PASSWORD.
func (e *EnvironmentStore) Retrieve(username string) (*Credentials, error) {
	envUser := os.Getenv("INSTAHARVEST_USERNAME")
	password := os.Getenv("INSTAHARVEST_PASSWORD")

	if envUser == "" || password == "" {
		return nil, ErrCredentialsNotFound
	}
	if username != "" && username != envUser {
		return nil, ErrCredentialsNotFound
	}

	return &Credentials{
		Username:     envUser,
		Password:     password,
		LastModified: time.Now(),
	}, nil
}

// List returns the single environment account when it is set.
func (e *EnvironmentStore) List() ([]*Credentials, error) {
	creds, err := e.Retrieve("")
	if err != nil {
		return []*Credentials{}, nil
	}
	return []*Credentials{creds}, nil
}

// Delete is not supported for environment variables.
func (e *EnvironmentStore) Delete(username string) error {
	return ErrStoreUnavailable
}

// Exists checks whether environment credentials are set.
func (e *EnvironmentStore) Exists(username string) bool {
	_, err := e.Retrieve(username)
	return err == nil
}
