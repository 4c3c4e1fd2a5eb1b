package auth

import (
	"fmt"
	"sync"
)

// MockStore implements Store for testing purposes.
type MockStore struct {
	accounts map[string]*Credentials
	mu       sync.RWMutex

	// Error injection for testing
	SaveError     error
	RetrieveError error
	ListError     error
	DeleteError   error
}

// NewMockStore creates a new mock credential store.
func NewMockStore() *MockStore {
	return &MockStore{
		accounts: make(map[string]*Credentials),
	}
}

// Save stores credentials in the mock store.
func (m *MockStore) Save(creds *Credentials) error {
	if m.SaveError != nil {
		return m.SaveError
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if creds == nil || creds.Username == "" {
		return ErrInvalidCredentials
	}

	copied := *creds
	m.accounts[creds.Username] = &copied

	return nil
}

// Retrieve gets credentials from the mock store.
func (m *MockStore) Retrieve(username string) (*Credentials, error) {
	if m.RetrieveError != nil {
		return nil, m.RetrieveError
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if username == "" {
		return nil, ErrInvalidCredentials
	}

	creds, exists := m.accounts[username]
	if !exists {
		return nil, ErrCredentialsNotFound
	}

	copied := *creds
	return &copied, nil
}

// List returns all stored credentials from the mock store.
func (m *MockStore) List() ([]*Credentials, error) {
	if m.ListError != nil {
		return nil, m.ListError
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []*Credentials
	for _, creds := range m.accounts {
		copied := *creds
		all = append(all, &copied)
	}

	return all, nil
}

// Delete removes credentials from the mock store.
func (m *MockStore) Delete(username string) error {
	if m.DeleteError != nil {
		return m.DeleteError
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if username == "" {
		return ErrInvalidCredentials
	}

	if _, exists := m.accounts[username]; !exists {
		return ErrCredentialsNotFound
	}

	delete(m.accounts, username)
	return nil
}

// Exists checks whether credentials exist in the mock store.
func (m *MockStore) Exists(username string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, exists := m.accounts[username]
	return exists
}

// Clear removes all accounts from the mock store.
func (m *MockStore) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.accounts = make(map[string]*Credentials)
}

// Count returns the number of accounts in the mock store.
func (m *MockStore) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.accounts)
}

// NewMockManager creates a Manager backed by a single mock store.
func NewMockManager() (*Manager, *MockStore) {
	mockStore := NewMockStore()
	manager := &Manager{
		stores: []Store{mockStore},
	}
	return manager, mockStore
}

// NewMockManagerWithStores creates a Manager over arbitrary stores.
func NewMockManagerWithStores(stores ...Store) *Manager {
	return &Manager{stores: stores}
}

// GetCredentials returns a copy of stored credentials for inspection.
func (m *MockStore) GetCredentials(username string) (*Credentials, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	creds, exists := m.accounts[username]
	if !exists {
		return nil, fmt.Errorf("account not found: %s", username)
	}

	copied := *creds
	return &copied, nil
}
