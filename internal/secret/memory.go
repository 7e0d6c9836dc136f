package secret

import (
	"sync"
)

// MemoryStore is an in-process credential store used in tests and on hosts
// without a usable keyring daemon.
type MemoryStore struct {
	mu      sync.RWMutex
	tokens  map[string]*TokenRecord
	clients map[string]*ClientIdentity
}

// NewMemoryStore creates an empty in-memory credential store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tokens:  make(map[string]*TokenRecord),
		clients: make(map[string]*ClientIdentity),
	}
}

func (m *MemoryStore) GetToken(backendID string) (*TokenRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tokens[backendID]
	if !ok {
		return nil, &NotFoundError{BackendID: backendID, Kind: keyKindToken}
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) SetToken(backendID string, token *TokenRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *token
	m.tokens[backendID] = &cp
	return nil
}

func (m *MemoryStore) DeleteToken(backendID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, backendID)
	return nil
}

func (m *MemoryStore) GetClient(backendID string) (*ClientIdentity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[backendID]
	if !ok {
		return nil, &NotFoundError{BackendID: backendID, Kind: keyKindClient}
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) SetClient(backendID string, identity *ClientIdentity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *identity
	m.clients[backendID] = &cp
	return nil
}

func (m *MemoryStore) DeleteClient(backendID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.clients, backendID)
	return nil
}

func (m *MemoryStore) HasToken(backendID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.tokens[backendID]
	return ok
}

func (m *MemoryStore) DeleteAll(backendID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, backendID)
	delete(m.clients, backendID)
	return nil
}
