package secret

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

const (
	// ServiceName for keyring entries
	ServiceName = "mcpgate"

	keyKindToken  = "token"
	keyKindClient = "client"
)

// KeyringStore persists credentials in the OS keyring.
type KeyringStore struct {
	serviceName string
}

// NewKeyringStore creates a credential store backed by the OS keyring.
func NewKeyringStore() *KeyringStore {
	return &KeyringStore{serviceName: ServiceName}
}

func keyFor(backendID, kind string) string {
	return backendID + "/" + kind
}

func (k *KeyringStore) get(backendID, kind string, out interface{}) error {
	raw, err := keyring.Get(k.serviceName, keyFor(backendID, kind))
	if errors.Is(err, keyring.ErrNotFound) {
		return &NotFoundError{BackendID: backendID, Kind: kind}
	}
	if err != nil {
		return fmt.Errorf("failed to read %s from keyring: %w", kind, err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("failed to decode stored %s: %w", kind, err)
	}
	return nil
}

func (k *KeyringStore) set(backendID, kind string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", kind, err)
	}
	if err := keyring.Set(k.serviceName, keyFor(backendID, kind), string(data)); err != nil {
		return fmt.Errorf("failed to store %s in keyring: %w", kind, err)
	}
	return nil
}

func (k *KeyringStore) delete(backendID, kind string) error {
	err := keyring.Delete(k.serviceName, keyFor(backendID, kind))
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("failed to delete %s from keyring: %w", kind, err)
	}
	return nil
}

func (k *KeyringStore) GetToken(backendID string) (*TokenRecord, error) {
	var t TokenRecord
	if err := k.get(backendID, keyKindToken, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (k *KeyringStore) SetToken(backendID string, token *TokenRecord) error {
	return k.set(backendID, keyKindToken, token)
}

func (k *KeyringStore) DeleteToken(backendID string) error {
	return k.delete(backendID, keyKindToken)
}

func (k *KeyringStore) GetClient(backendID string) (*ClientIdentity, error) {
	var c ClientIdentity
	if err := k.get(backendID, keyKindClient, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (k *KeyringStore) SetClient(backendID string, identity *ClientIdentity) error {
	return k.set(backendID, keyKindClient, identity)
}

func (k *KeyringStore) DeleteClient(backendID string) error {
	return k.delete(backendID, keyKindClient)
}

func (k *KeyringStore) HasToken(backendID string) bool {
	_, err := keyring.Get(k.serviceName, keyFor(backendID, keyKindToken))
	return err == nil
}

func (k *KeyringStore) DeleteAll(backendID string) error {
	if err := k.DeleteToken(backendID); err != nil {
		return err
	}
	return k.DeleteClient(backendID)
}
