package keychain

import (
	"fmt"

	"github.com/zalando/go-keyring"
)

// keyringService namespaces mcpc's entries in the OS keychain. Each
// Namespace gets its own service name so that, e.g., listing the OS
// keychain by service groups tokens separately from client registrations.
func keyringService(ns Namespace) string {
	return "mcpc-" + string(ns)
}

// KeyringStore stores secrets in the OS-provided keychain via go-keyring.
// It holds no in-memory state; every call round-trips to the OS keychain.
type KeyringStore struct{}

// NewKeyringStore probes keychain availability by reading a key known
// not to exist and checking the error is ErrNotFound rather than
// "unavailable".
func NewKeyringStore() (*KeyringStore, error) {
	_, err := keyring.Get(keyringService(NamespaceAuthTokens), "_availability_probe")
	if err != nil && err != keyring.ErrNotFound {
		return nil, fmt.Errorf("keyring not available: %w", err)
	}
	return &KeyringStore{}, nil
}

func (s *KeyringStore) Get(ns Namespace, key string) ([]byte, error) {
	data, err := keyring.Get(keyringService(ns), key)
	if err != nil {
		if err == keyring.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("keyring get %s/%s: %w", ns, key, err)
	}
	return []byte(data), nil
}

func (s *KeyringStore) Put(ns Namespace, key string, blob []byte) error {
	if err := keyring.Set(keyringService(ns), key, string(blob)); err != nil {
		return fmt.Errorf("keyring set %s/%s: %w", ns, key, err)
	}
	return nil
}

func (s *KeyringStore) Delete(ns Namespace, key string) error {
	if err := keyring.Delete(keyringService(ns), key); err != nil {
		if err == keyring.ErrNotFound {
			return nil
		}
		return fmt.Errorf("keyring delete %s/%s: %w", ns, key, err)
	}
	return nil
}
