package wallet

import (
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/crypto"
)

// loadOrCreateKeys returns n private keys persisted at path, generating and
// appending new ones if fewer exist. Wallet existence never requires a
// network call.
func loadOrCreateKeys(path string, n int) ([]*ecdsa.PrivateKey, error) {
	var stored []string
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &stored); err != nil {
			return nil, fmt.Errorf("corrupt keystore %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
		// fresh keystore
	default:
		return nil, fmt.Errorf("failed to read keystore: %w", err)
	}

	generated := false
	for len(stored) < n {
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate key: %w", err)
		}
		stored = append(stored, hex.EncodeToString(crypto.FromECDSA(key)))
		generated = true
	}

	if generated {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create keystore dir: %w", err)
		}
		data, err := json.Marshal(stored)
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return nil, fmt.Errorf("failed to persist keystore: %w", err)
		}
	}

	keys := make([]*ecdsa.PrivateKey, n)
	for i := 0; i < n; i++ {
		key, err := crypto.HexToECDSA(stored[i])
		if err != nil {
			return nil, fmt.Errorf("invalid key %d in keystore: %w", i, err)
		}
		keys[i] = key
	}
	return keys, nil
}
