package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// LoadOrGenerateIdentity loads the ed25519 identity key at path, creating it
// if missing. An empty path returns a fresh ephemeral key.
func LoadOrGenerateIdentity(path string) (ed25519.PrivateKey, error) {
	if path == "" {
		return generateIdentity()
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return generateAndSaveIdentity(path)
	}

	if err != nil {
		return nil, fmt.Errorf("read key file:\n%w", err)
	}

	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(data), ed25519.PrivateKeySize)
	}

	return ed25519.PrivateKey(data), nil
}

// generateIdentity creates a new ed25519 private key.
func generateIdentity() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key:\n%w", err)
	}

	return priv, nil
}

// generateAndSaveIdentity creates a new key and saves it to path.
func generateAndSaveIdentity(path string) (ed25519.PrivateKey, error) {
	priv, err := generateIdentity()
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(path, priv, 0o600); err != nil {
		return nil, fmt.Errorf("save key to %s:\n%w", path, err)
	}

	return priv, nil
}
