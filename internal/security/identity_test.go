package security

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

// TestLoadOrGenerateIdentity tests that a generated key is persisted and reloaded.
func TestLoadOrGenerateIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.key")

	first, err := LoadOrGenerateIdentity(path)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	second, err := LoadOrGenerateIdentity(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}

	if !bytes.Equal(first, second) {
		t.Error("reloaded key differs")
	}
}

// TestLoadIdentityInvalid tests rejection of a malformed key file.
func TestLoadIdentityInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.key")
	os.WriteFile(path, []byte("short"), 0o600)

	if _, err := LoadOrGenerateIdentity(path); err == nil {
		t.Error("expected error for malformed key")
	}
}

// TestEphemeralIdentity tests that an empty path yields a fresh key.
func TestEphemeralIdentity(t *testing.T) {
	a, _ := LoadOrGenerateIdentity("")
	b, _ := LoadOrGenerateIdentity("")

	if bytes.Equal(a, b) {
		t.Error("ephemeral keys should differ")
	}
}
