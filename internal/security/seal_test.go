package security

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
)

// newTestKey generates a key pair or fails the test.
func newTestKey(t *testing.T) *KeyPair {
	t.Helper()

	k, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	return k
}

// TestSealOpen tests a sealed frame opens to the original payload.
func TestSealOpen(t *testing.T) {
	k := newTestKey(t)
	payload := []byte("identify request")

	frame := k.Seal(payload)

	got, signer, err := NewVerifier().Open(frame)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if !bytes.Equal(got, payload) {
		t.Errorf("payload: got %q, want %q", got, payload)
	}

	if !bytes.Equal(signer, k.PublicKey()) {
		t.Error("signer key mismatch")
	}
}

// TestOpenTampered tests that payload tampering is detected.
func TestOpenTampered(t *testing.T) {
	k := newTestKey(t)

	frame := k.Seal([]byte("final response"))
	frame[len(frame)-1] ^= 0xFF

	_, _, err := NewVerifier().Open(frame)
	if !errors.Is(err, ErrBadSignature) {
		t.Errorf("got %v, want ErrBadSignature", err)
	}
}

// TestOpenUntrusted tests the trust set restriction.
func TestOpenUntrusted(t *testing.T) {
	trusted := newTestKey(t)
	stranger := newTestKey(t)

	v := NewVerifier(trusted.PublicKey())

	if _, _, err := v.Open(trusted.Seal([]byte("ok"))); err != nil {
		t.Errorf("trusted signer rejected: %v", err)
	}

	_, _, err := v.Open(stranger.Seal([]byte("nope")))
	if !errors.Is(err, ErrUntrustedSigner) {
		t.Errorf("got %v, want ErrUntrustedSigner", err)
	}
}

// TestOpenShortFrame tests truncated frames.
func TestOpenShortFrame(t *testing.T) {
	if _, _, err := NewVerifier().Open(make([]byte, 10)); err == nil {
		t.Error("expected error for short frame")
	}
}

// TestDeriveFromED25519Deterministic tests that derivation is stable per identity.
func TestDeriveFromED25519Deterministic(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate ed25519: %v", err)
	}

	a, err := DeriveFromED25519(priv)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}

	b, err := DeriveFromED25519(priv)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}

	if !bytes.Equal(a.PublicKey(), b.PublicKey()) {
		t.Error("derived keys differ for the same identity")
	}
}

// TestPlain tests the pass-through sealer.
func TestPlain(t *testing.T) {
	frame := Plain{}.Seal([]byte("x"))

	got, signer, err := Plain{}.Open(frame)
	if err != nil || signer != nil || string(got) != "x" {
		t.Errorf("plain open: got %q %x %v", got, signer, err)
	}
}

// TestChecksum tests content checksums.
func TestChecksum(t *testing.T) {
	a := Checksum([]byte("file one"))

	if len(a) != ChecksumSize {
		t.Fatalf("checksum size: got %d, want %d", len(a), ChecksumSize)
	}

	if !ChecksumMatches([]byte("file one"), a) {
		t.Error("checksum does not match its own content")
	}

	if ChecksumMatches([]byte("file two"), a) {
		t.Error("checksum matches different content")
	}
}
