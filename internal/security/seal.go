package security

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
)

// sealHeaderSize is the size of the signer key and signature prefix.
const sealHeaderSize = PublicKeySize + SignatureSize

var (
	// ErrBadSignature is returned when a frame's signature does not verify.
	ErrBadSignature = errors.New("bad signature")

	// ErrUntrustedSigner is returned when a frame is signed by a key outside the trust set.
	ErrUntrustedSigner = errors.New("untrusted signer")
)

// Sealer signs outbound frames.
type Sealer interface {
	Seal(payload []byte) []byte
}

// Opener verifies inbound frames and strips the signature prefix.
type Opener interface {
	Open(frame []byte) (payload []byte, signer []byte, err error)
}

// Seal prefixes payload with the signer key and a signature over payload.
// Frame layout: [48B public key] [96B signature] [payload]
func (k *KeyPair) Seal(payload []byte) []byte {
	frame := make([]byte, sealHeaderSize+len(payload))

	copy(frame[:PublicKeySize], k.PublicKey())
	copy(frame[PublicKeySize:sealHeaderSize], k.Sign(payload))
	copy(frame[sealHeaderSize:], payload)

	return frame
}

// Verifier opens sealed frames, optionally restricted to a set of trusted signers.
// A Verifier with an empty trust set accepts any valid signature.
type Verifier struct {
	trusted map[string]struct{} // trusted holds hex public keys; empty means trust all
	mu      sync.RWMutex        // mu protects trusted
}

// NewVerifier creates a verifier trusting the given public keys.
func NewVerifier(trusted ...[]byte) *Verifier {
	v := &Verifier{trusted: make(map[string]struct{})}

	for _, pk := range trusted {
		v.Trust(pk)
	}

	return v
}

// Trust adds a public key to the trust set.
func (v *Verifier) Trust(publicKey []byte) {
	v.mu.Lock()
	v.trusted[hex.EncodeToString(publicKey)] = struct{}{}
	v.mu.Unlock()
}

// Open verifies frame and returns its payload and signer key.
func (v *Verifier) Open(frame []byte) ([]byte, []byte, error) {
	if len(frame) < sealHeaderSize {
		return nil, nil, fmt.Errorf("frame too short: %d < %d", len(frame), sealHeaderSize)
	}

	signer := frame[:PublicKeySize]
	sig := frame[PublicKeySize:sealHeaderSize]
	payload := frame[sealHeaderSize:]

	if !v.isTrusted(signer) {
		return nil, nil, fmt.Errorf("%w: %x", ErrUntrustedSigner, signer[:8])
	}

	if !Verify(sig, payload, signer) {
		return nil, nil, ErrBadSignature
	}

	return payload, signer, nil
}

// isTrusted reports whether signer may send frames.
func (v *Verifier) isTrusted(signer []byte) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if len(v.trusted) == 0 {
		return true
	}

	_, ok := v.trusted[hex.EncodeToString(signer)]

	return ok
}

// Plain passes frames through unsigned. It is used when a deployment
// disables message signing.
type Plain struct{}

// Seal returns payload unchanged.
func (Plain) Seal(payload []byte) []byte { return payload }

// Open returns frame unchanged with no signer.
func (Plain) Open(frame []byte) ([]byte, []byte, error) { return frame, nil, nil }
