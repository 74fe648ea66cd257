// Package sealer provides the envelope encryption capability used by the
// delivery pipeline. It is deliberately thin: one NaCl box per recipient
// session, plus ratchet-key fingerprints used to detect whether a peer's
// view of a session matches ours. Session ratchet management itself lives
// with the session store.
package sealer

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/nacl/box"
)

// KeySize is the size of curve25519 keys in bytes.
const KeySize = 32

// KeyPair is a curve25519 key pair for a session.
type KeyPair struct {
	Public  [KeySize]byte
	Private [KeySize]byte
}

// GenerateKeyPair creates a fresh session key pair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("sealer: generate key: %w", err)
	}
	return &KeyPair{Public: *pub, Private: *priv}, nil
}

// Fingerprint derives the ratchet-key fingerprint for a public key.
// Peers exchange fingerprints, never raw keys, when reporting
// decryption failures.
func Fingerprint(pub []byte) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:16])
}

// Sealer encrypts envelope bytes for one remote session key.
type Sealer struct {
	local *KeyPair
}

// New creates a Sealer around the local session key pair.
func New(local *KeyPair) *Sealer {
	return &Sealer{local: local}
}

// LocalFingerprint returns the fingerprint of our current ratchet key.
func (s *Sealer) LocalFingerprint() string {
	return Fingerprint(s.local.Public[:])
}

// Seal encrypts plaintext for the given remote public key. The nonce is
// prepended to the returned ciphertext.
func (s *Sealer) Seal(plaintext []byte, remotePub [KeySize]byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("sealer: nonce: %w", err)
	}
	out := box.Seal(nonce[:], plaintext, &nonce, &remotePub, &s.local.Private)
	return out, nil
}

// Open decrypts ciphertext produced by Seal with the matching key pair.
func (s *Sealer) Open(ciphertext []byte, remotePub [KeySize]byte) ([]byte, error) {
	if len(ciphertext) < 24 {
		return nil, fmt.Errorf("sealer: ciphertext too short (%d bytes)", len(ciphertext))
	}
	var nonce [24]byte
	copy(nonce[:], ciphertext[:24])
	plain, ok := box.Open(nil, ciphertext[24:], &nonce, &remotePub, &s.local.Private)
	if !ok {
		return nil, fmt.Errorf("sealer: open failed")
	}
	return plain, nil
}
