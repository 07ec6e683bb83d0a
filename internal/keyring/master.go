package keyring

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

var (
	ErrMasterSecretMissing = errors.New("master secret is not configured")
	ErrUnwrapFailed        = errors.New("key unwrap failed")
)

const masterKeyInfo = "securecore/key-wrapping/v1"

// masterKey wraps and unwraps stored key material. The external secret is
// consumed once at construction and only the derived key is held in memory.
type masterKey struct {
	aead cipher.AEAD
}

func newMasterKey(secret string) (*masterKey, error) {
	if secret == "" {
		return nil, ErrMasterSecretMissing
	}

	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte(masterKeyInfo))
	derived := make([]byte, 32)
	if _, err := io.ReadFull(kdf, derived); err != nil {
		return nil, fmt.Errorf("failed to derive master key: %w", err)
	}

	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize master cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize master AEAD: %w", err)
	}

	return &masterKey{aead: aead}, nil
}

func (m *masterKey) wrap(material []byte) ([]byte, error) {
	nonce := make([]byte, m.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate wrap nonce: %w", err)
	}
	return m.aead.Seal(nonce, nonce, material, nil), nil
}

// unwrap is the only path that yields plaintext key material. A tag failure
// here means the stored blob or the master secret is wrong; treated as a
// fatal configuration error, never retried.
func (m *masterKey) unwrap(wrapped []byte) ([]byte, error) {
	if len(wrapped) < m.aead.NonceSize() {
		return nil, ErrUnwrapFailed
	}
	nonce, ciphertext := wrapped[:m.aead.NonceSize()], wrapped[m.aead.NonceSize():]
	material, err := m.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrUnwrapFailed
	}
	return material, nil
}
