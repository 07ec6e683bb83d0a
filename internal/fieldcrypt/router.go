// Package fieldcrypt routes field values through classification-driven
// encryption. A (resource type, field name) pair resolves to at most one
// active classification rule; the rule picks the key purpose and whether
// encryption is deterministic (searchable) or randomized.
package fieldcrypt

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/caretrust-systems/securecore/internal/keyring"
	"github.com/caretrust-systems/securecore/internal/logging"
	"github.com/caretrust-systems/securecore/internal/metrics"
	"github.com/caretrust-systems/securecore/internal/models"
	"github.com/caretrust-systems/securecore/internal/repository"
)

var ErrDecryptionFailed = errors.New("field decryption failed")

const algorithmID = "aes256gcm"

type Router struct {
	repo     repository.Repository
	registry *keyring.Registry
	logger   *logging.Logger
}

func NewRouter(repo repository.Repository, registry *keyring.Registry, logger *logging.Logger) *Router {
	return &Router{repo: repo, registry: registry, logger: logger}
}

// EncryptField encrypts plaintext per the classification rule for the
// (resourceType, fieldName) pair. Unclassified fields are returned
// unchanged.
func (r *Router) EncryptField(ctx context.Context, resourceType, fieldName, plaintext string) (string, error) {
	rule, err := r.repo.GetRule(ctx, resourceType, fieldName)
	if err != nil {
		if errors.Is(err, repository.ErrRuleNotFound) {
			return plaintext, nil
		}
		return "", fmt.Errorf("failed to resolve classification rule: %w", err)
	}

	material, err := r.registry.ActiveKey(ctx, rule.Purpose)
	if err != nil {
		return "", fmt.Errorf("failed to resolve key for %s field: %w", rule.Purpose, err)
	}

	aead, err := newAEAD(material.Bytes)
	if err != nil {
		return "", err
	}

	iv, err := deriveIV(aead.NonceSize(), rule.Mode, []byte(plaintext))
	if err != nil {
		return "", err
	}

	env := &Envelope{
		Algorithm:  algorithmID,
		KeyName:    material.Name,
		KeyVersion: material.Version,
		IV:         iv,
		Ciphertext: aead.Seal(nil, iv, []byte(plaintext), nil),
	}
	metrics.FieldOps.WithLabelValues("encrypt", "success").Inc()
	return env.String(), nil
}

// DecryptField is the inverse of EncryptField. Values that are not
// envelopes pass through unchanged. An authentication tag failure is
// evidence of tampering or a wrong key; it is logged as a security event
// and returned as ErrDecryptionFailed, never masked as empty data.
func (r *Router) DecryptField(ctx context.Context, resourceType, fieldName, value string) (string, error) {
	if !IsEnvelope(value) {
		return value, nil
	}

	env, err := ParseEnvelope(value)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	material, err := r.registry.KeyVersion(ctx, env.KeyName, env.KeyVersion)
	if err != nil {
		return "", fmt.Errorf("failed to resolve envelope key: %w", err)
	}

	aead, err := newAEAD(material.Bytes)
	if err != nil {
		return "", err
	}

	plaintext, err := aead.Open(nil, env.IV, env.Ciphertext, nil)
	if err != nil {
		r.logger.ErrorContext(ctx, "field decryption failed, possible tampering",
			"resource_type", resourceType,
			"field", fieldName,
			"key_name", env.KeyName,
			"key_version", env.KeyVersion,
		)
		metrics.FieldOps.WithLabelValues("decrypt", "failure").Inc()
		return "", ErrDecryptionFailed
	}
	metrics.FieldOps.WithLabelValues("decrypt", "success").Inc()
	return string(plaintext), nil
}

// EncryptPayload applies EncryptField to every string field of a payload
// map and returns the transformed copy.
func (r *Router) EncryptPayload(ctx context.Context, resourceType string, payload map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(payload))
	for field, value := range payload {
		enc, err := r.EncryptField(ctx, resourceType, field, value)
		if err != nil {
			return nil, err
		}
		out[field] = enc
	}
	return out, nil
}

// DecryptPayload is the inverse of EncryptPayload.
func (r *Router) DecryptPayload(ctx context.Context, resourceType string, payload map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(payload))
	for field, value := range payload {
		dec, err := r.DecryptField(ctx, resourceType, field, value)
		if err != nil {
			return nil, err
		}
		out[field] = dec
	}
	return out, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize field cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize field AEAD: %w", err)
	}
	return aead, nil
}

// deriveIV picks the nonce per encryption mode. Deterministic mode hashes
// the plaintext so equal inputs produce equal envelopes; this leaks equality
// patterns and is restricted by policy to searchable low-cardinality fields.
func deriveIV(size int, mode models.EncryptionMode, plaintext []byte) ([]byte, error) {
	if mode == models.ModeDeterministic {
		sum := sha256.Sum256(plaintext)
		return sum[:size], nil
	}
	iv := make([]byte, size)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}
	return iv, nil
}
