// Package keyring manages symmetric encryption keys: creation, rotation,
// and resolution of active keys by classification purpose. Key material at
// rest is wrapped under a master key derived from an externally supplied
// secret.
package keyring

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/caretrust-systems/securecore/internal/models"
	"github.com/caretrust-systems/securecore/internal/repository"
)

var ErrKeyNotFound = errors.New("no active key for purpose")

const (
	algorithmAESGCM = "aes-256-gcm"
	keySize         = 32
	defaultRotation = 90 * 24 * time.Hour
)

// Recorder receives key lifecycle events for the audit trail.
type Recorder interface {
	RecordKeyEvent(ctx context.Context, action, keyName string, details map[string]interface{}) error
}

// Material is a transiently unwrapped key. Callers must not retain it past
// the encrypt/decrypt call it was resolved for.
type Material struct {
	Name    string
	Version int
	Purpose models.KeyPurpose
	Bytes   []byte
}

type Registry struct {
	repo     repository.Repository
	master   *masterKey
	recorder Recorder
}

func NewRegistry(repo repository.Repository, masterSecret string, recorder Recorder) (*Registry, error) {
	master, err := newMasterKey(masterSecret)
	if err != nil {
		return nil, err
	}
	return &Registry{repo: repo, master: master, recorder: recorder}, nil
}

// CreateKey provisions a key for the given purpose. Idempotent by name: if
// a key with the name already exists, its id is returned and nothing is
// written.
func (r *Registry) CreateKey(ctx context.Context, name string, purpose models.KeyPurpose) (string, error) {
	existing, err := r.repo.GetKeyByName(ctx, name)
	if err == nil {
		return existing.ID, nil
	}
	if !errors.Is(err, repository.ErrKeyNotFound) {
		return "", fmt.Errorf("failed to check existing key: %w", err)
	}

	key, err := r.newKeyVersion(name, purpose, 1)
	if err != nil {
		return "", err
	}

	if err := r.repo.InsertKey(ctx, key); err != nil {
		return "", fmt.Errorf("failed to store key: %w", err)
	}

	r.record(ctx, "key_create", name, map[string]interface{}{
		"purpose": string(purpose),
		"version": 1,
	})
	return key.ID, nil
}

// ActiveKey resolves and unwraps the current active key for a purpose.
func (r *Registry) ActiveKey(ctx context.Context, purpose models.KeyPurpose) (*Material, error) {
	key, err := r.repo.GetActiveKeyByPurpose(ctx, purpose)
	if err != nil {
		if errors.Is(err, repository.ErrKeyNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to resolve active key: %w", err)
	}
	return r.unwrapKey(key)
}

// KeyVersion unwraps a specific key version. Old versions stay resolvable
// indefinitely so previously encrypted data keeps decrypting after rotation.
func (r *Registry) KeyVersion(ctx context.Context, name string, version int) (*Material, error) {
	key, err := r.repo.GetKeyVersion(ctx, name, version)
	if err != nil {
		if errors.Is(err, repository.ErrKeyNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to resolve key version: %w", err)
	}
	return r.unwrapKey(key)
}

// RotateKey generates new material under the same name, marks the prior
// version inactive, and leaves a rotation audit trail. In-flight operations
// holding the prior version are unaffected.
func (r *Registry) RotateKey(ctx context.Context, name string) (int, error) {
	current, err := r.repo.GetKeyByName(ctx, name)
	if err != nil {
		if errors.Is(err, repository.ErrKeyNotFound) {
			return 0, ErrKeyNotFound
		}
		return 0, fmt.Errorf("failed to load key for rotation: %w", err)
	}

	next, err := r.newKeyVersion(name, current.Purpose, current.Version+1)
	if err != nil {
		return 0, err
	}

	if err := r.repo.InsertKey(ctx, next); err != nil {
		return 0, fmt.Errorf("failed to store rotated key: %w", err)
	}
	if err := r.repo.DeactivateKey(ctx, name, current.Version); err != nil {
		return 0, fmt.Errorf("failed to deactivate prior key version: %w", err)
	}

	r.record(ctx, "key_rotate", name, map[string]interface{}{
		"purpose":      string(current.Purpose),
		"from_version": current.Version,
		"to_version":   next.Version,
	})
	return next.Version, nil
}

func (r *Registry) newKeyVersion(name string, purpose models.KeyPurpose, version int) (*models.EncryptionKey, error) {
	material := make([]byte, keySize)
	if _, err := rand.Read(material); err != nil {
		return nil, fmt.Errorf("failed to generate key material: %w", err)
	}

	wrapped, err := r.master.wrap(material)
	if err != nil {
		return nil, err
	}

	id, _ := uuid.NewV7()
	now := time.Now().UTC()
	expires := now.Add(defaultRotation)
	return &models.EncryptionKey{
		ID:              id.String(),
		Name:            name,
		Purpose:         purpose,
		Algorithm:       algorithmAESGCM,
		Version:         version,
		WrappedMaterial: wrapped,
		Active:          true,
		CreatedAt:       now,
		ExpiresAt:       &expires,
		RotationPeriod:  defaultRotation,
	}, nil
}

func (r *Registry) unwrapKey(key *models.EncryptionKey) (*Material, error) {
	material, err := r.master.unwrap(key.WrappedMaterial)
	if err != nil {
		return nil, err
	}
	return &Material{
		Name:    key.Name,
		Version: key.Version,
		Purpose: key.Purpose,
		Bytes:   material,
	}, nil
}

func (r *Registry) record(ctx context.Context, action, keyName string, details map[string]interface{}) {
	if r.recorder == nil {
		return
	}
	// Trail failures are not allowed to fail the key operation itself;
	// the recorder logs its own errors.
	_ = r.recorder.RecordKeyEvent(ctx, action, keyName, details)
}
