package models

import "time"

type KeyPurpose string

const (
	PurposePHI       KeyPurpose = "phi"
	PurposePII       KeyPurpose = "pii"
	PurposeSensitive KeyPurpose = "sensitive"
	PurposeSystem    KeyPurpose = "system"
)

// EncryptionKey is the stored form of a managed key. Material is wrapped
// under the master key and only unwrapped transiently inside the registry.
type EncryptionKey struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	Purpose         KeyPurpose    `json:"purpose"`
	Algorithm       string        `json:"algorithm"`
	Version         int           `json:"version"`
	WrappedMaterial []byte        `json:"-"`
	Active          bool          `json:"active"`
	CreatedAt       time.Time     `json:"created_at"`
	ExpiresAt       *time.Time    `json:"expires_at,omitempty"`
	RotationPeriod  time.Duration `json:"rotation_period"`
}

type EncryptionMode string

const (
	ModeDeterministic EncryptionMode = "deterministic"
	ModeRandomized    EncryptionMode = "randomized"
)

// ClassificationRule maps one (resource type, field name) pair to a
// classification purpose and an encryption mode. Exactly one active rule
// per pair.
type ClassificationRule struct {
	ID           string         `json:"id"`
	ResourceType string         `json:"resource_type"`
	FieldName    string         `json:"field_name"`
	Purpose      KeyPurpose     `json:"purpose"`
	Mode         EncryptionMode `json:"mode"`
	Active       bool           `json:"active"`
	CreatedAt    time.Time      `json:"created_at"`
}
