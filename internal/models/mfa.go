package models

import "time"

type MFAMethod string

const (
	MethodTOTP       MFAMethod = "totp"
	MethodBackupCode MFAMethod = "backup_code"
	MethodWebAuthn   MFAMethod = "webauthn"
)

// MFACredential is polymorphic over the supported factor variants. Exactly
// one of TOTPSecret, BackupCodes, or WebAuthn is populated per Method.
type MFACredential struct {
	ID      string    `json:"id"`
	ActorID string    `json:"actor_id"`
	Method  MFAMethod `json:"method"`

	// TOTPSecret is the base32 shared secret for the totp method.
	TOTPSecret string `json:"-"`

	// BackupCodes holds bcrypt hashes of the remaining single-use codes.
	BackupCodes []string `json:"-"`

	// WebAuthn credential state.
	CredentialID     string `json:"credential_id,omitempty"`
	PublicKey        []byte `json:"-"`
	SignatureCounter uint32 `json:"signature_counter,omitempty"`

	Active       bool       `json:"active"`
	FailureCount int        `json:"failure_count"`
	LockedUntil  *time.Time `json:"locked_until,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
}

// Locked reports whether the credential is inside a lockout window.
func (c *MFACredential) Locked(now time.Time) bool {
	return c.LockedUntil != nil && now.Before(*c.LockedUntil)
}

// Usable reports whether the credential can currently verify a factor.
func (c *MFACredential) Usable(now time.Time) bool {
	return c.Active && c.RevokedAt == nil && !c.Locked(now)
}
