// Package mfa manages multi-factor credentials: TOTP secrets, single-use
// backup codes, and WebAuthn public-key credentials with clone detection.
package mfa

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"

	"github.com/caretrust-systems/securecore/internal/metrics"
	"github.com/caretrust-systems/securecore/internal/models"
	"github.com/caretrust-systems/securecore/internal/repository"
)

var (
	ErrInvalidCode       = errors.New("invalid verification code")
	ErrCredentialLocked  = errors.New("credential is locked out")
	ErrCredentialRevoked = errors.New("credential not found or revoked")

	// ErrCounterRegression signals a non-increasing WebAuthn signature
	// counter: a compromise indicator, not a retryable failure. The
	// credential is locked when this is returned.
	ErrCounterRegression = errors.New("webauthn signature counter did not increase")
)

const (
	totpSkewSteps   = 2
	backupCodeCount = 10
	maxFailures     = 5
	lockoutWindow   = 15 * time.Minute
	totpIssuer      = "securecore"
)

type Service struct {
	repo repository.Repository
}

func NewService(repo repository.Repository) *Service {
	return &Service{repo: repo}
}

// EnrollTOTP provisions a TOTP credential and returns the otpauth
// provisioning URL. The shared secret is shown to the actor exactly once.
func (s *Service) EnrollTOTP(ctx context.Context, actorID string) (string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      totpIssuer,
		AccountName: actorID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate totp secret: %w", err)
	}

	cred := newCredential(actorID, models.MethodTOTP)
	cred.TOTPSecret = key.Secret()
	if err := s.repo.InsertCredential(ctx, cred); err != nil {
		return "", fmt.Errorf("failed to store totp credential: %w", err)
	}
	return key.URL(), nil
}

// EnrollBackupCodes provisions a fresh backup-code set, replacing any prior
// one, and returns the plaintext codes. Only bcrypt hashes are stored.
func (s *Service) EnrollBackupCodes(ctx context.Context, actorID string) ([]string, error) {
	codes := make([]string, backupCodeCount)
	hashes := make([]string, backupCodeCount)
	for i := range codes {
		code, err := generateBackupCode()
		if err != nil {
			return nil, err
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash backup code: %w", err)
		}
		codes[i] = code
		hashes[i] = string(hash)
	}

	cred := newCredential(actorID, models.MethodBackupCode)
	cred.BackupCodes = hashes
	if err := s.repo.InsertCredential(ctx, cred); err != nil {
		return nil, fmt.Errorf("failed to store backup codes: %w", err)
	}
	return codes, nil
}

// EnrollWebAuthn registers an authenticator's public-key credential.
func (s *Service) EnrollWebAuthn(ctx context.Context, actorID, credentialID string, publicKey []byte) error {
	cred := newCredential(actorID, models.MethodWebAuthn)
	cred.CredentialID = credentialID
	cred.PublicKey = publicKey
	cred.SignatureCounter = 0
	if err := s.repo.InsertCredential(ctx, cred); err != nil {
		return fmt.Errorf("failed to store webauthn credential: %w", err)
	}
	return nil
}

// VerifyTOTP checks a code against the actor's TOTP secret with a bounded
// time-drift window of ±totpSkewSteps steps.
func (s *Service) VerifyTOTP(ctx context.Context, actorID, code string) error {
	return s.verify(ctx, actorID, models.MethodTOTP, func(cred *models.MFACredential) (bool, error) {
		valid, err := totp.ValidateCustom(code, cred.TOTPSecret, time.Now().UTC(), totp.ValidateOpts{
			Period:    30,
			Skew:      totpSkewSteps,
			Digits:    otp.DigitsSix,
			Algorithm: otp.AlgorithmSHA1,
		})
		if err != nil {
			return false, fmt.Errorf("totp validation error: %w", err)
		}
		return valid, nil
	})
}

// VerifyBackupCode consumes a single-use backup code. A matching code is
// removed from the available set before the call returns.
func (s *Service) VerifyBackupCode(ctx context.Context, actorID, code string) error {
	return s.verify(ctx, actorID, models.MethodBackupCode, func(cred *models.MFACredential) (bool, error) {
		for i, hash := range cred.BackupCodes {
			if bcrypt.CompareHashAndPassword([]byte(hash), []byte(code)) == nil {
				cred.BackupCodes = append(cred.BackupCodes[:i], cred.BackupCodes[i+1:]...)
				return true, nil
			}
		}
		return false, nil
	})
}

// VerifyWebAuthn validates an assertion result. The caller passes the
// authenticator-reported signature counter; it must strictly exceed the
// stored value. A non-increasing counter locks the credential and returns
// ErrCounterRegression.
func (s *Service) VerifyWebAuthn(ctx context.Context, actorID string, counter uint32) error {
	cred, err := s.usableCredential(ctx, actorID, models.MethodWebAuthn)
	if err != nil {
		return err
	}

	if counter <= cred.SignatureCounter {
		now := time.Now().UTC()
		lock := now.Add(lockoutWindow)
		cred.Active = false
		cred.LockedUntil = &lock
		cred.FailureCount++
		if err := s.repo.UpdateCredential(ctx, cred); err != nil {
			return fmt.Errorf("failed to lock cloned credential: %w", err)
		}
		metrics.MFAVerifications.WithLabelValues(string(models.MethodWebAuthn), "counter_regression").Inc()
		return ErrCounterRegression
	}

	cred.SignatureCounter = counter
	cred.FailureCount = 0
	if err := s.repo.UpdateCredential(ctx, cred); err != nil {
		return fmt.Errorf("failed to advance signature counter: %w", err)
	}
	metrics.MFAVerifications.WithLabelValues(string(models.MethodWebAuthn), "success").Inc()
	return nil
}

// Revoke soft-deletes a credential on user request or security event.
func (s *Service) Revoke(ctx context.Context, actorID string, method models.MFAMethod) error {
	return s.repo.RevokeCredential(ctx, actorID, method)
}

// verify runs the shared lockout/failure-count plumbing around a
// method-specific check.
func (s *Service) verify(ctx context.Context, actorID string, method models.MFAMethod, check func(*models.MFACredential) (bool, error)) error {
	cred, err := s.usableCredential(ctx, actorID, method)
	if err != nil {
		return err
	}

	valid, err := check(cred)
	if err != nil {
		return err
	}

	if !valid {
		cred.FailureCount++
		if cred.FailureCount >= maxFailures {
			lock := time.Now().UTC().Add(lockoutWindow)
			cred.LockedUntil = &lock
		}
		if updateErr := s.repo.UpdateCredential(ctx, cred); updateErr != nil {
			return fmt.Errorf("failed to record verification failure: %w", updateErr)
		}
		metrics.MFAVerifications.WithLabelValues(string(method), "failure").Inc()
		return ErrInvalidCode
	}

	cred.FailureCount = 0
	cred.LockedUntil = nil
	if err := s.repo.UpdateCredential(ctx, cred); err != nil {
		return fmt.Errorf("failed to record verification success: %w", err)
	}
	metrics.MFAVerifications.WithLabelValues(string(method), "success").Inc()
	return nil
}

func (s *Service) usableCredential(ctx context.Context, actorID string, method models.MFAMethod) (*models.MFACredential, error) {
	cred, err := s.repo.GetCredential(ctx, actorID, method)
	if err != nil {
		if errors.Is(err, repository.ErrCredentialNotFound) {
			return nil, ErrCredentialRevoked
		}
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	if cred.Locked(time.Now().UTC()) {
		return nil, ErrCredentialLocked
	}
	if !cred.Active || cred.RevokedAt != nil {
		return nil, ErrCredentialRevoked
	}
	return cred, nil
}

func newCredential(actorID string, method models.MFAMethod) *models.MFACredential {
	id, _ := uuid.NewV7()
	return &models.MFACredential{
		ID:        id.String(),
		ActorID:   actorID,
		Method:    method,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
}

func generateBackupCode() (string, error) {
	raw := make([]byte, 5)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate backup code: %w", err)
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw), nil
}
