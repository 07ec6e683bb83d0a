package repository

import (
	"context"
	"errors"
	"time"

	"github.com/caretrust-systems/securecore/internal/models"
)

var (
	ErrKeyNotFound        = errors.New("encryption key not found")
	ErrRuleNotFound       = errors.New("classification rule not found")
	ErrEventNotFound      = errors.New("audit event not found")
	ErrProfileNotFound    = errors.New("risk profile not found")
	ErrCredentialNotFound = errors.New("mfa credential not found")
	ErrChainConflict      = errors.New("audit chain tip moved")
)

// Repository is the storage contract for the security substrate. The
// relational engine behind it is opaque; audit events are insert-only and
// no update or delete API is exposed for them outside retention pruning.
type Repository interface {
	// Key registry.
	InsertKey(ctx context.Context, key *models.EncryptionKey) error
	GetKeyByName(ctx context.Context, name string) (*models.EncryptionKey, error)
	GetKeyVersion(ctx context.Context, name string, version int) (*models.EncryptionKey, error)
	GetActiveKeyByPurpose(ctx context.Context, purpose models.KeyPurpose) (*models.EncryptionKey, error)
	DeactivateKey(ctx context.Context, name string, version int) error

	// Classification rules.
	UpsertRule(ctx context.Context, rule *models.ClassificationRule) error
	GetRule(ctx context.Context, resourceType, fieldName string) (*models.ClassificationRule, error)
	ListRules(ctx context.Context) ([]*models.ClassificationRule, error)

	// Audit ledger. AppendEvent commits the event only if the stored chain
	// tip still equals expectTip; callers retry on ErrChainConflict.
	ChainTip(ctx context.Context) (string, error)
	AppendEvent(ctx context.Context, event *models.AuditEvent, expectTip string) error
	ListEventsAsc(ctx context.Context) ([]*models.AuditEvent, error)
	ListEvents(ctx context.Context, filter models.AuditFilter) ([]*models.AuditEvent, error)
	InsertRegulatedDataEvent(ctx context.Context, ev *models.RegulatedDataEvent) error
	InsertIncidentEvent(ctx context.Context, ev *models.SecurityIncidentEvent) error
	DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int, error)

	// Risk profiles and attempts.
	GetRiskProfile(ctx context.Context, actorID string) (*models.RiskProfile, error)
	SaveRiskProfile(ctx context.Context, profile *models.RiskProfile) error
	InsertAuthAttempt(ctx context.Context, attempt *models.AuthAttempt) error
	CountFailedAttempts(ctx context.Context, actorID string, since time.Time) (int, error)

	// MFA credentials.
	InsertCredential(ctx context.Context, cred *models.MFACredential) error
	GetCredential(ctx context.Context, actorID string, method models.MFAMethod) (*models.MFACredential, error)
	UpdateCredential(ctx context.Context, cred *models.MFACredential) error
	RevokeCredential(ctx context.Context, actorID string, method models.MFAMethod) error

	Close()
}
