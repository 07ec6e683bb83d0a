package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/caretrust-systems/securecore/internal/models"
)

type InMemoryRepository struct {
	keys        []*models.EncryptionKey
	rules       map[string]*models.ClassificationRule
	events      []*models.AuditEvent
	regulated   []*models.RegulatedDataEvent
	incidents   []*models.SecurityIncidentEvent
	profiles    map[string]*models.RiskProfile
	attempts    []*models.AuthAttempt
	credentials map[string]*models.MFACredential
	tip         string
	mu          sync.RWMutex
}

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		rules:       make(map[string]*models.ClassificationRule),
		profiles:    make(map[string]*models.RiskProfile),
		credentials: make(map[string]*models.MFACredential),
	}
}

func ruleKey(resourceType, fieldName string) string {
	return resourceType + "/" + fieldName
}

func credKey(actorID string, method models.MFAMethod) string {
	return actorID + "/" + string(method)
}

func (r *InMemoryRepository) InsertKey(ctx context.Context, key *models.EncryptionKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *key
	r.keys = append(r.keys, &cp)
	return nil
}

func (r *InMemoryRepository) GetKeyByName(ctx context.Context, name string) (*models.EncryptionKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest *models.EncryptionKey
	for _, k := range r.keys {
		if k.Name == name && (latest == nil || k.Version > latest.Version) {
			latest = k
		}
	}
	if latest == nil {
		return nil, ErrKeyNotFound
	}
	cp := *latest
	return &cp, nil
}

func (r *InMemoryRepository) GetKeyVersion(ctx context.Context, name string, version int) (*models.EncryptionKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, k := range r.keys {
		if k.Name == name && k.Version == version {
			cp := *k
			return &cp, nil
		}
	}
	return nil, ErrKeyNotFound
}

func (r *InMemoryRepository) GetActiveKeyByPurpose(ctx context.Context, purpose models.KeyPurpose) (*models.EncryptionKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest *models.EncryptionKey
	for _, k := range r.keys {
		if k.Purpose == purpose && k.Active && (latest == nil || k.Version > latest.Version) {
			latest = k
		}
	}
	if latest == nil {
		return nil, ErrKeyNotFound
	}
	cp := *latest
	return &cp, nil
}

func (r *InMemoryRepository) DeactivateKey(ctx context.Context, name string, version int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, k := range r.keys {
		if k.Name == name && k.Version == version {
			k.Active = false
			return nil
		}
	}
	return ErrKeyNotFound
}

func (r *InMemoryRepository) UpsertRule(ctx context.Context, rule *models.ClassificationRule) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *rule
	r.rules[ruleKey(rule.ResourceType, rule.FieldName)] = &cp
	return nil
}

func (r *InMemoryRepository) GetRule(ctx context.Context, resourceType, fieldName string) (*models.ClassificationRule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rule, exists := r.rules[ruleKey(resourceType, fieldName)]
	if !exists || !rule.Active {
		return nil, ErrRuleNotFound
	}
	cp := *rule
	return &cp, nil
}

func (r *InMemoryRepository) ListRules(ctx context.Context) ([]*models.ClassificationRule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.ClassificationRule, 0, len(r.rules))
	for _, rule := range r.rules {
		cp := *rule
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return ruleKey(out[i].ResourceType, out[i].FieldName) < ruleKey(out[j].ResourceType, out[j].FieldName)
	})
	return out, nil
}

func (r *InMemoryRepository) ChainTip(ctx context.Context) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tip, nil
}

func (r *InMemoryRepository) AppendEvent(ctx context.Context, event *models.AuditEvent, expectTip string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.tip != expectTip {
		return ErrChainConflict
	}

	cp := *event
	r.events = append(r.events, &cp)
	r.tip = event.Hash
	return nil
}

func (r *InMemoryRepository) ListEventsAsc(ctx context.Context) ([]*models.AuditEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.AuditEvent, 0, len(r.events))
	for _, ev := range r.events {
		cp := *ev
		out = append(out, &cp)
	}
	return out, nil
}

func (r *InMemoryRepository) ListEvents(ctx context.Context, filter models.AuditFilter) ([]*models.AuditEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.AuditEvent, 0)
	for _, ev := range r.events {
		if filter.Category != nil && ev.Category != *filter.Category {
			continue
		}
		if filter.ActorID != "" && ev.ActorID != filter.ActorID {
			continue
		}
		if filter.Start != nil && ev.Timestamp.Before(*filter.Start) {
			continue
		}
		if filter.End != nil && !ev.Timestamp.Before(*filter.End) {
			continue
		}
		cp := *ev
		out = append(out, &cp)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (r *InMemoryRepository) InsertRegulatedDataEvent(ctx context.Context, ev *models.RegulatedDataEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *ev
	r.regulated = append(r.regulated, &cp)
	return nil
}

func (r *InMemoryRepository) InsertIncidentEvent(ctx context.Context, ev *models.SecurityIncidentEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *ev
	r.incidents = append(r.incidents, &cp)
	return nil
}

func (r *InMemoryRepository) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.events[:0]
	removed := 0
	for _, ev := range r.events {
		if ev.Timestamp.Before(cutoff) && !ev.SegmentClosed {
			removed++
			continue
		}
		kept = append(kept, ev)
	}
	r.events = kept
	return removed, nil
}

func (r *InMemoryRepository) GetRiskProfile(ctx context.Context, actorID string) (*models.RiskProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	profile, exists := r.profiles[actorID]
	if !exists {
		return nil, ErrProfileNotFound
	}
	cp := *profile
	return &cp, nil
}

func (r *InMemoryRepository) SaveRiskProfile(ctx context.Context, profile *models.RiskProfile) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *profile
	r.profiles[profile.ActorID] = &cp
	return nil
}

func (r *InMemoryRepository) InsertAuthAttempt(ctx context.Context, attempt *models.AuthAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *attempt
	r.attempts = append(r.attempts, &cp)
	return nil
}

func (r *InMemoryRepository) CountFailedAttempts(ctx context.Context, actorID string, since time.Time) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, a := range r.attempts {
		if a.ActorID == actorID && !a.Success && !a.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (r *InMemoryRepository) InsertCredential(ctx context.Context, cred *models.MFACredential) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *cred
	r.credentials[credKey(cred.ActorID, cred.Method)] = &cp
	return nil
}

func (r *InMemoryRepository) GetCredential(ctx context.Context, actorID string, method models.MFAMethod) (*models.MFACredential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cred, exists := r.credentials[credKey(actorID, method)]
	if !exists || cred.RevokedAt != nil {
		return nil, ErrCredentialNotFound
	}
	cp := *cred
	return &cp, nil
}

func (r *InMemoryRepository) UpdateCredential(ctx context.Context, cred *models.MFACredential) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.credentials[credKey(cred.ActorID, cred.Method)]; !exists {
		return ErrCredentialNotFound
	}
	cp := *cred
	r.credentials[credKey(cred.ActorID, cred.Method)] = &cp
	return nil
}

func (r *InMemoryRepository) RevokeCredential(ctx context.Context, actorID string, method models.MFAMethod) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cred, exists := r.credentials[credKey(actorID, method)]
	if !exists {
		return ErrCredentialNotFound
	}
	now := time.Now().UTC()
	cred.RevokedAt = &now
	cred.Active = false
	return nil
}

func (r *InMemoryRepository) Close() {}
