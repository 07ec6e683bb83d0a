// Package orchestrator is the single guarded entry point for sensitive
// operations: every request is risk-scored, factor-checked, authorized,
// recorded in the audit ledger, and, when it touches classified fields,
// routed through field encryption.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/caretrust-systems/securecore/internal/fieldcrypt"
	"github.com/caretrust-systems/securecore/internal/ledger"
	"github.com/caretrust-systems/securecore/internal/logging"
	"github.com/caretrust-systems/securecore/internal/metrics"
	"github.com/caretrust-systems/securecore/internal/models"
	"github.com/caretrust-systems/securecore/internal/notify"
	"github.com/caretrust-systems/securecore/internal/ratelimit"
	"github.com/caretrust-systems/securecore/internal/risk"
	"github.com/caretrust-systems/securecore/internal/tokens"
)

var ErrDenied = errors.New("operation denied")

type DecisionKind string

const (
	DecisionAllow                   DecisionKind = "allow"
	DecisionDeny                    DecisionKind = "deny"
	DecisionRequireAdditionalFactor DecisionKind = "require_additional_factor"
)

// Request is one guarded operation. The caller has already authenticated
// the actor's primary credential; any further satisfied factors arrive via
// the step-up ChallengeToken.
type Request struct {
	ActorID        string             `json:"actor_id"`
	ActorTier      string             `json:"actor_tier"`
	ResourceType   string             `json:"resource_type"`
	ResourceID     string             `json:"resource_id"`
	Action         string             `json:"action"`
	Payload        map[string]string  `json:"payload,omitempty"`
	Context        models.AuthContext `json:"context"`
	ChallengeToken string             `json:"challenge_token,omitempty"`
	AccessPurpose  string             `json:"access_purpose,omitempty"`
}

type Decision struct {
	Kind            DecisionKind        `json:"kind"`
	Payload         map[string]string   `json:"payload,omitempty"`
	Reason          string              `json:"reason,omitempty"`
	RiskScore       float64             `json:"risk_score"`
	RequiredFactors []models.AuthFactor `json:"required_factors,omitempty"`
	MissingFactors  []models.AuthFactor `json:"missing_factors,omitempty"`
	ChallengeToken  string              `json:"challenge_token,omitempty"`
	AuditID         string              `json:"audit_id,omitempty"`
}

type Orchestrator struct {
	risk      *risk.Engine
	ledger    *ledger.Ledger
	router    *fieldcrypt.Router
	issuer    *tokens.Issuer
	limiter   ratelimit.RateLimiter
	publisher notify.Publisher
	logger    *logging.Logger

	// regulated marks resource types whose access must emit a
	// RegulatedDataEvent alongside the base audit entry.
	regulated map[string]bool
}

func New(
	riskEngine *risk.Engine,
	auditLedger *ledger.Ledger,
	router *fieldcrypt.Router,
	issuer *tokens.Issuer,
	limiter ratelimit.RateLimiter,
	publisher notify.Publisher,
	logger *logging.Logger,
	regulatedResources []string,
) *Orchestrator {
	regulated := make(map[string]bool, len(regulatedResources))
	for _, r := range regulatedResources {
		regulated[r] = true
	}
	return &Orchestrator{
		risk:      riskEngine,
		ledger:    auditLedger,
		router:    router,
		issuer:    issuer,
		limiter:   limiter,
		publisher: publisher,
		logger:    logger,
		regulated: regulated,
	}
}

// AuthorizeAndRecord runs the full guard: risk scoring, factor enforcement,
// authorization, audit recording, and payload encryption. Every path,
// including denials, leaves an audit entry; the audit write is authoritative
// and its failure fails the operation.
func (o *Orchestrator) AuthorizeAndRecord(ctx context.Context, req Request) (*Decision, error) {
	if req.Context.Timestamp.IsZero() {
		req.Context.Timestamp = time.Now().UTC()
	}

	allowed, err := o.limiter.Allow(ctx, req.ActorTier, req.ActorID)
	if err != nil {
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}
	if !allowed {
		return o.deny(ctx, req, nil, "rate limit exceeded", models.RiskModerate)
	}

	assessment, err := o.risk.Assess(ctx, req.ActorID, req.Context)
	if err != nil {
		return nil, fmt.Errorf("risk assessment failed: %w", err)
	}

	satisfied := o.satisfiedFactors(req)
	missing := missingFactors(assessment.RequiredFactors, satisfied)

	if len(missing) > 0 {
		// High-risk access to regulated data is a hard failure, never
		// downgraded to a challenge.
		if o.regulated[req.ResourceType] && assessment.Score >= 0.8 {
			return o.deny(ctx, req, assessment, "high-risk access to regulated resource", models.RiskCritical)
		}
		return o.challenge(ctx, req, assessment, satisfied, missing)
	}

	payload := req.Payload
	if len(payload) > 0 {
		payload, err = o.router.EncryptPayload(ctx, req.ResourceType, payload)
		if err != nil {
			return nil, fmt.Errorf("payload encryption failed: %w", err)
		}
	}

	auditID, err := o.recordOutcome(ctx, req, assessment, models.OutcomeSuccess, "")
	if err != nil {
		return nil, err
	}

	if _, err := o.risk.RecordAttempt(ctx, req.ActorID, req.Context, assessment, true, false); err != nil {
		return nil, err
	}

	metrics.AuthorizationsTotal.WithLabelValues(string(DecisionAllow), req.ResourceType).Inc()
	return &Decision{
		Kind:            DecisionAllow,
		Payload:         payload,
		RiskScore:       assessment.Score,
		RequiredFactors: assessment.RequiredFactors,
		AuditID:         auditID,
	}, nil
}

// AbandonChallenge records a step-up challenge the caller walked away from.
// Abandoned attempts still reach the ledger so the chain has no silent gaps.
func (o *Orchestrator) AbandonChallenge(ctx context.Context, actorID string, authCtx models.AuthContext) error {
	if authCtx.Timestamp.IsZero() {
		authCtx.Timestamp = time.Now().UTC()
	}

	assessment, err := o.risk.Assess(ctx, actorID, authCtx)
	if err != nil {
		return fmt.Errorf("risk assessment failed: %w", err)
	}
	if _, err := o.risk.RecordAttempt(ctx, actorID, authCtx, assessment, false, true); err != nil {
		return err
	}

	_, err = o.ledger.Append(ctx, ledger.Entry{
		Category:  models.CategoryAuthentication,
		ActorID:   actorID,
		Action:    "challenge_abandoned",
		Outcome:   models.OutcomeWarning,
		RiskLevel: riskLevelFor(assessment.Score),
		IPAddress: authCtx.IPAddress,
		Details: map[string]interface{}{
			"risk_score": assessment.Score,
		},
		ResourceType: "auth_challenge",
	})
	return err
}

func (o *Orchestrator) deny(ctx context.Context, req Request, assessment *risk.Assessment, reason string, riskLevel int) (*Decision, error) {
	score := 0.0
	var factors []models.AuthFactor
	if assessment != nil {
		score = assessment.Score
		factors = assessment.RequiredFactors
	}

	entry := ledger.Entry{
		Category:     categoryFor(req.Action),
		ActorID:      req.ActorID,
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		Action:       req.Action,
		Outcome:      models.OutcomeFailure,
		RiskLevel:    riskLevel,
		IPAddress:    req.Context.IPAddress,
		Details: map[string]interface{}{
			"reason":     reason,
			"risk_score": score,
		},
	}

	var auditID string
	var err error
	if o.regulated[req.ResourceType] {
		auditID, err = o.ledger.AppendRegulated(ctx, entry, &models.RegulatedDataEvent{
			DataAccessed:     false,
			DataCategories:   []string{req.ResourceType},
			AccessPurpose:    req.AccessPurpose,
			MinimumNecessary: false,
			Authorized:       false,
		})
	} else {
		auditID, err = o.ledger.Append(ctx, entry)
	}
	if err != nil {
		return nil, err
	}

	if assessment != nil {
		if _, err := o.risk.RecordAttempt(ctx, req.ActorID, req.Context, assessment, false, false); err != nil {
			return nil, err
		}
	}

	if riskLevel >= models.RiskCritical {
		o.reportIncident(ctx, auditID, req, score, reason)
	}

	metrics.AuthorizationsTotal.WithLabelValues(string(DecisionDeny), req.ResourceType).Inc()
	return &Decision{
		Kind:            DecisionDeny,
		Reason:          reason,
		RiskScore:       score,
		RequiredFactors: factors,
		AuditID:         auditID,
	}, nil
}

func (o *Orchestrator) challenge(ctx context.Context, req Request, assessment *risk.Assessment, satisfied, missing []models.AuthFactor) (*Decision, error) {
	token, err := o.issuer.IssueChallenge(req.ActorID, assessment.Score, satisfied)
	if err != nil {
		return nil, fmt.Errorf("failed to issue challenge token: %w", err)
	}

	auditID, err := o.recordOutcome(ctx, req, assessment, models.OutcomeWarning, "additional factors required")
	if err != nil {
		return nil, err
	}

	metrics.AuthorizationsTotal.WithLabelValues(string(DecisionRequireAdditionalFactor), req.ResourceType).Inc()
	return &Decision{
		Kind:            DecisionRequireAdditionalFactor,
		RiskScore:       assessment.Score,
		RequiredFactors: assessment.RequiredFactors,
		MissingFactors:  missing,
		ChallengeToken:  token,
		AuditID:         auditID,
	}, nil
}

func (o *Orchestrator) recordOutcome(ctx context.Context, req Request, assessment *risk.Assessment, outcome models.Outcome, reason string) (string, error) {
	details := map[string]interface{}{
		"risk_score":       assessment.Score,
		"required_factors": factorStrings(assessment.RequiredFactors),
	}
	if reason != "" {
		details["reason"] = reason
	}

	entry := ledger.Entry{
		Category:     categoryFor(req.Action),
		ActorID:      req.ActorID,
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		Action:       req.Action,
		Outcome:      outcome,
		RiskLevel:    riskLevelFor(assessment.Score),
		IPAddress:    req.Context.IPAddress,
		Details:      details,
	}

	if o.regulated[req.ResourceType] {
		return o.ledger.AppendRegulated(ctx, entry, &models.RegulatedDataEvent{
			DataAccessed:     outcome == models.OutcomeSuccess,
			DataCategories:   []string{req.ResourceType},
			AccessPurpose:    req.AccessPurpose,
			MinimumNecessary: req.AccessPurpose != "",
			Authorized:       outcome == models.OutcomeSuccess,
		})
	}
	return o.ledger.Append(ctx, entry)
}

func (o *Orchestrator) reportIncident(ctx context.Context, auditID string, req Request, score float64, reason string) {
	inc := &models.SecurityIncidentEvent{
		EventID:      auditID,
		ThreatLevel:  "high",
		AttackVector: reason,
		AnomalyScore: score,
	}
	if err := o.publisher.PublishIncident(inc); err != nil {
		o.logger.ErrorContext(ctx, "failed to publish security incident", "error", err)
	}
	if _, err := o.ledger.AppendIncident(ctx, ledger.Entry{
		Category:     models.CategorySystem,
		ActorID:      req.ActorID,
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		Action:       "incident_reported",
		Outcome:      models.OutcomeWarning,
		RiskLevel:    models.RiskCritical,
		IPAddress:    req.Context.IPAddress,
		Details:      map[string]interface{}{"reason": reason},
	}, inc); err != nil {
		o.logger.ErrorContext(ctx, "failed to record security incident", "error", err)
	}
}

// satisfiedFactors starts from the caller's primary credential and adds any
// factors carried by a valid challenge token for the same actor.
func (o *Orchestrator) satisfiedFactors(req Request) []models.AuthFactor {
	satisfied := []models.AuthFactor{models.FactorPassword}
	if req.ChallengeToken == "" {
		return satisfied
	}
	claims, err := o.issuer.ValidateChallenge(req.ChallengeToken)
	if err != nil || claims.ActorID != req.ActorID {
		return satisfied
	}
	for _, f := range claims.SatisfiedFactors {
		if !containsFactor(satisfied, f) {
			satisfied = append(satisfied, f)
		}
	}
	return satisfied
}

// VerifiedFactorToken exchanges a prior challenge token plus a newly
// verified factor for an upgraded token. Handlers call this after the MFA
// service confirms a code. Without a valid prior token the score is
// assessed fresh so the upgraded token never understates the risk.
func (o *Orchestrator) VerifiedFactorToken(ctx context.Context, actorID, prior string, factor models.AuthFactor, authCtx models.AuthContext) (string, error) {
	satisfied := []models.AuthFactor{models.FactorPassword}
	score := -1.0
	if prior != "" {
		if claims, err := o.issuer.ValidateChallenge(prior); err == nil && claims.ActorID == actorID {
			satisfied = claims.SatisfiedFactors
			score = claims.RiskScore
		}
	}
	if score < 0 {
		if authCtx.Timestamp.IsZero() {
			authCtx.Timestamp = time.Now().UTC()
		}
		assessment, err := o.risk.Assess(ctx, actorID, authCtx)
		if err != nil {
			return "", fmt.Errorf("risk assessment failed: %w", err)
		}
		score = assessment.Score
	}
	if !containsFactor(satisfied, factor) {
		satisfied = append(satisfied, factor)
	}
	return o.issuer.IssueChallenge(actorID, score, satisfied)
}

func missingFactors(required, satisfied []models.AuthFactor) []models.AuthFactor {
	var missing []models.AuthFactor
	for _, f := range required {
		if !containsFactor(satisfied, f) {
			missing = append(missing, f)
		}
	}
	return missing
}

func containsFactor(factors []models.AuthFactor, f models.AuthFactor) bool {
	for _, have := range factors {
		if have == f {
			return true
		}
	}
	return false
}

func factorStrings(factors []models.AuthFactor) []string {
	out := make([]string, 0, len(factors))
	for _, f := range factors {
		out = append(out, string(f))
	}
	return out
}

func categoryFor(action string) models.EventCategory {
	switch action {
	case "read", "list", "export":
		return models.CategoryDataAccess
	case "create", "update", "delete", "write":
		return models.CategoryDataModification
	default:
		return models.CategorySystem
	}
}

func riskLevelFor(score float64) int {
	switch {
	case score >= 0.8:
		return models.RiskCritical
	case score >= 0.6:
		return models.RiskHigh
	case score >= 0.3:
		return models.RiskModerate
	default:
		return models.RiskLow
	}
}
