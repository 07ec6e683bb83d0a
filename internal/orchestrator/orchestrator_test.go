package orchestrator

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caretrust-systems/securecore/internal/fieldcrypt"
	"github.com/caretrust-systems/securecore/internal/keyring"
	"github.com/caretrust-systems/securecore/internal/ledger"
	"github.com/caretrust-systems/securecore/internal/mfa"
	"github.com/caretrust-systems/securecore/internal/logging"
	"github.com/caretrust-systems/securecore/internal/models"
	"github.com/caretrust-systems/securecore/internal/notify"
	"github.com/caretrust-systems/securecore/internal/ratelimit"
	"github.com/caretrust-systems/securecore/internal/repository"
	"github.com/caretrust-systems/securecore/internal/risk"
	"github.com/caretrust-systems/securecore/internal/tokens"
)

var testLocation = models.GeoPoint{Latitude: 42.3601, Longitude: -71.0589}

type fixture struct {
	orch   *Orchestrator
	ledger *ledger.Ledger
	repo   *repository.InMemoryRepository
	issuer *tokens.Issuer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := repository.NewInMemoryRepository()
	logger := logging.New(slog.LevelError, "json")

	auditLedger := ledger.New(repo, logger)
	registry, err := keyring.NewRegistry(repo, "orchestrator-test-secret", auditLedger)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = registry.CreateKey(ctx, "phi-data", models.PurposePHI)
	require.NoError(t, err)
	require.NoError(t, repo.UpsertRule(ctx, &models.ClassificationRule{
		ID:           "rule-ssn",
		ResourceType: "patient_record",
		FieldName:    "ssn",
		Purpose:      models.PurposePHI,
		Mode:         models.ModeDeterministic,
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	}))

	issuer := tokens.NewIssuer("challenge-test-secret", 5*time.Minute)
	orch := New(
		risk.NewEngine(repo),
		auditLedger,
		fieldcrypt.NewRouter(repo, registry, logger),
		issuer,
		&ratelimit.NoOpRateLimiter{},
		notify.NoOpPublisher{},
		logger,
		[]string{"patient_record"},
	)
	return &fixture{orch: orch, ledger: auditLedger, repo: repo, issuer: issuer}
}

// trustActor gives the actor a baseline matching the given context so the
// next assessment scores at the known-actor floor.
func (f *fixture) trustActor(t *testing.T, actorID string, authCtx models.AuthContext) {
	t.Helper()
	require.NoError(t, f.repo.SaveRiskProfile(context.Background(), &models.RiskProfile{
		ActorID:        actorID,
		KnownLocations: []models.GeoPoint{*authCtx.Location},
		KnownDevices:   []string{authCtx.DeviceFingerprint},
		UsualHours:     []int{authCtx.Timestamp.Hour()},
	}))
}

func trustedContext() models.AuthContext {
	return models.AuthContext{
		IPAddress:         "10.0.0.1",
		DeviceFingerprint: "device-abc",
		Location:          &testLocation,
		Timestamp:         time.Now().UTC(),
	}
}

func TestAuthorize_LowRiskAllow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	authCtx := trustedContext()
	f.trustActor(t, "dr.smith", authCtx)

	decision, err := f.orch.AuthorizeAndRecord(ctx, Request{
		ActorID:       "dr.smith",
		ResourceType:  "patient_record",
		ResourceID:    "rec-001",
		Action:        "read",
		Payload:       map[string]string{"ssn": "123-45-6789", "room": "204B"},
		Context:       authCtx,
		AccessPurpose: "treatment",
	})
	require.NoError(t, err)

	assert.Equal(t, DecisionAllow, decision.Kind)
	assert.InDelta(t, 0.1, decision.RiskScore, 1e-9)
	assert.NotEmpty(t, decision.AuditID)

	// Classified fields come back encrypted, unclassified ones untouched.
	assert.True(t, fieldcrypt.IsEnvelope(decision.Payload["ssn"]))
	assert.Equal(t, "204B", decision.Payload["room"])

	report, err := f.ledger.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, report.Intact)
}

func TestAuthorize_UnknownActorChallenged(t *testing.T) {
	f := newFixture(t)

	decision, err := f.orch.AuthorizeAndRecord(context.Background(), Request{
		ActorID:      "new.actor",
		ResourceType: "patient_record",
		ResourceID:   "rec-001",
		Action:       "read",
		Context:      trustedContext(),
	})
	require.NoError(t, err)

	assert.Equal(t, DecisionRequireAdditionalFactor, decision.Kind)
	assert.NotEmpty(t, decision.ChallengeToken)
	assert.Contains(t, decision.MissingFactors, models.FactorMFA)
	assert.Contains(t, decision.MissingFactors, models.FactorAdditionalVerification)
	assert.Empty(t, decision.Payload, "no data is released on a challenge")
}

func TestAuthorize_StepUpCompletesChallenge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	authCtx := trustedContext()

	req := Request{
		ActorID:      "new.actor",
		ResourceType: "patient_record",
		ResourceID:   "rec-001",
		Action:       "read",
		Payload:      map[string]string{"ssn": "123-45-6789"},
		Context:      authCtx,
	}

	first, err := f.orch.AuthorizeAndRecord(ctx, req)
	require.NoError(t, err)
	require.Equal(t, DecisionRequireAdditionalFactor, first.Kind)

	// Satisfy the missing factors one at a time, upgrading the token.
	token := first.ChallengeToken
	token, err = f.orch.VerifiedFactorToken(ctx, "new.actor", token, models.FactorMFA, authCtx)
	require.NoError(t, err)
	token, err = f.orch.VerifiedFactorToken(ctx, "new.actor", token, models.FactorAdditionalVerification, authCtx)
	require.NoError(t, err)

	req.ChallengeToken = token
	second, err := f.orch.AuthorizeAndRecord(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, DecisionAllow, second.Kind)
	assert.True(t, fieldcrypt.IsEnvelope(second.Payload["ssn"]))
}

func TestAuthorize_IgnoresTokenForOtherActor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	token, err := f.issuer.IssueChallenge("someone.else", 0.65,
		[]models.AuthFactor{models.FactorPassword, models.FactorMFA, models.FactorAdditionalVerification})
	require.NoError(t, err)

	decision, err := f.orch.AuthorizeAndRecord(ctx, Request{
		ActorID:        "new.actor",
		ResourceType:   "patient_record",
		Action:         "read",
		Context:        trustedContext(),
		ChallengeToken: token,
	})
	require.NoError(t, err)
	assert.Equal(t, DecisionRequireAdditionalFactor, decision.Kind,
		"a token bound to another actor satisfies nothing")
}

func TestAuthorize_HighRiskRegulatedDenied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Recent failures push an unknown actor past the critical threshold.
	for i := 0; i < 3; i++ {
		require.NoError(t, f.repo.InsertAuthAttempt(ctx, &models.AuthAttempt{
			ID:        "prior-failure",
			ActorID:   "intruder",
			Success:   false,
			CreatedAt: now.Add(-5 * time.Minute),
		}))
	}

	decision, err := f.orch.AuthorizeAndRecord(ctx, Request{
		ActorID:      "intruder",
		ResourceType: "patient_record",
		ResourceID:   "rec-001",
		Action:       "export",
		Context: models.AuthContext{
			IPAddress:         "203.0.113.50",
			DeviceFingerprint: "device-unknown",
			Timestamp:         now,
		},
	})
	require.NoError(t, err)

	assert.Equal(t, DecisionDeny, decision.Kind)
	assert.Empty(t, decision.ChallengeToken, "critical-risk regulated access is never downgraded to a challenge")
	assert.GreaterOrEqual(t, decision.RiskScore, 0.8)

	// The denial and the incident both reach the ledger.
	report, err := f.ledger.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, report.Intact)
	assert.GreaterOrEqual(t, report.Checked, 2)
}

func TestAuthorize_RateLimited(t *testing.T) {
	f := newFixture(t)
	f.orch.limiter = denyAllLimiter{}

	decision, err := f.orch.AuthorizeAndRecord(context.Background(), Request{
		ActorID:      "dr.smith",
		ResourceType: "appointment",
		Action:       "read",
		Context:      trustedContext(),
	})
	require.NoError(t, err)
	assert.Equal(t, DecisionDeny, decision.Kind)
	assert.Equal(t, "rate limit exceeded", decision.Reason)
}

type denyAllLimiter struct{}

func (denyAllLimiter) Allow(ctx context.Context, tier, actorID string) (bool, error) {
	return false, nil
}

func (denyAllLimiter) Close() error { return nil }

func TestAbandonChallenge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.orch.AbandonChallenge(ctx, "new.actor", trustedContext()))

	events, err := f.repo.ListEvents(ctx, models.AuditFilter{ActorID: "new.actor"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "challenge_abandoned", events[0].Action)
	assert.Equal(t, models.OutcomeWarning, events[0].Outcome)

	attempts, err := f.repo.CountFailedAttempts(ctx, "new.actor", time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, attempts, "abandoned challenges count as failed attempts")
}

func TestVerifiedFactorToken_WithoutPrior_AssessesRisk(t *testing.T) {
	f := newFixture(t)

	token, err := f.orch.VerifiedFactorToken(context.Background(), "dr.smith", "", models.FactorMFA, trustedContext())
	require.NoError(t, err)

	claims, err := f.issuer.ValidateChallenge(token)
	require.NoError(t, err)
	assert.Equal(t, "dr.smith", claims.ActorID)
	assert.ElementsMatch(t, []models.AuthFactor{models.FactorPassword, models.FactorMFA}, claims.SatisfiedFactors)
	// No prior token means the score is assessed, not defaulted: dr.smith
	// has no profile here, so the unknown-actor floor plus new location and
	// device applies.
	assert.InDelta(t, 0.65, claims.RiskScore, 1e-9)
}

func TestVerifiedFactorToken_PriorCarriesScore(t *testing.T) {
	f := newFixture(t)

	prior, err := f.issuer.IssueChallenge("dr.smith", 0.4, []models.AuthFactor{models.FactorPassword})
	require.NoError(t, err)

	token, err := f.orch.VerifiedFactorToken(context.Background(), "dr.smith", prior, models.FactorMFA, trustedContext())
	require.NoError(t, err)

	claims, err := f.issuer.ValidateChallenge(token)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, claims.RiskScore, 1e-9)
}

// TestAuthorize_StepUpFlowEndToEnd walks one suspicious request through the
// whole stack: scoring, the challenge, a real TOTP verification, the token
// upgrades, the final grant, and the audit trail it leaves.
func TestAuthorize_StepUpFlowEndToEnd(t *testing.T) {
	f := newFixture(t)
	mfaService := mfa.NewService(f.repo)
	ctx := context.Background()
	now := time.Now().UTC()

	// Unknown actor with one recent failure, connecting from a device and
	// location never seen before.
	require.NoError(t, f.repo.InsertAuthAttempt(ctx, &models.AuthAttempt{
		ID:        "prior-failure",
		ActorID:   "locum.doctor",
		Success:   false,
		CreatedAt: now.Add(-10 * time.Minute),
	}))
	authCtx := models.AuthContext{
		IPAddress:         "198.51.100.7",
		DeviceFingerprint: "device-loaner",
		Location:          &models.GeoPoint{Latitude: 39.7392, Longitude: -104.9903},
		Timestamp:         now,
	}

	req := Request{
		ActorID:       "locum.doctor",
		ResourceType:  "patient_record",
		ResourceID:    "rec-077",
		Action:        "read",
		Payload:       map[string]string{"ssn": "987-65-4321"},
		Context:       authCtx,
		AccessPurpose: "treatment",
	}

	first, err := f.orch.AuthorizeAndRecord(ctx, req)
	require.NoError(t, err)
	require.Equal(t, DecisionRequireAdditionalFactor, first.Kind)
	assert.InDelta(t, 0.75, first.RiskScore, 1e-9)
	assert.ElementsMatch(t, []models.AuthFactor{
		models.FactorPassword, models.FactorMFA, models.FactorAdditionalVerification,
	}, first.RequiredFactors)
	assert.ElementsMatch(t, []models.AuthFactor{
		models.FactorMFA, models.FactorAdditionalVerification,
	}, first.MissingFactors)

	// Enroll and verify TOTP with a code generated one step in the past;
	// the drift window accepts it.
	_, err = mfaService.EnrollTOTP(ctx, "locum.doctor")
	require.NoError(t, err)
	cred, err := f.repo.GetCredential(ctx, "locum.doctor", models.MethodTOTP)
	require.NoError(t, err)
	code, err := totp.GenerateCode(cred.TOTPSecret, now.Add(-30*time.Second))
	require.NoError(t, err)
	require.NoError(t, mfaService.VerifyTOTP(ctx, "locum.doctor", code))

	token := first.ChallengeToken
	token, err = f.orch.VerifiedFactorToken(ctx, "locum.doctor", token, models.FactorMFA, authCtx)
	require.NoError(t, err)
	token, err = f.orch.VerifiedFactorToken(ctx, "locum.doctor", token, models.FactorAdditionalVerification, authCtx)
	require.NoError(t, err)

	req.ChallengeToken = token
	second, err := f.orch.AuthorizeAndRecord(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, DecisionAllow, second.Kind)
	assert.InDelta(t, 0.75, second.RiskScore, 1e-9)
	assert.True(t, fieldcrypt.IsEnvelope(second.Payload["ssn"]))

	// Both the challenge and the grant are on the chain, and it verifies.
	report, err := f.ledger.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, report.Intact)
	assert.GreaterOrEqual(t, report.Checked, 2)
}

func TestCategoryFor(t *testing.T) {
	assert.Equal(t, models.CategoryDataAccess, categoryFor("read"))
	assert.Equal(t, models.CategoryDataAccess, categoryFor("export"))
	assert.Equal(t, models.CategoryDataModification, categoryFor("update"))
	assert.Equal(t, models.CategorySystem, categoryFor("rotate"))
}
