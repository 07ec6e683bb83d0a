// Package risk computes adaptive authentication risk from request context
// and an actor's behavioral baseline, and derives the factor set a given
// score demands.
package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/caretrust-systems/securecore/internal/metrics"
	"github.com/caretrust-systems/securecore/internal/models"
	"github.com/caretrust-systems/securecore/internal/repository"
)

// Scoring weights. The score starts at baseUnknown for actors with no
// profile and accumulates penalties, clamped to [0,1].
const (
	baseKnown   = 0.1
	baseUnknown = 0.3

	penaltyNewLocation  = 0.2
	penaltyNewDevice    = 0.15
	penaltyOddHours     = 0.1
	penaltyPerFailure   = 0.1
	failurePenaltyCap   = 0.3
	failureWindow       = time.Hour
	locationThresholdKm = 100.0
)

// Factor escalation thresholds. Boundaries are inclusive on the higher
// tier: a score of exactly 0.3 already requires MFA.
const (
	thresholdMFA      = 0.3
	thresholdExtra    = 0.6
	thresholdWebAuthn = 0.8
)

type Engine struct {
	repo repository.Repository
}

func NewEngine(repo repository.Repository) *Engine {
	return &Engine{repo: repo}
}

// Assessment is the outcome of scoring one authentication context.
type Assessment struct {
	ActorID         string              `json:"actor_id"`
	Score           float64             `json:"score"`
	RequiredFactors []models.AuthFactor `json:"required_factors"`
	RecentFailures  int                 `json:"recent_failures"`
	KnownActor      bool                `json:"known_actor"`
}

// Assess scores the context against the actor's baseline. Profile reads
// tolerate staleness (a missing or stale profile only makes the score more
// conservative); the trailing-hour failure count is read fresh.
func (e *Engine) Assess(ctx context.Context, actorID string, authCtx models.AuthContext) (*Assessment, error) {
	profile, err := e.repo.GetRiskProfile(ctx, actorID)
	known := err == nil
	if err != nil && !errors.Is(err, repository.ErrProfileNotFound) {
		return nil, fmt.Errorf("failed to load risk profile: %w", err)
	}

	failures, err := e.repo.CountFailedAttempts(ctx, actorID, authCtx.Timestamp.Add(-failureWindow))
	if err != nil {
		return nil, fmt.Errorf("failed to count recent failures: %w", err)
	}

	score := ComputeScore(profile, known, authCtx, failures)
	metrics.RiskScores.Observe(score)

	return &Assessment{
		ActorID:         actorID,
		Score:           score,
		RequiredFactors: RequiredFactors(score),
		RecentFailures:  failures,
		KnownActor:      known,
	}, nil
}

// ComputeScore is the pure scoring function. Holding everything else fixed
// it is monotonically non-decreasing in the failure count.
func ComputeScore(profile *models.RiskProfile, known bool, authCtx models.AuthContext, recentFailures int) float64 {
	score := baseUnknown
	if known {
		score = baseKnown
	}

	if !locationKnown(profile, authCtx.Location) {
		score += penaltyNewLocation
	}
	if profile == nil || !profile.KnowsDevice(authCtx.DeviceFingerprint) {
		score += penaltyNewDevice
	}
	// Odd-hours penalty applies only once a baseline of usual hours exists.
	if profile != nil && len(profile.UsualHours) > 0 && !profile.InUsualHours(authCtx.Timestamp.Hour()) {
		score += penaltyOddHours
	}

	failurePenalty := penaltyPerFailure * float64(recentFailures)
	if failurePenalty > failurePenaltyCap {
		failurePenalty = failurePenaltyCap
	}
	score += failurePenalty

	return math.Min(1, math.Max(0, score))
}

// RequiredFactors derives the cumulative factor list for a score.
func RequiredFactors(score float64) []models.AuthFactor {
	factors := []models.AuthFactor{models.FactorPassword}
	if score >= thresholdMFA {
		factors = append(factors, models.FactorMFA)
	}
	if score >= thresholdExtra {
		factors = append(factors, models.FactorAdditionalVerification)
	}
	if score >= thresholdWebAuthn {
		factors = append(factors, models.FactorWebAuthn, models.FactorManualApproval)
	}
	return factors
}

// RecordAttempt durably persists the attempt, then folds its context into
// the actor's baseline. Successful attempts teach the profile; failures
// only feed the trailing failure count.
func (e *Engine) RecordAttempt(ctx context.Context, actorID string, authCtx models.AuthContext, assessment *Assessment, success, abandoned bool) (*models.AuthAttempt, error) {
	id, _ := uuid.NewV7()
	attempt := &models.AuthAttempt{
		ID:              id.String(),
		ActorID:         actorID,
		Success:         success,
		Abandoned:       abandoned,
		Context:         authCtx,
		RiskScore:       assessment.Score,
		RequiredFactors: assessment.RequiredFactors,
		CreatedAt:       time.Now().UTC(),
	}
	if err := e.repo.InsertAuthAttempt(ctx, attempt); err != nil {
		return nil, fmt.Errorf("failed to persist auth attempt: %w", err)
	}

	if success {
		if err := e.learn(ctx, actorID, authCtx); err != nil {
			return nil, err
		}
	}
	return attempt, nil
}

func (e *Engine) learn(ctx context.Context, actorID string, authCtx models.AuthContext) error {
	profile, err := e.repo.GetRiskProfile(ctx, actorID)
	if errors.Is(err, repository.ErrProfileNotFound) {
		profile = &models.RiskProfile{ActorID: actorID}
	} else if err != nil {
		return fmt.Errorf("failed to load risk profile: %w", err)
	}

	if authCtx.Location != nil && !locationKnown(profile, authCtx.Location) {
		profile.KnownLocations = append(profile.KnownLocations, *authCtx.Location)
	}
	if authCtx.DeviceFingerprint != "" && !profile.KnowsDevice(authCtx.DeviceFingerprint) {
		profile.KnownDevices = append(profile.KnownDevices, authCtx.DeviceFingerprint)
	}
	if !profile.InUsualHours(authCtx.Timestamp.Hour()) {
		profile.UsualHours = append(profile.UsualHours, authCtx.Timestamp.Hour())
	}
	profile.UpdatedAt = time.Now().UTC()

	if err := e.repo.SaveRiskProfile(ctx, profile); err != nil {
		return fmt.Errorf("failed to save risk profile: %w", err)
	}
	return nil
}

func locationKnown(profile *models.RiskProfile, loc *models.GeoPoint) bool {
	if profile == nil || loc == nil {
		return false
	}
	for _, known := range profile.KnownLocations {
		if haversineKm(known, *loc) <= locationThresholdKm {
			return true
		}
	}
	return false
}

// haversineKm is the great-circle distance between two points in km.
func haversineKm(a, b models.GeoPoint) float64 {
	const earthRadiusKm = 6371.0

	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}
