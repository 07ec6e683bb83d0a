// Package tokens issues and validates step-up challenge tokens. When an
// operation requires additional factors, the orchestrator hands the caller
// a short-lived token binding the actor, the computed risk score, and the
// factors already satisfied; the client presents it when retrying.
package tokens

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/caretrust-systems/securecore/internal/models"
)

var ErrInvalidToken = errors.New("invalid challenge token")

type ChallengeClaims struct {
	ActorID          string              `json:"actor_id"`
	RiskScore        float64             `json:"risk_score"`
	SatisfiedFactors []models.AuthFactor `json:"satisfied_factors"`
	jwt.RegisteredClaims
}

type Issuer struct {
	secret []byte
	ttl    time.Duration
}

func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl}
}

// IssueChallenge creates a step-up token for an actor mid-escalation.
func (i *Issuer) IssueChallenge(actorID string, riskScore float64, satisfied []models.AuthFactor) (string, error) {
	now := time.Now()
	claims := ChallengeClaims{
		ActorID:          actorID,
		RiskScore:        riskScore,
		SatisfiedFactors: satisfied,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "securecore",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// ValidateChallenge parses and verifies a step-up token.
func (i *Issuer) ValidateChallenge(tokenString string) (*ChallengeClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &ChallengeClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return i.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*ChallengeClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
