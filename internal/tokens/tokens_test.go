package tokens

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caretrust-systems/securecore/internal/models"
)

func TestIssueValidateRoundTrip(t *testing.T) {
	issuer := NewIssuer("challenge-secret", 5*time.Minute)

	satisfied := []models.AuthFactor{models.FactorPassword, models.FactorMFA}
	token, err := issuer.IssueChallenge("dr.smith", 0.65, satisfied)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := issuer.ValidateChallenge(token)
	require.NoError(t, err)
	assert.Equal(t, "dr.smith", claims.ActorID)
	assert.InDelta(t, 0.65, claims.RiskScore, 1e-9)
	assert.Equal(t, satisfied, claims.SatisfiedFactors)
	assert.Equal(t, "securecore", claims.Issuer)
}

func TestValidateChallenge_WrongSecret(t *testing.T) {
	issuer := NewIssuer("challenge-secret", 5*time.Minute)
	token, err := issuer.IssueChallenge("dr.smith", 0.4, []models.AuthFactor{models.FactorPassword})
	require.NoError(t, err)

	other := NewIssuer("a-different-secret", 5*time.Minute)
	_, err = other.ValidateChallenge(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateChallenge_Expired(t *testing.T) {
	issuer := NewIssuer("challenge-secret", -time.Minute)
	token, err := issuer.IssueChallenge("dr.smith", 0.4, []models.AuthFactor{models.FactorPassword})
	require.NoError(t, err)

	_, err = issuer.ValidateChallenge(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateChallenge_Garbage(t *testing.T) {
	issuer := NewIssuer("challenge-secret", 5*time.Minute)

	for _, token := range []string{"", "not-a-jwt", "aaa.bbb.ccc"} {
		_, err := issuer.ValidateChallenge(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	}
}
