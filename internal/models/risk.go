package models

import "time"

// GeoPoint is a latitude/longitude pair from request geolocation.
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// AuthContext is the request-side context an authentication attempt arrives
// with. Collected before any scoring happens.
type AuthContext struct {
	IPAddress         string    `json:"ip_address"`
	DeviceFingerprint string    `json:"device_fingerprint"`
	Location          *GeoPoint `json:"location,omitempty"`
	UserAgent         string    `json:"user_agent,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// RiskProfile is the per-actor behavioral baseline. It accretes after every
// attempt and is never deleted while the actor stays active.
type RiskProfile struct {
	ActorID        string     `json:"actor_id"`
	KnownLocations []GeoPoint `json:"known_locations"`
	KnownDevices   []string   `json:"known_devices"`
	UsualHours     []int      `json:"usual_hours"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// KnowsDevice reports whether the fingerprint has been seen before.
func (p *RiskProfile) KnowsDevice(fingerprint string) bool {
	for _, d := range p.KnownDevices {
		if d == fingerprint {
			return true
		}
	}
	return false
}

// InUsualHours reports whether hour (0-23) falls inside the actor's
// established activity hours.
func (p *RiskProfile) InUsualHours(hour int) bool {
	for _, h := range p.UsualHours {
		if h == hour {
			return true
		}
	}
	return false
}

type AuthFactor string

const (
	FactorPassword               AuthFactor = "password"
	FactorMFA                    AuthFactor = "mfa"
	FactorAdditionalVerification AuthFactor = "additional_verification"
	FactorWebAuthn               AuthFactor = "webauthn"
	FactorManualApproval         AuthFactor = "manual_approval"
)

// AuthAttempt records one authentication event, successful or not. Feeds
// back into the actor's RiskProfile.
type AuthAttempt struct {
	ID              string       `json:"id"`
	ActorID         string       `json:"actor_id"`
	Success         bool         `json:"success"`
	Abandoned       bool         `json:"abandoned"`
	Context         AuthContext  `json:"context"`
	RiskScore       float64      `json:"risk_score"`
	RequiredFactors []AuthFactor `json:"required_factors"`
	CreatedAt       time.Time    `json:"created_at"`
}
