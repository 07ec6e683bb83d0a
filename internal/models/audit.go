package models

import "time"

type EventCategory string

const (
	CategoryAuthentication   EventCategory = "authentication"
	CategoryDataAccess       EventCategory = "data_access"
	CategoryDataModification EventCategory = "data_modification"
	CategorySystem           EventCategory = "system"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeWarning Outcome = "warning"
)

// Risk levels for audit events, 1 (routine) through 4 (critical).
const (
	RiskLow      = 1
	RiskModerate = 2
	RiskHigh     = 3
	RiskCritical = 4
)

// AuditEvent is an immutable, hash-chained ledger entry. Once appended it is
// never updated or deleted; physical pruning happens only past the retention
// window and must close the chain segment first.
type AuditEvent struct {
	ID           string                 `json:"id"`
	Timestamp    time.Time              `json:"timestamp"`
	Category     EventCategory          `json:"category"`
	ActorID      string                 `json:"actor_id"`
	ResourceType string                 `json:"resource_type"`
	ResourceID   string                 `json:"resource_id,omitempty"`
	Action       string                 `json:"action"`
	Outcome      Outcome                `json:"outcome"`
	RiskLevel    int                    `json:"risk_level"`
	IPAddress    string                 `json:"ip_address,omitempty"`
	Details      map[string]interface{} `json:"details,omitempty"`

	// PrevHash and Hash form the chain. Hash covers the canonical encoding
	// of every field above plus PrevHash.
	PrevHash string `json:"prev_hash"`
	Hash     string `json:"hash"`

	// SegmentClosed marks a retention-pruning boundary: events older than
	// this marker were physically removed and the chain restarts here.
	SegmentClosed bool `json:"segment_closed,omitempty"`
}

// RegulatedDataEvent records regulated-data handling detail for an audit
// event. Linked to the base event by EventID.
type RegulatedDataEvent struct {
	EventID          string    `json:"event_id"`
	DataAccessed     bool      `json:"data_accessed"`
	DataCategories   []string  `json:"data_categories"`
	AccessPurpose    string    `json:"access_purpose"`
	MinimumNecessary bool      `json:"minimum_necessary"`
	Authorized       bool      `json:"authorized"`
	RecordedAt       time.Time `json:"recorded_at"`
}

// SecurityIncidentEvent captures incident context for a high-risk audit
// event, linked by EventID.
type SecurityIncidentEvent struct {
	EventID      string    `json:"event_id"`
	ThreatLevel  string    `json:"threat_level"`
	AttackVector string    `json:"attack_vector,omitempty"`
	AnomalyScore float64   `json:"anomaly_score"`
	Remediation  []string  `json:"remediation,omitempty"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// IntegrityReport is the result of a full chain verification pass.
type IntegrityReport struct {
	Intact     bool      `json:"intact"`
	Checked    int       `json:"checked"`
	BrokenAt   []string  `json:"broken_at,omitempty"`
	VerifiedAt time.Time `json:"verified_at"`
}

// ComplianceReport aggregates ledger activity over a window. Read-only
// rollup, no side effects.
type ComplianceReport struct {
	Start         time.Time             `json:"start"`
	End           time.Time             `json:"end"`
	TotalEvents   int                   `json:"total_events"`
	ByCategory    map[EventCategory]int `json:"by_category"`
	FailuresByCat map[EventCategory]int `json:"failures_by_category"`
	HighRiskByCat map[EventCategory]int `json:"high_risk_by_category"`
	GeneratedAt   time.Time             `json:"generated_at"`
}

// AuditFilter narrows ledger reads for reporting and review.
type AuditFilter struct {
	Category *EventCategory
	ActorID  string
	Start    *time.Time
	End      *time.Time
	Limit    int
}
