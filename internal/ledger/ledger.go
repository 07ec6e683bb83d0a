// Package ledger implements the tamper-evident audit trail. Every event's
// hash covers the previous event's hash, so any retroactive edit breaks the
// chain from that point forward. Events are append-only; the only physical
// removal is retention pruning, which closes the chain segment first.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/caretrust-systems/securecore/internal/logging"
	"github.com/caretrust-systems/securecore/internal/metrics"
	"github.com/caretrust-systems/securecore/internal/models"
	"github.com/caretrust-systems/securecore/internal/repository"
)

var (
	ErrChainBroken   = errors.New("audit chain integrity violation")
	ErrAppendRetries = errors.New("audit append exhausted chain tip retries")
)

// appendRetries bounds the optimistic CAS loop on the chain tip. Contention
// past this is surfaced, not absorbed.
const appendRetries = 5

// RetentionWindow is how long events are kept before they become eligible
// for pruning.
const RetentionWindow = 7 * 365 * 24 * time.Hour

type Ledger struct {
	repo   repository.Repository
	logger *logging.Logger
}

func New(repo repository.Repository, logger *logging.Logger) *Ledger {
	return &Ledger{repo: repo, logger: logger}
}

// Entry is the caller-supplied portion of an audit event. Identity, hashes,
// and timestamps are assigned by the ledger.
type Entry struct {
	Category     models.EventCategory
	ActorID      string
	ResourceType string
	ResourceID   string
	Action       string
	Outcome      models.Outcome
	RiskLevel    int
	IPAddress    string
	Details      map[string]interface{}
}

// Append writes one event to the chain and returns its id. The chain tip is
// the single serialization point: the current tip is read, the next hash
// computed over it, and the commit succeeds only if the tip is unchanged.
// Conflicts retry with a fresh tip up to appendRetries times.
func (l *Ledger) Append(ctx context.Context, entry Entry) (string, error) {
	riskLevel := entry.RiskLevel
	if riskLevel < models.RiskLow || riskLevel > models.RiskCritical {
		riskLevel = models.RiskLow
	}

	for attempt := 0; attempt < appendRetries; attempt++ {
		tip, err := l.repo.ChainTip(ctx)
		if err != nil {
			return "", fmt.Errorf("failed to read chain tip: %w", err)
		}

		id, _ := uuid.NewV7()
		event := &models.AuditEvent{
			ID:           id.String(),
			Timestamp:    eventTimestamp(),
			Category:     entry.Category,
			ActorID:      entry.ActorID,
			ResourceType: entry.ResourceType,
			ResourceID:   entry.ResourceID,
			Action:       entry.Action,
			Outcome:      entry.Outcome,
			RiskLevel:    riskLevel,
			IPAddress:    entry.IPAddress,
			Details:      entry.Details,
			PrevHash:     tip,
		}
		event.Hash = chainHash(tip, event)

		err = l.repo.AppendEvent(ctx, event, tip)
		if err == nil {
			metrics.LedgerAppends.WithLabelValues(string(event.Category), string(event.Outcome)).Inc()
			return event.ID, nil
		}
		if !errors.Is(err, repository.ErrChainConflict) {
			// Append failures surface to the caller; an audit entry is
			// never silently dropped.
			return "", fmt.Errorf("failed to append audit event: %w", err)
		}
	}
	return "", ErrAppendRetries
}

// AppendRegulated writes the base event plus its regulated-data extension.
// The base event is authoritative; the extension references it by id.
func (l *Ledger) AppendRegulated(ctx context.Context, entry Entry, reg *models.RegulatedDataEvent) (string, error) {
	eventID, err := l.Append(ctx, entry)
	if err != nil {
		return "", err
	}

	reg.EventID = eventID
	reg.RecordedAt = time.Now().UTC()
	if err := l.repo.InsertRegulatedDataEvent(ctx, reg); err != nil {
		return eventID, fmt.Errorf("failed to record regulated data extension: %w", err)
	}
	return eventID, nil
}

// AppendIncident writes the base event plus a security incident extension.
func (l *Ledger) AppendIncident(ctx context.Context, entry Entry, inc *models.SecurityIncidentEvent) (string, error) {
	eventID, err := l.Append(ctx, entry)
	if err != nil {
		return "", err
	}

	inc.EventID = eventID
	inc.RecordedAt = time.Now().UTC()
	if err := l.repo.InsertIncidentEvent(ctx, inc); err != nil {
		return eventID, fmt.Errorf("failed to record incident extension: %w", err)
	}
	return eventID, nil
}

// RecordKeyEvent satisfies the key registry's audit trail hook.
func (l *Ledger) RecordKeyEvent(ctx context.Context, action, keyName string, details map[string]interface{}) error {
	_, err := l.Append(ctx, Entry{
		Category:     models.CategorySystem,
		ActorID:      "system",
		ResourceType: "encryption_key",
		ResourceID:   keyName,
		Action:       action,
		Outcome:      models.OutcomeSuccess,
		RiskLevel:    models.RiskModerate,
		Details:      details,
	})
	if err != nil {
		l.logger.ErrorContext(ctx, "failed to record key lifecycle event",
			"action", action, "key_name", keyName, "error", err)
	}
	return err
}

// VerifyIntegrity replays every persisted event from the oldest,
// recomputing every hash. Any divergence is evidence of tampering and is
// reported as-is, never corrected. Safe to run concurrently with appends:
// it reads a snapshot and verifies the prefix it saw.
func (l *Ledger) VerifyIntegrity(ctx context.Context) (*models.IntegrityReport, error) {
	events, err := l.repo.ListEventsAsc(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load events for verification: %w", err)
	}

	report := &models.IntegrityReport{
		Intact:     true,
		Checked:    len(events),
		VerifiedAt: time.Now().UTC(),
	}

	prev := ""
	for i, ev := range events {
		// Retention pruning deletes the predecessors of the oldest event
		// and of whatever follows a segment-close marker, so the stored
		// PrevHash reseeds the linkage at those points. The event's own
		// hash still covers its PrevHash, so payload tampering there is
		// caught by the recomputation below.
		if i == 0 || events[i-1].SegmentClosed {
			prev = ev.PrevHash
		}
		if ev.PrevHash != prev || chainHash(ev.PrevHash, ev) != ev.Hash {
			report.Intact = false
			report.BrokenAt = append(report.BrokenAt, ev.ID)
			metrics.IntegrityFailures.Inc()
			// Resynchronize on the stored hash so independent breaks
			// downstream are each reported once.
			prev = ev.Hash
			continue
		}
		prev = ev.Hash
	}

	if !report.Intact {
		l.logger.ErrorContext(ctx, "audit chain integrity violation detected",
			"broken_at", report.BrokenAt, "checked", report.Checked)
	}
	return report, nil
}

// ComplianceReport aggregates event counts, failure counts, and
// high-risk-event counts per category over a window. Pure read-side rollup.
func (l *Ledger) ComplianceReport(ctx context.Context, start, end time.Time) (*models.ComplianceReport, error) {
	events, err := l.repo.ListEvents(ctx, models.AuditFilter{Start: &start, End: &end})
	if err != nil {
		return nil, fmt.Errorf("failed to load events for report: %w", err)
	}

	report := &models.ComplianceReport{
		Start:         start,
		End:           end,
		TotalEvents:   len(events),
		ByCategory:    make(map[models.EventCategory]int),
		FailuresByCat: make(map[models.EventCategory]int),
		HighRiskByCat: make(map[models.EventCategory]int),
		GeneratedAt:   time.Now().UTC(),
	}

	for _, ev := range events {
		report.ByCategory[ev.Category]++
		if ev.Outcome == models.OutcomeFailure {
			report.FailuresByCat[ev.Category]++
		}
		if ev.RiskLevel >= models.RiskHigh {
			report.HighRiskByCat[ev.Category]++
		}
	}
	return report, nil
}

// PruneBefore removes events older than cutoff. A segment-close marker is
// appended first so the remaining chain stays verifiable from the marker.
func (l *Ledger) PruneBefore(ctx context.Context, cutoff time.Time) (int, error) {
	for attempt := 0; attempt < appendRetries; attempt++ {
		tip, err := l.repo.ChainTip(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to read chain tip: %w", err)
		}

		id, _ := uuid.NewV7()
		marker := &models.AuditEvent{
			ID:            id.String(),
			Timestamp:     eventTimestamp(),
			Category:      models.CategorySystem,
			ActorID:       "system",
			ResourceType:  "audit_chain",
			Action:        "segment_close",
			Outcome:       models.OutcomeSuccess,
			RiskLevel:     models.RiskModerate,
			Details:       map[string]interface{}{"cutoff": cutoff.Format(time.RFC3339)},
			PrevHash:      tip,
			SegmentClosed: true,
		}
		marker.Hash = chainHash(tip, marker)

		err = l.repo.AppendEvent(ctx, marker, tip)
		if err == nil {
			return l.repo.DeleteEventsBefore(ctx, cutoff)
		}
		if !errors.Is(err, repository.ErrChainConflict) {
			return 0, fmt.Errorf("failed to append segment close marker: %w", err)
		}
	}
	return 0, ErrAppendRetries
}

// eventTimestamp stamps events at the precision storage round-trips.
// Postgres timestamptz keeps microseconds; hashing anything finer would
// make every re-read event fail verification.
func eventTimestamp() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// chainEnvelope fixes the canonical field order for hashing. Details maps
// are encoded with sorted keys by encoding/json, so the encoding is stable.
type chainEnvelope struct {
	ID            string                 `json:"id"`
	Timestamp     string                 `json:"timestamp"`
	Category      models.EventCategory   `json:"category"`
	ActorID       string                 `json:"actor_id"`
	ResourceType  string                 `json:"resource_type"`
	ResourceID    string                 `json:"resource_id"`
	Action        string                 `json:"action"`
	Outcome       models.Outcome         `json:"outcome"`
	RiskLevel     int                    `json:"risk_level"`
	IPAddress     string                 `json:"ip_address"`
	Details       map[string]interface{} `json:"details"`
	SegmentClosed bool                   `json:"segment_closed"`
}

func chainHash(prevHash string, ev *models.AuditEvent) string {
	canonical, err := json.Marshal(chainEnvelope{
		ID:            ev.ID,
		Timestamp:     ev.Timestamp.UTC().Format(time.RFC3339Nano),
		Category:      ev.Category,
		ActorID:       ev.ActorID,
		ResourceType:  ev.ResourceType,
		ResourceID:    ev.ResourceID,
		Action:        ev.Action,
		Outcome:       ev.Outcome,
		RiskLevel:     ev.RiskLevel,
		IPAddress:     ev.IPAddress,
		Details:       ev.Details,
		SegmentClosed: ev.SegmentClosed,
	})
	if err != nil {
		// Details values are plain JSON types; marshal cannot fail for
		// events the ledger itself constructs.
		canonical = []byte(ev.ID)
	}

	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}
