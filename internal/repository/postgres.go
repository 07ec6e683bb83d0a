package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caretrust-systems/securecore/internal/models"
)

const queryTimeout = 5 * time.Second

type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(ctx context.Context, connString string) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 5
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresRepository{pool: pool}, nil
}

func (r *PostgresRepository) Close() {
	r.pool.Close()
}

func (r *PostgresRepository) InsertKey(ctx context.Context, key *models.EncryptionKey) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		INSERT INTO encryption_keys (id, name, purpose, algorithm, version, wrapped_material, active, created_at, expires_at, rotation_period_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := r.pool.Exec(ctx, query,
		key.ID, key.Name, string(key.Purpose), key.Algorithm, key.Version,
		key.WrappedMaterial, key.Active, key.CreatedAt, key.ExpiresAt,
		int64(key.RotationPeriod.Seconds()),
	)
	if err != nil {
		return fmt.Errorf("failed to insert key: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetKeyByName(ctx context.Context, name string) (*models.EncryptionKey, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		SELECT id, name, purpose, algorithm, version, wrapped_material, active, created_at, expires_at, rotation_period_seconds
		FROM encryption_keys
		WHERE name = $1
		ORDER BY version DESC
		LIMIT 1
	`

	return r.scanKey(r.pool.QueryRow(ctx, query, name))
}

func (r *PostgresRepository) GetKeyVersion(ctx context.Context, name string, version int) (*models.EncryptionKey, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		SELECT id, name, purpose, algorithm, version, wrapped_material, active, created_at, expires_at, rotation_period_seconds
		FROM encryption_keys
		WHERE name = $1 AND version = $2
	`

	return r.scanKey(r.pool.QueryRow(ctx, query, name, version))
}

func (r *PostgresRepository) GetActiveKeyByPurpose(ctx context.Context, purpose models.KeyPurpose) (*models.EncryptionKey, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		SELECT id, name, purpose, algorithm, version, wrapped_material, active, created_at, expires_at, rotation_period_seconds
		FROM encryption_keys
		WHERE purpose = $1 AND active = true
		ORDER BY version DESC
		LIMIT 1
	`

	return r.scanKey(r.pool.QueryRow(ctx, query, string(purpose)))
}

func (r *PostgresRepository) scanKey(row pgx.Row) (*models.EncryptionKey, error) {
	var key models.EncryptionKey
	var purpose string
	var rotationSeconds int64

	err := row.Scan(
		&key.ID, &key.Name, &purpose, &key.Algorithm, &key.Version,
		&key.WrappedMaterial, &key.Active, &key.CreatedAt, &key.ExpiresAt,
		&rotationSeconds,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to get key: %w", err)
	}

	key.Purpose = models.KeyPurpose(purpose)
	key.RotationPeriod = time.Duration(rotationSeconds) * time.Second
	return &key, nil
}

func (r *PostgresRepository) DeactivateKey(ctx context.Context, name string, version int) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `UPDATE encryption_keys SET active = false WHERE name = $1 AND version = $2`

	result, err := r.pool.Exec(ctx, query, name, version)
	if err != nil {
		return fmt.Errorf("failed to deactivate key: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrKeyNotFound
	}
	return nil
}

func (r *PostgresRepository) UpsertRule(ctx context.Context, rule *models.ClassificationRule) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		INSERT INTO classification_rules (id, resource_type, field_name, purpose, mode, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (resource_type, field_name)
		DO UPDATE SET purpose = EXCLUDED.purpose, mode = EXCLUDED.mode, active = EXCLUDED.active
	`

	_, err := r.pool.Exec(ctx, query,
		rule.ID, rule.ResourceType, rule.FieldName, string(rule.Purpose),
		string(rule.Mode), rule.Active, rule.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert rule: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetRule(ctx context.Context, resourceType, fieldName string) (*models.ClassificationRule, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		SELECT id, resource_type, field_name, purpose, mode, active, created_at
		FROM classification_rules
		WHERE resource_type = $1 AND field_name = $2 AND active = true
	`

	var rule models.ClassificationRule
	var purpose, mode string
	err := r.pool.QueryRow(ctx, query, resourceType, fieldName).Scan(
		&rule.ID, &rule.ResourceType, &rule.FieldName, &purpose, &mode,
		&rule.Active, &rule.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRuleNotFound
		}
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}

	rule.Purpose = models.KeyPurpose(purpose)
	rule.Mode = models.EncryptionMode(mode)
	return &rule, nil
}

func (r *PostgresRepository) ListRules(ctx context.Context) ([]*models.ClassificationRule, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		SELECT id, resource_type, field_name, purpose, mode, active, created_at
		FROM classification_rules
		ORDER BY resource_type, field_name
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rules []*models.ClassificationRule
	for rows.Next() {
		var rule models.ClassificationRule
		var purpose, mode string
		if err := rows.Scan(&rule.ID, &rule.ResourceType, &rule.FieldName, &purpose, &mode, &rule.Active, &rule.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rule.Purpose = models.KeyPurpose(purpose)
		rule.Mode = models.EncryptionMode(mode)
		rules = append(rules, &rule)
	}
	return rules, rows.Err()
}

func (r *PostgresRepository) ChainTip(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var tip string
	err := r.pool.QueryRow(ctx, `SELECT tip FROM audit_chain_tip WHERE id = 1`).Scan(&tip)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read chain tip: %w", err)
	}
	return tip, nil
}

// AppendEvent commits the event and advances the chain tip in one
// transaction. The tip row acts as the compare-and-swap point: if another
// appender won the race, zero rows update and the caller retries.
func (r *PostgresRepository) AppendEvent(ctx context.Context, event *models.AuditEvent, expectTip string) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin append transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	result, err := tx.Exec(ctx, `UPDATE audit_chain_tip SET tip = $1 WHERE id = 1 AND tip = $2`, event.Hash, expectTip)
	if err != nil {
		return fmt.Errorf("failed to advance chain tip: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrChainConflict
	}

	details, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("failed to encode event details: %w", err)
	}

	query := `
		INSERT INTO audit_events (id, ts, category, actor_id, resource_type, resource_id, action, outcome, risk_level, ip_address, details, prev_hash, hash, segment_closed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err = tx.Exec(ctx, query,
		event.ID, event.Timestamp, string(event.Category), event.ActorID,
		event.ResourceType, event.ResourceID, event.Action, string(event.Outcome),
		event.RiskLevel, event.IPAddress, details, event.PrevHash, event.Hash,
		event.SegmentClosed,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}

	return tx.Commit(ctx)
}

func (r *PostgresRepository) ListEventsAsc(ctx context.Context) ([]*models.AuditEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		SELECT id, ts, category, actor_id, resource_type, resource_id, action, outcome, risk_level, ip_address, details, prev_hash, hash, segment_closed
		FROM audit_events
		ORDER BY ts ASC, id ASC
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (r *PostgresRepository) ListEvents(ctx context.Context, filter models.AuditFilter) ([]*models.AuditEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		SELECT id, ts, category, actor_id, resource_type, resource_id, action, outcome, risk_level, ip_address, details, prev_hash, hash, segment_closed
		FROM audit_events
		WHERE ($1::text IS NULL OR category = $1)
		  AND ($2::text = '' OR actor_id = $2)
		  AND ($3::timestamptz IS NULL OR ts >= $3)
		  AND ($4::timestamptz IS NULL OR ts < $4)
		ORDER BY ts ASC, id ASC
		LIMIT CASE WHEN $5 > 0 THEN $5 ELSE NULL END
	`

	var category *string
	if filter.Category != nil {
		c := string(*filter.Category)
		category = &c
	}

	rows, err := r.pool.Query(ctx, query, category, filter.ActorID, filter.Start, filter.End, filter.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows pgx.Rows) ([]*models.AuditEvent, error) {
	var events []*models.AuditEvent
	for rows.Next() {
		var ev models.AuditEvent
		var category, outcome string
		var details []byte
		err := rows.Scan(
			&ev.ID, &ev.Timestamp, &category, &ev.ActorID, &ev.ResourceType,
			&ev.ResourceID, &ev.Action, &outcome, &ev.RiskLevel, &ev.IPAddress,
			&details, &ev.PrevHash, &ev.Hash, &ev.SegmentClosed,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		ev.Category = models.EventCategory(category)
		ev.Outcome = models.Outcome(outcome)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &ev.Details); err != nil {
				return nil, fmt.Errorf("failed to decode event details: %w", err)
			}
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

func (r *PostgresRepository) InsertRegulatedDataEvent(ctx context.Context, ev *models.RegulatedDataEvent) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		INSERT INTO regulated_data_events (event_id, data_accessed, data_categories, access_purpose, minimum_necessary, authorized, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.pool.Exec(ctx, query,
		ev.EventID, ev.DataAccessed, ev.DataCategories, ev.AccessPurpose,
		ev.MinimumNecessary, ev.Authorized, ev.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert regulated data event: %w", err)
	}
	return nil
}

func (r *PostgresRepository) InsertIncidentEvent(ctx context.Context, ev *models.SecurityIncidentEvent) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		INSERT INTO breach_incidents (event_id, threat_level, attack_vector, anomaly_score, remediation, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.pool.Exec(ctx, query,
		ev.EventID, ev.ThreatLevel, ev.AttackVector, ev.AnomalyScore,
		ev.Remediation, ev.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert incident event: %w", err)
	}
	return nil
}

func (r *PostgresRepository) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	result, err := r.pool.Exec(ctx,
		`DELETE FROM audit_events WHERE ts < $1 AND segment_closed = false`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune audit events: %w", err)
	}
	return int(result.RowsAffected()), nil
}

func (r *PostgresRepository) GetRiskProfile(ctx context.Context, actorID string) (*models.RiskProfile, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		SELECT actor_id, known_locations, known_devices, usual_hours, updated_at
		FROM risk_profiles
		WHERE actor_id = $1
	`

	var profile models.RiskProfile
	var locations []byte
	err := r.pool.QueryRow(ctx, query, actorID).Scan(
		&profile.ActorID, &locations, &profile.KnownDevices, &profile.UsualHours,
		&profile.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProfileNotFound
		}
		return nil, fmt.Errorf("failed to get risk profile: %w", err)
	}

	if len(locations) > 0 {
		if err := json.Unmarshal(locations, &profile.KnownLocations); err != nil {
			return nil, fmt.Errorf("failed to decode known locations: %w", err)
		}
	}
	return &profile, nil
}

func (r *PostgresRepository) SaveRiskProfile(ctx context.Context, profile *models.RiskProfile) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	locations, err := json.Marshal(profile.KnownLocations)
	if err != nil {
		return fmt.Errorf("failed to encode known locations: %w", err)
	}

	query := `
		INSERT INTO risk_profiles (actor_id, known_locations, known_devices, usual_hours, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (actor_id)
		DO UPDATE SET known_locations = EXCLUDED.known_locations,
		              known_devices = EXCLUDED.known_devices,
		              usual_hours = EXCLUDED.usual_hours,
		              updated_at = EXCLUDED.updated_at
	`
	_, err = r.pool.Exec(ctx, query,
		profile.ActorID, locations, profile.KnownDevices, profile.UsualHours,
		profile.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save risk profile: %w", err)
	}
	return nil
}

func (r *PostgresRepository) InsertAuthAttempt(ctx context.Context, attempt *models.AuthAttempt) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	contextJSON, err := json.Marshal(attempt.Context)
	if err != nil {
		return fmt.Errorf("failed to encode attempt context: %w", err)
	}

	factors := make([]string, 0, len(attempt.RequiredFactors))
	for _, f := range attempt.RequiredFactors {
		factors = append(factors, string(f))
	}

	query := `
		INSERT INTO auth_attempts (id, actor_id, success, abandoned, context, risk_score, required_factors, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = r.pool.Exec(ctx, query,
		attempt.ID, attempt.ActorID, attempt.Success, attempt.Abandoned,
		contextJSON, attempt.RiskScore, factors, attempt.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert auth attempt: %w", err)
	}
	return nil
}

func (r *PostgresRepository) CountFailedAttempts(ctx context.Context, actorID string, since time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM auth_attempts WHERE actor_id = $1 AND success = false AND created_at >= $2`,
		actorID, since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count failed attempts: %w", err)
	}
	return count, nil
}

func (r *PostgresRepository) InsertCredential(ctx context.Context, cred *models.MFACredential) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		INSERT INTO mfa_credentials (id, actor_id, method, totp_secret, backup_codes, credential_id, public_key, signature_counter, active, failure_count, locked_until, created_at, revoked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := r.pool.Exec(ctx, query,
		cred.ID, cred.ActorID, string(cred.Method), cred.TOTPSecret,
		cred.BackupCodes, cred.CredentialID, cred.PublicKey, int64(cred.SignatureCounter),
		cred.Active, cred.FailureCount, cred.LockedUntil, cred.CreatedAt, cred.RevokedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert credential: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetCredential(ctx context.Context, actorID string, method models.MFAMethod) (*models.MFACredential, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		SELECT id, actor_id, method, totp_secret, backup_codes, credential_id, public_key, signature_counter, active, failure_count, locked_until, created_at, revoked_at
		FROM mfa_credentials
		WHERE actor_id = $1 AND method = $2 AND revoked_at IS NULL
		ORDER BY created_at DESC
		LIMIT 1
	`

	var cred models.MFACredential
	var methodStr string
	var counter int64
	err := r.pool.QueryRow(ctx, query, actorID, string(method)).Scan(
		&cred.ID, &cred.ActorID, &methodStr, &cred.TOTPSecret, &cred.BackupCodes,
		&cred.CredentialID, &cred.PublicKey, &counter, &cred.Active,
		&cred.FailureCount, &cred.LockedUntil, &cred.CreatedAt, &cred.RevokedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCredentialNotFound
		}
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}

	cred.Method = models.MFAMethod(methodStr)
	cred.SignatureCounter = uint32(counter)
	return &cred, nil
}

func (r *PostgresRepository) UpdateCredential(ctx context.Context, cred *models.MFACredential) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		UPDATE mfa_credentials
		SET backup_codes = $2, signature_counter = $3, active = $4,
		    failure_count = $5, locked_until = $6, revoked_at = $7
		WHERE id = $1
	`
	result, err := r.pool.Exec(ctx, query,
		cred.ID, cred.BackupCodes, int64(cred.SignatureCounter), cred.Active,
		cred.FailureCount, cred.LockedUntil, cred.RevokedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update credential: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrCredentialNotFound
	}
	return nil
}

func (r *PostgresRepository) RevokeCredential(ctx context.Context, actorID string, method models.MFAMethod) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	result, err := r.pool.Exec(ctx,
		`UPDATE mfa_credentials SET revoked_at = NOW(), active = false WHERE actor_id = $1 AND method = $2 AND revoked_at IS NULL`,
		actorID, string(method),
	)
	if err != nil {
		return fmt.Errorf("failed to revoke credential: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrCredentialNotFound
	}
	return nil
}
