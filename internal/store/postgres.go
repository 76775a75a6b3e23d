package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/formguard/formguard/internal/engine"
)

// DBPool abstracts pgxpool.Pool so tests can substitute a pgxmock pool.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

// PG is the PostgreSQL-backed Store.
type PG struct {
	pool DBPool
	log  *zap.Logger
}

var _ Store = (*PG)(nil)

// NewPG wraps an open connection pool. It does not ping; connectivity is
// verified by the caller before wiring the server.
func NewPG(pool DBPool, logger *zap.Logger) *PG {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PG{pool: pool, log: logger.Named("store.pg")}
}

// Close releases the underlying pool.
func (s *PG) Close() error {
	s.pool.Close()
	return nil
}

// CreateProfile inserts a new profile and its default preferences row in a
// single transaction. Returns the profile and plaintext client key (shown once).
func (s *PG) CreateProfile(ctx context.Context, name string) (*Profile, string, error) {
	fullKey, keyHash, keyPrefix, err := GenerateClientKey()
	if err != nil {
		return nil, "", fmt.Errorf("CreateProfile: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("CreateProfile: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.log.Error("rollback failed", zap.Error(rbErr))
		}
	}()

	var p Profile
	err = tx.QueryRow(ctx, `
		INSERT INTO profiles (name, client_key_hash, client_key_prefix)
		VALUES ($1, $2, $3)
		RETURNING client_id, name, client_key_hash, client_key_prefix, mode, disabled,
		          created_at, updated_at`,
		name, keyHash, keyPrefix,
	).Scan(&p.ClientID, &p.Name, &p.KeyHash, &p.KeyPrefix, &p.Mode, &p.Disabled,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, "", fmt.Errorf("CreateProfile: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO preferences (client_id) VALUES ($1)`, p.ClientID); err != nil {
		return nil, "", fmt.Errorf("CreateProfile: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, "", fmt.Errorf("CreateProfile: %w", err)
	}

	return &p, fullKey, nil
}

// ListProfiles returns all profiles ordered by created_at DESC.
func (s *PG) ListProfiles(ctx context.Context) ([]*Profile, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT client_id, name, client_key_hash, client_key_prefix, mode, disabled,
		       created_at, updated_at
		FROM profiles ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("ListProfiles: %w", err)
	}
	defer rows.Close()

	var profiles []*Profile
	for rows.Next() {
		var p Profile
		if err := rows.Scan(&p.ClientID, &p.Name, &p.KeyHash, &p.KeyPrefix,
			&p.Mode, &p.Disabled, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("ListProfiles: %w", err)
		}
		profiles = append(profiles, &p)
	}
	return profiles, rows.Err()
}

// GetProfile returns a profile by client ID, or nil if not found.
func (s *PG) GetProfile(ctx context.Context, clientID string) (*Profile, error) {
	var p Profile
	err := s.pool.QueryRow(ctx, `
		SELECT client_id, name, client_key_hash, client_key_prefix, mode, disabled,
		       created_at, updated_at
		FROM profiles WHERE client_id = $1`, clientID,
	).Scan(&p.ClientID, &p.Name, &p.KeyHash, &p.KeyPrefix,
		&p.Mode, &p.Disabled, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetProfile: %w", err)
	}
	return &p, nil
}

// UpdateProfile applies a partial update to a profile. Only non-nil fields are changed.
func (s *PG) UpdateProfile(ctx context.Context, clientID string, params UpdateProfileParams) (*Profile, error) {
	var p Profile
	err := s.pool.QueryRow(ctx, `
		UPDATE profiles SET
			name       = COALESCE($2, name),
			mode       = COALESCE($3, mode),
			disabled   = COALESCE($4, disabled),
			updated_at = now()
		WHERE client_id = $1
		RETURNING client_id, name, client_key_hash, client_key_prefix, mode, disabled,
		          created_at, updated_at`,
		clientID, params.Name, params.Mode, params.Disabled,
	).Scan(&p.ClientID, &p.Name, &p.KeyHash, &p.KeyPrefix,
		&p.Mode, &p.Disabled, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("UpdateProfile: %w", err)
	}
	return &p, nil
}

// DeleteProfile deletes a profile by client ID. Preferences, allow-list
// entries and rules cascade.
func (s *PG) DeleteProfile(ctx context.Context, clientID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM profiles WHERE client_id = $1`, clientID)
	if err != nil {
		return fmt.Errorf("DeleteProfile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RotateClientKey generates a new client key for a profile.
// Returns the updated profile and the plaintext key (shown once).
func (s *PG) RotateClientKey(ctx context.Context, clientID string) (*Profile, string, error) {
	fullKey, keyHash, keyPrefix, err := GenerateClientKey()
	if err != nil {
		return nil, "", fmt.Errorf("RotateClientKey: %w", err)
	}

	var p Profile
	err = s.pool.QueryRow(ctx, `
		UPDATE profiles SET
			client_key_hash   = $2,
			client_key_prefix = $3,
			updated_at        = now()
		WHERE client_id = $1
		RETURNING client_id, name, client_key_hash, client_key_prefix, mode, disabled,
		          created_at, updated_at`,
		clientID, keyHash, keyPrefix,
	).Scan(&p.ClientID, &p.Name, &p.KeyHash, &p.KeyPrefix,
		&p.Mode, &p.Disabled, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", fmt.Errorf("RotateClientKey: %w", ErrNotFound)
	}
	if err != nil {
		return nil, "", fmt.Errorf("RotateClientKey: %w", err)
	}

	return &p, fullKey, nil
}

// LookupByPrefix finds a profile by client key prefix (first 8 chars).
// Used by auth to narrow candidates before bcrypt verify.
func (s *PG) LookupByPrefix(ctx context.Context, prefix string) (*ProfileWithPolicy, error) {
	var (
		pw  ProfileWithPolicy
		raw json.RawMessage
	)
	err := s.pool.QueryRow(ctx, `
		SELECT p.client_id, p.name, p.client_key_hash, p.client_key_prefix, p.mode, p.disabled,
		       p.created_at, p.updated_at,
		       COALESCE(pref.policy, '{}'::jsonb)
		FROM profiles p
		LEFT JOIN preferences pref ON pref.client_id = p.client_id
		WHERE p.client_key_prefix = $1`, prefix,
	).Scan(&pw.ClientID, &pw.Name, &pw.KeyHash, &pw.KeyPrefix,
		&pw.Mode, &pw.Disabled, &pw.CreatedAt, &pw.UpdatedAt, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("LookupByPrefix: %w", err)
	}
	if pw.Policy, err = unmarshalPolicy(raw); err != nil {
		return nil, fmt.Errorf("LookupByPrefix: %w", err)
	}
	return &pw, nil
}

// GetPreferences returns the preferences for a client, or nil if not found.
func (s *PG) GetPreferences(ctx context.Context, clientID string) (*Preferences, error) {
	var (
		prefs Preferences
		raw   json.RawMessage
	)
	err := s.pool.QueryRow(ctx, `
		SELECT client_id, policy, created_at, updated_at
		FROM preferences WHERE client_id = $1`, clientID,
	).Scan(&prefs.ClientID, &raw, &prefs.CreatedAt, &prefs.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetPreferences: %w", err)
	}
	if prefs.Policy, err = unmarshalPolicy(raw); err != nil {
		return nil, fmt.Errorf("GetPreferences: %w", err)
	}
	return &prefs, nil
}

// UpdatePreferences fully replaces a client's policy. Returns nil if the
// client has no preferences row.
func (s *PG) UpdatePreferences(ctx context.Context, clientID string, policy engine.ClientPolicy) (*Preferences, error) {
	payload, err := json.Marshal(policy)
	if err != nil {
		return nil, fmt.Errorf("UpdatePreferences: %w", err)
	}

	var (
		prefs Preferences
		raw   json.RawMessage
	)
	err = s.pool.QueryRow(ctx, `
		UPDATE preferences SET
			policy     = $2,
			updated_at = now()
		WHERE client_id = $1
		RETURNING client_id, policy, created_at, updated_at`,
		clientID, payload,
	).Scan(&prefs.ClientID, &raw, &prefs.CreatedAt, &prefs.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("UpdatePreferences: %w", err)
	}
	if prefs.Policy, err = unmarshalPolicy(raw); err != nil {
		return nil, fmt.Errorf("UpdatePreferences: %w", err)
	}
	return &prefs, nil
}

// IsAllowlisted reports whether the domain is on the client's allow-list.
func (s *PG) IsAllowlisted(ctx context.Context, clientID, domain string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM allowlist WHERE client_id = $1 AND domain = $2)`,
		clientID, NormalizeDomain(domain),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("IsAllowlisted: %w", err)
	}
	return exists, nil
}

// AddAllowlistDomain adds a domain to the client's allow-list. Adding a
// domain that is already listed is a no-op.
func (s *PG) AddAllowlistDomain(ctx context.Context, clientID, domain string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO allowlist (client_id, domain)
		VALUES ($1, $2)
		ON CONFLICT (client_id, domain) DO NOTHING`,
		clientID, NormalizeDomain(domain))
	if err != nil {
		return fmt.Errorf("AddAllowlistDomain: %w", err)
	}
	return nil
}

// RemoveAllowlistDomain removes a domain from the client's allow-list.
func (s *PG) RemoveAllowlistDomain(ctx context.Context, clientID, domain string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM allowlist WHERE client_id = $1 AND domain = $2`,
		clientID, NormalizeDomain(domain))
	if err != nil {
		return fmt.Errorf("RemoveAllowlistDomain: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAllowlist returns the client's allow-listed domains ordered by domain.
func (s *PG) ListAllowlist(ctx context.Context, clientID string) ([]AllowlistEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT domain, added_at FROM allowlist
		WHERE client_id = $1 ORDER BY domain`, clientID)
	if err != nil {
		return nil, fmt.Errorf("ListAllowlist: %w", err)
	}
	defer rows.Close()

	var entries []AllowlistEntry
	for rows.Next() {
		var e AllowlistEntry
		if err := rows.Scan(&e.Domain, &e.AddedAt); err != nil {
			return nil, fmt.Errorf("ListAllowlist: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// UpsertRule inserts or replaces a custom rule specification.
func (s *PG) UpsertRule(ctx context.Context, clientID, ruleID string, spec json.RawMessage) (*RuleRecord, error) {
	if len(spec) == 0 || string(spec) == "null" {
		spec = json.RawMessage("{}")
	}

	var r RuleRecord
	err := s.pool.QueryRow(ctx, `
		INSERT INTO rules (client_id, rule_id, spec)
		VALUES ($1, $2, $3)
		ON CONFLICT (client_id, rule_id) DO UPDATE SET
			spec       = EXCLUDED.spec,
			updated_at = now()
		RETURNING client_id, rule_id, spec, created_at, updated_at`,
		clientID, ruleID, spec,
	).Scan(&r.ClientID, &r.RuleID, &r.Spec, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("UpsertRule: %w", err)
	}
	return &r, nil
}

// GetRule returns a custom rule by ID, or nil if not found.
func (s *PG) GetRule(ctx context.Context, clientID, ruleID string) (*RuleRecord, error) {
	var r RuleRecord
	err := s.pool.QueryRow(ctx, `
		SELECT client_id, rule_id, spec, created_at, updated_at
		FROM rules WHERE client_id = $1 AND rule_id = $2`,
		clientID, ruleID,
	).Scan(&r.ClientID, &r.RuleID, &r.Spec, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetRule: %w", err)
	}
	return &r, nil
}

// ListRules returns the client's custom rules ordered by rule ID.
func (s *PG) ListRules(ctx context.Context, clientID string) ([]*RuleRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT client_id, rule_id, spec, created_at, updated_at
		FROM rules WHERE client_id = $1 ORDER BY rule_id`, clientID)
	if err != nil {
		return nil, fmt.Errorf("ListRules: %w", err)
	}
	defer rows.Close()

	var records []*RuleRecord
	for rows.Next() {
		var r RuleRecord
		if err := rows.Scan(&r.ClientID, &r.RuleID, &r.Spec, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("ListRules: %w", err)
		}
		records = append(records, &r)
	}
	return records, rows.Err()
}

// DeleteRule removes a custom rule.
func (s *PG) DeleteRule(ctx context.Context, clientID, ruleID string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM rules WHERE client_id = $1 AND rule_id = $2`,
		clientID, ruleID)
	if err != nil {
		return fmt.Errorf("DeleteRule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// unmarshalPolicy decodes a policy JSONB column. Empty or null bytes
// decode to the zero policy (all server defaults apply).
func unmarshalPolicy(raw json.RawMessage) (engine.ClientPolicy, error) {
	var policy engine.ClientPolicy
	if len(raw) == 0 || string(raw) == "null" {
		return policy, nil
	}
	if err := json.Unmarshal(raw, &policy); err != nil {
		return policy, fmt.Errorf("unmarshal policy: %w", err)
	}
	return policy, nil
}
