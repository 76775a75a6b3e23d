package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/formguard/formguard/internal/engine"
)

// ErrNotFound is returned by delete and remove operations when the target
// row does not exist. Reads return (nil, nil) for missing records instead.
var ErrNotFound = errors.New("not found")

// Client analysis modes. Enforce returns real recommendations; observe
// downgrades every response to proceed (events are still recorded with the
// real verdict) so a client can trial detection without breaking checkout
// flows.
const (
	ModeEnforce = "enforce"
	ModeObserve = "observe"
)

// KeyPrefixLen is the number of leading key characters stored in plain
// text to narrow candidates before the bcrypt comparison.
const KeyPrefixLen = 8

// Profile represents a row in the profiles table: one registered
// extension install.
type Profile struct {
	ClientID  string
	Name      string
	KeyHash   string
	KeyPrefix string
	Mode      string // "enforce" or "observe"
	Disabled  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Preferences is the per-client analysis policy row.
type Preferences struct {
	ClientID  string
	Policy    engine.ClientPolicy
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ProfileWithPolicy is a Profile joined with its policy (for auth lookups).
type ProfileWithPolicy struct {
	Profile
	Policy engine.ClientPolicy
}

// UpdateProfileParams holds optional fields for partial profile updates.
type UpdateProfileParams struct {
	Name     *string
	Mode     *string
	Disabled *bool
}

// AllowlistEntry is one user-trusted domain.
type AllowlistEntry struct {
	Domain  string
	AddedAt time.Time
}

// RuleRecord is a persisted custom rule specification. Spec holds the
// declarative rule JSON; it is compiled into an executable rule when the
// rule is created and again when the daemon reloads rules at startup.
type RuleRecord struct {
	ClientID  string
	RuleID    string
	Spec      json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store is the persistence surface for profiles, policies, allow-lists
// and custom rules. PG backs it with PostgreSQL; Bolt backs it with a
// local bbolt file for DB-less installs.
type Store interface {
	CreateProfile(ctx context.Context, name string) (*Profile, string, error)
	ListProfiles(ctx context.Context) ([]*Profile, error)
	GetProfile(ctx context.Context, clientID string) (*Profile, error)
	UpdateProfile(ctx context.Context, clientID string, params UpdateProfileParams) (*Profile, error)
	DeleteProfile(ctx context.Context, clientID string) error
	RotateClientKey(ctx context.Context, clientID string) (*Profile, string, error)
	LookupByPrefix(ctx context.Context, prefix string) (*ProfileWithPolicy, error)

	GetPreferences(ctx context.Context, clientID string) (*Preferences, error)
	UpdatePreferences(ctx context.Context, clientID string, policy engine.ClientPolicy) (*Preferences, error)

	IsAllowlisted(ctx context.Context, clientID, domain string) (bool, error)
	AddAllowlistDomain(ctx context.Context, clientID, domain string) error
	RemoveAllowlistDomain(ctx context.Context, clientID, domain string) error
	ListAllowlist(ctx context.Context, clientID string) ([]AllowlistEntry, error)

	UpsertRule(ctx context.Context, clientID, ruleID string, spec json.RawMessage) (*RuleRecord, error)
	GetRule(ctx context.Context, clientID, ruleID string) (*RuleRecord, error)
	ListRules(ctx context.Context, clientID string) ([]*RuleRecord, error)
	DeleteRule(ctx context.Context, clientID, ruleID string) error

	Close() error
}

// GenerateClientKey creates a new fgk_ client key with its bcrypt hash and prefix.
// Returns (fullKey, hash, prefix, error). The fullKey is shown to the user once.
func GenerateClientKey() (string, string, string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", "", "", fmt.Errorf("GenerateClientKey: %w", err)
	}
	fullKey := "fgk_" + hex.EncodeToString(raw) // 52 chars total

	hashBytes, err := bcrypt.GenerateFromPassword([]byte(fullKey), bcrypt.DefaultCost)
	if err != nil {
		return "", "", "", fmt.Errorf("GenerateClientKey: %w", err)
	}

	prefix := fullKey[:KeyPrefixLen] // "fgk_abcd"
	return fullKey, string(hashBytes), prefix, nil
}

// NormalizeDomain canonicalizes a domain for allow-list storage and
// lookup: trimmed, lowercased, no trailing dot.
func NormalizeDomain(domain string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
}

// ValidMode reports whether s is a recognized client mode.
func ValidMode(s string) bool {
	return s == ModeEnforce || s == ModeObserve
}
