package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/formguard/formguard/internal/engine"
)

// Bucket names for the bbolt backend. Profiles and preferences key on
// client ID; allow-list entries and rules use composite "clientID/item"
// keys so a cursor prefix scan lists one client's records.
const (
	bucketProfiles    = "profiles"
	bucketPreferences = "preferences"
	bucketAllowlist   = "allowlist"
	bucketRules       = "rules"
)

// Bolt is the bbolt-backed Store for installs without PostgreSQL. All
// records are stored as JSON.
type Bolt struct {
	db  *bbolt.DB
	log *zap.Logger
}

var _ Store = (*Bolt)(nil)

// NewBolt opens (or creates) the database file and its buckets.
func NewBolt(path string, logger *zap.Logger) (*Bolt, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("NewBolt: %w", err)
	}

	b := &Bolt{db: db, log: logger.Named("store.bolt")}
	if err := b.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("NewBolt: %w", err)
	}
	return b, nil
}

// Close closes the database file.
func (b *Bolt) Close() error {
	return b.db.Close()
}

func (b *Bolt) initBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range []string{bucketProfiles, bucketPreferences, bucketAllowlist, bucketRules} {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
}

// CreateProfile inserts a new profile and its default preferences record.
// Returns the profile and plaintext client key (shown once).
func (b *Bolt) CreateProfile(ctx context.Context, name string) (*Profile, string, error) {
	fullKey, keyHash, keyPrefix, err := GenerateClientKey()
	if err != nil {
		return nil, "", fmt.Errorf("CreateProfile: %w", err)
	}

	now := time.Now().UTC()
	p := &Profile{
		ClientID:  uuid.NewString(),
		Name:      name,
		KeyHash:   keyHash,
		KeyPrefix: keyPrefix,
		Mode:      ModeEnforce,
		CreatedAt: now,
		UpdatedAt: now,
	}
	prefs := &Preferences{ClientID: p.ClientID, CreatedAt: now, UpdatedAt: now}

	err = b.db.Update(func(tx *bbolt.Tx) error {
		if err := putJSON(tx.Bucket([]byte(bucketProfiles)), p.ClientID, p); err != nil {
			return err
		}
		return putJSON(tx.Bucket([]byte(bucketPreferences)), p.ClientID, prefs)
	})
	if err != nil {
		return nil, "", fmt.Errorf("CreateProfile: %w", err)
	}
	return p, fullKey, nil
}

// ListProfiles returns all profiles ordered by created_at DESC.
func (b *Bolt) ListProfiles(ctx context.Context) ([]*Profile, error) {
	var profiles []*Profile
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketProfiles)).ForEach(func(_, v []byte) error {
			var p Profile
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			profiles = append(profiles, &p)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("ListProfiles: %w", err)
	}
	sort.Slice(profiles, func(i, j int) bool {
		return profiles[i].CreatedAt.After(profiles[j].CreatedAt)
	})
	return profiles, nil
}

// GetProfile returns a profile by client ID, or nil if not found.
func (b *Bolt) GetProfile(ctx context.Context, clientID string) (*Profile, error) {
	var p *Profile
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(bucketProfiles)).Get([]byte(clientID))
		if data == nil {
			return nil
		}
		p = &Profile{}
		return json.Unmarshal(data, p)
	})
	if err != nil {
		return nil, fmt.Errorf("GetProfile: %w", err)
	}
	return p, nil
}

// UpdateProfile applies a partial update to a profile. Only non-nil fields
// are changed. Returns nil if the profile does not exist.
func (b *Bolt) UpdateProfile(ctx context.Context, clientID string, params UpdateProfileParams) (*Profile, error) {
	var p *Profile
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketProfiles))
		data := bucket.Get([]byte(clientID))
		if data == nil {
			return nil
		}
		p = &Profile{}
		if err := json.Unmarshal(data, p); err != nil {
			return err
		}
		if params.Name != nil {
			p.Name = *params.Name
		}
		if params.Mode != nil {
			p.Mode = *params.Mode
		}
		if params.Disabled != nil {
			p.Disabled = *params.Disabled
		}
		p.UpdatedAt = time.Now().UTC()
		return putJSON(bucket, clientID, p)
	})
	if err != nil {
		return nil, fmt.Errorf("UpdateProfile: %w", err)
	}
	return p, nil
}

// DeleteProfile deletes a profile and all its dependent records.
func (b *Bolt) DeleteProfile(ctx context.Context, clientID string) error {
	found := false
	err := b.db.Update(func(tx *bbolt.Tx) error {
		profiles := tx.Bucket([]byte(bucketProfiles))
		if profiles.Get([]byte(clientID)) == nil {
			return nil
		}
		found = true
		if err := profiles.Delete([]byte(clientID)); err != nil {
			return err
		}
		if err := tx.Bucket([]byte(bucketPreferences)).Delete([]byte(clientID)); err != nil {
			return err
		}
		if err := deletePrefixed(tx.Bucket([]byte(bucketAllowlist)), clientID); err != nil {
			return err
		}
		return deletePrefixed(tx.Bucket([]byte(bucketRules)), clientID)
	})
	if err != nil {
		return fmt.Errorf("DeleteProfile: %w", err)
	}
	if !found {
		return ErrNotFound
	}
	return nil
}

// RotateClientKey generates a new client key for a profile.
// Returns the updated profile and the plaintext key (shown once).
func (b *Bolt) RotateClientKey(ctx context.Context, clientID string) (*Profile, string, error) {
	fullKey, keyHash, keyPrefix, err := GenerateClientKey()
	if err != nil {
		return nil, "", fmt.Errorf("RotateClientKey: %w", err)
	}

	var p *Profile
	err = b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketProfiles))
		data := bucket.Get([]byte(clientID))
		if data == nil {
			return nil
		}
		p = &Profile{}
		if err := json.Unmarshal(data, p); err != nil {
			return err
		}
		p.KeyHash = keyHash
		p.KeyPrefix = keyPrefix
		p.UpdatedAt = time.Now().UTC()
		return putJSON(bucket, clientID, p)
	})
	if err != nil {
		return nil, "", fmt.Errorf("RotateClientKey: %w", err)
	}
	if p == nil {
		return nil, "", fmt.Errorf("RotateClientKey: %w", ErrNotFound)
	}
	return p, fullKey, nil
}

// LookupByPrefix finds a profile by client key prefix (first 8 chars).
func (b *Bolt) LookupByPrefix(ctx context.Context, prefix string) (*ProfileWithPolicy, error) {
	var pw *ProfileWithPolicy
	err := b.db.View(func(tx *bbolt.Tx) error {
		var match *Profile
		err := tx.Bucket([]byte(bucketProfiles)).ForEach(func(_, v []byte) error {
			if match != nil {
				return nil
			}
			var p Profile
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if p.KeyPrefix == prefix {
				match = &p
			}
			return nil
		})
		if err != nil || match == nil {
			return err
		}

		pw = &ProfileWithPolicy{Profile: *match}
		data := tx.Bucket([]byte(bucketPreferences)).Get([]byte(match.ClientID))
		if data == nil {
			return nil
		}
		var prefs Preferences
		if err := json.Unmarshal(data, &prefs); err != nil {
			return err
		}
		pw.Policy = prefs.Policy
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("LookupByPrefix: %w", err)
	}
	return pw, nil
}

// GetPreferences returns the preferences for a client, or nil if not found.
func (b *Bolt) GetPreferences(ctx context.Context, clientID string) (*Preferences, error) {
	var prefs *Preferences
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(bucketPreferences)).Get([]byte(clientID))
		if data == nil {
			return nil
		}
		prefs = &Preferences{}
		return json.Unmarshal(data, prefs)
	})
	if err != nil {
		return nil, fmt.Errorf("GetPreferences: %w", err)
	}
	return prefs, nil
}

// UpdatePreferences fully replaces a client's policy. Returns nil if the
// client has no preferences record.
func (b *Bolt) UpdatePreferences(ctx context.Context, clientID string, policy engine.ClientPolicy) (*Preferences, error) {
	var prefs *Preferences
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketPreferences))
		data := bucket.Get([]byte(clientID))
		if data == nil {
			return nil
		}
		prefs = &Preferences{}
		if err := json.Unmarshal(data, prefs); err != nil {
			return err
		}
		prefs.Policy = policy
		prefs.UpdatedAt = time.Now().UTC()
		return putJSON(bucket, clientID, prefs)
	})
	if err != nil {
		return nil, fmt.Errorf("UpdatePreferences: %w", err)
	}
	return prefs, nil
}

// IsAllowlisted reports whether the domain is on the client's allow-list.
func (b *Bolt) IsAllowlisted(ctx context.Context, clientID, domain string) (bool, error) {
	var exists bool
	err := b.db.View(func(tx *bbolt.Tx) error {
		key := compositeKey(clientID, NormalizeDomain(domain))
		exists = tx.Bucket([]byte(bucketAllowlist)).Get(key) != nil
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("IsAllowlisted: %w", err)
	}
	return exists, nil
}

// AddAllowlistDomain adds a domain to the client's allow-list. Adding a
// domain that is already listed is a no-op.
func (b *Bolt) AddAllowlistDomain(ctx context.Context, clientID, domain string) error {
	normalized := NormalizeDomain(domain)
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketAllowlist))
		key := compositeKey(clientID, normalized)
		if bucket.Get(key) != nil {
			return nil
		}
		entry := AllowlistEntry{Domain: normalized, AddedAt: time.Now().UTC()}
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return bucket.Put(key, data)
	})
	if err != nil {
		return fmt.Errorf("AddAllowlistDomain: %w", err)
	}
	return nil
}

// RemoveAllowlistDomain removes a domain from the client's allow-list.
func (b *Bolt) RemoveAllowlistDomain(ctx context.Context, clientID, domain string) error {
	found := false
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketAllowlist))
		key := compositeKey(clientID, NormalizeDomain(domain))
		if bucket.Get(key) == nil {
			return nil
		}
		found = true
		return bucket.Delete(key)
	})
	if err != nil {
		return fmt.Errorf("RemoveAllowlistDomain: %w", err)
	}
	if !found {
		return ErrNotFound
	}
	return nil
}

// ListAllowlist returns the client's allow-listed domains ordered by domain.
func (b *Bolt) ListAllowlist(ctx context.Context, clientID string) ([]AllowlistEntry, error) {
	var entries []AllowlistEntry
	err := b.db.View(func(tx *bbolt.Tx) error {
		return scanPrefixed(tx.Bucket([]byte(bucketAllowlist)), clientID, func(v []byte) error {
			var e AllowlistEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, e)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("ListAllowlist: %w", err)
	}
	return entries, nil
}

// UpsertRule inserts or replaces a custom rule specification.
func (b *Bolt) UpsertRule(ctx context.Context, clientID, ruleID string, spec json.RawMessage) (*RuleRecord, error) {
	if len(spec) == 0 || string(spec) == "null" {
		spec = json.RawMessage("{}")
	}

	now := time.Now().UTC()
	r := &RuleRecord{ClientID: clientID, RuleID: ruleID, Spec: spec, CreatedAt: now, UpdatedAt: now}

	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketRules))
		key := compositeKey(clientID, ruleID)
		if data := bucket.Get(key); data != nil {
			var existing RuleRecord
			if err := json.Unmarshal(data, &existing); err != nil {
				return err
			}
			r.CreatedAt = existing.CreatedAt
		}
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return bucket.Put(key, data)
	})
	if err != nil {
		return nil, fmt.Errorf("UpsertRule: %w", err)
	}
	return r, nil
}

// GetRule returns a custom rule by ID, or nil if not found.
func (b *Bolt) GetRule(ctx context.Context, clientID, ruleID string) (*RuleRecord, error) {
	var r *RuleRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(bucketRules)).Get(compositeKey(clientID, ruleID))
		if data == nil {
			return nil
		}
		r = &RuleRecord{}
		return json.Unmarshal(data, r)
	})
	if err != nil {
		return nil, fmt.Errorf("GetRule: %w", err)
	}
	return r, nil
}

// ListRules returns the client's custom rules ordered by rule ID.
func (b *Bolt) ListRules(ctx context.Context, clientID string) ([]*RuleRecord, error) {
	var records []*RuleRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		return scanPrefixed(tx.Bucket([]byte(bucketRules)), clientID, func(v []byte) error {
			var r RuleRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			records = append(records, &r)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("ListRules: %w", err)
	}
	return records, nil
}

// DeleteRule removes a custom rule.
func (b *Bolt) DeleteRule(ctx context.Context, clientID, ruleID string) error {
	found := false
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketRules))
		key := compositeKey(clientID, ruleID)
		if bucket.Get(key) == nil {
			return nil
		}
		found = true
		return bucket.Delete(key)
	})
	if err != nil {
		return fmt.Errorf("DeleteRule: %w", err)
	}
	if !found {
		return ErrNotFound
	}
	return nil
}

func compositeKey(clientID, item string) []byte {
	return []byte(clientID + "/" + item)
}

// scanPrefixed visits every value whose key belongs to the client, in key
// order. bbolt cursors iterate lexicographically, so composite keys come
// back sorted by item.
func scanPrefixed(bucket *bbolt.Bucket, clientID string, fn func(v []byte) error) error {
	prefix := compositeKey(clientID, "")
	c := bucket.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if err := fn(v); err != nil {
			return err
		}
	}
	return nil
}

// deletePrefixed removes every key belonging to the client. Keys are
// collected first so the cursor is never invalidated mid-scan.
func deletePrefixed(bucket *bbolt.Bucket, clientID string) error {
	prefix := compositeKey(clientID, "")
	var keys [][]byte
	c := bucket.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := bucket.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func putJSON(bucket *bbolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return bucket.Put([]byte(key), data)
}
