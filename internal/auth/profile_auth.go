package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/formguard/formguard/internal/store"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// ProfileStore abstracts the profile lookup for testability. Both store
// backends satisfy it.
type ProfileStore interface {
	LookupByPrefix(ctx context.Context, prefix string) (*store.ProfileWithPolicy, error)
}

// ProfileAuthenticator validates client keys against stored client profiles.
// Uses AuthCache with stale-while-revalidate to keep the store lookup and
// bcrypt comparison off the hot path. Auth failures always return an error;
// nothing is analyzed for a key that does not verify.
type ProfileAuthenticator struct {
	store ProfileStore
	cache *AuthCache
	log   *zap.Logger
}

// ProfileAuthConfig configures the ProfileAuthenticator.
type ProfileAuthConfig struct {
	Store    ProfileStore
	CacheTTL time.Duration // default 30s
	Logger   *zap.Logger
}

// NewProfileAuthenticator creates an authenticator backed by the profile
// store.
func NewProfileAuthenticator(cfg ProfileAuthConfig) *ProfileAuthenticator {
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &ProfileAuthenticator{
		store: cfg.Store,
		cache: NewAuthCache(ttl),
		log:   log.Named("auth"),
	}
}

// newProfileAuthenticatorWithStore creates an authenticator with an injected
// store and cache (for testing).
func newProfileAuthenticatorWithStore(st ProfileStore, cache *AuthCache, log *zap.Logger) *ProfileAuthenticator {
	return &ProfileAuthenticator{
		store: st,
		cache: cache,
		log:   log,
	}
}

// Authenticate validates the client key against the profile store.
//
// Flow:
//  1. Cache lookup (stale-while-revalidate):
//     - fresh hit: return immediately
//     - stale hit: return the stale context, spawn a background refresh
//     - miss: do the full store + bcrypt lookup synchronously
//  2. Store errors surface as ErrAuthUnavailable. Invalid keys and disabled
//     profiles are rejected as themselves and are never cached.
func (a *ProfileAuthenticator) Authenticate(ctx context.Context, key string) (*ClientContext, error) {
	if key == "" {
		return nil, ErrMissingClientKey
	}

	result := a.cache.Get(key)
	if result.Hit {
		if result.NeedsRefresh {
			go a.backgroundRefresh(key)
		}
		return result.Client, nil
	}

	client, err := a.lookupAndVerify(ctx, key)
	if err != nil {
		return a.handleLookupError(err)
	}

	a.cache.Set(key, client)
	return client, nil
}

// backgroundRefresh performs the store + bcrypt lookup in a background
// goroutine. Errors are logged but don't affect the caller, who already got
// the stale value. A profile deleted or disabled since the last refresh
// drops out of the cache here.
func (a *ProfileAuthenticator) backgroundRefresh(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := a.lookupAndVerify(ctx, key)
	if err != nil {
		a.log.Warn("background cache refresh failed", zap.Error(err))
		// Drop the entry instead of updating it. This also resets the
		// refreshing flag, so the next request does a full lookup.
		a.cache.Delete(key)
		return
	}

	a.cache.Set(key, client)
}

// lookupAndVerify does the full prefix lookup, bcrypt verification and
// disabled check.
func (a *ProfileAuthenticator) lookupAndVerify(ctx context.Context, key string) (*ClientContext, error) {
	// The stored prefix is the first 8 chars of the key (e.g. "fgk_ab12").
	if len(key) < store.KeyPrefixLen {
		return nil, ErrInvalidClientKey
	}
	prefix := key[:store.KeyPrefixLen]

	row, err := a.store.LookupByPrefix(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("lookupAndVerify: %w", err)
	}
	if row == nil {
		// No profile with this prefix. Reject, don't degrade.
		return nil, ErrInvalidClientKey
	}

	if err := bcrypt.CompareHashAndPassword([]byte(row.KeyHash), []byte(key)); err != nil {
		return nil, ErrInvalidClientKey
	}

	// The disabled check runs after bcrypt so a caller without the real key
	// cannot probe which profiles are disabled.
	if row.Disabled {
		return nil, ErrProfileDisabled
	}

	return &ClientContext{
		ClientID: row.ClientID,
		Name:     row.Name,
		Mode:     row.Mode,
		Policy:   row.Policy,
	}, nil
}

// handleLookupError passes rejections through unchanged and wraps everything
// else as ErrAuthUnavailable.
func (a *ProfileAuthenticator) handleLookupError(lookupErr error) (*ClientContext, error) {
	if errors.Is(lookupErr, ErrInvalidClientKey) || errors.Is(lookupErr, ErrProfileDisabled) {
		return nil, lookupErr
	}

	a.log.Warn("profile store unreachable", zap.Error(lookupErr))
	return nil, fmt.Errorf("%w: %v", ErrAuthUnavailable, lookupErr)
}
