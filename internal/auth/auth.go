package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/formguard/formguard/internal/engine"
	"github.com/formguard/formguard/internal/store"
)

var (
	ErrMissingClientKey = errors.New("missing client key")
	ErrInvalidClientKey = errors.New("invalid client key")
	ErrProfileDisabled  = errors.New("client profile is disabled")
	ErrAuthUnavailable  = errors.New("authentication backend unavailable")
)

// ClientContext holds the authenticated client profile's configuration.
type ClientContext struct {
	ClientID string
	Name     string
	Mode     string // store.ModeEnforce or store.ModeObserve
	Policy   engine.ClientPolicy
}

// Observing reports whether verdicts for this client are recorded but not
// enforced.
func (c *ClientContext) Observing() bool {
	return c.Mode == store.ModeObserve
}

// Authenticator validates a client key and returns the owning profile's
// context.
type Authenticator interface {
	Authenticate(ctx context.Context, key string) (*ClientContext, error)
}

// ExtractKey pulls the client key out of request headers. A non-empty
// X-API-Key value wins; otherwise the Authorization value is used, with a
// Bearer scheme stripped if present (RFC 6750: the scheme is
// case-insensitive). Malformed keys are not rejected here, that is the
// authenticator's job.
func ExtractKey(authorization, apiKey string) (string, error) {
	if key := strings.TrimSpace(apiKey); key != "" {
		return key, nil
	}

	token := strings.TrimSpace(authorization)
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	if token == "" {
		return "", ErrMissingClientKey
	}
	return token, nil
}

// StaticClientID is the fixed client id every request authenticated by
// StaticAuthenticator runs under.
const StaticClientID = "local"

// StaticAuthenticator accepts any well-formed client key without a store
// lookup. It backs installs that run the daemon for a single local browser
// extension and never provision profiles.
type StaticAuthenticator struct{}

func NewStaticAuthenticator() *StaticAuthenticator {
	return &StaticAuthenticator{}
}

func (a *StaticAuthenticator) Authenticate(_ context.Context, key string) (*ClientContext, error) {
	if key == "" {
		return nil, ErrMissingClientKey
	}
	if !strings.HasPrefix(key, "fgk_") {
		return nil, ErrInvalidClientKey
	}

	return &ClientContext{
		ClientID: StaticClientID,
		Name:     StaticClientID,
		Mode:     store.ModeEnforce,
	}, nil
}
