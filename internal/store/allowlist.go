package store

import "context"

// allowlistStore is the slice of Store the adapter needs.
type allowlistStore interface {
	IsAllowlisted(ctx context.Context, clientID, domain string) (bool, error)
}

// ClientAllowlist binds a store's allowlist to one client so callers that
// work in terms of a single client (the per-tab analysis pipeline) can ask
// about a domain without carrying the client id themselves.
type ClientAllowlist struct {
	store    allowlistStore
	clientID string
}

func NewClientAllowlist(s Store, clientID string) *ClientAllowlist {
	return &ClientAllowlist{store: s, clientID: clientID}
}

func (a *ClientAllowlist) IsAllowlisted(ctx context.Context, domain string) (bool, error) {
	return a.store.IsAllowlisted(ctx, a.clientID, domain)
}
