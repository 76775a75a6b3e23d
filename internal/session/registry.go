package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/formguard/formguard/internal/detector"
	"github.com/formguard/formguard/internal/engine"
	"go.uber.org/zap"
)

const (
	DefaultTTL           = 10 * time.Minute
	DefaultSweepInterval = time.Minute
)

// Factory builds the orchestrator for a newly seen tab. Implementations
// apply the client's policy (disabled rules, AI and correlation knobs)
// before returning.
type Factory func(clientID, tabID string, policy engine.ClientPolicy) *detector.Orchestrator

type entry struct {
	orch     *detector.Orchestrator
	lastSeen atomic.Int64 // unix nanos
}

// Registry maps tabs to their orchestrators. A tab appears on first use and
// is evicted, input buffer and all, after sitting idle for the TTL. Entries
// are keyed per client so two profiles reusing a tab id never share state.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	factory Factory
	ttl     time.Duration

	logger    *zap.Logger
	stopCh    chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// Config configures a Registry.
type Config struct {
	Factory       Factory
	TTL           time.Duration // default 10m
	SweepInterval time.Duration // default 1m
	Logger        *zap.Logger
}

// NewRegistry creates the registry and starts the background sweeper.
func NewRegistry(cfg Config) *Registry {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	r := &Registry{
		entries: make(map[string]*entry),
		factory: cfg.Factory,
		ttl:     cfg.TTL,
		logger:  cfg.Logger.Named("session"),
		stopCh:  make(chan struct{}),
		stopped: make(chan struct{}),
	}

	go r.sweepLoop(cfg.SweepInterval)
	return r
}

func key(clientID, tabID string) string {
	return clientID + "/" + tabID
}

// GetOrCreate returns the tab's orchestrator, creating it on first use.
// Access refreshes the idle clock.
func (r *Registry) GetOrCreate(clientID, tabID string, policy engine.ClientPolicy) *detector.Orchestrator {
	k := key(clientID, tabID)
	now := time.Now().UnixNano()

	r.mu.RLock()
	e, ok := r.entries[k]
	r.mu.RUnlock()
	if ok {
		e.lastSeen.Store(now)
		return e.orch
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[k]; ok {
		e.lastSeen.Store(now)
		return e.orch
	}

	e = &entry{orch: r.factory(clientID, tabID, policy)}
	e.lastSeen.Store(now)
	r.entries[k] = e

	r.logger.Debug("tab session created",
		zap.String("client_id", clientID),
		zap.String("tab_id", tabID),
	)
	return e.orch
}

// Lookup returns the tab's orchestrator without creating one. A hit
// refreshes the idle clock.
func (r *Registry) Lookup(clientID, tabID string) (*detector.Orchestrator, bool) {
	r.mu.RLock()
	e, ok := r.entries[key(clientID, tabID)]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	e.lastSeen.Store(time.Now().UnixNano())
	return e.orch, true
}

// Remove drops the tab's session. Returns false when the tab was unknown.
func (r *Registry) Remove(clientID, tabID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key(clientID, tabID)
	if _, ok := r.entries[k]; !ok {
		return false
	}
	delete(r.entries, k)
	return true
}

// Len reports how many tab sessions are live.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Close stops the background sweeper. Existing orchestrators stay usable;
// they just stop being evicted.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		close(r.stopCh)
	})
	<-r.stopped
}

func (r *Registry) sweepLoop(interval time.Duration) {
	defer close(r.stopped)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := r.sweep(time.Now()); n > 0 {
				r.logger.Debug("idle tab sessions evicted", zap.Int("count", n))
			}
		case <-r.stopCh:
			return
		}
	}
}

// sweep evicts entries idle longer than the TTL and reports how many went.
func (r *Registry) sweep(now time.Time) int {
	cutoff := now.Add(-r.ttl).UnixNano()

	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for k, e := range r.entries {
		if e.lastSeen.Load() < cutoff {
			delete(r.entries, k)
			evicted++
		}
	}
	return evicted
}
