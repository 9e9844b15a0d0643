// Package risk provides signal evaluation against per-user limits.
package risk

import (
	"context"
	"sync"
	"time"
)

// Registry holds per-user limits, falling back to engine defaults for
// users that never customized theirs.
type Registry struct {
	mu       sync.RWMutex
	limits   map[string]Limits
	lastSeen map[string]time.Time
	defaults Limits
}

// NewRegistry creates a registry with the given default limits.
func NewRegistry(defaults Limits) *Registry {
	return &Registry{
		limits:   make(map[string]Limits),
		lastSeen: make(map[string]time.Time),
		defaults: defaults,
	}
}

// Get returns the limits for a user, defaulting when unset.
func (r *Registry) Get(userID string) Limits {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.limits[userID]; ok {
		r.lastSeen[userID] = time.Now()
		return l
	}
	return r.defaults
}

// Set replaces a user's limits.
func (r *Registry) Set(userID string, l Limits) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l.UpdatedAt = time.Now()
	r.limits[userID] = l
	r.lastSeen[userID] = time.Now()
}

// Remove drops a user's custom limits, reverting to defaults.
func (r *Registry) Remove(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.limits, userID)
	delete(r.lastSeen, userID)
}

// Defaults returns the engine-wide default limits.
func (r *Registry) Defaults() Limits {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaults
}

// UserCount returns the number of users with custom limits.
func (r *Registry) UserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.limits)
}

// Start runs periodic idle cleanup until the context is cancelled.
// Custom limits are in-memory only, so dropping an idle user's entry
// reverts them to defaults exactly as a restart would.
func (r *Registry) Start(ctx context.Context, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.CleanupIdle(ttl)
			}
		}
	}()
}

// CleanupIdle removes custom limits not read or written within ttl.
func (r *Registry) CleanupIdle(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	cutoff := time.Now().Add(-ttl)

	r.mu.Lock()
	defer r.mu.Unlock()
	for userID, t := range r.lastSeen {
		if t.Before(cutoff) {
			delete(r.limits, userID)
			delete(r.lastSeen, userID)
		}
	}
}
