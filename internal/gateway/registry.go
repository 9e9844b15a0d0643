// Package gateway manages per-user venue gateway instances: credential
// lookup, decryption, caching, and eviction.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"trading-engine/pkg/crypto"
	"trading-engine/pkg/db"
	"trading-engine/pkg/exchange"
)

var (
	ErrNoCredentials    = errors.New("no credentials for user and venue")
	ErrGatewayUnhealthy = errors.New("gateway is unhealthy")
	ErrPoolFull         = errors.New("gateway pool is full")
)

// Factory builds a venue gateway from decrypted credentials.
type Factory func(venue, apiKey, apiSecret string, testnet bool) (exchange.Gateway, error)

// Config tunes the registry's pool behavior.
type Config struct {
	MaxSize          int           // cached gateways before LRU eviction
	IdleTimeout      time.Duration // idle time before removal
	FailureThreshold int           // failures before the circuit opens
	CircuitTimeout   time.Duration // wait before retrying an unhealthy gateway
}

func DefaultConfig() Config {
	return Config{
		MaxSize:          100,
		IdleTimeout:      30 * time.Minute,
		FailureThreshold: 3,
		CircuitTimeout:   5 * time.Minute,
	}
}

type cached struct {
	gateway   exchange.Gateway
	userID    string
	venue     string
	lastUsed  time.Time
	healthyAt time.Time
	failures  int
}

// Registry caches one gateway per (user, venue) with LRU eviction, idle
// cleanup, and a failure circuit. When DryRun is set every resolve
// returns a shared paper gateway and credentials are never touched.
type Registry struct {
	mu       sync.RWMutex
	gateways map[string]*cached
	lruOrder []string // oldest first

	config  Config
	crypto  *crypto.KeyManager
	db      *db.Database
	factory Factory

	DryRun bool
	paper  *exchange.PaperGateway
}

func NewRegistry(database *db.Database, keys *crypto.KeyManager, factory Factory, cfg Config) *Registry {
	if cfg.MaxSize <= 0 {
		cfg = DefaultConfig()
	}
	return &Registry{
		gateways: make(map[string]*cached),
		config:   cfg,
		crypto:   keys,
		db:       database,
		factory:  factory,
		paper:    exchange.NewPaperGateway(),
	}
}

// Paper exposes the shared dry-run gateway so callers can seed marks.
func (r *Registry) Paper() *exchange.PaperGateway { return r.paper }

// Resolve returns the gateway for a user and venue, building it from
// stored credentials on first use.
func (r *Registry) Resolve(ctx context.Context, userID, venue string) (exchange.Gateway, error) {
	if r.DryRun {
		return r.paper, nil
	}

	key := userID + "|" + venue

	r.mu.RLock()
	if c, ok := r.gateways[key]; ok {
		if c.failures >= r.config.FailureThreshold && time.Since(c.healthyAt) < r.config.CircuitTimeout {
			r.mu.RUnlock()
			return nil, ErrGatewayUnhealthy
		}
		gw := c.gateway
		r.mu.RUnlock()
		r.touch(key)
		return gw, nil
	}
	r.mu.RUnlock()

	return r.create(ctx, userID, venue, key)
}

func (r *Registry) create(ctx context.Context, userID, venue, key string) (exchange.Gateway, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring the write lock.
	if c, ok := r.gateways[key]; ok {
		r.touchLocked(key)
		return c.gateway, nil
	}

	if len(r.gateways) >= r.config.MaxSize && !r.evictOldestLocked() {
		return nil, ErrPoolFull
	}

	cred, err := r.db.GetCredential(ctx, userID, venue)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: user %s venue %s", ErrNoCredentials, userID, venue)
	}
	if err != nil {
		return nil, err
	}

	apiKey, apiSecret, err := r.crypto.DecryptPair(cred.APIKeyEnc, cred.APISecretEnc)
	if err != nil {
		return nil, fmt.Errorf("decrypt credentials: %w", err)
	}

	gw, err := r.factory(venue, apiKey, apiSecret, cred.Testnet)
	if err != nil {
		return nil, fmt.Errorf("build gateway: %w", err)
	}

	now := time.Now()
	r.gateways[key] = &cached{
		gateway:   gw,
		userID:    userID,
		venue:     venue,
		lastUsed:  now,
		healthyAt: now,
	}
	r.lruOrder = append(r.lruOrder, key)
	return gw, nil
}

// RecordFailure counts a venue failure toward the circuit threshold.
func (r *Registry) RecordFailure(userID, venue string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.gateways[userID+"|"+venue]; ok {
		c.failures++
	}
}

// RecordSuccess resets the failure counter.
func (r *Registry) RecordSuccess(userID, venue string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.gateways[userID+"|"+venue]; ok {
		c.failures = 0
		c.healthyAt = time.Now()
	}
}

// Remove drops all cached gateways for a user, e.g. after a credential
// change.
func (r *Registry) Remove(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, c := range r.gateways {
		if c.userID == userID {
			r.closeLocked(key)
		}
	}
}

// CleanupIdle evicts gateways unused longer than the idle timeout and
// returns how many were removed.
func (r *Registry) CleanupIdle() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, c := range r.gateways {
		if now.Sub(c.lastUsed) > r.config.IdleTimeout {
			r.closeLocked(key)
			removed++
		}
	}
	return removed
}

// Start runs periodic idle cleanup until the context is cancelled.
func (r *Registry) Start(ctx context.Context) {
	interval := r.config.IdleTimeout / 2
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.CleanupIdle()
			}
		}
	}()
}

// Stats summarizes the pool.
func (r *Registry) Stats() PoolStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := PoolStats{
		Total:   len(r.gateways),
		MaxSize: r.config.MaxSize,
		ByVenue: make(map[string]int),
	}
	for _, c := range r.gateways {
		stats.ByVenue[c.venue]++
		if c.failures >= r.config.FailureThreshold {
			stats.Unhealthy++
		}
	}
	return stats
}

// PoolStats contains gateway pool statistics.
type PoolStats struct {
	Total     int            `json:"total"`
	MaxSize   int            `json:"max_size"`
	ByVenue   map[string]int `json:"by_venue"`
	Unhealthy int            `json:"unhealthy"`
}

func (r *Registry) touch(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touchLocked(key)
}

func (r *Registry) touchLocked(key string) {
	if c, ok := r.gateways[key]; ok {
		c.lastUsed = time.Now()
	}
	for i, k := range r.lruOrder {
		if k == key {
			r.lruOrder = append(r.lruOrder[:i], r.lruOrder[i+1:]...)
			r.lruOrder = append(r.lruOrder, key)
			break
		}
	}
}

func (r *Registry) closeLocked(key string) {
	if c, ok := r.gateways[key]; ok {
		if closer, ok := c.gateway.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
		delete(r.gateways, key)
	}
	for i, k := range r.lruOrder {
		if k == key {
			r.lruOrder = append(r.lruOrder[:i], r.lruOrder[i+1:]...)
			break
		}
	}
}

func (r *Registry) evictOldestLocked() bool {
	if len(r.lruOrder) == 0 {
		return false
	}
	r.closeLocked(r.lruOrder[0])
	return true
}
