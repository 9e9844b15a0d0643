package exchange

import (
	"log"
	"strconv"
	"sync"
	"time"
)

// WeightTracker follows venue-reported request-weight usage so callers can
// back off before the venue bans the key.
type WeightTracker struct {
	used          int
	limit         int
	lastReset     time.Time
	resetInterval time.Duration
	mu            sync.RWMutex
}

// NewWeightTracker creates a tracker for the given weight budget per window.
func NewWeightTracker(limit int, resetInterval time.Duration) *WeightTracker {
	return &WeightTracker{
		limit:         limit,
		resetInterval: resetInterval,
		lastReset:     time.Now(),
	}
}

// UpdateFromHeader records the used weight reported in a response header.
func (w *WeightTracker) UpdateFromHeader(headerValue string) {
	if headerValue == "" {
		return
	}
	used, err := strconv.Atoi(headerValue)
	if err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if time.Since(w.lastReset) >= w.resetInterval {
		w.used = 0
		w.lastReset = time.Now()
	}
	w.used = used

	pct := float64(w.used) / float64(w.limit) * 100
	if pct >= 95 {
		log.Printf("exchange: rate limit critical %d/%d (%.1f%%)", w.used, w.limit, pct)
	} else if pct >= 80 {
		log.Printf("exchange: rate limit warning %d/%d (%.1f%%)", w.used, w.limit, pct)
	}
}

// Usage returns current usage within the window.
func (w *WeightTracker) Usage() (used, limit int, pct float64) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if time.Since(w.lastReset) >= w.resetInterval {
		return 0, w.limit, 0
	}
	return w.used, w.limit, float64(w.used) / float64(w.limit) * 100
}

// ShouldDelay reports whether the next request should wait out the window.
func (w *WeightTracker) ShouldDelay() bool {
	_, _, pct := w.Usage()
	return pct >= 90
}
