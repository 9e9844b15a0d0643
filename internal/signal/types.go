package signal

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Direction of a trade recommendation.
type Direction string

const (
	DirectionLong    Direction = "long"
	DirectionShort   Direction = "short"
	DirectionNeutral Direction = "neutral"
)

// Signal is a directional trade recommendation emitted by a strategy or model.
// Immutable once emitted; the ID doubles as the pipeline's idempotency key.
type Signal struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	Symbol        string    `json:"symbol"`
	Exchange      string    `json:"exchange"`
	Direction     Direction `json:"direction"`
	Confidence    float64   `json:"confidence"`
	SuggestedSize float64   `json:"suggested_size,omitempty"`
	StrategyID    string    `json:"strategy_id"`
	GeneratedAt   time.Time `json:"generated_at"`
	ExpiresAt     time.Time `json:"expires_at,omitempty"`
	ScheduledAt   time.Time `json:"scheduled_at,omitempty"`
}

// Key returns the serialization key that guards the one-open-position rule.
func (s Signal) Key() string {
	return s.UserID + "|" + s.Symbol + "|" + s.Exchange
}

// Expired reports whether the signal's validity window has passed.
func (s Signal) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// Deferred reports whether the signal is scheduled for a future time.
func (s Signal) Deferred(now time.Time) bool {
	return !s.ScheduledAt.IsZero() && now.Before(s.ScheduledAt)
}

// ValidationError marks a malformed signal. Such messages are discarded
// rather than retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid signal: %s %s", e.Field, e.Reason)
}

// Validate checks structural correctness before the signal enters the pipeline.
func (s Signal) Validate() error {
	switch {
	case s.ID == "":
		return &ValidationError{Field: "id", Reason: "is required"}
	case s.UserID == "":
		return &ValidationError{Field: "user_id", Reason: "is required"}
	case s.Symbol == "":
		return &ValidationError{Field: "symbol", Reason: "is required"}
	case s.Exchange == "":
		return &ValidationError{Field: "exchange", Reason: "is required"}
	case s.Confidence < 0 || s.Confidence > 1:
		return &ValidationError{Field: "confidence", Reason: "must be in [0,1]"}
	case s.SuggestedSize < 0:
		return &ValidationError{Field: "suggested_size", Reason: "must be non-negative"}
	}
	switch s.Direction {
	case DirectionLong, DirectionShort, DirectionNeutral:
	default:
		return &ValidationError{Field: "direction", Reason: "must be long, short or neutral"}
	}
	return nil
}

// ClientOrderID derives the exchange-side idempotency key for a signal.
// Retries reuse attempt 0 so the venue deduplicates resubmissions; the
// attempt parameter exists for explicit follow-up orders (e.g. closes).
func ClientOrderID(signalID string, attempt int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", signalID, attempt)))
	return "sig" + hex.EncodeToString(sum[:14])
}

// Envelope is the durable queue's wire format around a Signal.
type Envelope struct {
	ID              string    `json:"id"`
	Type            string    `json:"type"`
	Payload         Signal    `json:"payload"`
	RedeliveryCount int       `json:"redelivery_count"`
	EnqueuedAt      time.Time `json:"enqueued_at"`
}

// TypeTradeSignal is the only envelope type the pipeline consumes.
const TypeTradeSignal = "trade_signal"

// NewEnvelope wraps a signal for delivery. The envelope ID follows the
// signal ID so WAL completion tracking and dedup share one key.
func NewEnvelope(s Signal) Envelope {
	return Envelope{
		ID:         s.ID,
		Type:       TypeTradeSignal,
		Payload:    s,
		EnqueuedAt: time.Now().UTC(),
	}
}
