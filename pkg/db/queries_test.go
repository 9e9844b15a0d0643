package db

import (
	"context"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return database
}

func TestQueriesRequireUserID(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	t.Run("ListOpenPositions requires userID", func(t *testing.T) {
		_, err := database.ListOpenPositions(ctx, "")
		if err != ErrUserIDRequired {
			t.Errorf("expected ErrUserIDRequired, got %v", err)
		}
	})

	t.Run("ListTradesByUser requires userID", func(t *testing.T) {
		_, err := database.ListTradesByUser(ctx, "", 100)
		if err != ErrUserIDRequired {
			t.Errorf("expected ErrUserIDRequired, got %v", err)
		}
	})

	t.Run("GetDailyLoss requires userID", func(t *testing.T) {
		_, err := database.GetDailyLoss(ctx, "", time.Now())
		if err != ErrUserIDRequired {
			t.Errorf("expected ErrUserIDRequired, got %v", err)
		}
	})
}

func TestOpenPositionUniqueness(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	base := Position{
		ID:            "pos-1",
		UserID:        "user-a",
		Symbol:        "BTC/USDT",
		Exchange:      "binance",
		Direction:     "long",
		EntryPrice:    50000,
		Qty:           0.1,
		State:         "open",
		ClientOrderID: "coid-1",
		OpenedAt:      time.Now(),
	}
	if err := database.CreatePosition(ctx, base); err != nil {
		t.Fatalf("Failed to create position: %v", err)
	}

	// Second open position for the same key must violate the partial index.
	dup := base
	dup.ID = "pos-2"
	dup.ClientOrderID = "coid-2"
	if err := database.CreatePosition(ctx, dup); err == nil {
		t.Fatal("expected unique constraint violation for duplicate open position")
	}

	// After closing the first, a new open position for the key is allowed.
	if err := database.ClosePosition(ctx, "pos-1", 51000, time.Now()); err != nil {
		t.Fatalf("Failed to close position: %v", err)
	}
	if err := database.CreatePosition(ctx, dup); err != nil {
		t.Fatalf("expected insert after close to succeed, got %v", err)
	}
}

func TestPositionDataIsolation(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	now := time.Now()
	for i, userID := range []string{"user-a", "user-b"} {
		p := Position{
			ID:            "pos-" + userID,
			UserID:        userID,
			Symbol:        "ETH/USDT",
			Exchange:      "binance",
			Direction:     "long",
			EntryPrice:    3000,
			Qty:           float64(i + 1),
			State:         "open",
			ClientOrderID: "coid-" + userID,
			OpenedAt:      now,
		}
		if err := database.CreatePosition(ctx, p); err != nil {
			t.Fatalf("Failed to create position for %s: %v", userID, err)
		}
	}

	positions, err := database.ListOpenPositions(ctx, "user-a")
	if err != nil {
		t.Fatalf("Failed to list positions: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(positions))
	}
	if positions[0].UserID != "user-a" {
		t.Errorf("expected user-a position, got %s", positions[0].UserID)
	}

	n, err := database.CountOpenPositions(ctx, "user-b")
	if err != nil {
		t.Fatalf("Failed to count positions: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 open position for user-b, got %d", n)
	}
}

func TestOrderReplayCheck(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	ok, err := database.HasOrder(ctx, "coid-missing")
	if err != nil {
		t.Fatalf("HasOrder error: %v", err)
	}
	if ok {
		t.Error("expected HasOrder false for unknown id")
	}

	o := Order{
		ClientOrderID: "coid-1",
		SignalID:      "sig-1",
		UserID:        "user-a",
		Symbol:        "BTC/USDT",
		Exchange:      "binance",
		Side:          "BUY",
		Type:          "MARKET",
		Qty:           0.1,
		Status:        "FILLED",
		FilledQty:     0.1,
		AvgFillPrice:  50000,
	}
	if err := database.CreateOrder(ctx, o); err != nil {
		t.Fatalf("Failed to create order: %v", err)
	}

	ok, err = database.HasOrder(ctx, "coid-1")
	if err != nil {
		t.Fatalf("HasOrder error: %v", err)
	}
	if !ok {
		t.Error("expected HasOrder true after insert")
	}
}

func TestDailyLossAccumulation(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	day := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	if err := database.AddDailyResult(ctx, "user-a", -120, day); err != nil {
		t.Fatalf("AddDailyResult error: %v", err)
	}
	if err := database.AddDailyResult(ctx, "user-a", 50, day); err != nil {
		t.Fatalf("AddDailyResult error: %v", err)
	}
	if err := database.AddDailyResult(ctx, "user-a", -30, day); err != nil {
		t.Fatalf("AddDailyResult error: %v", err)
	}

	loss, err := database.GetDailyLoss(ctx, "user-a", day)
	if err != nil {
		t.Fatalf("GetDailyLoss error: %v", err)
	}
	if loss != 150 {
		t.Errorf("daily loss=%v, expected 150 (gains do not offset)", loss)
	}

	// Different day starts clean.
	loss, err = database.GetDailyLoss(ctx, "user-a", day.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("GetDailyLoss error: %v", err)
	}
	if loss != 0 {
		t.Errorf("next-day loss=%v, expected 0", loss)
	}
}
