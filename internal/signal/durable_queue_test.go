package signal

import (
	"context"
	"testing"
	"time"
)

func newTestSignal(id string) Signal {
	return Signal{
		ID:          id,
		UserID:      "u1",
		Symbol:      "BTC/USDT",
		Exchange:    "paper",
		Direction:   DirectionLong,
		Confidence:  0.85,
		StrategyID:  "momentum-1",
		GeneratedAt: time.Now().UTC(),
	}
}

func TestDurableQueueRecovery(t *testing.T) {
	dir := t.TempDir()

	dq, err := NewDurableQueue(dir, 16)
	if err != nil {
		t.Fatalf("NewDurableQueue failed: %v", err)
	}

	for _, id := range []string{"sig-1", "sig-2", "sig-3"} {
		if !dq.Enqueue(NewEnvelope(newTestSignal(id))) {
			t.Fatalf("enqueue %s failed", id)
		}
	}
	dq.MarkComplete("sig-2")
	dq.Close()

	// Simulated restart: only the uncompleted envelopes come back, each
	// with a bumped redelivery count.
	dq2, err := NewDurableQueue(dir, 16)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer dq2.Close()

	if err := dq2.Recover(); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if got := dq2.GetMetrics().Recovered; got != 2 {
		t.Fatalf("recovered %d envelopes, expected 2", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	seen := make(map[string]int)
	go func() {
		dq2.Drain(ctx, func(env Envelope) {
			seen[env.ID] = env.RedeliveryCount
			dq2.MarkComplete(env.ID)
			if len(seen) == 2 {
				cancel()
			}
		})
	}()
	<-ctx.Done()

	if _, ok := seen["sig-2"]; ok {
		t.Error("completed envelope sig-2 was recovered")
	}
	for _, id := range []string{"sig-1", "sig-3"} {
		count, ok := seen[id]
		if !ok {
			t.Errorf("envelope %s not recovered", id)
			continue
		}
		if count != 1 {
			t.Errorf("envelope %s redelivery count = %d, expected 1", id, count)
		}
	}
}

func TestDurableQueueCompaction(t *testing.T) {
	dir := t.TempDir()

	dq, err := NewDurableQueue(dir, 64)
	if err != nil {
		t.Fatalf("NewDurableQueue failed: %v", err)
	}
	// Enough completions to trigger compaction on the next recovery.
	for i := 0; i < 15; i++ {
		env := NewEnvelope(newTestSignal(string(rune('a' + i))))
		dq.Enqueue(env)
		dq.MarkComplete(env.ID)
	}
	dq.Close()

	dq2, err := NewDurableQueue(dir, 64)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer dq2.Close()
	if err := dq2.Recover(); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if got := dq2.GetMetrics().Recovered; got != 0 {
		t.Errorf("recovered %d envelopes, expected 0", got)
	}

	// A compacted log replays clean on a third start.
	dq3, err := NewDurableQueue(dir, 64)
	if err != nil {
		t.Fatalf("third open failed: %v", err)
	}
	defer dq3.Close()
	if err := dq3.Recover(); err != nil {
		t.Fatalf("Recover on compacted WAL failed: %v", err)
	}
	if got := dq3.GetMetrics().Recovered; got != 0 {
		t.Errorf("recovered %d envelopes from compacted WAL, expected 0", got)
	}
}

func TestDurableQueueRejectsAfterClose(t *testing.T) {
	dq, err := NewDurableQueue(t.TempDir(), 4)
	if err != nil {
		t.Fatalf("NewDurableQueue failed: %v", err)
	}
	dq.Close()
	if dq.Enqueue(NewEnvelope(newTestSignal("sig-1"))) {
		t.Error("enqueue after close should fail")
	}
}
