package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"trading-engine/pkg/crypto"
	"trading-engine/pkg/db"
	"trading-engine/pkg/exchange"
)

func testKeyManager(t *testing.T) *crypto.KeyManager {
	t.Helper()
	key := base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
	t.Setenv("MASTER_ENCRYPTION_KEY", key)
	km, err := crypto.NewKeyManager()
	if err != nil {
		t.Fatalf("key manager: %v", err)
	}
	return km
}

func testDB(t *testing.T) *db.Database {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	return database
}

func storeCredential(t *testing.T, database *db.Database, km *crypto.KeyManager, userID, venue, apiKey, apiSecret string) {
	t.Helper()
	keyEnc, err := km.Encrypt(apiKey)
	if err != nil {
		t.Fatalf("encrypt key: %v", err)
	}
	secretEnc, err := km.Encrypt(apiSecret)
	if err != nil {
		t.Fatalf("encrypt secret: %v", err)
	}
	err = database.UpsertCredential(context.Background(), db.Credential{
		UserID: userID, Exchange: venue, APIKeyEnc: keyEnc, APISecretEnc: secretEnc,
	})
	if err != nil {
		t.Fatalf("store credential: %v", err)
	}
}

type factoryRecorder struct {
	calls   int
	lastKey string
	fail    error
}

func (f *factoryRecorder) build(venue, apiKey, apiSecret string, testnet bool) (exchange.Gateway, error) {
	f.calls++
	f.lastKey = apiKey
	if f.fail != nil {
		return nil, f.fail
	}
	return exchange.NewPaperGateway(), nil
}

func TestResolveBuildsFromStoredCredentials(t *testing.T) {
	km := testKeyManager(t)
	database := testDB(t)
	storeCredential(t, database, km, "alice", "binance", "AK", "SK")

	rec := &factoryRecorder{}
	reg := NewRegistry(database, km, rec.build, DefaultConfig())

	gw, err := reg.Resolve(context.Background(), "alice", "binance")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if gw == nil || rec.calls != 1 {
		t.Fatalf("gateway %v, factory calls %d", gw, rec.calls)
	}
	if rec.lastKey != "AK" {
		t.Errorf("factory got api key %q, decryption broken", rec.lastKey)
	}

	// Second resolve hits the cache.
	gw2, err := reg.Resolve(context.Background(), "alice", "binance")
	if err != nil {
		t.Fatalf("second Resolve failed: %v", err)
	}
	if gw2 != gw || rec.calls != 1 {
		t.Errorf("cache miss: calls = %d", rec.calls)
	}
}

func TestResolveWithoutCredentials(t *testing.T) {
	km := testKeyManager(t)
	reg := NewRegistry(testDB(t), km, (&factoryRecorder{}).build, DefaultConfig())

	_, err := reg.Resolve(context.Background(), "nobody", "binance")
	if !errors.Is(err, ErrNoCredentials) {
		t.Errorf("err = %v, expected ErrNoCredentials", err)
	}
}

func TestDryRunBypassesCredentials(t *testing.T) {
	km := testKeyManager(t)
	rec := &factoryRecorder{}
	reg := NewRegistry(testDB(t), km, rec.build, DefaultConfig())
	reg.DryRun = true

	gw, err := reg.Resolve(context.Background(), "anyone", "binance")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if gw != reg.Paper() {
		t.Error("dry run should return the shared paper gateway")
	}
	if rec.calls != 0 {
		t.Errorf("factory called %d times in dry run", rec.calls)
	}
}

func TestCircuitOpensAfterFailures(t *testing.T) {
	km := testKeyManager(t)
	database := testDB(t)
	storeCredential(t, database, km, "alice", "binance", "AK", "SK")

	cfg := DefaultConfig()
	cfg.FailureThreshold = 2
	reg := NewRegistry(database, km, (&factoryRecorder{}).build, cfg)

	if _, err := reg.Resolve(context.Background(), "alice", "binance"); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	reg.RecordFailure("alice", "binance")
	reg.RecordFailure("alice", "binance")

	if _, err := reg.Resolve(context.Background(), "alice", "binance"); !errors.Is(err, ErrGatewayUnhealthy) {
		t.Errorf("err = %v, expected ErrGatewayUnhealthy", err)
	}

	reg.RecordSuccess("alice", "binance")
	if _, err := reg.Resolve(context.Background(), "alice", "binance"); err != nil {
		t.Errorf("circuit did not close after success: %v", err)
	}
}

func TestRemoveDropsUserGateways(t *testing.T) {
	km := testKeyManager(t)
	database := testDB(t)
	storeCredential(t, database, km, "alice", "binance", "AK", "SK")

	rec := &factoryRecorder{}
	reg := NewRegistry(database, km, rec.build, DefaultConfig())

	if _, err := reg.Resolve(context.Background(), "alice", "binance"); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	reg.Remove("alice")

	if _, err := reg.Resolve(context.Background(), "alice", "binance"); err != nil {
		t.Fatalf("Resolve after remove failed: %v", err)
	}
	if rec.calls != 2 {
		t.Errorf("factory calls = %d, expected rebuild after remove", rec.calls)
	}
}

func TestCleanupIdleEvicts(t *testing.T) {
	km := testKeyManager(t)
	database := testDB(t)
	storeCredential(t, database, km, "alice", "binance", "AK", "SK")

	cfg := DefaultConfig()
	cfg.IdleTimeout = time.Nanosecond
	reg := NewRegistry(database, km, (&factoryRecorder{}).build, cfg)

	if _, err := reg.Resolve(context.Background(), "alice", "binance"); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	time.Sleep(time.Millisecond)

	if removed := reg.CleanupIdle(); removed != 1 {
		t.Errorf("removed = %d", removed)
	}
	if stats := reg.Stats(); stats.Total != 0 {
		t.Errorf("pool size = %d after cleanup", stats.Total)
	}
}

func TestLRUEvictionAtCapacity(t *testing.T) {
	km := testKeyManager(t)
	database := testDB(t)
	storeCredential(t, database, km, "alice", "binance", "AK1", "SK1")
	storeCredential(t, database, km, "bob", "binance", "AK2", "SK2")
	storeCredential(t, database, km, "carol", "binance", "AK3", "SK3")

	cfg := DefaultConfig()
	cfg.MaxSize = 2
	rec := &factoryRecorder{}
	reg := NewRegistry(database, km, rec.build, cfg)

	ctx := context.Background()
	for _, user := range []string{"alice", "bob", "carol"} {
		if _, err := reg.Resolve(ctx, user, "binance"); err != nil {
			t.Fatalf("Resolve %s failed: %v", user, err)
		}
	}

	stats := reg.Stats()
	if stats.Total != 2 {
		t.Errorf("pool size = %d, expected eviction to cap at 2", stats.Total)
	}

	// alice was oldest; resolving again rebuilds her gateway.
	if _, err := reg.Resolve(ctx, "alice", "binance"); err != nil {
		t.Fatalf("Resolve alice failed: %v", err)
	}
	if rec.calls != 4 {
		t.Errorf("factory calls = %d, expected 4", rec.calls)
	}
}
