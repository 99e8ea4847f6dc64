package auth

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"leaderboard/crypto"
	"leaderboard/storage"
)

func TestStoredNoncesSurviveAuthenticatorRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nonces")
	db, err := storage.NewLevelDB(path)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	backend, err := NewStoredNonces(db)
	if err != nil {
		t.Fatalf("wrap database: %v", err)
	}
	key, _ := crypto.GeneratePrivateKey()
	now := time.Unix(1_717_787_717, 0).UTC()
	payload := []byte("payload")
	opts := Options{TimestampSkew: time.Minute, NonceTTL: 5 * time.Minute, NonceCapacity: 32, Now: func() time.Time { return now }}

	opts.Persistence = backend
	auth := NewAuthenticator(opts)
	if _, err := auth.Authenticate(signedRequest(t, key, http.MethodPost, "https://example.test/v1/scores", payload, now, "nonce-restart"), payload); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	db.Close()

	db, err = storage.NewLevelDB(path)
	if err != nil {
		t.Fatalf("reopen database: %v", err)
	}
	defer db.Close()
	reopened, err := NewStoredNonces(db)
	if err != nil {
		t.Fatalf("wrap database: %v", err)
	}

	records, err := reopened.RecentNonces(context.Background(), now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("recent nonces: %v", err)
	}
	if len(records) != 1 || records[0].Nonce != "nonce-restart" || records[0].Caller != key.Identity() {
		t.Fatalf("unexpected records: %+v", records)
	}
	if !records[0].ObservedAt.Equal(now) {
		t.Fatalf("observed at %s, want %s", records[0].ObservedAt, now)
	}

	opts.Persistence = reopened
	authRestart := NewAuthenticator(opts)
	if err := authRestart.HydrateNonces(context.Background(), now.Add(-5*time.Minute)); err != nil {
		t.Fatalf("hydrate restart: %v", err)
	}
	if _, err := authRestart.Authenticate(signedRequest(t, key, http.MethodPost, "https://example.test/v1/scores", payload, now, "nonce-restart"), payload); !errors.Is(err, ErrReplayedRequest) {
		t.Fatalf("expected nonce replay after restart, got %v", err)
	}
}

func TestStoredNoncesKeyByCallerAddress(t *testing.T) {
	backend, err := NewStoredNonces(storage.NewMemDB())
	if err != nil {
		t.Fatalf("wrap database: %v", err)
	}
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0).UTC()
	alice, bob := [20]byte{0x01}, [20]byte{0x02}

	// A separator inside the headers must not let two pairs collide.
	first := NonceRecord{Caller: alice, Timestamp: "1700000000", Nonce: "a|b", ObservedAt: now}
	second := NonceRecord{Caller: alice, Timestamp: "1700000000|a", Nonce: "b", ObservedAt: now}
	for _, rec := range []NonceRecord{first, second} {
		existed, err := backend.EnsureNonce(ctx, rec)
		if err != nil || existed {
			t.Fatalf("ensure %+v: existed=%v err=%v", rec, existed, err)
		}
	}
	existed, err := backend.EnsureNonce(ctx, NonceRecord{Caller: bob, Timestamp: first.Timestamp, Nonce: first.Nonce, ObservedAt: now})
	if err != nil || existed {
		t.Fatalf("another caller may reuse the pair: existed=%v err=%v", existed, err)
	}
	existed, err = backend.EnsureNonce(ctx, first)
	if err != nil || !existed {
		t.Fatalf("repeat ensure: existed=%v err=%v", existed, err)
	}

	records, err := backend.RecentNonces(ctx, now)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %+v", records)
	}
}

func TestStoredNoncesPrune(t *testing.T) {
	backend, err := NewStoredNonces(storage.NewMemDB())
	if err != nil {
		t.Fatalf("wrap database: %v", err)
	}
	ctx := context.Background()
	old := time.Unix(1_700_000_000, 0).UTC()
	fresh := old.Add(time.Hour)
	caller := [20]byte{0xab}

	stale := NonceRecord{Caller: caller, Timestamp: "1700000000", Nonce: "n", ObservedAt: old}
	if _, err := backend.EnsureNonce(ctx, stale); err != nil {
		t.Fatalf("ensure stale: %v", err)
	}
	if _, err := backend.EnsureNonce(ctx, NonceRecord{Caller: caller, Timestamp: "1700003600", Nonce: "m", ObservedAt: fresh}); err != nil {
		t.Fatalf("ensure fresh: %v", err)
	}
	if err := backend.PruneNonces(ctx, old.Add(time.Second)); err != nil {
		t.Fatalf("prune: %v", err)
	}
	records, err := backend.RecentNonces(ctx, old.Add(-time.Hour))
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(records) != 1 || records[0].Nonce != "m" {
		t.Fatalf("expected only the fresh record, got %+v", records)
	}
	// The pruned pair is forgotten and may be recorded again.
	existed, err := backend.EnsureNonce(ctx, stale)
	if err != nil || existed {
		t.Fatalf("ensure after prune: existed=%v err=%v", existed, err)
	}
	if _, err := backend.EnsureNonce(ctx, NonceRecord{Caller: caller}); !errors.Is(err, errIncompleteRecord) {
		t.Fatalf("expected incomplete record to be rejected, got %v", err)
	}
	if _, err := NewStoredNonces(nil); !errors.Is(err, errNilNonceDatabase) {
		t.Fatalf("expected nil database to be rejected, got %v", err)
	}
}
