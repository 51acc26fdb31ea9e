package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/openbt/gattcore/internal/cache/sqlite"
	"github.com/openbt/gattcore/internal/gattc"
)

func openMemStore(t *testing.T, frontCacheSize int) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(":memory:", frontCacheSize)
	if err != nil {
		t.Fatalf("sqlite.Open(:memory:): %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testPeer(b byte) gattc.PeerAddress {
	return gattc.PeerAddress{b, b, b, b, b, b}
}

func TestOpen_FileDB_CreatesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.db")

	s, err := sqlite.Open(path, 0)
	if err != nil {
		t.Fatalf("Open(%q): %v", path, err)
	}
	_ = s.Close()
}

func TestLoad_UnknownPeer_ReturnsEmptyDatabase(t *testing.T) {
	s := openMemStore(t, 0)
	ctx := context.Background()

	db, err := s.Load(ctx, testPeer(0xAA))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !db.Empty() {
		t.Errorf("expected an empty Database for an unknown peer, got %+v", db)
	}
}

func TestStoreThenLoad_RoundTrips(t *testing.T) {
	s := openMemStore(t, 0)
	ctx := context.Background()
	peer := testPeer(0xBB)

	want := gattc.Database{Raw: []byte("service table bytes"), Hash: [16]byte{0x01, 0x02, 0x03}}
	if err := s.Store(ctx, peer, want); err != nil {
		t.Fatalf("Store: %v", err)
	}

	got, err := s.Load(ctx, peer)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(got.Raw) != string(want.Raw) || got.Hash != want.Hash {
		t.Errorf("Load = %+v, want %+v", got, want)
	}
}

func TestStore_OverwritesExistingRow(t *testing.T) {
	s := openMemStore(t, 0)
	ctx := context.Background()
	peer := testPeer(0xCC)

	first := gattc.Database{Raw: []byte("v1"), Hash: [16]byte{0x01}}
	second := gattc.Database{Raw: []byte("v2"), Hash: [16]byte{0x02}}

	if err := s.Store(ctx, peer, first); err != nil {
		t.Fatalf("Store first: %v", err)
	}
	if err := s.Store(ctx, peer, second); err != nil {
		t.Fatalf("Store second: %v", err)
	}

	got, err := s.Load(ctx, peer)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(got.Raw) != "v2" || got.Hash != second.Hash {
		t.Errorf("Load = %+v, want the second write to win", got)
	}
}

func TestReset_ClearsStoredDatabase(t *testing.T) {
	s := openMemStore(t, 0)
	ctx := context.Background()
	peer := testPeer(0xDD)

	_ = s.Store(ctx, peer, gattc.Database{Raw: []byte("x"), Hash: [16]byte{0x09}})
	if err := s.Reset(ctx, peer); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	got, err := s.Load(ctx, peer)
	if err != nil {
		t.Fatalf("Load after Reset: %v", err)
	}
	if !got.Empty() {
		t.Errorf("expected empty Database after Reset, got %+v", got)
	}
}

func TestFrontCache_ServesWithoutReopeningUnderlyingRow(t *testing.T) {
	s := openMemStore(t, 4)
	ctx := context.Background()
	peer := testPeer(0xEE)

	want := gattc.Database{Raw: []byte("cached"), Hash: [16]byte{0x07}}
	if err := s.Store(ctx, peer, want); err != nil {
		t.Fatalf("Store: %v", err)
	}

	// Two Loads in a row must agree; the second is served from the LRU layer.
	for i := 0; i < 2; i++ {
		got, err := s.Load(ctx, peer)
		if err != nil {
			t.Fatalf("Load %d: %v", i, err)
		}
		if string(got.Raw) != "cached" {
			t.Errorf("Load %d = %+v, want Raw=\"cached\"", i, got)
		}
	}
}

func TestFrontCache_EvictedOnReset(t *testing.T) {
	s := openMemStore(t, 4)
	ctx := context.Background()
	peer := testPeer(0xFA)

	_ = s.Store(ctx, peer, gattc.Database{Raw: []byte("x"), Hash: [16]byte{0x01}})
	_, _ = s.Load(ctx, peer) // warm the front cache
	if err := s.Reset(ctx, peer); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	got, err := s.Load(ctx, peer)
	if err != nil {
		t.Fatalf("Load after Reset: %v", err)
	}
	if !got.Empty() {
		t.Errorf("expected Reset to evict the front-cache entry too, got %+v", got)
	}
}

// TestStore_ImplementsCacheStoreInterface verifies at compile time that
// *Store satisfies gattc.CacheStore.
func TestStore_ImplementsCacheStoreInterface(t *testing.T) {
	var _ gattc.CacheStore = (*sqlite.Store)(nil)
}
