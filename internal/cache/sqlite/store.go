// Package sqlite provides a WAL-mode SQLite-backed gattc.CacheStore with an
// in-memory LRU front cache, so Load for a hot peer never touches disk.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql

	"github.com/openbt/gattcore/internal/gattc"
)

// Store is a WAL-mode SQLite-backed gattc.CacheStore. It is safe for
// concurrent use.
type Store struct {
	db    *sql.DB
	front *lru.Cache[gattc.PeerAddress, gattc.Database]
}

// Open opens (or creates) the SQLite database at path, enables WAL journal
// mode, and applies the schema. If path is ":memory:", an in-memory database
// is used; this is suitable for tests but loses all data when closed.
//
// frontCacheSize bounds the in-memory LRU layer; a value of 0 disables it and
// every Load/Store round-trips through SQLite.
func Open(path string, frontCacheSize int) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("cache: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time; serialize through a single
	// connection rather than fighting "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cache: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cache: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cache: apply schema: %w", err)
	}

	s := &Store{db: db}
	if frontCacheSize > 0 {
		front, err := lru.New[gattc.PeerAddress, gattc.Database](frontCacheSize)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("cache: new LRU: %w", err)
		}
		s.front = front
	}
	return s, nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS gatt_db_cache (
    peer       BLOB PRIMARY KEY,
    hash       BLOB NOT NULL,
    raw        BLOB NOT NULL,
    updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);
`

// Load implements gattc.CacheStore. A peer with no stored row returns a
// zero-value Database (Empty() reports true), not an error.
func (s *Store) Load(ctx context.Context, peer gattc.PeerAddress) (gattc.Database, error) {
	if s.front != nil {
		if db, ok := s.front.Get(peer); ok {
			return db, nil
		}
	}

	var hash, raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT hash, raw FROM gatt_db_cache WHERE peer = ?`, peer[:],
	).Scan(&hash, &raw)
	if err == sql.ErrNoRows {
		return gattc.Database{}, nil
	}
	if err != nil {
		return gattc.Database{}, fmt.Errorf("cache: load %s: %w", peer, err)
	}

	db := gattc.Database{Raw: raw}
	copy(db.Hash[:], hash)
	if s.front != nil {
		s.front.Add(peer, db)
	}
	return db, nil
}

// Store implements gattc.CacheStore, upserting the cached database for peer.
func (s *Store) Store(ctx context.Context, peer gattc.PeerAddress, db gattc.Database) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO gatt_db_cache (peer, hash, raw) VALUES (?, ?, ?)
		 ON CONFLICT(peer) DO UPDATE SET hash = excluded.hash, raw = excluded.raw,
		     updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')`,
		peer[:], db.Hash[:], db.Raw,
	)
	if err != nil {
		return fmt.Errorf("cache: store %s: %w", peer, err)
	}
	if s.front != nil {
		s.front.Add(peer, db)
	}
	return nil
}

// Reset implements gattc.CacheStore, discarding any cached database for peer
// (fired when robust-caching detects the server's database has changed out
// from under a stale hash).
func (s *Store) Reset(ctx context.Context, peer gattc.PeerAddress) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM gatt_db_cache WHERE peer = ?`, peer[:]); err != nil {
		return fmt.Errorf("cache: reset %s: %w", peer, err)
	}
	if s.front != nil {
		s.front.Remove(peer)
	}
	return nil
}

// Close closes the underlying database connection. Subsequent calls to any
// method are undefined; callers must not use the store after Close returns.
func (s *Store) Close() error {
	return s.db.Close()
}
