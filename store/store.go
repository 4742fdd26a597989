// Package store is a content-addressed cache of compiled program images,
// keyed by the SHA-256 of the source text. Re-running an unchanged script
// loads the linked image instead of recompiling it.
package store

import (
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vesper-lang/vesper/pkg/bytecode"
)

// ErrMiss is returned by Lookup when no image matches the source hash.
var ErrMiss = errors.New("store: image not found")

// Store is a SQLite-backed image cache. Safe for use by one process; the
// database serializes concurrent writers.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS images (
	hash       BLOB PRIMARY KEY,
	name       TEXT NOT NULL,
	version    INTEGER NOT NULL,
	image      BLOB NOT NULL,
	created_at INTEGER NOT NULL
);
`

// Open opens (or creates) an image store at path. ":memory:" works for
// tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Key hashes source text into its cache key.
func Key(source string) [32]byte {
	return sha256.Sum256([]byte(source))
}

// Put serializes and stores an image under the source hash. An existing
// entry for the same hash is replaced.
func (s *Store) Put(source, name string, img *bytecode.Image) error {
	data, err := img.Serialize()
	if err != nil {
		return fmt.Errorf("store: serialize image: %w", err)
	}
	key := Key(source)
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO images (hash, name, version, image, created_at) VALUES (?, ?, ?, ?, ?)`,
		key[:], name, int64(bytecode.ImageVersion), data, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("store: put image: %w", err)
	}
	return nil
}

// Lookup loads the image compiled from exactly this source text, or ErrMiss.
// Entries written by an older image format are treated as misses and
// evicted.
func (s *Store) Lookup(source string) (*bytecode.Image, error) {
	key := Key(source)
	var data []byte
	var version int64
	err := s.db.QueryRow(
		`SELECT image, version FROM images WHERE hash = ?`, key[:],
	).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("store: lookup image: %w", err)
	}
	if version != int64(bytecode.ImageVersion) {
		s.evict(key)
		return nil, ErrMiss
	}
	img, err := bytecode.LoadImage(data)
	if err != nil {
		// A corrupt entry is a miss, not a failure; drop it.
		s.evict(key)
		return nil, ErrMiss
	}
	return img, nil
}

func (s *Store) evict(key [32]byte) {
	s.db.Exec(`DELETE FROM images WHERE hash = ?`, key[:])
}

// Len reports the number of cached images.
func (s *Store) Len() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM images`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count images: %w", err)
	}
	return n, nil
}
