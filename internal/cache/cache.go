// Package cache stores query results per session identity. A result is only
// ever served to the identity that produced it, and Reset discards
// everything; the session manager calls Reset on every identity change.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// MemoryPath selects the in-memory store.
const MemoryPath = ":memory:"

// Store is a result cache keyed by (identity, key).
type Store interface {
	// Get returns the cached data. Expired entries and entries stored under
	// another identity miss.
	Get(ctx context.Context, identity, key string) ([]byte, bool, error)

	// Put stores data for ttl. A non-positive ttl stores nothing.
	Put(ctx context.Context, identity, key string, data []byte, ttl time.Duration) error

	// Reset discards every entry for every identity.
	Reset(ctx context.Context) error

	Close() error
}

// Open returns the in-memory store for "" or MemoryPath, otherwise a SQLite
// store at path.
func Open(path string, logger *slog.Logger) (Store, error) {
	if path == "" || path == MemoryPath {
		return NewMemoryStore(), nil
	}

	return OpenSQLite(path, logger)
}

// Key derives the cache key for a query and its variables. Query text is
// NFC-normalized and whitespace-collapsed so that formatting differences do
// not split the cache; variables are encoded as canonical JSON (sorted keys).
func Key(query string, variables map[string]any) (string, error) {
	q := strings.Join(strings.Fields(norm.NFC.String(query)), " ")

	vars := []byte("null")
	if len(variables) > 0 {
		var err error

		vars, err = json.Marshal(variables)
		if err != nil {
			return "", fmt.Errorf("cache: encoding variables: %w", err)
		}
	}

	h := sha256.New()
	h.Write([]byte(q))
	h.Write([]byte{0})
	h.Write(vars)

	return hex.EncodeToString(h.Sum(nil)), nil
}
