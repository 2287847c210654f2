// Package featcache keeps extracted feature matrices on disk so repeated
// training runs over the same corpus skip the expensive extraction step.
//
// Entries are keyed by the SHA-256 of the clip's bytes and a scope string
// covering every parameter that influences extraction. Only un-augmented
// extractions may be cached.
package featcache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/MrWong99/telepathy/pkg/features"
)

// Options configures [Open].
type Options struct {
	// Dir holds the badger files. Required unless InMemory is set.
	Dir string

	// InMemory keeps the cache in memory only. Useful for tests.
	InMemory bool
}

// Cache is a persistent map from clip content to feature matrix.
// It is safe for concurrent use.
type Cache struct {
	db     *badger.DB
	scope  string
	hits   atomic.Int64
	misses atomic.Int64
}

// Scope returns the cache scope for clips decoded at sampleRate, truncated
// to maxDuration and extracted with cfg.
func Scope(cfg features.Config, sampleRate int, maxDuration time.Duration) string {
	return fmt.Sprintf("%s-%d-%d", cfg.Fingerprint(), sampleRate, maxDuration.Milliseconds())
}

// Open opens or creates the cache.
func Open(opts Options, scope string) (*Cache, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("featcache: Dir is required for on-disk mode")
	}
	dbOpts := badger.DefaultOptions(opts.Dir).WithLogger(badgerLogger{})
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("featcache: open %s: %w", opts.Dir, err)
	}
	return &Cache{db: db, scope: scope}, nil
}

// Close flushes and closes the cache.
func (c *Cache) Close() error { return c.db.Close() }

func (c *Cache) key(clip []byte) []byte {
	sum := sha256.Sum256(clip)
	return []byte("feat/" + c.scope + "/" + hex.EncodeToString(sum[:]))
}

// Get returns the cached matrix for clip. Undecodable entries count as
// misses.
func (c *Cache) Get(clip []byte) (features.Matrix, bool, error) {
	var m features.Matrix
	found := false
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(c.key(clip))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if err := msgpack.Unmarshal(val, &m); err != nil {
				slog.Warn("featcache: dropping undecodable entry", "err", err)
				return nil
			}
			found = m.Rows*m.Cols == len(m.Data)
			return nil
		})
	})
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return features.Matrix{}, false, fmt.Errorf("featcache: get: %w", err)
	}
	if !found {
		c.misses.Add(1)
		return features.Matrix{}, false, nil
	}
	c.hits.Add(1)
	return m, true, nil
}

// Put stores m for clip.
func (c *Cache) Put(clip []byte, m features.Matrix) error {
	val, err := msgpack.Marshal(m)
	if err != nil {
		return fmt.Errorf("featcache: encode: %w", err)
	}
	if err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(c.key(clip), val)
	}); err != nil {
		return fmt.Errorf("featcache: put: %w", err)
	}
	return nil
}

// Stats returns the hit and miss counts since Open.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// badgerLogger forwards badger's messages to slog at debug level, warnings
// and errors at their own levels.
type badgerLogger struct{}

func (badgerLogger) Errorf(f string, a ...any)   { slog.Error("badger: " + fmt.Sprintf(f, a...)) }
func (badgerLogger) Warningf(f string, a ...any) { slog.Warn("badger: " + fmt.Sprintf(f, a...)) }
func (badgerLogger) Infof(f string, a ...any)    { slog.Debug("badger: " + fmt.Sprintf(f, a...)) }
func (badgerLogger) Debugf(f string, a ...any)   { slog.Debug("badger: " + fmt.Sprintf(f, a...)) }

var _ badger.Logger = badgerLogger{}
