// Package cache provides a local, persistent block cache keyed by skylink.
//
// Skylinks are content addresses, so a cached block is valid forever; the
// cache never needs invalidation, only space bounds. Backed by Badger so
// repeated reads of the same stream skip the portal round-trip.
package cache

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/marmos91/skystream/internal/logger"
	"github.com/marmos91/skystream/pkg/skynet"
)

// Cache is a badger-backed skylink -> block store.
type Cache struct {
	db *badger.DB
}

// Open opens (or creates) a cache at dir.
func Open(dir string) (*Cache, error) {
	opts := badger.DefaultOptions(dir).
		WithLogger(nil).
		WithCompactL0OnClose(true)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open block cache at %s: %w", dir, err)
	}
	return &Cache{db: db}, nil
}

// Get returns the cached block for a skylink, or (nil, false) on a miss.
func (c *Cache) Get(link skynet.Skylink) ([]byte, bool) {
	var data []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(link))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if !errors.Is(err, badger.ErrKeyNotFound) {
			logger.Warn("block cache read failed", "skylink", link.String(), "error", err)
		}
		return nil, false
	}
	return data, true
}

// Put stores a block under its skylink. Cache writes are best-effort; a
// failed Put only costs a future portal fetch.
func (c *Cache) Put(link skynet.Skylink, data []byte) {
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(link), data)
	})
	if err != nil {
		logger.Warn("block cache write failed", "skylink", link.String(), "error", err)
	}
}

// Close flushes and closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}
