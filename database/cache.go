package database

import (
	"github.com/tinygraph-incubator/tinygraph/storage"
)

// Cache is a read-only view of the committed schema shared by data
// transactions. It is closed once it has been invalidated and every borrower
// has returned it.
type Cache struct {
	storage     *storage.Storage
	borrowers   int
	invalidated bool
}

// Storage returns the schema storage the cache reads from.
func (c *Cache) Storage() *storage.Storage {
	return c.storage
}

// IsOpen reports whether the cache has not been physically closed.
func (c *Cache) IsOpen() bool {
	return c.storage.IsOpen()
}

func (c *Cache) borrow() {
	c.borrowers++
}

func (c *Cache) unborrow() {
	c.borrowers--
	c.mayClose()
}

func (c *Cache) invalidate() {
	c.invalidated = true
	c.mayClose()
}

func (c *Cache) mayClose() {
	if c.borrowers == 0 && c.invalidated {
		c.storage.Close()
	}
}

// CacheBorrow returns the current schema cache, building it on first use.
func (d *Database) CacheBorrow() (*Cache, error) {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	if !d.IsOpen() {
		return nil, ErrResourceClosed
	}
	if d.cache == nil {
		s, err := storage.NewReadStorage(d.schemaEngine, d.schemaWatermark)
		if err != nil {
			return nil, err
		}
		d.cache = &Cache{storage: s}
	}
	d.cache.borrow()
	return d.cache, nil
}

func (d *Database) CacheUnborrow(c *Cache) {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	c.unborrow()
}

// CacheInvalidate marks the current cache stale so the next borrower gets a fresh one.
func (d *Database) CacheInvalidate() {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	if d.cache != nil {
		d.cache.invalidate()
		d.cache = nil
	}
}

func (d *Database) cacheClose() {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	if d.cache != nil {
		d.cache.storage.Close()
		d.cache = nil
	}
}
