// Implements an in-memory cache of record metadata files.

package storage

import (
	"os"
	"strings"
	"sync"
	"time"
)

// Cache keeps the encoded metadata of hot records in memory.
//
// An entry is served only while the file keeps the size and modification
// time seen when it was cached; writes through the store drop the entry.
// An edit by another process that preserves both is not detected.
type Cache struct {
	mu      sync.RWMutex
	records map[string]cacheEntry

	// Max entries; the cache is cleared when it grows past it.
	maxRecords int
}

type cacheEntry struct {
	mod  time.Time
	size int64
	data []byte
}

// NewCache returns a cache holding up to maxRecords records. maxRecords <= 0
// selects 1000.
func NewCache(maxRecords int) *Cache {
	if maxRecords <= 0 {
		maxRecords = 1000
	}
	return &Cache{
		records:    make(map[string]cacheEntry),
		maxRecords: maxRecords,
	}
}

// Len returns the number of cached records.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

func (c *Cache) get(path string, fi os.FileInfo) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.records[path]
	if !ok || e.size != fi.Size() || !e.mod.Equal(fi.ModTime()) {
		return nil, false
	}
	return e.data, true
}

func (c *Cache) set(path string, fi os.FileInfo, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Simple size limiting: clear if it grows too large.
	if len(c.records) >= c.maxRecords {
		c.records = make(map[string]cacheEntry)
	}
	c.records[path] = cacheEntry{mod: fi.ModTime(), size: fi.Size(), data: data}
}

// invalidate drops path, and every entry below it when it is a directory.
func (c *Cache) invalidate(path string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.records, path)
	prefix := path + string(os.PathSeparator)
	for p := range c.records {
		if strings.HasPrefix(p, prefix) {
			delete(c.records, p)
		}
	}
}

// InvalidateAll clears the entire cache.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = make(map[string]cacheEntry)
}

// readRecord returns the content of a metadata file, from the cache when it
// is still current.
func (s *Store) readRecord(path string) ([]byte, error) {
	if s.cache == nil {
		return os.ReadFile(path) //nolint:gosec // G304: path is built from validated key components
	}
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if data, ok := s.cache.get(path, fi); ok {
		s.metrics.cacheLookup(true)
		return data, nil
	}
	s.metrics.cacheLookup(false)
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is built from validated key components
	if err != nil {
		return nil, err
	}
	s.cache.set(path, fi, data)
	return data, nil
}
