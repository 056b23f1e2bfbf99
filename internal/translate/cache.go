package translate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/seekhub/doctrans/pkg/log"
)

// DurableCache is the optional write-through layer behind the in-memory
// cache, typically the SQLite store.
type DurableCache interface {
	GetTranslation(ctx context.Context, key string) (string, bool, error)
	PutTranslation(ctx context.Context, key, text string) error
}

type cacheEntry struct {
	text     string
	insertAt time.Time
}

// Cache maps (normalized source text, language pair, style) hashes to
// translated text. Entries are insert-only: an existing key is never
// overwritten, so concurrent jobs need no coordination beyond the map
// lock. Eviction is by TTL and capacity, driven by a periodic sweep.
type Cache struct {
	ttl      time.Duration
	capacity int
	durable  DurableCache

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

func NewCache(ttl time.Duration, capacity int, durable DurableCache) *Cache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if capacity <= 0 {
		capacity = 10000
	}
	return &Cache{
		ttl:      ttl,
		capacity: capacity,
		durable:  durable,
		entries:  make(map[string]cacheEntry),
	}
}

// CacheKey hashes the translation inputs. Source text is whitespace
// normalized so formatting-only differences still hit.
func CacheKey(text, sourceLang, targetLang, style string) string {
	normalized := strings.Join(strings.Fields(text), " ")
	h := sha256.Sum256([]byte(normalized + "\x00" + sourceLang + "\x00" + targetLang + "\x00" + style))
	return hex.EncodeToString(h[:])
}

func (c *Cache) Get(ctx context.Context, key string) (string, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && time.Since(entry.insertAt) < c.ttl {
		return entry.text, true
	}

	if c.durable == nil {
		return "", false
	}
	text, found, err := c.durable.GetTranslation(ctx, key)
	if err != nil {
		log.Warn("Durable cache read failed for %s: %v", key[:12], err)
		return "", false
	}
	if !found {
		return "", false
	}
	c.insert(key, text)
	return text, true
}

// Put inserts if absent; it never mutates an existing entry.
func (c *Cache) Put(ctx context.Context, key, text string) {
	if !c.insert(key, text) {
		return
	}
	if c.durable != nil {
		if err := c.durable.PutTranslation(ctx, key, text); err != nil {
			log.Warn("Durable cache write failed for %s: %v", key[:12], err)
		}
	}
}

func (c *Cache) insert(key, text string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; exists {
		return false
	}
	c.entries[key] = cacheEntry{text: text, insertAt: time.Now()}
	return true
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Sweep drops expired entries and, if still over capacity, the oldest
// entries. Wired to the cron scheduler by the entrypoint.
func (c *Cache) Sweep() {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, entry := range c.entries {
		if now.Sub(entry.insertAt) >= c.ttl {
			delete(c.entries, key)
		}
	}

	if len(c.entries) <= c.capacity {
		return
	}

	type aged struct {
		key string
		at  time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for key, entry := range c.entries {
		all = append(all, aged{key: key, at: entry.insertAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })

	for _, a := range all[:len(c.entries)-c.capacity] {
		delete(c.entries, a.key)
	}
}
