package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultCacheTTL is how long a cached envelope may substitute for a live
// validation. The window tolerates validator outages without punishing
// paying customers; termination still propagates on the next successful
// heartbeat attempt.
const DefaultCacheTTL = 24 * time.Hour

// cacheEntry is the single persisted client state.
type cacheEntry struct {
	Payload  string `json:"payload"`
	CachedAt int64  `json:"cachedAt"` // epoch milliseconds
}

// Cache is the offline fail-safe store: one envelope with a timestamp,
// persisted to a local file.
type Cache struct {
	path string
	ttl  time.Duration
	now  func() time.Time
}

// NewCache creates a cache backed by the file at path.
func NewCache(path string, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{path: path, ttl: ttl, now: time.Now}
}

// Store records the envelope with the current timestamp.
func (c *Cache) Store(payload string) error {
	entry := cacheEntry{
		Payload:  payload,
		CachedAt: c.now().UnixMilli(),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("agent: marshal cache entry: %w", err)
	}

	if dir := filepath.Dir(c.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("agent: create cache directory: %w", err)
		}
	}

	if err := os.WriteFile(c.path, data, 0o600); err != nil {
		return fmt.Errorf("agent: write cache: %w", err)
	}
	return nil
}

// Load returns the cached envelope if one exists and is younger than the
// ceiling. An entry past the ceiling is discarded and reported as absent.
func (c *Cache) Load() (string, bool) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return "", false
	}

	var entry cacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.Clear()
		return "", false
	}

	age := c.now().Sub(time.UnixMilli(entry.CachedAt))
	if age < 0 || age > c.ttl {
		c.Clear()
		return "", false
	}

	return entry.Payload, true
}

// Clear removes the cached envelope. A failed removal is not actionable;
// the stale file ages out on the next Load.
func (c *Cache) Clear() {
	_ = os.Remove(c.path)
}
