package spyhunt

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CacheEntry is owned exclusively by ResponseCache. LastAccessed is bumped on
// every successful read and drives eviction ordering.
type CacheEntry struct {
	Response     *Response `json:"response"`
	CachedAt     time.Time `json:"cached_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	LastAccessed time.Time `json:"last_accessed"`
}

func (e *CacheEntry) expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// CacheConfig configures the two-tier response cache.
type CacheConfig struct {
	// MaxSize bounds the memory tier; least-recently-accessed entries are
	// evicted first. Default 1000.
	MaxSize int
	// DefaultTTL applies when Set is called with ttl <= 0. Default 1h.
	DefaultTTL time.Duration
	// DurableEnabled persists one artifact per key under DurableDir.
	DurableEnabled bool
	// DurableDir is the durable tier directory; required when enabled.
	DurableDir string
}

// ResponseCache is a two-tier store of prior responses keyed by request
// identity (method, URL, sorted query parameters). The memory tier is a
// bounded LRU with per-entry TTL; the optional durable tier keeps one JSON
// artifact per key. Durable-tier failures are recovered locally and logged,
// never surfaced to callers. Safe for concurrent use.
type ResponseCache struct {
	mu         sync.Mutex
	mem        *lru.Cache[string, *CacheEntry]
	defaultTTL time.Duration
	dir        string
	logger     Logger
}

// NewResponseCache builds a cache from cfg. Zero-value numeric fields take
// defaults; DurableEnabled without a directory is a configuration error.
func NewResponseCache(cfg CacheConfig, logger Logger) (*ResponseCache, error) {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1000
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = time.Hour
	}
	if logger == nil {
		logger = NewNopLogger()
	}

	mem, err := lru.New[string, *CacheEntry](cfg.MaxSize)
	if err != nil {
		return nil, fmt.Errorf("response cache: %w", err)
	}

	c := &ResponseCache{
		mem:        mem,
		defaultTTL: cfg.DefaultTTL,
		logger:     logger,
	}
	if cfg.DurableEnabled {
		if cfg.DurableDir == "" {
			return nil, fmt.Errorf("response cache: durable tier enabled without a directory")
		}
		if err := os.MkdirAll(cfg.DurableDir, 0o755); err != nil {
			return nil, fmt.Errorf("response cache: creating durable directory: %w", err)
		}
		c.dir = cfg.DurableDir
	}
	return c, nil
}

// CacheKey computes the deterministic digest identifying a request: method,
// URL and sorted query parameter pairs. Headers and request bodies are
// deliberately excluded; only GETs are cached so the narrower key matches
// observed hit rates.
func CacheKey(method, rawURL string, params url.Values) string {
	var b strings.Builder
	b.WriteString(strings.ToUpper(method))
	b.WriteByte(':')
	b.WriteString(rawURL)
	if len(params) > 0 {
		keys := make([]string, 0, len(params))
		for k := range params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			vals := append([]string(nil), params[k]...)
			sort.Strings(vals)
			for _, v := range vals {
				b.WriteByte(':')
				b.WriteString(k)
				b.WriteByte('=')
				b.WriteString(v)
			}
		}
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached response for the request identity, flagged
// FromCache, or ok=false on a miss. Expired entries are purged lazily; a
// memory miss falls through to the durable tier and a valid durable entry is
// promoted into memory.
func (c *ResponseCache) Get(method, rawURL string, params url.Values) (*Response, bool) {
	key := CacheKey(method, rawURL, params)
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.mem.Get(key); ok {
		if entry.expired(now) {
			c.mem.Remove(key)
			c.removeArtifactLocked(key)
			return nil, false
		}
		entry.LastAccessed = now
		return entry.Response.fromCache(), true
	}

	entry, ok := c.loadArtifactLocked(key, now)
	if !ok {
		return nil, false
	}
	entry.LastAccessed = now
	c.mem.Add(key, entry)
	return entry.Response.fromCache(), true
}

// Set stores a response under the request identity. ttl <= 0 selects the
// configured default. The memory tier is always written; the durable tier is
// best effort.
func (c *ResponseCache) Set(method, rawURL string, params url.Values, resp *Response, ttl time.Duration) {
	if resp == nil {
		return
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	key := CacheKey(method, rawURL, params)
	now := time.Now()

	stored := *resp
	stored.FromCache = false
	entry := &CacheEntry{
		Response:     &stored,
		CachedAt:     now,
		ExpiresAt:    now.Add(ttl),
		LastAccessed: now,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.mem.Add(key, entry)
	c.writeArtifactLocked(key, entry)
}

// Delete removes the entry for the request identity from both tiers.
func (c *ResponseCache) Delete(method, rawURL string, params url.Values) {
	key := CacheKey(method, rawURL, params)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mem.Remove(key)
	c.removeArtifactLocked(key)
}

// Clear removes every entry from both tiers.
func (c *ResponseCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mem.Purge()
	if c.dir == "" {
		return
	}
	matches, err := filepath.Glob(filepath.Join(c.dir, "*.json"))
	if err != nil {
		c.logger.Warn("clearing durable cache", "error", err)
		return
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil {
			c.logger.Warn("removing durable cache artifact", "path", m, "error", err)
		}
	}
}

// Len returns the number of entries in the memory tier, including entries
// that expired but have not been touched since.
func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mem.Len()
}

func (c *ResponseCache) artifactPath(key string) string {
	return filepath.Join(c.dir, key+".json")
}

// loadArtifactLocked reads the durable artifact for key. Corrupt or expired
// artifacts are deleted and treated as a miss.
func (c *ResponseCache) loadArtifactLocked(key string, now time.Time) (*CacheEntry, bool) {
	if c.dir == "" {
		return nil, false
	}
	path := c.artifactPath(key)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			c.logger.Warn("reading durable cache artifact", "path", path, "error", err)
		}
		return nil, false
	}
	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil || entry.Response == nil {
		c.logger.Warn("corrupt durable cache artifact", "path", path, "error", err)
		c.removeArtifactLocked(key)
		return nil, false
	}
	if entry.expired(now) {
		c.removeArtifactLocked(key)
		return nil, false
	}
	return &entry, true
}

// writeArtifactLocked persists an entry best effort; failures are logged and
// swallowed so the cache stays correct as memory-only.
func (c *ResponseCache) writeArtifactLocked(key string, entry *CacheEntry) {
	if c.dir == "" {
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		c.logger.Warn("encoding durable cache artifact", "key", key, "error", err)
		return
	}
	if err := os.WriteFile(c.artifactPath(key), data, 0o644); err != nil {
		c.logger.Warn("writing durable cache artifact", "key", key, "error", err)
	}
}

func (c *ResponseCache) removeArtifactLocked(key string) {
	if c.dir == "" {
		return
	}
	if err := os.Remove(c.artifactPath(key)); err != nil && !os.IsNotExist(err) {
		c.logger.Warn("removing durable cache artifact", "key", key, "error", err)
	}
}
