package litecomics

import (
	"sync"
	"time"
)

// FailureCache remembers failed archive listings for a TTL so that repeated requests
// for a corrupt archive, or one whose tool is missing, do not re-run the listing.
//
// A successful listing clears the entry (call Clear).
type FailureCache struct {
	ttl time.Duration
	now func() time.Time

	mu     sync.Mutex
	failed map[string]failureEntry
}

type failureEntry struct {
	err       error
	expiresAt time.Time
}

// NewFailureCache returns nil when ttl <= 0, which disables negative caching.
func NewFailureCache(ttl time.Duration, now func() time.Time) *FailureCache {
	if ttl <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	return &FailureCache{
		ttl:    ttl,
		now:    now,
		failed: make(map[string]failureEntry),
	}
}

// Check returns the remembered failure for path, or nil when there is none or it expired.
func (c *FailureCache) Check(path string) error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.failed[path]
	if !ok {
		return nil
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.failed, path)
		return nil
	}
	return e.err
}

func (c *FailureCache) Record(path string, err error) {
	if c == nil || err == nil {
		return
	}
	c.mu.Lock()
	c.failed[path] = failureEntry{err: err, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *FailureCache) Clear(path string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	delete(c.failed, path)
	c.mu.Unlock()
}
