package litecomics

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ListFunc loads the ordered image list of an archive.
type ListFunc func(ctx context.Context, archivePath string) ([]string, error)

// ImageListCache is a bounded, strict-LRU cache of archive path -> ordered image list.
//
// Concurrent misses for the same archive are coalesced so that the archive is listed
// once. The lock is held only for map and list bookkeeping, never while listing.
//
// Entries are not revalidated against the archive on disk; a changed archive keeps its
// cached listing until evicted or the process restarts.
type ImageListCache struct {
	max     int
	load    ListFunc
	metrics *Metrics
	now     func() time.Time

	mu    sync.Mutex
	items map[string]*list.Element
	lru   *list.List // front = most recently used
	group singleflight.Group
}

type imageListItem struct {
	archivePath string
	images      []string
	lastAccess  time.Time
}

// NewImageListCache constructs a cache holding at most maxEntries listings (256 when
// maxEntries <= 0).
func NewImageListCache(maxEntries int, load ListFunc, metrics *Metrics) *ImageListCache {
	if maxEntries <= 0 {
		maxEntries = 256
	}
	return &ImageListCache{
		max:     maxEntries,
		load:    load,
		metrics: metrics,
		now:     time.Now,
		items:   make(map[string]*list.Element),
		lru:     list.New(),
	}
}

// GetOrLoad returns the cached image list for archivePath, loading it on a miss.
//
// The returned slice is shared and MUST NOT be modified by the caller. Load errors are
// returned as-is and are not cached here.
func (c *ImageListCache) GetOrLoad(ctx context.Context, archivePath string) ([]string, error) {
	if images, ok := c.lookup(archivePath); ok {
		c.metrics.IncImageListHits()
		return images, nil
	}
	c.metrics.IncImageListMisses()

	// The flight outlives any single caller: one caller's cancellation must not fail the
	// others waiting on the same key.
	loadCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(archivePath, func() (interface{}, error) {
		if images, ok := c.lookup(archivePath); ok {
			return images, nil
		}
		images, err := c.load(loadCtx, archivePath)
		if err != nil {
			return nil, err
		}
		c.insert(archivePath, images)
		return images, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		images, ok := res.Val.([]string)
		if !ok {
			return nil, errors.New("image list cache: unexpected singleflight result type")
		}
		return images, nil
	}
}

func (c *ImageListCache) lookup(archivePath string) ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.items[archivePath]
	if !ok {
		return nil, false
	}
	c.lru.MoveToFront(elem)
	item, _ := elem.Value.(*imageListItem) //nolint:errcheck // internal invariant: LRU list only contains *imageListItem
	item.lastAccess = c.now()
	return item.images, true
}

func (c *ImageListCache) insert(archivePath string, images []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[archivePath]; ok {
		item, _ := elem.Value.(*imageListItem) //nolint:errcheck // internal invariant: LRU list only contains *imageListItem
		item.images = images
		item.lastAccess = c.now()
		c.lru.MoveToFront(elem)
		return
	}

	c.items[archivePath] = c.lru.PushFront(&imageListItem{
		archivePath: archivePath,
		images:      images,
		lastAccess:  c.now(),
	})
	for c.lru.Len() > c.max {
		back := c.lru.Back()
		c.lru.Remove(back)
		item, _ := back.Value.(*imageListItem) //nolint:errcheck // internal invariant: LRU list only contains *imageListItem
		delete(c.items, item.archivePath)
		c.metrics.IncImageListEvictions()
	}
	c.metrics.SetImageListEntries(c.lru.Len())
}

// Len returns the number of cached listings.
func (c *ImageListCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Contains reports whether archivePath is cached without bumping its recency.
func (c *ImageListCache) Contains(archivePath string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[archivePath]
	return ok
}
