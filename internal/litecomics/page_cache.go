package litecomics

import (
	"container/list"
	"context"
	"errors"
	"hash/fnv"
	"sync"

	"golang.org/x/sync/singleflight"
)

// defaultPageCacheShards is the number of internal shards used to reduce lock contention.
const defaultPageCacheShards = 16

// PageCache is a sharded, memory-budgeted LRU cache of extracted page bytes keyed by
// archive path + entry name.
//
// The byte budget is split evenly across shards; a page larger than one shard's budget
// is never cached. A zero budget disables caching but GetOrLoad still coalesces
// concurrent extractions of the same page.
type PageCache struct {
	metrics   *Metrics
	shards    []pageShard
	numShards uint64
	group     singleflight.Group
}

type pageShard struct {
	mu       sync.Mutex
	items    map[string]*list.Element
	lru      *list.List // front = most recently used
	curBytes int64
	maxBytes int64
}

type pageItem struct {
	key  string
	data []byte
}

// NewPageCache constructs a PageCache with a total budget of maxBytes.
func NewPageCache(maxBytes int64, metrics *Metrics) *PageCache {
	numShards := uint64(defaultPageCacheShards)
	perShard := maxBytes / int64(numShards)
	if perShard < 1 && maxBytes > 0 {
		perShard = 1
	}

	shards := make([]pageShard, numShards)
	for i := range shards {
		shards[i] = pageShard{
			items:    make(map[string]*list.Element),
			lru:      list.New(),
			maxBytes: perShard,
		}
	}
	return &PageCache{metrics: metrics, shards: shards, numShards: numShards}
}

// pageKey uses a NUL separator, which cannot appear in file paths.
func pageKey(archivePath, entry string) string {
	return archivePath + "\x00" + entry
}

func (c *PageCache) shardFor(key string) *pageShard {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key)) // fnv hash.Write never returns an error
	return &c.shards[h.Sum64()%c.numShards]
}

func (c *PageCache) enabled() bool {
	return c != nil && len(c.shards) > 0 && c.shards[0].maxBytes > 0
}

// Get returns the cached page. The returned slice MUST NOT be modified by the caller.
func (c *PageCache) Get(archivePath, entry string) ([]byte, bool) {
	if !c.enabled() {
		return nil, false
	}
	key := pageKey(archivePath, entry)
	shard := c.shardFor(key)

	shard.mu.Lock()
	elem, ok := shard.items[key]
	if !ok {
		shard.mu.Unlock()
		c.metrics.IncPageCacheMisses()
		return nil, false
	}
	shard.lru.MoveToFront(elem)
	item, _ := elem.Value.(*pageItem) //nolint:errcheck // internal invariant: LRU list only contains *pageItem
	data := item.data // Put may swap item.data once the lock is released
	shard.mu.Unlock()

	c.metrics.IncPageCacheHits()
	return data, true
}

// Put stores a page, evicting least recently used pages in its shard until it fits.
func (c *PageCache) Put(archivePath, entry string, data []byte) {
	if !c.enabled() {
		return
	}
	key := pageKey(archivePath, entry)
	shard := c.shardFor(key)
	size := int64(len(data))
	if size > shard.maxBytes {
		return
	}

	shard.mu.Lock()
	if elem, ok := shard.items[key]; ok {
		old, _ := elem.Value.(*pageItem) //nolint:errcheck // internal invariant: LRU list only contains *pageItem
		shard.curBytes += size - int64(len(old.data))
		old.data = data
		shard.lru.MoveToFront(elem)
	} else {
		shard.items[key] = shard.lru.PushFront(&pageItem{key: key, data: data})
		shard.curBytes += size
	}
	for shard.curBytes > shard.maxBytes && shard.lru.Len() > 1 {
		c.evictBack(shard)
	}
	shard.mu.Unlock()

	totalBytes, totalItems := c.totals()
	c.metrics.SetPageCache(totalBytes, totalItems)
}

// evictBack removes the least recently used page. Caller must hold shard.mu.
func (c *PageCache) evictBack(shard *pageShard) {
	elem := shard.lru.Back()
	if elem == nil {
		return
	}
	shard.lru.Remove(elem)
	item, _ := elem.Value.(*pageItem) //nolint:errcheck // internal invariant: LRU list only contains *pageItem
	shard.curBytes -= int64(len(item.data))
	delete(shard.items, item.key)
	c.metrics.IncPageCacheEvictions()
}

// GetOrLoad returns the cached page or runs load once for all concurrent callers asking
// for the same page, caching its result.
func (c *PageCache) GetOrLoad(ctx context.Context, archivePath, entry string, load func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if data, ok := c.Get(archivePath, entry); ok {
		return data, nil
	}
	if c == nil {
		return load(ctx)
	}

	loadCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(pageKey(archivePath, entry), func() (interface{}, error) {
		if data, ok := c.Get(archivePath, entry); ok {
			return data, nil
		}
		data, err := load(loadCtx)
		if err != nil {
			return nil, err
		}
		c.Put(archivePath, entry, data)
		return data, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		data, ok := res.Val.([]byte)
		if !ok {
			return nil, errors.New("page cache: unexpected singleflight result type")
		}
		return data, nil
	}
}

// totals returns aggregate byte and item counts. Values are approximate when shards are
// being mutated concurrently.
func (c *PageCache) totals() (totalBytes int64, totalItems int) {
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		totalBytes += s.curBytes
		totalItems += s.lru.Len()
		s.mu.Unlock()
	}
	return totalBytes, totalItems
}
