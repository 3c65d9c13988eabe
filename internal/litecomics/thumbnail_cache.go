package litecomics

import (
	"container/list"
	"context"
	"crypto/md5" //nolint:gosec // cache key only, not a security boundary
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/singleflight"
)

const thumbTempPrefix = ".tmp-"

// ThumbnailKey is the cache key of an archive's thumbnail: the hex MD5 of its path.
func ThumbnailKey(archivePath string) string {
	sum := md5.Sum([]byte(archivePath)) //nolint:gosec // cache key only
	return hex.EncodeToString(sum[:])
}

// ThumbnailCache is a bounded, disk-backed LRU of first-page images.
//
// Each thumbnail is stored as <key><ext> in the cache directory, where ext is the
// extension of the page it was made from. No manifest is kept: metadata is rebuilt at
// startup by scanning the directory, ordering entries by modification time. Hits bump
// the file's modification time so recency survives a restart.
//
// I/O failures are logged and treated as misses.
type ThumbnailCache struct {
	dir     string
	max     int
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu         sync.Mutex
	items      map[string]*list.Element
	lru        *list.List // front = most recently used
	totalBytes int64
	group      singleflight.Group
}

type thumbItem struct {
	key        string
	ext        string
	size       int64
	lastAccess time.Time
}

func (it *thumbItem) fileName() string { return it.key + it.ext }

// OpenThumbnailCache creates dir if needed and rebuilds the cache from its contents.
func OpenThumbnailCache(dir string, maxEntries int, metrics *Metrics, logger *slog.Logger) (*ThumbnailCache, error) {
	if maxEntries <= 0 {
		maxEntries = 4096
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(discardWriter{}, nil))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create thumbnail cache dir: %w", err)
	}

	c := &ThumbnailCache{
		dir:     dir,
		max:     maxEntries,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
		items:   make(map[string]*list.Element),
		lru:     list.New(),
	}
	if err := c.scan(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *ThumbnailCache) scan() error {
	des, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("scan thumbnail cache dir: %w", err)
	}

	var found []*thumbItem
	for _, de := range des {
		name := de.Name()
		if !de.Type().IsRegular() {
			continue
		}
		if strings.HasPrefix(name, thumbTempPrefix) {
			_ = os.Remove(filepath.Join(c.dir, name))
			continue
		}
		ext := filepath.Ext(name)
		key := strings.TrimSuffix(name, ext)
		if !isThumbnailKey(key) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		found = append(found, &thumbItem{
			key:        key,
			ext:        strings.ToLower(ext),
			size:       info.Size(),
			lastAccess: info.ModTime(),
		})
	}

	// Oldest first, so that pushing to the front leaves the newest at the front.
	sort.Slice(found, func(i, j int) bool { return found[i].lastAccess.Before(found[j].lastAccess) })

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, it := range found {
		if old, ok := c.items[it.key]; ok {
			// Two extensions for one key: keep the newer file.
			c.removeLocked(old)
		}
		c.items[it.key] = c.lru.PushFront(it)
		c.totalBytes += it.size
	}
	c.evictLocked()
	c.publishLocked()

	c.logger.Info("thumbnail cache loaded",
		"dir", c.dir,
		"entries", c.lru.Len(),
		"size", humanize.IBytes(uint64(max(c.totalBytes, 0))),
	)
	return nil
}

func isThumbnailKey(s string) bool {
	if len(s) != md5.Size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// Get returns the cached thumbnail for archivePath and the extension of the page it was
// made from.
func (c *ThumbnailCache) Get(archivePath string) ([]byte, string, bool) {
	key := ThumbnailKey(archivePath)

	c.mu.Lock()
	elem, ok := c.items[key]
	if !ok {
		c.mu.Unlock()
		return nil, "", false
	}
	item, _ := elem.Value.(*thumbItem) //nolint:errcheck // internal invariant: LRU list only contains *thumbItem
	file := filepath.Join(c.dir, item.fileName())
	ext := item.ext
	c.mu.Unlock()

	//nolint:gosec // G304: file name is derived from a hex key inside the cache dir
	data, err := os.ReadFile(file)
	if err != nil {
		c.logger.Warn("thumbnail cache read failed", "file", file, "error", err)
		c.mu.Lock()
		if cur, ok := c.items[key]; ok && cur == elem {
			c.lru.Remove(elem)
			delete(c.items, key)
			c.totalBytes -= item.size
			c.publishLocked()
		}
		c.mu.Unlock()
		return nil, "", false
	}

	now := c.now()
	c.mu.Lock()
	if cur, ok := c.items[key]; ok && cur == elem {
		c.lru.MoveToFront(elem)
		item.lastAccess = now
	}
	c.mu.Unlock()
	_ = os.Chtimes(file, now, now)

	return data, ext, true
}

// Put stores data as the thumbnail for archivePath. ext is the source page's extension.
func (c *ThumbnailCache) Put(archivePath, ext string, data []byte) {
	key := ThumbnailKey(archivePath)
	ext = strings.ToLower(ext)

	tmp, err := os.CreateTemp(c.dir, thumbTempPrefix+"*")
	if err != nil {
		c.logger.Warn("thumbnail cache write failed", "dir", c.dir, "error", err)
		return
	}
	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if err := errors.Join(werr, cerr); err != nil {
		_ = os.Remove(tmp.Name())
		c.logger.Warn("thumbnail cache write failed", "file", tmp.Name(), "error", err)
		return
	}

	item := &thumbItem{key: key, ext: ext, size: int64(len(data)), lastAccess: c.now()}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.items[key]; ok {
		c.removeLocked(old)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(c.dir, item.fileName())); err != nil {
		_ = os.Remove(tmp.Name())
		c.logger.Warn("thumbnail cache write failed", "file", item.fileName(), "error", err)
		c.publishLocked()
		return
	}
	c.items[key] = c.lru.PushFront(item)
	c.totalBytes += item.size
	c.evictLocked()
	c.publishLocked()
}

// GetOrCreate returns the cached thumbnail or generates, stores and returns a new one.
// Concurrent misses for the same archive run generate once. hit reports a cache hit.
func (c *ThumbnailCache) GetOrCreate(
	ctx context.Context,
	archivePath string,
	generate func(ctx context.Context) ([]byte, string, error),
) (data []byte, ext string, hit bool, err error) {
	if data, ext, ok := c.Get(archivePath); ok {
		c.metrics.IncThumbnailHits()
		return data, ext, true, nil
	}
	c.metrics.IncThumbnailMisses()

	type result struct {
		data []byte
		ext  string
	}
	genCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(archivePath, func() (interface{}, error) {
		if data, ext, ok := c.Get(archivePath); ok {
			return result{data: data, ext: ext}, nil
		}
		data, ext, err := generate(genCtx)
		if err != nil {
			return nil, err
		}
		c.Put(archivePath, ext, data)
		return result{data: data, ext: ext}, nil
	})

	select {
	case <-ctx.Done():
		return nil, "", false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, "", false, res.Err
		}
		r, ok := res.Val.(result)
		if !ok {
			return nil, "", false, errors.New("thumbnail cache: unexpected singleflight result type")
		}
		return r.data, r.ext, false, nil
	}
}

// evictLocked removes least recently used thumbnails until the bound holds.
// Caller must hold c.mu.
func (c *ThumbnailCache) evictLocked() {
	for c.lru.Len() > c.max {
		c.removeLocked(c.lru.Back())
		c.metrics.IncThumbnailEvictions()
	}
}

// removeLocked deletes an entry and its file. Caller must hold c.mu.
func (c *ThumbnailCache) removeLocked(elem *list.Element) {
	if elem == nil {
		return
	}
	item, _ := elem.Value.(*thumbItem) //nolint:errcheck // internal invariant: LRU list only contains *thumbItem
	c.lru.Remove(elem)
	delete(c.items, item.key)
	c.totalBytes -= item.size
	file := filepath.Join(c.dir, item.fileName())
	if err := os.Remove(file); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.logger.Warn("thumbnail cache remove failed", "file", file, "error", err)
	}
}

func (c *ThumbnailCache) publishLocked() {
	c.metrics.SetThumbnailCache(c.lru.Len(), c.totalBytes)
}

// Len returns the number of cached thumbnails.
func (c *ThumbnailCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
