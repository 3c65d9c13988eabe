package litecomics

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThumbnailCache_PutGetAndPersist(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := OpenThumbnailCache(dir, 10, nil, nil)
	require.NoError(t, err)

	c.Put("/comics/a.cbz", ".PNG", []byte("thumb-a"))

	data, ext, ok := c.Get("/comics/a.cbz")
	require.True(t, ok)
	assert.Equal(t, []byte("thumb-a"), data)
	assert.Equal(t, ".png", ext)

	_, err = os.Stat(filepath.Join(dir, ThumbnailKey("/comics/a.cbz")+".png"))
	require.NoError(t, err, "thumbnail file should be named <md5><ext>")

	reopened, err := OpenThumbnailCache(dir, 10, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, reopened.Len())
	data, ext, ok = reopened.Get("/comics/a.cbz")
	require.True(t, ok)
	assert.Equal(t, []byte("thumb-a"), data)
	assert.Equal(t, ".png", ext)
}

func TestThumbnailCache_EvictionDeletesFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := OpenThumbnailCache(dir, 2, nil, nil)
	require.NoError(t, err)

	base := time.Unix(1_700_000_000, 0)
	var tick int
	c.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	c.Put("/a.cbz", ".jpg", []byte("a"))
	c.Put("/b.cbz", ".jpg", []byte("b"))
	_, _, ok := c.Get("/a.cbz")
	require.True(t, ok)
	c.Put("/c.cbz", ".jpg", []byte("c"))

	assert.Equal(t, 2, c.Len())
	_, _, ok = c.Get("/b.cbz")
	assert.False(t, ok, "b should have been evicted")

	_, err = os.Stat(filepath.Join(dir, ThumbnailKey("/b.cbz")+".jpg"))
	assert.True(t, errors.Is(err, os.ErrNotExist), "evicted file should be removed, stat error = %v", err)

	des, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, des, 2)
}

func TestThumbnailCache_ScanCleansUp(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	old := time.Now().Add(-time.Hour)
	recent := time.Now()

	key := ThumbnailKey("/comics/a.cbz")
	mustWriteFile(t, filepath.Join(dir, key+".jpg"), []byte("older"))
	require.NoError(t, os.Chtimes(filepath.Join(dir, key+".jpg"), old, old))
	mustWriteFile(t, filepath.Join(dir, key+".png"), []byte("newer"))
	require.NoError(t, os.Chtimes(filepath.Join(dir, key+".png"), recent, recent))
	mustWriteFile(t, filepath.Join(dir, thumbTempPrefix+"123"), []byte("partial"))
	mustWriteFile(t, filepath.Join(dir, "README.txt"), []byte("not a thumbnail"))

	c, err := OpenThumbnailCache(dir, 10, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Len())

	data, ext, ok := c.Get("/comics/a.cbz")
	require.True(t, ok)
	assert.Equal(t, []byte("newer"), data)
	assert.Equal(t, ".png", ext)

	_, err = os.Stat(filepath.Join(dir, thumbTempPrefix+"123"))
	assert.True(t, errors.Is(err, os.ErrNotExist), "temp file should be removed")
	_, err = os.Stat(filepath.Join(dir, key+".jpg"))
	assert.True(t, errors.Is(err, os.ErrNotExist), "duplicate older file should be removed")
}

func TestThumbnailCache_ScanEnforcesBound(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	now := time.Now()
	for i, p := range []string{"/a.cbz", "/b.cbz", "/c.cbz"} {
		file := filepath.Join(dir, ThumbnailKey(p)+".jpg")
		mustWriteFile(t, file, []byte(p))
		mt := now.Add(time.Duration(i) * time.Minute)
		require.NoError(t, os.Chtimes(file, mt, mt))
	}

	c, err := OpenThumbnailCache(dir, 2, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())
	_, _, ok := c.Get("/a.cbz")
	assert.False(t, ok, "oldest thumbnail should be evicted at startup")
}

func TestThumbnailCache_MissingFileIsMiss(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := OpenThumbnailCache(dir, 10, nil, nil)
	require.NoError(t, err)

	c.Put("/a.cbz", ".jpg", []byte("a"))
	require.NoError(t, os.Remove(filepath.Join(dir, ThumbnailKey("/a.cbz")+".jpg")))

	_, _, ok := c.Get("/a.cbz")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestThumbnailCache_GetOrCreate(t *testing.T) {
	t.Parallel()

	c, err := OpenThumbnailCache(t.TempDir(), 10, nil, nil)
	require.NoError(t, err)

	var gens atomic.Int32
	release := make(chan struct{})
	generate := func(context.Context) ([]byte, string, error) {
		gens.Add(1)
		<-release
		return []byte("page"), ".webp", nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, ext, _, err := c.GetOrCreate(context.Background(), "/a.cbz", generate)
			if err != nil || !bytes.Equal(data, []byte("page")) || ext != ".webp" {
				t.Errorf("GetOrCreate() = %q, %q, %v", data, ext, err)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), gens.Load())

	_, _, hit, err := c.GetOrCreate(context.Background(), "/a.cbz", generate)
	require.NoError(t, err)
	assert.True(t, hit)
}

func TestThumbnailCache_GenerateErrorNotStored(t *testing.T) {
	t.Parallel()

	c, err := OpenThumbnailCache(t.TempDir(), 10, nil, nil)
	require.NoError(t, err)

	_, _, _, err = c.GetOrCreate(context.Background(), "/a.cbz", func(context.Context) ([]byte, string, error) {
		return nil, "", ErrNotFound
	})
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, c.Len())
}

func TestScaleThumbnail(t *testing.T) {
	t.Parallel()

	small := mustPNG(t, 40, 20)
	out, changed, err := scaleThumbnail(small, 100)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, small, out)

	big := mustPNG(t, 400, 200)
	out, changed, err = scaleThumbnail(big, 100)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, []byte{0xFF, 0xD8}, out[:2], "scaled thumbnail should be JPEG")

	_, _, err = scaleThumbnail([]byte("not an image"), 100)
	assert.Error(t, err)
}
