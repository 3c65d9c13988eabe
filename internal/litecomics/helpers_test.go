package litecomics

import (
	"archive/zip"
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
)

func mustCreateZip(t *testing.T, path string, files map[string][]byte) {
	t.Helper()

	//nolint:gosec // G304: path is validated and comes from test helpers, not user input
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create(%q) error = %v", path, err)
	}
	defer func() { _ = f.Close() }()

	w := zip.NewWriter(f)
	for name, contents := range files {
		fw, err := w.Create(name)
		if err != nil {
			t.Fatalf("zip.Create(%q) error = %v", name, err)
		}
		if _, err := fw.Write(contents); err != nil {
			t.Fatalf("zip write %q error = %v", name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("zip.Close() error = %v", err)
	}
}

func mustWriteFile(t *testing.T, path string, data []byte) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll(%q) error = %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("WriteFile(%q) error = %v", path, err)
	}
}

// mustPNG encodes a solid w x h PNG.
func mustPNG(t *testing.T, w, h int) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 40, B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode() error = %v", err)
	}
	return buf.Bytes()
}

// fakeReader is an in-memory ArchiveReader keyed by archive path.
type fakeReader struct {
	entries map[string]map[string][]byte
	order   map[string][]string
	listErr error

	lists    atomic.Int32
	extracts atomic.Int32
}

func (f *fakeReader) List(_ context.Context, archivePath string) ([]string, error) {
	f.lists.Add(1)
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]string(nil), f.order[archivePath]...), nil
}

func (f *fakeReader) Extract(_ context.Context, archivePath, entry string) ([]byte, error) {
	f.extracts.Add(1)
	data, ok := f.entries[archivePath][entry]
	if !ok {
		return nil, &ExtractError{Archive: archivePath, Entry: entry, Err: ErrNotFound}
	}
	return data, nil
}
