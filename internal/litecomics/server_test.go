package litecomics

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestApp serves a temp directory as root "Comics" containing book.cbz (three pages),
// a nested series directory, a video and a text file.
func newTestApp(t *testing.T, mutate func(*Config)) (*App, string) {
	t.Helper()

	root := t.TempDir()
	mustCreateZip(t, filepath.Join(root, "book.cbz"), map[string][]byte{
		"page10.png": mustPNG(t, 8, 8),
		"page2.png":  mustPNG(t, 4, 4),
		"page1.png":  mustPNG(t, 2, 2),
		"info.txt":   []byte("credits"),
	})
	mustCreateZip(t, filepath.Join(root, "empty.cbz"), map[string][]byte{"readme.txt": []byte("x")})
	mustWriteFile(t, filepath.Join(root, "series", "vol 2.cbz"), nil)
	mustWriteFile(t, filepath.Join(root, "clip.mp4"), make([]byte, 1000))
	mustWriteFile(t, filepath.Join(root, "notes.txt"), []byte("hello"))

	cfg := DefaultConfig()
	cfg.Roots = []RootConfig{{Path: root, Name: "Comics"}}
	cfg.CacheDir = t.TempDir()
	cfg.ArchiveBackend = BackendNative
	if mutate != nil {
		mutate(&cfg)
	}

	logger, _ := NewLogger(LoggerOptions{Stdout: discardWriter{}, Stderr: discardWriter{}})
	app, err := NewApp(cfg, logger, prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(app.Close)
	return app, root
}

func doRequest(t *testing.T, h http.Handler, method, target string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestServer_Roots(t *testing.T) {
	t.Parallel()

	app, _ := newTestApp(t, nil)
	w := doRequest(t, app.Server, http.MethodGet, "/api/roots", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var roots []FileItem
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &roots))
	require.Len(t, roots, 1)
	assert.Equal(t, "Comics", roots[0].Name)
	assert.Equal(t, TypeDirectory, roots[0].Type)
}

func TestServer_Dir(t *testing.T) {
	t.Parallel()

	app, _ := newTestApp(t, nil)

	w := doRequest(t, app.Server, http.MethodGet, "/api/dir/Comics", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		RootName     string     `json:"rootName"`
		RelativePath string     `json:"relativePath"`
		Files        []FileItem `json:"files"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "Comics", body.RootName)
	assert.Equal(t, "", body.RelativePath)

	names := make([]string, len(body.Files))
	types := map[string]string{}
	for i, f := range body.Files {
		names[i] = f.Name
		types[f.Name] = f.Type
	}
	assert.Equal(t, []string{"series", "book.cbz", "clip.mp4", "empty.cbz", "notes.txt"}, names)
	assert.Equal(t, TypeBook, types["book.cbz"])
	assert.Equal(t, TypeVideo, types["clip.mp4"])
	assert.Equal(t, TypeFile, types["notes.txt"])
	assert.Equal(t, TypeDirectory, types["series"])

	w = doRequest(t, app.Server, http.MethodGet, "/api/dir/", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"files"`)
	assert.NotContains(t, w.Body.String(), `"rootName"`)

	w = doRequest(t, app.Server, http.MethodGet, "/api/dir/Comics/series", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"Comics/series/vol 2.cbz"`)
}

func TestServer_NotFoundCases(t *testing.T) {
	t.Parallel()

	app, _ := newTestApp(t, nil)

	tests := []struct {
		name   string
		target string
		want   int
	}{
		{name: "unknown root", target: "/api/dir/Other", want: http.StatusNotFound},
		{name: "traversal", target: "/api/dir/Comics/..%2F..%2Fetc", want: http.StatusNotFound},
		{name: "missing dir", target: "/api/dir/Comics/nope", want: http.StatusNotFound},
		{name: "missing book", target: "/api/book/Comics/nope.cbz/list", want: http.StatusNotFound},
		{name: "page out of range", target: "/api/book/Comics/book.cbz/image/5", want: http.StatusNotFound},
		{name: "thumbnail of imageless book", target: "/api/book/Comics/empty.cbz/thumbnail", want: http.StatusNotFound},
		{name: "missing file", target: "/api/file/Comics/nope.txt", want: http.StatusNotFound},
		{name: "unknown route", target: "/api/unknown", want: http.StatusNotFound},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(t, app.Server, http.MethodGet, tt.target, nil)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
			assert.Contains(t, w.Body.String(), `"error"`)
		})
	}
}

func TestServer_BookListAndImages(t *testing.T) {
	t.Parallel()

	app, _ := newTestApp(t, nil)

	w := doRequest(t, app.Server, http.MethodGet, "/api/book/Comics/book.cbz/list", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var list struct {
		Filename   string   `json:"filename"`
		Images     []string `json:"images"`
		Count      int      `json:"count"`
		DefaultLTR bool     `json:"defaultLTR"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, "book.cbz", list.Filename)
	assert.Equal(t, []string{"page1.png", "page2.png", "page10.png"}, list.Images)
	assert.Equal(t, 3, list.Count)

	w = doRequest(t, app.Server, http.MethodGet, "/api/book/Comics/book.cbz/image/2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.Equal(t, mustPNG(t, 8, 8), w.Body.Bytes())

	w = doRequest(t, app.Server, http.MethodHead, "/api/book/Comics/book.cbz/image/0", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, w.Body.Len())
	assert.NotEmpty(t, w.Header().Get("Content-Length"))
}

func TestServer_Thumbnail_HitMiss(t *testing.T) {
	t.Parallel()

	app, _ := newTestApp(t, nil)

	w := doRequest(t, app.Server, http.MethodGet, "/api/book/Comics/book.cbz/thumbnail", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "MISS", w.Header().Get("X-Cache"))
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.Equal(t, mustPNG(t, 2, 2), w.Body.Bytes())

	w = doRequest(t, app.Server, http.MethodGet, "/api/book/Comics/book.cbz/thumbnail", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "HIT", w.Header().Get("X-Cache"))
	assert.Equal(t, mustPNG(t, 2, 2), w.Body.Bytes())
}

func TestServer_Thumbnail_Scaled(t *testing.T) {
	t.Parallel()

	app, root := newTestApp(t, func(cfg *Config) { cfg.ThumbnailMaxDim = 16 })
	mustCreateZip(t, filepath.Join(root, "big.cbz"), map[string][]byte{"001.png": mustPNG(t, 64, 32)})

	w := doRequest(t, app.Server, http.MethodGet, "/api/book/Comics/big.cbz/thumbnail", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))
}

func TestServer_MediaRange(t *testing.T) {
	t.Parallel()

	app, _ := newTestApp(t, nil)

	w := doRequest(t, app.Server, http.MethodGet, "/api/media/Comics/clip.mp4", map[string]string{"Range": "bytes=0-99"})
	require.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "bytes 0-99/1000", w.Header().Get("Content-Range"))
	assert.Equal(t, 100, w.Body.Len())

	w = doRequest(t, app.Server, http.MethodGet, "/api/media/Comics/clip.mp4", map[string]string{"Range": "bytes=5000-"})
	require.Equal(t, http.StatusRequestedRangeNotSatisfiable, w.Code)
	assert.Equal(t, "bytes */1000", w.Header().Get("Content-Range"))

	w = doRequest(t, app.Server, http.MethodGet, "/api/media/Comics/clip.mp4", map[string]string{"Range": "bytes=0-1,4-5"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(t, app.Server, http.MethodGet, "/api/file/Comics/notes.txt", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello", w.Body.String())
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/plain"))
}

func TestServer_MediaURL(t *testing.T) {
	t.Parallel()

	app, root := newTestApp(t, nil)
	mustWriteFile(t, filepath.Join(root, "movie night.mkv"), []byte("mkv"))

	w := doRequest(t, app.Server, http.MethodGet, "/api/media-url/Comics/clip.mp4", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var plain map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &plain))
	assert.Equal(t, "http://example.com/api/file/Comics/clip.mp4", plain["url"])
	assert.NotContains(t, plain, "custom")

	w = doRequest(t, app.Server, http.MethodGet, "/api/media-url/Comics/movie%20night.mkv", map[string]string{
		"User-Agent": "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X)",
	})
	require.Equal(t, http.StatusOK, w.Code)
	var custom struct {
		URL    string `json:"url"`
		Custom bool   `json:"custom"`
		Name   string `json:"name"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &custom))
	assert.True(t, custom.Custom)
	assert.Equal(t, "VLC", custom.Name)
	assert.Equal(t,
		"vlc-x-callback://x-callback-url/stream?url=http%3A%2F%2Fexample.com%2Fapi%2Ffile%2FComics%2Fmovie%2520night.mkv",
		custom.URL)

	w = doRequest(t, app.Server, http.MethodGet, "/api/media-url/Comics/absent.mkv", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHTTPMethodPolicy_UnsupportedMethods_405(t *testing.T) {
	t.Parallel()

	app, _ := newTestApp(t, nil)

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch, http.MethodOptions} {
		t.Run(method, func(t *testing.T) {
			w := doRequest(t, app.Server, method, "/api/roots", nil)
			if w.Code != http.StatusMethodNotAllowed {
				t.Errorf("%s /api/roots status = %d, want %d", method, w.Code, http.StatusMethodNotAllowed)
			}
			allow := w.Header().Get("Allow")
			if !strings.Contains(allow, "GET") || !strings.Contains(allow, "HEAD") {
				t.Errorf("%s /api/roots Allow header = %q, want to contain GET and HEAD", method, allow)
			}
		})
	}
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	app, _ := newTestApp(t, nil)
	_ = doRequest(t, app.Server, http.MethodGet, "/api/book/Comics/book.cbz/list", nil)

	w := doRequest(t, app.Server, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `litecomics_http_requests_total{route="book_list"} 1`)
	assert.Contains(t, body, "litecomics_roots_configured 1")
	assert.NotContains(t, body, "book.cbz")

	w = doRequest(t, app.Server, http.MethodHead, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, w.Body.Len())
}

func TestPublicBaseURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		trusted []netip.Prefix
		remote  string
		headers map[string]string
		want    string
	}{
		{
			name:    "untrusted source ignores forwarded headers",
			remote:  "192.168.1.100:12345",
			headers: map[string]string{"X-Forwarded-Host": "evil.com", "X-Forwarded-Proto": "https"},
			want:    "http://example.com",
		},
		{
			name:    "trusted source uses forwarded headers",
			trusted: []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")},
			remote:  "10.1.2.3:5555",
			headers: map[string]string{"X-Forwarded-Host": " , comics.example.org, other", "X-Forwarded-Proto": "HTTPS"},
			want:    "https://comics.example.org",
		},
		{
			name:    "trusted source without forwarded headers",
			trusted: []netip.Prefix{netip.MustParsePrefix("127.0.0.1/32")},
			remote:  "127.0.0.1:1",
			want:    "http://example.com",
		},
		{
			name:    "ipv4-mapped ipv6 source",
			trusted: []netip.Prefix{netip.MustParsePrefix("127.0.0.1/32")},
			remote:  "[::ffff:127.0.0.1]:1",
			headers: map[string]string{"X-Forwarded-Host": "proxy.local"},
			want:    "http://proxy.local",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := NewServer(Config{HTTPTrustedSources: tt.trusted}, nil, nil, nil, prometheus.NewRegistry())
			req := httptest.NewRequest(http.MethodGet, "/api/media-url/x", nil)
			req.Host = "example.com"
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := s.derivePublicBaseURL(req); got != tt.want {
				t.Fatalf("derivePublicBaseURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDetectDevice(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"Mozilla/5.0 (iPad; CPU OS 16_0 like Mac OS X)":          "ios",
		"Mozilla/5.0 (Linux; Android 14; Pixel 8)":               "android",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_0)":           "mac",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64)":              "windows",
		"Mozilla/5.0 (X11; Linux x86_64) Gecko/20100101 Firefox": "",
	}
	for ua, want := range tests {
		if got := detectDevice(ua); got != want {
			t.Errorf("detectDevice(%q) = %q, want %q", ua, got, want)
		}
	}
}

// blockingReader holds every archive read until release is closed.
type blockingReader struct {
	release chan struct{}
}

func (b *blockingReader) List(context.Context, string) ([]string, error) {
	<-b.release
	return nil, nil
}

func (b *blockingReader) Extract(context.Context, string, string) ([]byte, error) {
	<-b.release
	return nil, ErrNotFound
}

func TestServer_ClientGoneIsNotLoggedAsError(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	mustWriteFile(t, filepath.Join(dir, "slow.cbz"), []byte("placeholder"))

	reader := &blockingReader{release: make(chan struct{})}
	defer close(reader.release)
	lib := newFakeLibrary(t, reader, []RootConfig{{Path: dir, Name: "R"}})

	var stderr bytes.Buffer
	logger, _ := NewLogger(LoggerOptions{Stdout: discardWriter{}, Stderr: &stderr})
	srv := NewServer(DefaultConfig(), logger, nil, lib, prometheus.NewRegistry())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/book/R/slow.cbz/list", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	assert.Equal(t, statusClientClosedRequest, w.Code)
	assert.Empty(t, stderr.String(), "a cancelled request must not produce ERROR records")
}
