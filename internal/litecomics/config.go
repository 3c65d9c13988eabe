package litecomics

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Archive backend selection for formats that have both an external-tool and a native reader.
const (
	BackendAuto   = "auto"
	BackendTool   = "tool"
	BackendNative = "native"
)

// Config holds all runtime configuration for litecomics.
type Config struct {
	Port       int
	Roots      []RootConfig
	DefaultLTR bool
	TLS        TLSConfig
	Handlers   map[string]map[string]HandlerConfig

	CacheDir string

	ImageListCacheMax int
	ThumbnailCacheMax int
	ThumbnailMaxDim   int
	PageCacheBytes    int64
	ZipHandleCacheMax int
	ExtraImageExts    []string
	ArchiveBackend    string
	UnrarPath         string
	SevenZipPath      string
	ExtractMaxBytes   int64
	ArchiveWorkers    int
	ArchiveFailTTL    time.Duration

	HTTPReadHeaderTimeout time.Duration
	HTTPIdleTimeout       time.Duration
	HTTPMaxHeaderBytes    int
	HTTPWriteTimeout      time.Duration
	HTTPReadTimeout       time.Duration

	HTTPTrustedSources []netip.Prefix

	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int
}

// TLSConfig enables HTTPS when both files are set.
type TLSConfig struct {
	CertFile string `json:"certFile" yaml:"certFile"`
	KeyFile  string `json:"keyFile" yaml:"keyFile"`
}

// Enabled reports whether both the certificate and key are configured.
func (t TLSConfig) Enabled() bool {
	return t.CertFile != "" && t.KeyFile != ""
}

// HandlerConfig routes media with the listed extensions to an external player URL.
type HandlerConfig struct {
	Ext []string `json:"ext" yaml:"ext"`
	URL string   `json:"url" yaml:"url"`
}

type envLookup func(key string) (string, bool)

// DefaultConfig returns the configuration used when no file, environment or flags override it.
func DefaultConfig() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	cacheDir := ".cache"
	if userCache, err := os.UserCacheDir(); err == nil {
		cacheDir = filepath.Join(userCache, "LiteComics")
	}

	return Config{
		Port:     8539,
		Roots:    []RootConfig{{Path: home, Name: "Home"}},
		Handlers: defaultHandlers(),
		CacheDir: cacheDir,

		ImageListCacheMax: 256,
		ThumbnailCacheMax: 4096,
		PageCacheBytes:    64 << 20,
		ZipHandleCacheMax: 64,
		ArchiveBackend:    BackendAuto,
		UnrarPath:         "unrar",
		SevenZipPath:      "7z",
		ExtractMaxBytes:   50 << 20,
		ArchiveWorkers:    8,
		ArchiveFailTTL:    time.Minute,

		HTTPReadHeaderTimeout: 5 * time.Second,
		HTTPIdleTimeout:       120 * time.Second,
		HTTPMaxHeaderBytes:    8192,

		LogMaxSizeMB:  50,
		LogMaxBackups: 3,
		LogMaxAgeDays: 28,
	}
}

func defaultHandlers() map[string]map[string]HandlerConfig {
	return map[string]map[string]HandlerConfig{
		"ios": {
			"VLC": {
				Ext: []string{".mkv", ".avi", ".flac", ".m2ts", ".ts", ".wmv"},
				URL: "vlc-x-callback://x-callback-url/stream?url={url}",
			},
		},
		"android": {
			"VLC": {
				Ext: []string{".mkv", ".m2ts", ".ts"},
				URL: "vlc://x-callback-url/stream?url={url}",
			},
		},
		"mac": {
			"IINA": {
				Ext: []string{".avi", ".flac", ".mkv", ".m2ts", ".ts", ".wmv"},
				URL: "iina://weblink?url={url}",
			},
		},
		"windows": {
			"VLC": {
				Ext: []string{".avi", ".flac", ".mkv", ".m2ts", ".ts", ".wmv"},
				URL: "vlc://{url}",
			},
		},
	}
}

// LoadConfig builds the runtime configuration from defaults, the optional config file at
// configPath, and the process environment, in that order of precedence.
//
// An empty configPath skips the file layer. A missing file is not an error; a file that
// exists but does not parse is.
func LoadConfig(configPath string) (Config, error) {
	cfg := DefaultConfig()
	if configPath != "" {
		fc, err := ReadFileConfig(configPath)
		if err != nil && !os.IsNotExist(err) {
			return Config{}, err
		}
		if err == nil {
			fc.applyTo(&cfg)
		}
	}
	return applyEnv(cfg, os.LookupEnv)
}

// DefaultConfigPath returns LITECOMICS_CONFIG, ./config.json when present, or the per-user
// config location.
func DefaultConfigPath() string {
	if v := os.Getenv("LITECOMICS_CONFIG"); v != "" {
		return v
	}
	if _, err := os.Stat("config.json"); err == nil {
		return "config.json"
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "config.json"
	}
	return filepath.Join(dir, "LiteComics", "config.json")
}

func parseConfigFromMap(env map[string]string) (Config, error) {
	return applyEnv(DefaultConfig(), func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	})
}

func applyEnv(cfg Config, lookup envLookup) (Config, error) {
	if v, ok := lookup("LITECOMICS_PORT"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("LITECOMICS_PORT: %w", err)
		}
		if n <= 0 || n > 65535 {
			return Config{}, fmt.Errorf("LITECOMICS_PORT: must be in 1..65535")
		}
		cfg.Port = n
	}

	if v, ok := lookup("LITECOMICS_CACHE_DIR"); ok && v != "" {
		cfg.CacheDir = v
	}

	ints := []struct {
		key       string
		dst       *int
		allowZero bool
	}{
		{"LITECOMICS_IMAGE_LIST_CACHE_MAX", &cfg.ImageListCacheMax, false},
		{"LITECOMICS_THUMBNAIL_CACHE_MAX", &cfg.ThumbnailCacheMax, false},
		{"LITECOMICS_THUMBNAIL_MAX_DIM", &cfg.ThumbnailMaxDim, true},
		{"LITECOMICS_ZIP_HANDLE_CACHE_MAX", &cfg.ZipHandleCacheMax, false},
		{"LITECOMICS_ARCHIVE_WORKERS", &cfg.ArchiveWorkers, false},
		{"LITECOMICS_HTTP_MAX_HEADER_BYTES", &cfg.HTTPMaxHeaderBytes, false},
		{"LITECOMICS_LOG_MAX_SIZE_MB", &cfg.LogMaxSizeMB, false},
		{"LITECOMICS_LOG_MAX_BACKUPS", &cfg.LogMaxBackups, true},
		{"LITECOMICS_LOG_MAX_AGE_DAYS", &cfg.LogMaxAgeDays, true},
	}
	for _, it := range ints {
		v, ok := lookup(it.key)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", it.key, err)
		}
		if n < 0 || (n == 0 && !it.allowZero) {
			if it.allowZero {
				return Config{}, fmt.Errorf("%s: must be >= 0", it.key)
			}
			return Config{}, fmt.Errorf("%s: must be > 0", it.key)
		}
		*it.dst = n
	}

	bytesVars := []struct {
		key       string
		dst       *int64
		allowZero bool
	}{
		{"LITECOMICS_PAGE_CACHE_BYTES", &cfg.PageCacheBytes, true},
		{"LITECOMICS_EXTRACT_MAX_BYTES", &cfg.ExtractMaxBytes, false},
	}
	for _, it := range bytesVars {
		v, ok := lookup(it.key)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", it.key, err)
		}
		if n < 0 || (n == 0 && !it.allowZero) {
			return Config{}, fmt.Errorf("%s: must be > 0", it.key)
		}
		*it.dst = n
	}

	if v, ok := lookup("LITECOMICS_ARCHIVE_BACKEND"); ok && v != "" {
		switch v {
		case BackendAuto, BackendTool, BackendNative:
			cfg.ArchiveBackend = v
		default:
			return Config{}, fmt.Errorf("LITECOMICS_ARCHIVE_BACKEND: %q is not one of auto, tool, native", v)
		}
	}
	if v, ok := lookup("LITECOMICS_UNRAR_PATH"); ok && v != "" {
		cfg.UnrarPath = v
	}
	if v, ok := lookup("LITECOMICS_7Z_PATH"); ok && v != "" {
		cfg.SevenZipPath = v
	}
	if v, ok := lookup("LITECOMICS_IMAGE_EXTENSIONS"); ok {
		exts, err := parseExtensionsCSV(v)
		if err != nil {
			return Config{}, fmt.Errorf("LITECOMICS_IMAGE_EXTENSIONS: %w", err)
		}
		cfg.ExtraImageExts = append(cfg.ExtraImageExts, exts...)
	}

	if v, ok := lookup("LITECOMICS_ARCHIVE_FAIL_TTL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("LITECOMICS_ARCHIVE_FAIL_TTL: %w", err)
		}
		if d < 0 {
			return Config{}, fmt.Errorf("LITECOMICS_ARCHIVE_FAIL_TTL: must be >= 0")
		}
		cfg.ArchiveFailTTL = d
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"LITECOMICS_HTTP_READ_HEADER_TIMEOUT", &cfg.HTTPReadHeaderTimeout},
		{"LITECOMICS_HTTP_IDLE_TIMEOUT", &cfg.HTTPIdleTimeout},
		{"LITECOMICS_HTTP_WRITE_TIMEOUT", &cfg.HTTPWriteTimeout},
		{"LITECOMICS_HTTP_READ_TIMEOUT", &cfg.HTTPReadTimeout},
	}
	for _, it := range durations {
		v, ok := lookup(it.key)
		if !ok || v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", it.key, err)
		}
		if d < 0 {
			return Config{}, fmt.Errorf("%s: must be >= 0", it.key)
		}
		*it.dst = d
	}

	if v, ok := lookup("LITECOMICS_HTTP_TRUSTED_SOURCES"); ok {
		ps, err := parseTrustedSourcesCSV(v)
		if err != nil {
			return Config{}, fmt.Errorf("LITECOMICS_HTTP_TRUSTED_SOURCES: %w", err)
		}
		cfg.HTTPTrustedSources = ps
	}

	if v, ok := lookup("LITECOMICS_LOG_FILE"); ok {
		cfg.LogFile = v
	}

	return cfg, nil
}

func parseExtensionsCSV(csv string) ([]string, error) {
	var out []string
	for _, raw := range strings.Split(csv, ",") {
		s := strings.ToLower(strings.TrimSpace(raw))
		if s == "" {
			continue
		}
		if !strings.HasPrefix(s, ".") {
			s = "." + s
		}
		if strings.ContainsAny(s[1:], "./\\") {
			return nil, fmt.Errorf("invalid extension %q", raw)
		}
		out = append(out, s)
	}
	return out, nil
}

func parseTrustedSourcesCSV(csv string) ([]netip.Prefix, error) {
	csv = strings.TrimSpace(csv)
	if csv == "" {
		return nil, nil
	}

	parts := strings.Split(csv, ",")
	out := make([]netip.Prefix, 0, len(parts))
	for _, raw := range parts {
		s := strings.TrimSpace(raw)
		if s == "" {
			continue
		}

		if strings.Contains(s, "/") {
			p, err := netip.ParsePrefix(s)
			if err != nil {
				return nil, fmt.Errorf("invalid CIDR %q: %w", s, err)
			}
			out = append(out, p)
			continue
		}

		a, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid IP %q: %w", s, err)
		}
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}

	return out, nil
}
