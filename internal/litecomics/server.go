package litecomics

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the HTTP server for litecomics.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics
	verbose bool // Enable verbose logging (log 2xx responses)

	library        *Library
	metricsHandler http.Handler
	router         *mux.Router
}

// NewServer constructs a new Server instance. gatherer backs /metrics; the default
// Prometheus registry is used when it is nil.
func NewServer(
	cfg Config,
	logger *slog.Logger,
	metrics *Metrics,
	library *Library,
	gatherer prometheus.Gatherer,
) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(discardWriter{}, nil))
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		cfg:            cfg,
		logger:         logger,
		metrics:        metrics,
		library:        library,
		metricsHandler: promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}),
	}
	s.router = s.newRouter()
	return s
}

// SetVerbose enables verbose logging (logs 2xx responses).
func (s *Server) SetVerbose(v bool) {
	s.verbose = v
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// pathVar returns the URL-decoded {path} variable. Routes match the encoded path, so this
// is the only decoding step.
func pathVar(r *http.Request) (string, error) {
	p, err := url.PathUnescape(mux.Vars(r)["path"])
	if err != nil {
		return "", ErrInvalidPath
	}
	return p, nil
}

func (s *Server) handleRoots(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.library.Roots())
}

func (s *Server) handleDir(w http.ResponseWriter, r *http.Request) {
	requestPath, err := pathVar(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	if strings.Trim(requestPath, "/") == "" {
		respondJSON(w, http.StatusOK, struct {
			Files []FileItem `json:"files"`
		}{Files: s.library.Roots()})
		return
	}

	rp, err := s.library.Resolve(requestPath)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	files, err := s.library.ListDir(rp)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, struct {
		RootName     string     `json:"rootName"`
		RelativePath string     `json:"relativePath"`
		Files        []FileItem `json:"files"`
	}{
		RootName:     rp.RootName,
		RelativePath: rp.RelativePath,
		Files:        files,
	})
}

func (s *Server) resolveVar(w http.ResponseWriter, r *http.Request) (ResolvedPath, bool) {
	requestPath, err := pathVar(r)
	if err != nil {
		s.respondError(w, r, err)
		return ResolvedPath{}, false
	}
	rp, err := s.library.Resolve(requestPath)
	if err != nil {
		s.respondError(w, r, err)
		return ResolvedPath{}, false
	}
	return rp, true
}

func (s *Server) handleBookList(w http.ResponseWriter, r *http.Request) {
	rp, ok := s.resolveVar(w, r)
	if !ok {
		return
	}
	images, err := s.library.Images(r.Context(), rp.FullPath)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	names := make([]string, len(images))
	for i, img := range images {
		names[i] = DisplayName(img)
	}
	respondJSON(w, http.StatusOK, struct {
		Filename   string   `json:"filename"`
		Images     []string `json:"images"`
		Count      int      `json:"count"`
		DefaultLTR bool     `json:"defaultLTR"`
	}{
		Filename:   filepath.Base(rp.FullPath),
		Images:     names,
		Count:      len(names),
		DefaultLTR: s.cfg.DefaultLTR,
	})
}

func (s *Server) handleBookImage(w http.ResponseWriter, r *http.Request) {
	rp, ok := s.resolveVar(w, r)
	if !ok {
		return
	}
	index, err := strconv.Atoi(mux.Vars(r)["index"])
	if err != nil {
		s.respondError(w, r, ErrIndexOutOfRange)
		return
	}

	data, entry, err := s.library.Page(r.Context(), rp.FullPath, index)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", MIMEType(entry))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	s.writeBody(w, r, data)
}

func (s *Server) handleThumbnail(w http.ResponseWriter, r *http.Request) {
	rp, ok := s.resolveVar(w, r)
	if !ok {
		return
	}

	data, ext, hit, err := s.library.Thumbnail(r.Context(), rp.FullPath)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", MIMEType(ext))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "public, max-age=86400")
	if hit {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	s.writeBody(w, r, data)
}

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	s.stream(w, r)
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	s.stream(w, r)
}

func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	rp, ok := s.resolveVar(w, r)
	if !ok {
		return
	}
	err := StreamFile(w, r, rp.FullPath, MIMEType(rp.FullPath))
	switch {
	case err == nil:
	case errors.Is(err, errResponseCommitted):
		s.logger.Debug("stream aborted", "path", r.URL.Path, "error", err)
	default:
		s.respondError(w, r, err)
	}
}

// handleMediaURL returns the URL a client should open for a media file: either the plain
// /api/file URL or, when a handler configured for the client's device claims the file's
// extension, that handler's URL with {url} replaced by the escaped file URL.
func (s *Server) handleMediaURL(w http.ResponseWriter, r *http.Request) {
	requestPath, err := pathVar(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	rp, err := s.library.Resolve(requestPath)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if _, err := s.library.Stat(rp); err != nil {
		s.respondError(w, r, err)
		return
	}

	fileURL := s.derivePublicBaseURL(r) + "/api/file/" + escapePath(requestPath)
	ext := strings.ToLower(filepath.Ext(rp.FullPath))

	handlers := s.cfg.Handlers[detectDevice(r.Header.Get("User-Agent"))]
	names := make([]string, 0, len(handlers))
	for name := range handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		h := handlers[name]
		if slices.Contains(h.Ext, ext) {
			respondJSON(w, http.StatusOK, struct {
				URL    string `json:"url"`
				Custom bool   `json:"custom"`
				Name   string `json:"name"`
			}{
				URL:    strings.ReplaceAll(h.URL, "{url}", url.QueryEscape(fileURL)),
				Custom: true,
				Name:   name,
			})
			return
		}
	}

	respondJSON(w, http.StatusOK, struct {
		URL string `json:"url"`
	}{URL: fileURL})
}

// escapePath escapes each segment of a slash-separated path.
func escapePath(p string) string {
	segs := strings.Split(p, "/")
	for i, seg := range segs {
		segs[i] = url.PathEscape(seg)
	}
	return strings.Join(segs, "/")
}

// detectDevice maps a User-Agent onto a handler table key.
func detectDevice(ua string) string {
	switch {
	case strings.Contains(ua, "iPhone"), strings.Contains(ua, "iPad"), strings.Contains(ua, "iPod"):
		return "ios"
	case strings.Contains(ua, "Android"):
		return "android"
	case strings.Contains(ua, "Macintosh"), strings.Contains(ua, "Mac OS X"):
		return "mac"
	case strings.Contains(ua, "Windows"):
		return "windows"
	default:
		return ""
	}
}

// handleMetrics serves GET /metrics via promhttp.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.metricsHandler.ServeHTTP(w, r)
}

func (s *Server) writeBody(w http.ResponseWriter, r *http.Request, data []byte) {
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(data); err != nil {
		s.logger.Debug("write response failed", "path", r.URL.Path, "size", humanize.IBytes(uint64(len(data))), "error", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// respondError writes err as a JSON error body with the status statusForError picks.
// Internal failures are logged with their full detail.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	if status == statusClientClosedRequest {
		s.logger.Debug("client went away", "path", r.URL.Path, "error", err)
	} else if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
	}
	w.Header().Del("Content-Length")
	respondJSON(w, status, errorResponse{Error: err.Error()})
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	wrote      bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wrote {
		rw.statusCode = code
		rw.wrote = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wrote = true
	return rw.ResponseWriter.Write(b)
}

// headResponseWriter wraps http.ResponseWriter to discard body for HEAD requests.
type headResponseWriter struct {
	http.ResponseWriter
}

func (w *headResponseWriter) Write(b []byte) (int, error) {
	return len(b), nil
}

// logRequest always logs non-2xx responses and logs 2xx only when verbose mode is enabled.
func (s *Server) logRequest(r *http.Request, route string, statusCode int, duration time.Duration) {
	if s.logger == nil {
		return
	}

	shouldLog := statusCode < 200 || statusCode >= 300
	if statusCode >= 200 && statusCode < 300 {
		shouldLog = s.verbose
	}
	if !shouldLog {
		return
	}

	attrs := []interface{}{
		"method", r.Method,
		"path", r.URL.Path,
		"status", statusCode,
		"duration_ms", duration.Milliseconds(),
		"route", route,
	}

	// Include X-Forwarded-* headers when present (for logging, not for URL formation)
	if fwdHost := r.Header.Get("X-Forwarded-Host"); fwdHost != "" {
		attrs = append(attrs, "x_forwarded_host", fwdHost)
	}
	if fwdProto := r.Header.Get("X-Forwarded-Proto"); fwdProto != "" {
		attrs = append(attrs, "x_forwarded_proto", fwdProto)
	}

	switch {
	case statusCode == statusClientClosedRequest:
		s.logger.Debug("HTTP request", attrs...)
	case statusCode >= 500:
		s.logger.Error("HTTP request", attrs...)
	case statusCode >= 400:
		s.logger.Warn("HTTP request", attrs...)
	default:
		s.logger.Info("HTTP request", attrs...)
	}
}

// derivePublicBaseURL derives the public base URL from the incoming request.
//
// It uses the Host header and the connection's scheme by default. When the request source IP
// matches LITECOMICS_HTTP_TRUSTED_SOURCES, X-Forwarded-Host/X-Forwarded-Proto take precedence.
func (s *Server) derivePublicBaseURL(r *http.Request) string {
	sourceIPStr, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		sourceIPStr = r.RemoteAddr
	}
	sourceIP, err := netip.ParseAddr(sourceIPStr)
	if err != nil {
		sourceIP = netip.Addr{}
	}

	isTrusted := false
	for _, prefix := range s.cfg.HTTPTrustedSources {
		if prefix.Contains(sourceIP.Unmap()) {
			isTrusted = true
			break
		}
	}

	var host string
	if isTrusted {
		if fwdHost := r.Header.Get("X-Forwarded-Host"); fwdHost != "" {
			host = firstNonEmptyAfterTrim(strings.Split(fwdHost, ","))
		}
	}
	if host == "" {
		host = r.Host
	}

	var scheme string
	if isTrusted {
		if fwdProto := r.Header.Get("X-Forwarded-Proto"); fwdProto != "" {
			scheme = firstNonEmptyAfterTrim(strings.Split(fwdProto, ","))
		}
	}
	if scheme == "" {
		scheme = "http"
		if r.TLS != nil {
			scheme = "https"
		}
	}
	scheme = strings.ToLower(scheme)

	return scheme + "://" + host
}

// firstNonEmptyAfterTrim returns the first non-empty element after trimming ASCII whitespace.
func firstNonEmptyAfterTrim(elems []string) string {
	for _, elem := range elems {
		trimmed := strings.TrimSpace(elem)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}
