package litecomics

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// Route names used as the low-cardinality "route" label and log attribute.
const (
	RouteRoots     = "roots"
	RouteDir       = "dir"
	RouteBookList  = "book_list"
	RouteBookImage = "book_image"
	RouteThumbnail = "book_thumbnail"
	RouteMedia     = "media"
	RouteMediaURL  = "media_url"
	RouteFile      = "file"
	RouteMetrics   = "metrics"
	RouteUnknown   = "unknown"
)

// newRouter builds the route table. Routes match against the still-encoded request path
// so that an encoded "/" inside a file name cannot split a {path} variable; handlers
// decode {path} exactly once.
func (s *Server) newRouter() *mux.Router {
	r := mux.NewRouter()
	r.UseEncodedPath()

	api := r.PathPrefix("/api").Subrouter()
	api.Handle("/roots", s.instrument(RouteRoots, s.handleRoots))
	api.Handle("/dir/{path:.*}", s.instrument(RouteDir, s.handleDir))
	api.Handle("/dir", s.instrument(RouteDir, s.handleDir))
	api.Handle("/book/{path:.+}/list", s.instrument(RouteBookList, s.handleBookList))
	api.Handle("/book/{path:.+}/image/{index:[0-9]+}", s.instrument(RouteBookImage, s.handleBookImage))
	api.Handle("/book/{path:.+}/thumbnail", s.instrument(RouteThumbnail, s.handleThumbnail))
	api.Handle("/media/{path:.+}", s.instrument(RouteMedia, s.handleMedia))
	api.Handle("/media-url/{path:.+}", s.instrument(RouteMediaURL, s.handleMediaURL))
	api.Handle("/file/{path:.+}", s.instrument(RouteFile, s.handleFile))
	r.Handle("/metrics", s.instrument(RouteMetrics, s.handleMetrics))

	r.NotFoundHandler = s.instrument(RouteUnknown, func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
	})
	return r
}

// instrument applies the GET/HEAD method policy, HEAD body suppression, request
// logging and request metrics to a handler.
func (s *Server) instrument(route string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		switch {
		case !isMethodAllowed(r.Method):
			rw.Header().Set("Allow", "GET, HEAD")
			respondJSON(rw, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		case r.Method == http.MethodHead:
			h(&headResponseWriter{ResponseWriter: rw}, r)
		default:
			h(rw, r)
		}

		d := time.Since(start)
		s.metrics.ObserveRequest(route, d)
		s.logRequest(r, route, rw.statusCode, d)
	})
}

// isMethodAllowed returns true if the HTTP method is allowed (GET or HEAD).
func isMethodAllowed(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}
