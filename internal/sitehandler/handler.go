package sitehandler

import (
	"io/fs"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-jokes/internal/log"
)

// Paths are mounted explicitly so metrics and traces see a route pattern
// instead of "unmatched". Anything else still reaches the site via NotFound.
var Paths = []string{"/", "/static/*", "/apidocs/*", "/robots.txt"}

// Handler serves the jokes site: the page, its assets and the API docs.
type Handler struct {
	log      log.Logger
	site     SiteSource
	fallback fs.FS
}

func New(opts Options) (*Handler, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &Handler{log: opts.Logger, site: opts.Site, fallback: opts.FallbackFS}, nil
}

// RegisterRoutes goes last so the site stays the fallback. NotFound is used
// instead of a wildcard so it never shadows the API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	for _, p := range Paths {
		r.Get(p, h.ServeHTTP)
		r.Head(p, h.ServeHTTP)
	}
	r.NotFound(h.ServeHTTP)
	r.MethodNotAllowed(h.ServeHTTP)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	fsys, ok := h.site.SiteFS()
	if !ok {
		h.log.Warn(r.Context(), "site unavailable, serving maintenance page")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Retry-After", "60")
		serveStatus(w, r, http.StatusServiceUnavailable, h.fallback, maintenancePage)
		return
	}

	t, found := resolve(fsys, r.URL.Path)
	switch {
	case !found:
		h.notFound(w, r, fsys)
	case t.redirect != "":
		http.Redirect(w, r, t.redirect, http.StatusPermanentRedirect)
	default:
		w.Header().Set("Cache-Control", cacheControl(t.file))
		http.ServeFileFS(w, r, fsys, t.file)
	}
}

// notFound prefers the site's own 404 page, then the fallback one, then text.
func (h *Handler) notFound(w http.ResponseWriter, r *http.Request, site fs.FS) {
	w.Header().Set("Cache-Control", "no-store")
	for _, fsys := range []fs.FS{site, h.fallback} {
		if isFile(fsys, notFoundPage) {
			serveStatus(w, r, http.StatusNotFound, fsys, notFoundPage)
			return
		}
	}
	http.Error(w, "404 page not found", http.StatusNotFound)
}

// statusWriter replaces the status of the first WriteHeader, which
// http.ServeFileFS always sends as 200.
type statusWriter struct {
	http.ResponseWriter
	status int
	sent   bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.sent {
		w.sent = true
		code = w.status
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.sent {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func serveStatus(w http.ResponseWriter, r *http.Request, status int, fsys fs.FS, name string) {
	http.ServeFileFS(&statusWriter{ResponseWriter: w, status: status}, r, fsys, name)
}
