package sitehandler

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/go-chi/chi/v5"
)

func file(s string) *fstest.MapFile { return &fstest.MapFile{Data: []byte(s)} }

func jokesSite() fstest.MapFS {
	return fstest.MapFS{
		"index.html":           file("<h1>jokes</h1>"),
		"404.html":             file("site 404"),
		"robots.txt":           file("User-agent: *"),
		"static/app.js":        file("fetch('/get-joke')"),
		"static/app.css":       file("body{}"),
		"apidocs/index.html":   file("docs"),
		"apidocs/openapi.json": file(`{"openapi":"3.0.3"}`),
		"LICENSE":              file("MIT"),
	}
}

func fallback() fstest.MapFS {
	return fstest.MapFS{
		"maintenance.html": file("down for maintenance"),
		"404.html":         file("fallback 404"),
	}
}

func newHandler(t *testing.T, site SiteSource, fb fstest.MapFS) *Handler {
	t.Helper()
	h, err := New(Options{Site: site, FallbackFS: fb})
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func get(h http.Handler, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestResolve(t *testing.T) {
	site := jokesSite()
	cases := []struct {
		path     string
		file     string
		redirect string
		ok       bool
	}{
		{"/", "index.html", "", true},
		{"", "index.html", "", true},
		{"//", "index.html", "", true},
		{"/static/app.js", "static/app.js", "", true},
		{"/apidocs/", "apidocs/index.html", "", true},
		{"/apidocs", "", "/apidocs/", true},
		{"/static", "", "", false},
		{"/static/", "", "", false},
		{"/missing.js", "", "", false},
		{"/LICENSE", "", "", false},
		{"/../index.html", "", "", false},
		{"/static/../index.html", "", "", false},
		{"/./index.html", "", "", false},
		{"/static/.", "", "", false},
		{"/a..b.html", "", "", false},
		{"/static\\app.js", "", "", false},
		{"/index.html\x00", "", "", false},
	}
	for _, c := range cases {
		got, ok := resolve(site, c.path)
		if ok != c.ok || got.file != c.file || got.redirect != c.redirect {
			t.Errorf("resolve(%q) = %+v, %v; want file=%q redirect=%q ok=%v",
				c.path, got, ok, c.file, c.redirect, c.ok)
		}
	}
}

func TestCacheControl(t *testing.T) {
	for name, want := range map[string]string{
		"index.html":           cacheRevalidate,
		"LICENSE":              cacheRevalidate,
		"static/app.JS":        cacheImmutable,
		"static/font.woff2":    cacheImmutable,
		"apidocs/openapi.json": cacheHour,
		"robots.txt":           cacheHour,
	} {
		if got := cacheControl(name); got != want {
			t.Errorf("cacheControl(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestNew_Validation(t *testing.T) {
	for name, opts := range map[string]Options{
		"no site":        {FallbackFS: fallback()},
		"no fallback":    {Site: Static{FS: jokesSite()}},
		"no maintenance": {Site: Static{FS: jokesSite()}, FallbackFS: fstest.MapFS{"404.html": file("x")}},
	} {
		if _, err := New(opts); !errors.Is(err, ErrInvalidOptions) {
			t.Errorf("%s: err = %v", name, err)
		}
	}
}

func TestServeHTTP_Page(t *testing.T) {
	h := newHandler(t, Static{FS: jokesSite()}, fallback())

	rec := get(h, http.MethodGet, "/")
	if rec.Code != http.StatusOK || rec.Body.String() != "<h1>jokes</h1>" {
		t.Fatalf("GET / = %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Cache-Control") != cacheRevalidate {
		t.Fatalf("Cache-Control = %q", rec.Header().Get("Cache-Control"))
	}

	rec = get(h, http.MethodGet, "/static/app.js")
	if rec.Code != http.StatusOK || rec.Header().Get("Cache-Control") != cacheImmutable {
		t.Fatalf("asset = %d %v", rec.Code, rec.Header())
	}

	rec = get(h, http.MethodHead, "/apidocs/openapi.json")
	if rec.Code != http.StatusOK || rec.Body.Len() != 0 {
		t.Fatalf("HEAD = %d with %d body bytes", rec.Code, rec.Body.Len())
	}
}

func TestServeHTTP_Redirect(t *testing.T) {
	h := newHandler(t, Static{FS: jokesSite()}, fallback())
	rec := get(h, http.MethodGet, "/apidocs")
	if rec.Code != http.StatusPermanentRedirect || rec.Header().Get("Location") != "/apidocs/" {
		t.Fatalf("redirect = %d %q", rec.Code, rec.Header().Get("Location"))
	}
}

func TestServeHTTP_NotFound(t *testing.T) {
	site := jokesSite()
	rec := get(newHandler(t, Static{FS: site}, fallback()), http.MethodGet, "/nope")
	if rec.Code != http.StatusNotFound || rec.Body.String() != "site 404" {
		t.Fatalf("site 404 = %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Fatalf("404 Cache-Control = %q", rec.Header().Get("Cache-Control"))
	}

	delete(site, "404.html")
	rec = get(newHandler(t, Static{FS: site}, fallback()), http.MethodGet, "/nope")
	if rec.Code != http.StatusNotFound || rec.Body.String() != "fallback 404" {
		t.Fatalf("fallback 404 = %d %q", rec.Code, rec.Body.String())
	}

	fb := fallback()
	delete(fb, "404.html")
	rec = get(newHandler(t, Static{FS: site}, fb), http.MethodGet, "/nope")
	if rec.Code != http.StatusNotFound || !strings.HasPrefix(rec.Body.String(), "404 page not found") {
		t.Fatalf("plain 404 = %d %q", rec.Code, rec.Body.String())
	}

	rec = get(newHandler(t, Static{FS: site}, fallback()), http.MethodGet, "/static/../index.html")
	if rec.Code == http.StatusOK {
		t.Fatal("traversal served a file")
	}
}

func TestServeHTTP_MethodNotAllowed(t *testing.T) {
	h := newHandler(t, Static{FS: jokesSite()}, fallback())
	for _, m := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
		rec := get(h, m, "/")
		if rec.Code != http.StatusMethodNotAllowed || rec.Header().Get("Allow") != "GET, HEAD" {
			t.Errorf("%s / = %d allow=%q", m, rec.Code, rec.Header().Get("Allow"))
		}
	}
}

func TestServeHTTP_Maintenance(t *testing.T) {
	for name, src := range map[string]SiteSource{
		"nil static":     Static{},
		"empty dir path": Dir{},
		"dir w/o index":  Dir{Path: t.TempDir()},
	} {
		rec := get(newHandler(t, src, fallback()), http.MethodGet, "/")
		if rec.Code != http.StatusServiceUnavailable || rec.Body.String() != "down for maintenance" {
			t.Errorf("%s: %d %q", name, rec.Code, rec.Body.String())
		}
		if rec.Header().Get("Retry-After") != "60" || rec.Header().Get("Cache-Control") != "no-store" {
			t.Errorf("%s: headers %v", name, rec.Header())
		}
	}
}

func TestDir_ServesFromDisk(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("from disk"), 0o644); err != nil {
		t.Fatal(err)
	}
	h := newHandler(t, Dir{Path: dir}, fallback())
	if rec := get(h, http.MethodGet, "/"); rec.Body.String() != "from disk" {
		t.Fatalf("body = %q", rec.Body.String())
	}

	// edits are live, and removing the index drops to maintenance
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("edited"), 0o644); err != nil {
		t.Fatal(err)
	}
	if rec := get(h, http.MethodGet, "/"); rec.Body.String() != "edited" {
		t.Fatalf("body after edit = %q", rec.Body.String())
	}
	if err := os.Remove(filepath.Join(dir, "index.html")); err != nil {
		t.Fatal(err)
	}
	if rec := get(h, http.MethodGet, "/"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status after removing index = %d", rec.Code)
	}
}

func TestRegisterRoutes(t *testing.T) {
	h := newHandler(t, Static{FS: jokesSite()}, fallback())
	r := chi.NewRouter()
	var pattern string
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req)
			pattern = chi.RouteContext(req.Context()).RoutePattern()
		})
	})
	r.Get("/get-joke", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) })
	h.RegisterRoutes(r)

	cases := []struct {
		method, path, pattern string
		code                  int
	}{
		{http.MethodGet, "/static/app.css", "/static/*", http.StatusOK},
		{http.MethodHead, "/robots.txt", "/robots.txt", http.StatusOK},
		{http.MethodGet, "/get-joke", "/get-joke", http.StatusTeapot},
		{http.MethodGet, "/elsewhere", "", http.StatusNotFound},
		{http.MethodPost, "/", "", http.StatusMethodNotAllowed},
	}
	for _, c := range cases {
		pattern = ""
		rec := get(r, c.method, c.path)
		if rec.Code != c.code || pattern != c.pattern {
			t.Errorf("%s %s = %d pattern %q, want %d %q", c.method, c.path, rec.Code, pattern, c.code, c.pattern)
		}
	}
}
