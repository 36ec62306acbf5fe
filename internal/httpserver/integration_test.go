package httpserver_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-jokes/internal/healthhttp"
	"github.com/keithlinneman/linnemanlabs-jokes/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-jokes/internal/httpserver"
	"github.com/keithlinneman/linnemanlabs-jokes/internal/jokehttp"
	"github.com/keithlinneman/linnemanlabs-jokes/internal/jokes"
	"github.com/keithlinneman/linnemanlabs-jokes/internal/ledger"
	"github.com/keithlinneman/linnemanlabs-jokes/internal/log"
	"github.com/keithlinneman/linnemanlabs-jokes/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-jokes/internal/sitehandler"
	"github.com/keithlinneman/linnemanlabs-jokes/internal/webassets"
)

// stringSource serves fixed jokes content.
type stringSource string

func (s stringSource) Open(context.Context) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(string(s))), nil
}

func (s stringSource) String() string { return "inline" }

type stack struct {
	ledger  *ledger.Ledger
	handler http.Handler
}

// newStack wires httpserver.NewHandler with the real joke API, the health
// report, an in-memory ledger and the embedded site.
func newStack(t *testing.T, rateLimitMW httpmw.Middleware) *stack {
	t.Helper()
	ctx := context.Background()

	l, err := ledger.Open(ctx, ledger.Options{Path: ":memory:"})
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	store := jokes.NewStore(stringSource("first joke\n\nsecond joke\n"))

	siteFS, ok := webassets.SiteFS()
	if !ok {
		t.Fatal("embedded site missing")
	}
	siteH, err := sitehandler.New(sitehandler.Options{
		Logger:     log.Nop(),
		Site:       sitehandler.Static{FS: siteFS},
		FallbackFS: webassets.FallbackFS(),
	})
	if err != nil {
		t.Fatalf("sitehandler.New: %v", err)
	}

	jokeAPI := jokehttp.NewAPI(jokehttp.Options{Ledger: l, Jokes: store})
	healthAPI := healthhttp.NewAPI(healthhttp.Options{Ledger: l, Jokes: store})

	return &stack{ledger: l, handler: httpserver.NewHandler(httpserver.Options{
		Logger:       log.Nop(),
		UseRecoverMW: true,
		RateLimitMW:  rateLimitMW,
		APIRoutes: func(r chi.Router) {
			jokeAPI.RegisterRoutes(r)
			healthAPI.RegisterRoutes(r)
			siteH.RegisterRoutes(r)
		},
		SiteHandler:  siteH,
		BuildVersion: "v1.0.0",
		BuildCommit:  "0123456789abcdef",
	})}
}

func (s *stack) do(method, path, remote string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, http.NoBody)
	if remote != "" {
		req.RemoteAddr = remote
	}
	s.handler.ServeHTTP(rec, req)
	return rec
}

func requestsToday(t *testing.T, rec *httptest.ResponseRecorder) int {
	t.Helper()
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %q", rec.Code, rec.Body.String())
	}
	var resp jokehttp.JokeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Joke != "first joke" && resp.Joke != "second joke" {
		t.Fatalf("joke = %q", resp.Joke)
	}
	return resp.RequestsToday
}

func TestIntegration_FullStack(t *testing.T) {
	do := newStack(t, nil).do

	// subtests share the ledger so they run in order

	t.Run("serves index.html with security headers", func(t *testing.T) {
		rec := do(http.MethodGet, "/", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "/static/app.js") {
			t.Fatalf("body = %q, want the jokes page", rec.Body.String())
		}

		securityHeaders := []string{
			"Strict-Transport-Security",
			"Content-Security-Policy",
			"X-Content-Type-Options",
			"X-Frame-Options",
			"Referrer-Policy",
			"Cross-Origin-Embedder-Policy",
			"Cross-Origin-Opener-Policy",
			"Cross-Origin-Resource-Policy",
			"Permissions-Policy",
		}
		for _, hdr := range securityHeaders {
			if rec.Header().Get(hdr) == "" {
				t.Errorf("missing security header: %s", hdr)
			}
		}
		if got := rec.Header().Get("X-App-Version"); got != "v1.0.0" {
			t.Errorf("X-App-Version = %q", got)
		}
		if got := rec.Header().Get("X-Request-Id"); got == "" {
			t.Error("X-Request-Id not set")
		}
	})

	t.Run("serves static assets with asset caching", func(t *testing.T) {
		rec := do(http.MethodGet, "/static/app.css", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if cc := rec.Header().Get("Cache-Control"); !strings.Contains(cc, "immutable") {
			t.Fatalf("Cache-Control = %q", cc)
		}
	})

	t.Run("serves openapi document", func(t *testing.T) {
		rec := do(http.MethodGet, "/apidocs/openapi.json", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if !json.Valid(rec.Body.Bytes()) {
			t.Fatal("openapi.json is not valid json")
		}
	})

	t.Run("get-joke counts per client", func(t *testing.T) {
		for want := 1; want <= 2; want++ {
			if got := requestsToday(t, do(http.MethodGet, "/get-joke", "192.0.2.10:40000")); got != want {
				t.Fatalf("requests_today = %d, want %d", got, want)
			}
		}
	})

	t.Run("joke-stats reflects get-joke", func(t *testing.T) {
		rec := do(http.MethodGet, "/joke-stats", "192.0.2.10:40001")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var resp jokehttp.StatsResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		if resp.UserIP != "192.0.2.10" || resp.JokesRequested24h != 2 || len(resp.Timestamps) != 2 {
			t.Fatalf("resp = %+v", resp)
		}
	})

	t.Run("health reports jokes and requests", func(t *testing.T) {
		rec := do(http.MethodGet, "/health", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var resp healthhttp.HealthyResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		if resp.Status != "healthy" || resp.JokesLoaded != 2 || resp.TotalRequests != 2 {
			t.Fatalf("resp = %+v", resp)
		}
	})

	t.Run("returns themed 404 for missing path", func(t *testing.T) {
		rec := do(http.MethodGet, "/does-not-exist", "")
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", rec.Code)
		}
		if rec.Header().Get("Strict-Transport-Security") == "" {
			t.Fatal("HSTS missing on 404 response")
		}
	})

	t.Run("rejects POST with 405", func(t *testing.T) {
		rec := do(http.MethodPost, "/", "")
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("status = %d, want 405", rec.Code)
		}
		if rec.Header().Get("Strict-Transport-Security") == "" {
			t.Fatal("HSTS missing on 405 response")
		}
	})

	t.Run("HEAD returns same status as GET without body", func(t *testing.T) {
		rec := do(http.MethodHead, "/", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
	})
}

// A request the rate limiter turns away never reaches the ledger.
func TestIntegration_RateLimitedRequestNotCounted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	limiter := ratelimit.New(ctx, ratelimit.WithRate(0.001, 2))
	s := newStack(t, limiter.Middleware)

	const client = "198.51.100.4"
	for want := 1; want <= 2; want++ {
		if got := requestsToday(t, s.do(http.MethodGet, "/get-joke", client+":1000")); got != want {
			t.Fatalf("requests_today = %d, want %d", got, want)
		}
	}

	rec := s.do(http.MethodGet, "/get-joke", client+":1001")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third request status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Strict-Transport-Security") == "" {
		t.Fatal("security headers missing on 429")
	}

	n, err := s.ledger.CountSince(ctx, client, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("ledger count after 429 = %d, want 2", n)
	}

	// other clients keep their own budget
	if got := requestsToday(t, s.do(http.MethodGet, "/get-joke", "198.51.100.5:1000")); got != 1 {
		t.Fatalf("requests_today for another client = %d, want 1", got)
	}
}
