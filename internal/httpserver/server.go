package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/linnemanlabs-jokes/internal/health"
	"github.com/keithlinneman/linnemanlabs-jokes/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-jokes/internal/log"
	"github.com/keithlinneman/linnemanlabs-jokes/internal/xerrors"
)

// Listener defaults. opshttp uses the same timeouts.
const (
	DefaultPort              = 51362
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20

	// every public route is GET or HEAD
	maxRequestBody = 1 << 10
	shutdownGrace  = 5 * time.Second
)

var compressTypes = []string{
	"text/html",
	"text/css",
	"text/javascript",
	"application/javascript",
	"application/json",
	"image/svg+xml",
	"image/x-icon",
}

// NewHandler assembles the public router and its middleware. The caller owns
// the *http.Server.
func NewHandler(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return httpmw.Chain(router(opts), middlewares(opts)...)
}

func router(opts Options) chi.Router {
	r := chi.NewRouter()
	r.Use(
		middleware.Compress(5, compressTypes...),
		httpmw.AnnotateHTTPRoute,
		httpmw.AccessLog(),
		httpmw.MaxBody(maxRequestBody),
	)

	if opts.Health != nil {
		r.Get("/-/healthy", health.HealthzHandler(opts.Health))
	}
	if opts.Readiness != nil {
		r.Get("/-/ready", health.ReadyzHandler(opts.Readiness))
	}
	if opts.APIRoutes != nil {
		opts.APIRoutes(r)
	}
	// the site renders its own 404 and 405 pages
	if opts.SiteHandler != nil {
		r.NotFound(opts.SiteHandler.ServeHTTP)
		r.MethodNotAllowed(opts.SiteHandler.ServeHTTP)
	}
	return r
}

// middlewares lists the wrappers outermost first. Security headers go on
// every response, and the client address is pinned before the rate limiter
// and the ledger see it.
func middlewares(opts Options) []httpmw.Middleware {
	var recoverMW, buildMW httpmw.Middleware
	if opts.UseRecoverMW {
		recoverMW = httpmw.Recover(opts.Logger, opts.OnPanic)
	}
	if opts.BuildVersion != "" || opts.BuildCommit != "" {
		buildMW = httpmw.BuildHeaders(opts.BuildVersion, opts.BuildCommit)
	}

	tracing := otelhttp.NewMiddleware("http.server",
		otelhttp.WithFilter(func(r *http.Request) bool { return traced(r.URL.Path) }),
		// AnnotateHTTPRoute renames the span once chi has matched
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(*http.Request) bool { return true }),
	)

	return []httpmw.Middleware{
		httpmw.SecurityHeaders,
		recoverMW,
		httpmw.RequestID("X-Request-Id"),
		httpmw.ClientIP,
		opts.RateLimitMW,
		tracing,
		buildMW,
		httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id"),
		opts.MetricsMW,
		httpmw.WithLogger(opts.Logger),
	}
}

var untracedPaths = map[string]bool{
	"/favicon.ico": true,
	"/favicon.svg": true,
	"/robots.txt":  true,
	"/-/healthy":   true,
	"/-/ready":     true,
}

var untracedExts = map[string]bool{
	".css": true, ".js": true, ".map": true,
	".png": true, ".jpg": true, ".jpeg": true, ".webp": true, ".svg": true, ".ico": true,
	".woff": true, ".woff2": true,
}

// traced skips health checks and static assets. The joke endpoints are always traced.
func traced(p string) bool {
	return !untracedPaths[p] && !untracedExts[strings.ToLower(path.Ext(p))]
}

func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
}

// Start listens on opts.Port (DefaultPort when 0) and serves in the
// background. The returned stop shuts the server down once; later calls
// return nil.
func Start(ctx context.Context, opts Options) (func(context.Context) error, error) {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	port := opts.Port
	if port == 0 {
		port = DefaultPort
	}
	addr := ":" + strconv.Itoa(port)

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp4", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "listen %s", addr)
	}
	srv := NewServer(addr, NewHandler(opts))

	go func() {
		opts.Logger.Info(ctx, "http server listening", "addr", addr)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			opts.Logger.Error(ctx, err, "http server error")
		}
	}()

	var once sync.Once
	return func(sctx context.Context) (err error) {
		once.Do(func() {
			opts.Logger.Info(sctx, "http server shutting down")
			c, cancel := context.WithTimeout(sctx, shutdownGrace)
			defer cancel()
			err = srv.Shutdown(c)
		})
		return err
	}, nil
}
