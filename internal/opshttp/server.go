// Package opshttp is the admin listener: metrics, health checks and pprof. It only
// answers peers on private networks.
package opshttp

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/keithlinneman/linnemanlabs-jokes/internal/health"
	"github.com/keithlinneman/linnemanlabs-jokes/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-jokes/internal/httpserver"
	"github.com/keithlinneman/linnemanlabs-jokes/internal/log"
	"github.com/keithlinneman/linnemanlabs-jokes/internal/xerrors"
)

const (
	DefaultPort = 9000
	// a pprof profile or trace streams for 30s by default
	writeTimeout = 35 * time.Second
)

type Options struct {
	Port         int
	Metrics      http.Handler
	EnablePprof  bool
	Health       health.Checker
	Readiness    health.Checker
	UseRecoverMW bool
	OnPanic      func()
}

// NewHandler routes the admin endpoints. Health checks answer on /healthz and
// /readyz and on the public listener's /-/healthy and /-/ready.
func NewHandler(L log.Logger, opts *Options) http.Handler {
	if L == nil {
		L = log.Nop()
	}
	r := chi.NewRouter()
	if opts.UseRecoverMW {
		r.Use(httpmw.Recover(L, opts.OnPanic))
	}
	r.Use(privateOnly(L))

	healthz, readyz := health.HealthzHandler(opts.Health), health.ReadyzHandler(opts.Readiness)
	r.Get("/healthz", healthz)
	r.Get("/-/healthy", healthz)
	r.Get("/readyz", readyz)
	r.Get("/-/ready", readyz)

	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}
	if opts.EnablePprof {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

// Start serves NewHandler on opts.Port (DefaultPort when 0) and returns a
// stop func that shuts the listener down once.
func Start(ctx context.Context, L log.Logger, opts *Options) (func(context.Context) error, error) {
	if L == nil {
		L = log.Nop()
	}
	port := opts.Port
	if port == 0 {
		port = DefaultPort
	}
	addr := ":" + strconv.Itoa(port)

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "listen admin %s", addr)
	}
	srv := httpserver.NewServer(addr, NewHandler(L, opts))
	srv.WriteTimeout = writeTimeout

	go func() {
		L.Info(ctx, "ops http server listening", "addr", addr, "pprof", opts.EnablePprof)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			L.Error(ctx, err, "ops http server error")
		}
	}()

	var once sync.Once
	return func(sctx context.Context) (err error) {
		once.Do(func() {
			L.Info(sctx, "ops http server shutting down")
			c, cancel := context.WithTimeout(sctx, 5*time.Second)
			defer cancel()
			err = srv.Shutdown(c)
		})
		return err
	}, nil
}

// privateOnly answers 403 to public peers and to anything that came through a
// proxy. The security group should already keep them out.
func privateOnly(L log.Logger) httpmw.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if reason := rejectReason(r); reason != "" {
				L.Warn(r.Context(), "admin request rejected",
					"reason", reason,
					"network.peer.address", r.RemoteAddr,
					"url.path", r.URL.Path,
				)
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func rejectReason(r *http.Request) string {
	ap, err := netip.ParseAddrPort(r.RemoteAddr)
	if err != nil {
		return "unparseable remote addr"
	}
	ip := ap.Addr().Unmap()
	switch {
	case !ip.IsLoopback() && !ip.IsPrivate() && !ip.IsLinkLocalUnicast():
		return "public remote ip"
	case r.Header.Get("X-Forwarded-For") != "" || r.Header.Get("Forwarded") != "":
		return "forwarded request"
	}
	return ""
}
