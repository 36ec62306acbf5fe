package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-jokes/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-jokes/internal/health"
	"github.com/keithlinneman/linnemanlabs-jokes/internal/healthhttp"
	"github.com/keithlinneman/linnemanlabs-jokes/internal/httpserver"
	"github.com/keithlinneman/linnemanlabs-jokes/internal/jokehttp"
	"github.com/keithlinneman/linnemanlabs-jokes/internal/ledger"
	"github.com/keithlinneman/linnemanlabs-jokes/internal/log"
	"github.com/keithlinneman/linnemanlabs-jokes/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-jokes/internal/opshttp"
	"github.com/keithlinneman/linnemanlabs-jokes/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-jokes/internal/prof"
	"github.com/keithlinneman/linnemanlabs-jokes/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-jokes/internal/sitehandler"
	"github.com/keithlinneman/linnemanlabs-jokes/internal/version"
	"github.com/keithlinneman/linnemanlabs-jokes/internal/webassets"
)

const (
	envPrefix = "JOKES_"
	// readiness fails this long before the listeners stop so the load balancer drains us
	drainPeriod     = 60 * time.Second
	shutdownTimeout = 10 * time.Second
	readinessPing   = 500 * time.Millisecond
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := version.Get()
	var conf cfg.App
	cfg.Register(flag.CommandLine, &conf)
	showVersion := flag.Bool("V", false, "print version and build information and exit")
	flag.Parse()
	if *showVersion {
		fmt.Println(vi.String())
		return 0
	}
	cfg.FillFromEnv(flag.CommandLine, envPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})
	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return 2
	}

	lg, err := newLogger(conf, vi)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		return 1
	}
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)
	L.Info(ctx, "starting",
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"db_path", conf.DBPath,
		"jokes_source", conf.JokesSource,
		"jokes_ssm_param", conf.JokesSSMParam,
		"site_dir", conf.SiteDir,
		"ratelimit_rps", conf.RateLimitRPS,
		"ratelimit_burst", conf.RateLimitBurst,
		"enable_tracing", conf.EnableTracing,
		"trace_sample", conf.TraceSample,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_pprof", conf.EnablePprof,
	)

	// metrics first so the profiler can report its state
	m := metrics.New()
	m.SetBuildInfoFromVersion(version.AppName, "server", vi)

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
			"build_id":  vi.BuildId,
		},
		OnActive: m.SetProfilingActive,
	})
	if err != nil {
		// profiles are optional
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer stopProf()

	// the collector listens on localhost only
	shutdownTracing, err := otelx.Init(ctx, otelx.Options{
		Enabled:  conf.EnableTracing,
		Endpoint: conf.OTLPEndpoint,
		Insecure: true,
		Sample:   conf.TraceSample,
		Version:  vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "tracing disabled, otel init failed")
		shutdownTracing = func(context.Context) error { return nil }
	}

	jokeLedger, err := ledger.Open(ctx, ledger.Options{
		Path:     conf.DBPath,
		Logger:   L.With("component", "ledger"),
		Observer: m,
	})
	if err != nil {
		L.Error(ctx, err, "failed to open request ledger", "db_path", conf.DBPath)
		return 1
	}
	// closed by defer once the listeners are down
	defer func() {
		if err := jokeLedger.Close(); err != nil {
			L.Error(context.Background(), err, "request ledger close")
		}
	}()

	// the source is re-read per request, so a bad read now only shows up on /health
	jokeStore, err := newJokesStore(ctx, L, conf)
	if err != nil {
		L.Error(ctx, err, "failed to set up jokes source", "jokes_source", conf.JokesSource)
		return 1
	}
	if set, err := jokeStore.Load(ctx); err != nil {
		L.Warn(ctx, "jokes source unreadable at startup", "error", err)
	} else {
		L.Info(ctx, "jokes source loaded", "jokes_loaded", len(set))
	}

	site, err := newSite(ctx, L, conf.SiteDir)
	if err != nil {
		L.Error(ctx, err, "failed to create site handler")
		return 1
	}
	jokeAPI := jokehttp.NewAPI(jokehttp.Options{Ledger: jokeLedger, Jokes: jokeStore, Logger: L, Metrics: m})
	healthAPI := healthhttp.NewAPI(healthhttp.Options{Ledger: jokeLedger, Jokes: jokeStore, Logger: L})

	var gate health.ShutdownGate
	live := health.Fixed(true, "")
	ready := health.All(
		gate.Checker(),
		health.WithTimeout(health.CheckFunc(jokeLedger.Ping), readinessPing),
	)

	stopPublic, err := httpserver.Start(ctx, httpserver.Options{
		Logger:    L,
		Port:      conf.HTTPPort,
		Health:    live,
		Readiness: ready,
		APIRoutes: func(r chi.Router) {
			jokeAPI.RegisterRoutes(r)
			healthAPI.RegisterRoutes(r)
			// last, so the site stays the fallback
			site.RegisterRoutes(r)
		},
		SiteHandler:  site,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		RateLimitMW:  newRateLimiter(ctx, L, m, conf),
		BuildVersion: vi.Version,
		BuildCommit:  vi.Commit,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start public http listener", "http_port", conf.HTTPPort)
		return 1
	}

	// the admin listener also refuses public peers itself in case the port is ever exposed
	stopOps, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       live,
		Readiness:    ready,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener", "admin_port", conf.AdminPort)
		_ = stopPublic(context.Background())
		return 1
	}

	if err := notifySystemd(); err != nil {
		L.Debug(ctx, "systemd notify skipped", "reason", err.Error())
	}

	<-ctx.Done()
	stop()

	bg := context.Background()
	L.Info(bg, "shutdown signal received, draining", "drain_period", drainPeriod)
	gate.Set("draining")
	waitForDrain(L)

	sctx, cancel := context.WithTimeout(bg, shutdownTimeout)
	defer cancel()
	if err := stopPublic(sctx); err != nil {
		L.Error(bg, err, "public http server shutdown")
	}
	if err := stopOps(sctx); err != nil {
		L.Error(bg, err, "ops http server shutdown")
	}
	if err := shutdownTracing(sctx); err != nil {
		L.Error(bg, err, "otel shutdown")
	}
	stopProf()

	L.Info(bg, "shutdown complete")
	return 0
}

func newLogger(conf cfg.App, vi version.Info) (log.Logger, error) {
	// both levels were checked by cfg.Validate
	lvl, _ := log.ParseLevel(conf.LogLevel)
	stackLvl := lvl
	if conf.StacktraceLevel != "" {
		stackLvl, _ = log.ParseLevel(conf.StacktraceLevel)
	}
	return log.New(log.Options{
		App:               version.AppName,
		Version:           vi.Version,
		Commit:            vi.Commit,
		BuildId:           vi.BuildId,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
}

// newSite prefers -site-dir over the embedded copy. Either one without an
// index.html serves the maintenance page.
func newSite(ctx context.Context, L log.Logger, dir string) (*sitehandler.Handler, error) {
	var src sitehandler.SiteSource = sitehandler.Dir{Path: dir}
	if dir == "" {
		fsys, ok := webassets.SiteFS()
		if !ok {
			L.Warn(ctx, "embedded site has no index.html, serving maintenance page")
		}
		src = sitehandler.Static{FS: fsys}
	}
	return sitehandler.New(sitehandler.Options{
		Logger:     L,
		Site:       src,
		FallbackFS: webassets.FallbackFS(),
	})
}

// newRateLimiter returns nil, which httpserver skips, when -ratelimit-rps is 0.
func newRateLimiter(ctx context.Context, L log.Logger, m *metrics.ServerMetrics, conf cfg.App) func(http.Handler) http.Handler {
	if conf.RateLimitRPS <= 0 {
		return nil
	}
	limiter := ratelimit.New(ctx,
		ratelimit.WithRate(conf.RateLimitRPS, conf.RateLimitBurst),
		ratelimit.WithOnDenied(func(string) { m.IncRateLimitDenied() }),
		// once per address until the sweep forgets it
		ratelimit.WithOnFirstDenied(func(ip string) {
			L.Warn(ctx, "rate limit triggered", "client.address", ip)
		}),
		ratelimit.WithOnCapacity(func() {
			m.IncRateLimitCapacity()
			L.Warn(ctx, "rate limiter full, refusing new clients until idle ones are swept")
		}),
	)
	return limiter.Middleware
}

// waitForDrain blocks for drainPeriod, or until a second signal asks to skip it.
func waitForDrain(L log.Logger) {
	again := make(chan os.Signal, 1)
	signal.Notify(again, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(again)

	select {
	case <-time.After(drainPeriod):
		L.Info(context.Background(), "drain period complete")
	case <-again:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
}

// notifySystemd sends READY=1 when running as a Type=notify unit.
func notifySystemd() error {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return errors.New("NOTIFY_SOCKET not set")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("write %s: %w", addr, err)
	}
	return nil
}
