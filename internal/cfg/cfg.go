// Package cfg binds the server configuration to flags, with JOKES_*
// environment variables as a fallback for any flag not passed.
package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/keithlinneman/linnemanlabs-jokes/internal/log"
)

// DefaultHTTPPort is the public port jokes clients have always used.
const DefaultHTTPPort = 51362

type App struct {
	// listeners
	HTTPPort       int
	AdminPort      int
	RateLimitRPS   float64
	RateLimitBurst int

	// jokes, the request ledger and the site
	DBPath        string
	JokesSource   string
	JokesSSMParam string
	SiteDir       string

	// logging
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	// telemetry
	EnablePprof     bool
	EnableTracing   bool
	OTLPEndpoint    string
	TraceSample     float64
	EnablePyroscope bool
	PyroServer      string
	PyroTenantID    string
}

// Register binds every App field to fs with its default.
func Register(fs *flag.FlagSet, c *App) {
	fs.IntVar(&c.HTTPPort, "http-port", DefaultHTTPPort, "public listen port")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen port for metrics, health checks and pprof")
	fs.Float64Var(&c.RateLimitRPS, "ratelimit-rps", 5, "per-client requests per second on the public port, 0 disables the limiter")
	fs.IntVar(&c.RateLimitBurst, "ratelimit-burst", 20, "per-client burst on the public port")

	fs.StringVar(&c.DBPath, "db-path", "jokes.db", "sqlite file holding the request ledger")
	fs.StringVar(&c.JokesSource, "jokes-source", "jokes.txt", "jokes file, a local path or s3://bucket/key")
	fs.StringVar(&c.JokesSSMParam, "jokes-ssm-param", "", "SSM parameter naming the jokes source, wins over -jokes-source")
	fs.StringVar(&c.SiteDir, "site-dir", "", "serve the site from this directory instead of the embedded one")

	fs.BoolVar(&c.LogJSON, "log-json", true, "log JSON, or logfmt when false")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug, info, warn or error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "lowest level that logs a stack trace")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "log the wrap sites of an error chain")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "most error links logged per record")

	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "serve /debug/pprof on the admin port")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "export traces over OTLP gRPC to -otlp-endpoint")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP gRPC collector, host:port")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0, "fraction of new traces sampled")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "push continuous profiles to -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server URL")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "pyroscope tenant, sent as X-Scope-OrgID")
}

// EnvKey is the variable FillFromEnv reads for a flag: "db-path" under
// prefix "JOKES_" is JOKES_DB_PATH.
func EnvKey(prefix, flagName string) string {
	return prefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// FillFromEnv sets each flag not given on the command line from its
// environment variable, so a flag beats the environment and the environment
// beats the default. Invalid values are reported through logf and skipped.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	passed := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { passed[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := EnvKey(prefix, f.Name)
		val, ok := os.LookupEnv(key)
		switch {
		case !ok:
		case passed[f.Name]:
			logf("flag -%s=%q overrides %s", f.Name, f.Value.String(), key)
		default:
			prev := f.Value.String()
			if err := fs.Set(f.Name, val); err != nil {
				_ = fs.Set(f.Name, prev)
				logf("ignoring %s=%q: %v", key, val, err)
			}
		}
	})
}

// UsesAWS reports whether building the jokes source needs AWS credentials.
func (c App) UsesAWS() bool {
	return c.JokesSSMParam != "" || strings.HasPrefix(c.JokesSource, "s3://")
}

// Validate reports every invalid setting at once, joined.
func Validate(c App) error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	for name, port := range map[string]int{"http-port": c.HTTPPort, "admin-port": c.AdminPort} {
		if port < 1 || port > 65535 {
			bad("-%s %d is not a TCP port", name, port)
		}
	}
	if c.HTTPPort == c.AdminPort {
		bad("-http-port and -admin-port are both %d", c.HTTPPort)
	}
	if c.RateLimitRPS < 0 {
		bad("-ratelimit-rps %g is negative", c.RateLimitRPS)
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst < 1 {
		bad("-ratelimit-burst must be at least 1 while the limiter is on (got %d)", c.RateLimitBurst)
	}

	if strings.TrimSpace(c.DBPath) == "" {
		bad("-db-path is empty")
	}
	switch {
	case c.JokesSSMParam != "":
	case strings.TrimSpace(c.JokesSource) == "":
		bad("-jokes-source is empty and -jokes-ssm-param is unset")
	case strings.HasPrefix(c.JokesSource, "s3://"):
		if u, err := url.Parse(c.JokesSource); err != nil || u.Host == "" || strings.Trim(u.Path, "/") == "" {
			bad("-jokes-source %q is not s3://bucket/key", c.JokesSource)
		}
	}
	if c.SiteDir != "" {
		if st, err := os.Stat(c.SiteDir); err != nil || !st.IsDir() {
			bad("-site-dir %q is not a directory", c.SiteDir)
		}
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		bad("-log-level: %w", err)
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			bad("-stacktrace-level: %w", err)
		}
	}
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		bad("-max-error-links %d is outside 1..64", c.MaxErrorLinks)
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		bad("-trace-sample %g is outside 0..1", c.TraceSample)
	}
	if c.EnableTracing {
		// the gRPC exporter takes host:port, no scheme
		if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			bad("-otlp-endpoint %q must be host:port when tracing is on", c.OTLPEndpoint)
		}
	}
	if c.EnablePyroscope {
		if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			bad("-pyro-server %q must be a URL when pyroscope is on", c.PyroServer)
		}
		if c.PyroTenantID == "" {
			bad("-pyro-tenant is required when pyroscope is on")
		}
	}

	return errors.Join(errs...)
}
