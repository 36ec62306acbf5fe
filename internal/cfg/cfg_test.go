package cfg

import (
	"flag"
	"strings"
	"testing"
)

func parse(t *testing.T, args ...string) App {
	t.Helper()
	fs := flag.NewFlagSet("jokes", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse(args); err != nil {
		t.Fatal(err)
	}
	return c
}

func TestRegister_Defaults(t *testing.T) {
	c := parse(t)
	if c.HTTPPort != DefaultHTTPPort || c.AdminPort != 9000 {
		t.Errorf("ports = %d/%d", c.HTTPPort, c.AdminPort)
	}
	if c.DBPath != "jokes.db" || c.JokesSource != "jokes.txt" || c.JokesSSMParam != "" || c.SiteDir != "" {
		t.Errorf("sources = %+v", c)
	}
	if !c.LogJSON || c.LogLevel != "info" || c.StacktraceLevel != "error" || c.MaxErrorLinks != 5 {
		t.Errorf("logging = %+v", c)
	}
	if c.EnableTracing || c.EnablePyroscope || !c.EnablePprof {
		t.Errorf("telemetry = %+v", c)
	}
	if err := Validate(c); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}
}

func TestRegister_Flags(t *testing.T) {
	c := parse(t,
		"-http-port", "8080",
		"-db-path", "/var/lib/jokes/ledger.db",
		"-jokes-source", "s3://jokes-bucket/jokes.txt",
		"-ratelimit-rps", "0",
		"-log-json=false",
		"-trace-sample", "0.25",
	)
	if c.HTTPPort != 8080 || c.DBPath != "/var/lib/jokes/ledger.db" || c.JokesSource != "s3://jokes-bucket/jokes.txt" {
		t.Errorf("c = %+v", c)
	}
	if c.RateLimitRPS != 0 || c.LogJSON || c.TraceSample != 0.25 {
		t.Errorf("c = %+v", c)
	}
}

func TestEnvKey(t *testing.T) {
	if got := EnvKey("JOKES_", "jokes-ssm-param"); got != "JOKES_JOKES_SSM_PARAM" {
		t.Fatalf("EnvKey = %q", got)
	}
}

func TestFillFromEnv(t *testing.T) {
	t.Setenv("JOKES_DB_PATH", "/data/ledger.db")
	t.Setenv("JOKES_HTTP_PORT", "8081")
	t.Setenv("JOKES_ADMIN_PORT", "not-a-port")
	t.Setenv("JOKES_ENABLE_PPROF", "false")

	fs := flag.NewFlagSet("jokes", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse([]string{"-http-port", "9090"}); err != nil {
		t.Fatal(err)
	}
	var notes []string
	FillFromEnv(fs, "JOKES_", func(f string, a ...any) { notes = append(notes, f) })

	if c.DBPath != "/data/ledger.db" || c.EnablePprof {
		t.Errorf("env not applied: %+v", c)
	}
	if c.HTTPPort != 9090 {
		t.Errorf("HTTPPort = %d, flag should win over env", c.HTTPPort)
	}
	if c.AdminPort != 9000 {
		t.Errorf("AdminPort = %d, invalid env should keep the default", c.AdminPort)
	}
	if len(notes) != 2 {
		t.Errorf("notes = %q, want the override and the invalid value", notes)
	}
}

func TestFillFromEnv_NilLogf(t *testing.T) {
	t.Setenv("JOKES_MAX_ERROR_LINKS", "many")
	fs := flag.NewFlagSet("jokes", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	FillFromEnv(fs, "JOKES_", nil)
	if c.MaxErrorLinks != 5 {
		t.Fatalf("MaxErrorLinks = %d", c.MaxErrorLinks)
	}
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name string
		args []string
		want string
	}{
		{"port range", []string{"-http-port", "0"}, "-http-port 0"},
		{"same ports", []string{"-http-port", "9000"}, "both 9000"},
		{"negative rps", []string{"-ratelimit-rps", "-1"}, "-ratelimit-rps"},
		{"zero burst", []string{"-ratelimit-burst", "0"}, "-ratelimit-burst"},
		{"no burst needed when off", []string{"-ratelimit-rps", "0", "-ratelimit-burst", "0"}, ""},
		{"empty db", []string{"-db-path", " "}, "-db-path"},
		{"empty source", []string{"-jokes-source", ""}, "-jokes-source"},
		{"ssm replaces source", []string{"-jokes-source", "", "-jokes-ssm-param", "/jokes/source"}, ""},
		{"s3 without key", []string{"-jokes-source", "s3://bucket"}, "s3://bucket/key"},
		{"s3 ok", []string{"-jokes-source", "s3://bucket/jokes.txt"}, ""},
		{"site dir missing", []string{"-site-dir", dir + "/nope"}, "-site-dir"},
		{"site dir ok", []string{"-site-dir", dir}, ""},
		{"log level", []string{"-log-level", "loud"}, "-log-level"},
		{"stack level", []string{"-stacktrace-level", "loud"}, "-stacktrace-level"},
		{"error links", []string{"-max-error-links", "0"}, "-max-error-links"},
		{"error links off", []string{"-include-error-links=false", "-max-error-links", "0"}, ""},
		{"sample", []string{"-trace-sample", "1.5"}, "-trace-sample"},
		{"tracing endpoint", []string{"-enable-tracing"}, "-otlp-endpoint"},
		{"tracing url", []string{"-enable-tracing", "-otlp-endpoint", "http://collector:4317"}, "host:port"},
		{"tracing ok", []string{"-enable-tracing", "-otlp-endpoint", "localhost:4317"}, ""},
		{"pyroscope", []string{"-enable-pyroscope", "-pyro-server", "pyro:4040", "-pyro-tenant", "t"}, "-pyro-server"},
		{"pyroscope tenant", []string{"-enable-pyroscope", "-pyro-server", "http://pyro:4040"}, "-pyro-tenant"},
	}
	for _, tc := range cases {
		c := parse(t, tc.args...)
		err := Validate(c)
		switch {
		case tc.want == "" && err != nil:
			t.Errorf("%s: unexpected error %v", tc.name, err)
		case tc.want != "" && (err == nil || !strings.Contains(err.Error(), tc.want)):
			t.Errorf("%s: err = %v, want it to mention %q", tc.name, err, tc.want)
		}
	}
}

func TestValidate_ReportsEverything(t *testing.T) {
	c := parse(t, "-http-port", "70000", "-log-level", "loud", "-trace-sample", "2")
	err := Validate(c)
	if err == nil {
		t.Fatal("no error")
	}
	if n := len(strings.Split(err.Error(), "\n")); n != 3 {
		t.Fatalf("got %d problems, want 3:\n%v", n, err)
	}
}

func TestUsesAWS(t *testing.T) {
	for args, want := range map[string]bool{
		"":                               false,
		"-jokes-source=/srv/jokes.txt":   false,
		"-jokes-source=s3://b/jokes.txt": true,
		"-jokes-ssm-param=/jokes/source": true,
	} {
		var argv []string
		if args != "" {
			argv = []string{args}
		}
		if c := parse(t, argv...); c.UsesAWS() != want {
			t.Errorf("UsesAWS(%q) = %v", args, !want)
		}
	}
}
