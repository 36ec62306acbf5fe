// Package prof pushes continuous profiles to pyroscope.
package prof

import (
	"context"
	"fmt"
	"sync"

	"github.com/grafana/pyroscope-go"

	"github.com/keithlinneman/linnemanlabs-jokes/internal/log"
	"github.com/keithlinneman/linnemanlabs-jokes/internal/version"
	"github.com/keithlinneman/linnemanlabs-jokes/internal/xerrors"
)

type Options struct {
	Enabled       bool
	AppName       string // default: version.AppName
	ServerAddress string
	TenantID      string
	Tags          map[string]string

	// OnActive is told true once the profiler runs and false when it fails or stops.
	OnActive func(active bool)
}

// the jokes server is request bound, mutex and block profiles would stay empty
var profileTypes = []pyroscope.ProfileType{
	pyroscope.ProfileCPU,
	pyroscope.ProfileAllocObjects,
	pyroscope.ProfileAllocSpace,
	pyroscope.ProfileInuseObjects,
	pyroscope.ProfileInuseSpace,
	pyroscope.ProfileGoroutines,
}

func (o Options) config(L log.Logger) (pyroscope.Config, error) {
	if o.ServerAddress == "" {
		return pyroscope.Config{}, xerrors.New("pyroscope server address is empty")
	}
	app := o.AppName
	if app == "" {
		app = version.AppName
	}
	return pyroscope.Config{
		ApplicationName: app,
		ServerAddress:   o.ServerAddress,
		TenantID:        o.TenantID,
		Tags:            o.Tags,
		ProfileTypes:    profileTypes,
		Logger:          pyroLogger{L},
	}, nil
}

// Start runs the profiler when enabled. The returned stop is never nil and is
// safe to call more than once.
func Start(ctx context.Context, opts Options) (stop func(), err error) {
	L := log.FromContext(ctx).With("component", "pyroscope")
	active := func(on bool) {
		if opts.OnActive != nil {
			opts.OnActive(on)
		}
	}
	noop := func() {}

	if !opts.Enabled {
		L.Info(ctx, "pyroscope disabled")
		active(false)
		return noop, nil
	}

	cfg, err := opts.config(L)
	if err == nil {
		var p *pyroscope.Profiler
		if p, err = pyroscope.Start(cfg); err == nil {
			L.Info(ctx, "pyroscope started", "server_address", cfg.ServerAddress, "app_name", cfg.ApplicationName)
			active(true)
			var once sync.Once
			return func() {
				once.Do(func() {
					_ = p.Stop()
					active(false)
					L.Info(context.Background(), "pyroscope stopped")
				})
			}, nil
		}
	}
	active(false)
	return noop, xerrors.Wrap(err, "start pyroscope")
}

// pyroLogger hands the agent's own messages to our logger. Its info chatter
// goes to debug.
type pyroLogger struct{ L log.Logger }

func (l pyroLogger) Infof(format string, args ...any) {
	l.L.Debug(context.Background(), fmt.Sprintf(format, args...))
}

func (l pyroLogger) Debugf(format string, args ...any) {
	l.L.Debug(context.Background(), fmt.Sprintf(format, args...))
}

func (l pyroLogger) Errorf(format string, args ...any) {
	l.L.Warn(context.Background(), fmt.Sprintf(format, args...))
}
