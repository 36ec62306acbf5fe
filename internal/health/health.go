// Package health holds the liveness and readiness checks behind /-/healthy
// and /-/ready on both listeners. Readiness is the shutdown gate AND a
// bounded ledger ping.
package health

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"
)

// Checker returns nil when healthy, otherwise the reason it is not.
type Checker interface {
	Check(ctx context.Context) error
}

type CheckFunc func(ctx context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

var errNoChecks = errors.New("no healthy checks")

// Fixed always passes, or always fails with reason ("unhealthy" when empty).
func Fixed(ok bool, reason string) CheckFunc {
	var err error
	if !ok {
		if reason == "" {
			reason = "unhealthy"
		}
		err = errors.New(reason)
	}
	return func(context.Context) error { return err }
}

// All passes when every non-nil check passes and stops at the first failure.
func All(ps ...Checker) CheckFunc {
	return func(ctx context.Context) error {
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err := p.Check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// Any passes when one non-nil check passes. Otherwise it returns the last failure.
func Any(ps ...Checker) CheckFunc {
	return func(ctx context.Context) error {
		err := errNoChecks
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err = p.Check(ctx); err == nil {
				return nil
			}
		}
		return err
	}
}

// WithTimeout fails p once d passes instead of letting the check hang.
func WithTimeout(p Checker, d time.Duration) CheckFunc {
	return func(ctx context.Context) error {
		if p == nil {
			return nil
		}
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return p.Check(ctx)
	}
}

// ShutdownGate fails readiness while the server drains. The zero value is open.
type ShutdownGate struct {
	mu     sync.RWMutex
	closed bool
	reason string
}

func (g *ShutdownGate) Set(reason string) {
	g.mu.Lock()
	g.closed, g.reason = true, reason
	g.mu.Unlock()
}

func (g *ShutdownGate) Clear() {
	g.mu.Lock()
	g.closed, g.reason = false, ""
	g.mu.Unlock()
}

func (g *ShutdownGate) Checker() CheckFunc {
	return func(context.Context) error {
		g.mu.RLock()
		defer g.mu.RUnlock()
		switch {
		case !g.closed:
			return nil
		case g.reason == "":
			return errors.New("draining")
		}
		return errors.New(g.reason)
	}
}

// HealthzHandler answers "ok" or 503 with the failing reason. A nil check passes.
func HealthzHandler(p Checker) http.HandlerFunc { return handler(p, "ok") }

// ReadyzHandler is HealthzHandler answering "ready".
func ReadyzHandler(p Checker) http.HandlerFunc { return handler(p, "ready") }

func handler(p Checker, ok string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, body := http.StatusOK, ok
		if p != nil {
			if err := p.Check(r.Context()); err != nil {
				status, body = http.StatusServiceUnavailable, err.Error()
			}
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body + "\n"))
	}
}
