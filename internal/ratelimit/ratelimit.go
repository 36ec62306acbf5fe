package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/linnemanlabs-jokes/internal/httpmw"
)

// Defaults used by New when no option overrides them.
const (
	DefaultRate        = 10
	DefaultBurst       = 30
	DefaultTTL         = 5 * time.Minute
	DefaultMaxVisitors = 100_000
)

type visitor struct {
	bucket   *rate.Limiter
	lastSeen time.Time
	// warned is set on the first denial and lives as long as the entry
	warned bool
}

// IPLimiter holds the per-address buckets.
type IPLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	full     bool // set on the first capacity rejection, cleared by sweep

	perSecond   rate.Limit
	burst       int
	ttl         time.Duration
	maxVisitors int
	now         func() time.Time

	onFirstDenied func(ip string)
	onDenied      func(ip string)
	onCapacity    func()
}

type Option func(*IPLimiter)

// WithRate allows burst requests at once, refilled at perSecond.
func WithRate(perSecond float64, burst int) Option {
	return func(l *IPLimiter) {
		l.perSecond = rate.Limit(perSecond)
		l.burst = burst
	}
}

// WithTTL sets how long an idle address keeps its bucket.
func WithTTL(d time.Duration) Option {
	return func(l *IPLimiter) { l.ttl = d }
}

// WithMaxVisitors caps tracked addresses; unseen ones are denied at the cap. 0 means no cap.
func WithMaxVisitors(n int) Option {
	return func(l *IPLimiter) { l.maxVisitors = n }
}

// WithOnFirstDenied runs once per tracked address, on its first denial (the server logs here).
func WithOnFirstDenied(fn func(ip string)) Option {
	return func(l *IPLimiter) { l.onFirstDenied = fn }
}

// WithOnDenied runs on every denial (the server counts here).
func WithOnDenied(fn func(ip string)) Option {
	return func(l *IPLimiter) { l.onDenied = fn }
}

// WithOnCapacity runs each time the visitor map fills up.
func WithOnCapacity(fn func()) Option {
	return func(l *IPLimiter) { l.onCapacity = fn }
}

// New builds a limiter and sweeps idle visitors until ctx is done.
func New(ctx context.Context, opts ...Option) *IPLimiter {
	l := &IPLimiter{
		visitors:    make(map[string]*visitor),
		perSecond:   DefaultRate,
		burst:       DefaultBurst,
		ttl:         DefaultTTL,
		maxVisitors: DefaultMaxVisitors,
		now:         time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	go l.sweepLoop(ctx)
	return l
}

type verdict struct {
	allowed, firstDenial, capacityHit bool
}

func (l *IPLimiter) decide(ip string) verdict {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	v, ok := l.visitors[ip]
	if !ok {
		if l.maxVisitors > 0 && len(l.visitors) >= l.maxVisitors {
			hit := !l.full
			l.full = true
			return verdict{capacityHit: hit}
		}
		v = &visitor{bucket: rate.NewLimiter(l.perSecond, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = now
	if v.bucket.AllowN(now, 1) {
		return verdict{allowed: true}
	}
	first := !v.warned
	v.warned = true
	return verdict{firstDenial: first}
}

// allow reports whether ip may proceed. Hooks run after the lock is released.
func (l *IPLimiter) allow(ip string) bool {
	d := l.decide(ip)
	if d.allowed {
		return true
	}
	if d.capacityHit && l.onCapacity != nil {
		l.onCapacity()
	}
	if d.firstDenial && l.onFirstDenied != nil {
		l.onFirstDenied(ip)
	}
	if l.onDenied != nil {
		l.onDenied(ip)
	}
	return false
}

// sweep drops visitors idle for longer than the ttl.
func (l *IPLimiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, v := range l.visitors {
		if now.Sub(v.lastSeen) > l.ttl {
			delete(l.visitors, ip)
		}
	}
	if l.full && len(l.visitors) < l.maxVisitors {
		l.full = false
	}
}

func (l *IPLimiter) sweepLoop(ctx context.Context) {
	t := time.NewTicker(l.ttl / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.sweep(l.now())
		}
	}
}

// Middleware answers 429 once the caller's bucket is empty. It keys on the
// address httpmw.ClientIP stored, the same one the ledger counts.
func (l *IPLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(httpmw.ClientAddr(r)) {
			// no hint about the limit or the refill time
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Header().Set("Retry-After", "30")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte("Error: too many requests"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
