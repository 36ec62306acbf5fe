package httpmw

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net"
	"net/http"
)

// Middleware is the shape every constructor here returns.
type Middleware = func(http.Handler) http.Handler

// Chain wraps h so mws[0] runs first. Nil entries are skipped, which lets
// callers leave optional layers (rate limit, metrics) unset.
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		if mw := mws[i]; mw != nil {
			h = mw(h)
		}
	}
	return h
}

// MaxBody caps request bodies at n bytes, reads past it fail and the server answers 413.
func MaxBody(n int64) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, n)
			next.ServeHTTP(w, r)
		})
	}
}

type (
	requestIDKey struct{}
	clientIPKey  struct{}
)

func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, id)
}

func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// RequestID reuses the incoming header value or mints a random one, stores it
// in the context and echoes it on the response so a failed /get-joke can be
// matched to its log line.
func RequestID(header string) Middleware {
	if header == "" {
		header = "X-Request-Id"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(header)
			if id == "" {
				id = newRequestID()
			}
			w.Header().Set(header, id)
			next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), id)))
		})
	}
}

func newRequestID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return ""
	}
	return hex.EncodeToString(b[:])
}

// forwardedHeaders are dropped on the public listener, nothing downstream may rely on them.
var forwardedHeaders = []string{"X-Forwarded-For", "X-Forwarded-Proto", "X-Real-Ip"}

// ClientIP pins the client address to the connection peer. The ledger counts
// per peer, so behind a proxy every client shares the proxy's count.
func ClientIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, h := range forwardedHeaders {
			r.Header.Del(h)
		}
		next.ServeHTTP(w, r.WithContext(WithClientIP(r.Context(), PeerAddr(r))))
	})
}

// PeerAddr is the host part of r.RemoteAddr.
func PeerAddr(r *http.Request) string {
	if r.RemoteAddr == "" {
		return "0.0.0.0"
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// ClientAddr is the address ClientIP stored, or the peer when it did not run.
func ClientAddr(r *http.Request) string {
	if ip := ClientIPFromContext(r.Context()); ip != "" {
		return ip
	}
	return PeerAddr(r)
}

func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

func WithClientIP(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIPKey{}, ip)
}
