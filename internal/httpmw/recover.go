package httpmw

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/keithlinneman/linnemanlabs-jokes/internal/log"
	"github.com/keithlinneman/linnemanlabs-jokes/internal/xerrors"
)

// Recover answers a panicking handler with a plain 500 and logs it. onPanic,
// when set, runs after logging (the server counts panics with it).
// http.ErrAbortHandler is re-raised so net/http still drops the connection.
func Recover(L log.Logger, onPanic func()) Middleware {
	if L == nil {
		L = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				v := recover()
				switch v {
				case nil:
					return
				case http.ErrAbortHandler:
					panic(v)
				}
				L.With(
					"http.request.method", r.Method,
					"url.path", r.URL.Path,
					"panic.stack", string(debug.Stack()),
				).Error(r.Context(), panicError(v), "httpserver panic recovered")
				if onPanic != nil {
					onPanic()
				}
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func panicError(v any) error {
	if err, ok := v.(error); ok {
		return xerrors.EnsureTrace(err)
	}
	return xerrors.EnsureTrace(fmt.Errorf("panic: %v", v))
}
