package log

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"time"

	"go.opentelemetry.io/otel/trace"
)

type slogLogger struct {
	h          slog.Handler
	attrs      []slog.Attr
	errorLinks bool
	maxLinks   int
}

func newSlog(opts Options) (Logger, error) {
	out := opts.Writer
	if out == nil {
		out = os.Stdout
	}
	ho := &slog.HandlerOptions{Level: opts.Level, AddSource: true}

	var base slog.Handler = slog.NewTextHandler(out, ho)
	if opts.JsonFormat {
		base = slog.NewJSONHandler(out, ho)
	}

	stackAt := opts.StacktraceLevel
	if stackAt == 0 {
		stackAt = slog.LevelError
	}
	maxLinks := opts.MaxErrorLinks
	if maxLinks <= 0 {
		maxLinks = 8
	}

	attrs := []slog.Attr{slog.String("app", opts.App)}
	if opts.Version != "" {
		attrs = append(attrs, slog.String("version", opts.Version))
	}

	return &slogLogger{
		h:          enrichHandler{Handler: base, stackAt: stackAt},
		attrs:      attrs,
		errorLinks: opts.IncludeErrorLinks,
		maxLinks:   maxLinks,
	}, nil
}

// With never mutates the receiver, children get their own attr slice.
func (s *slogLogger) With(kv ...any) Logger {
	child := *s
	child.attrs = append(append([]slog.Attr(nil), s.attrs...), kvAttrs(kv)...)
	return &child
}

func (s *slogLogger) Debug(ctx context.Context, msg string, kv ...any) {
	s.emit(ctx, slog.LevelDebug, msg, kv)
}

func (s *slogLogger) Info(ctx context.Context, msg string, kv ...any) {
	s.emit(ctx, slog.LevelInfo, msg, kv)
}

func (s *slogLogger) Warn(ctx context.Context, msg string, kv ...any) {
	s.emit(ctx, slog.LevelWarn, msg, kv)
}

func (s *slogLogger) Error(ctx context.Context, err error, msg string, kv ...any) {
	if err != nil {
		kv = append(kv, errorKV(err, s.errorLinks, s.maxLinks)...)
	}
	s.emit(ctx, slog.LevelError, msg, kv)
}

func (s *slogLogger) Sync() error { return nil }

func (s *slogLogger) emit(ctx context.Context, lvl slog.Level, msg string, kv []any) {
	if !s.h.Enabled(ctx, lvl) {
		return
	}
	// 0 Callers, 1 emit, 2 Debug/Info/Warn/Error, 3 the caller we want as source
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])

	r := slog.NewRecord(time.Now(), lvl, msg, pcs[0])
	r.AddAttrs(s.attrs...)
	r.AddAttrs(kvAttrs(kv)...)
	_ = s.h.Handle(ctx, r)
}

// kvAttrs pairs up alternating keys and values, dropping non-string keys and a trailing odd value.
func kvAttrs(kv []any) []slog.Attr {
	out := make([]slog.Attr, 0, len(kv)/2)
	for i := 1; i < len(kv); i += 2 {
		if k, ok := kv[i-1].(string); ok {
			out = append(out, slog.Any(k, kv[i]))
		}
	}
	return out
}

// enrichHandler adds trace ids from the context and a stack at or above stackAt.
type enrichHandler struct {
	slog.Handler
	stackAt slog.Level
}

func (h enrichHandler) Handle(ctx context.Context, r slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if r.Level >= h.stackAt {
		r.AddAttrs(slog.String("stack", recordStack(r)))
	}
	return h.Handler.Handle(ctx, r)
}

func (h enrichHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return enrichHandler{Handler: h.Handler.WithAttrs(attrs), stackAt: h.stackAt}
}

func (h enrichHandler) WithGroup(name string) slog.Handler {
	return enrichHandler{Handler: h.Handler.WithGroup(name), stackAt: h.stackAt}
}

// recordStack prefers the stack captured on the logged error over the logging call site.
func recordStack(r slog.Record) string {
	var pcs []uintptr
	r.Attrs(func(a slog.Attr) bool {
		if a.Key != "err" {
			return true
		}
		if st, ok := a.Value.Any().(stacker); ok && st != nil {
			pcs = st.StackPCs()
		}
		return false
	})
	if len(pcs) == 0 {
		buf := make([]uintptr, 64)
		pcs = buf[:runtime.Callers(1, buf)]
	}
	return formatFrames(pcs)
}
