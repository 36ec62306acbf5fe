package httpmw

import (
	"context"
	"sync"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/keithlinneman/linnemanlabs-jokes/internal/log"
)

type entry struct {
	level  string
	msg    string
	err    error
	fields map[string]any
}

// memLogger records every line with the fields of its With chain merged in.
type memLogger struct {
	mu      *sync.Mutex
	entries *[]entry
	fields  map[string]any
}

func newMemLogger() *memLogger {
	return &memLogger{mu: &sync.Mutex{}, entries: &[]entry{}, fields: map[string]any{}}
}

func (m *memLogger) With(kv ...any) log.Logger {
	f := make(map[string]any, len(m.fields)+len(kv)/2)
	for k, v := range m.fields {
		f[k] = v
	}
	addFields(f, kv)
	return &memLogger{mu: m.mu, entries: m.entries, fields: f}
}

func addFields(f map[string]any, kv []any) {
	for i := 1; i < len(kv); i += 2 {
		if k, ok := kv[i-1].(string); ok {
			f[k] = kv[i]
		}
	}
}

func (m *memLogger) add(level, msg string, err error, kv []any) {
	f := make(map[string]any, len(m.fields)+len(kv)/2)
	for k, v := range m.fields {
		f[k] = v
	}
	addFields(f, kv)
	m.mu.Lock()
	defer m.mu.Unlock()
	*m.entries = append(*m.entries, entry{level: level, msg: msg, err: err, fields: f})
}

func (m *memLogger) Debug(_ context.Context, msg string, kv ...any) { m.add("debug", msg, nil, kv) }
func (m *memLogger) Info(_ context.Context, msg string, kv ...any)  { m.add("info", msg, nil, kv) }
func (m *memLogger) Warn(_ context.Context, msg string, kv ...any)  { m.add("warn", msg, nil, kv) }
func (m *memLogger) Error(_ context.Context, err error, msg string, kv ...any) {
	m.add("error", msg, err, kv)
}
func (m *memLogger) Sync() error { return nil }

func (m *memLogger) all() []entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]entry(nil), *m.entries...)
}

func (m *memLogger) find(t *testing.T, msg string) entry {
	t.Helper()
	for _, e := range m.all() {
		if e.msg == msg {
			return e
		}
	}
	t.Fatalf("no %q log line in %v", msg, m.all())
	return entry{}
}

// tracing returns a context holding a recording root span.
func tracing(t *testing.T) (context.Context, *tracetest.SpanRecorder, func()) {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	ctx, span := tp.Tracer("test").Start(context.Background(), "GET /get-joke")
	return ctx, rec, func() { span.End() }
}
