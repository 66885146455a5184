package httpmw

import (
	"context"
	"sync"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/keithlinneman/linnemanlabs-gate/internal/log"
)

type logEntry struct {
	level string
	msg   string
	err   error
	kv    []any
}

// memLogger records every call. With returns the same logger so fields
// attached by middleware are visible in withs.
type memLogger struct {
	mu      sync.Mutex
	entries []logEntry
	withs   [][]any
}

func (l *memLogger) With(kv ...any) log.Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.withs = append(l.withs, kv)
	return l
}

func (l *memLogger) add(e logEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
}

func (l *memLogger) Debug(_ context.Context, msg string, kv ...any) {
	l.add(logEntry{level: "debug", msg: msg, kv: kv})
}
func (l *memLogger) Info(_ context.Context, msg string, kv ...any) {
	l.add(logEntry{level: "info", msg: msg, kv: kv})
}
func (l *memLogger) Warn(_ context.Context, msg string, kv ...any) {
	l.add(logEntry{level: "warn", msg: msg, kv: kv})
}
func (l *memLogger) Error(_ context.Context, err error, msg string, kv ...any) {
	l.add(logEntry{level: "error", msg: msg, err: err, kv: kv})
}
func (l *memLogger) Sync() error { return nil }

func (l *memLogger) byLevel(level string) []logEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []logEntry
	for _, e := range l.entries {
		if e.level == level {
			out = append(out, e)
		}
	}
	return out
}

// withField finds key in any With call.
func (l *memLogger) withField(key string) (any, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, kv := range l.withs {
		if v, ok := kvField(kv, key); ok {
			return v, true
		}
	}
	return nil, false
}

func kvField(kv []any, key string) (any, bool) {
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i] == key {
			return kv[i+1], true
		}
	}
	return nil, false
}

func recordingSpan(t *testing.T) (context.Context, *tracetest.SpanRecorder) {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	ctx, _ := tp.Tracer("test").Start(context.Background(), "request")
	return ctx, sr
}
