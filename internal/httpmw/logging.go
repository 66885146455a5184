package httpmw

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-gate/internal/log"
)

var errNoHijack = errors.New("underlying ResponseWriter does not implement http.Hijacker")

// statusWriter records status and body size, and opens a response.write span
// on the first write so time spent streaming the upstream body shows up
// separately from time waiting on it.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int64

	ctx   context.Context
	start time.Time

	span       trace.Span
	spanOpened bool
	ttfb       time.Duration
	blocked    time.Duration
	writeErr   error
}

func (sw *statusWriter) openSpan() {
	if sw.spanOpened {
		return
	}
	sw.spanOpened = true
	sw.ttfb = time.Since(sw.start)

	if !trace.SpanFromContext(sw.ctx).IsRecording() {
		return
	}
	sw.ctx, sw.span = otel.Tracer("linnemanlabs-gate/httpmw").Start(sw.ctx, "response.write",
		trace.WithAttributes(attribute.Float64("http.server.ttfb_seconds", sw.ttfb.Seconds())),
	)
}

func (sw *statusWriter) closeSpan() {
	if sw.span == nil {
		return
	}
	sw.span.SetAttributes(
		attribute.Int("http.response.status_code", sw.code()),
		attribute.Int64("http.response.body.size", sw.bytes),
		attribute.Float64("http.server.write.block_seconds", sw.blocked.Seconds()),
	)
	if sw.writeErr != nil {
		sw.span.RecordError(sw.writeErr)
		sw.span.SetStatus(codes.Error, sw.writeErr.Error())
	}
	sw.span.End()
}

func (sw *statusWriter) code() int {
	if sw.status == 0 {
		return http.StatusOK
	}
	return sw.status
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.openSpan()
	sw.status = code
	t := time.Now()
	sw.ResponseWriter.WriteHeader(code)
	sw.blocked += time.Since(t)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	sw.openSpan()
	if sw.status == 0 {
		sw.status = http.StatusOK
	}
	t := time.Now()
	n, err := sw.ResponseWriter.Write(b)
	sw.blocked += time.Since(t)
	sw.bytes += int64(n)
	if err != nil && sw.writeErr == nil {
		sw.writeErr = err
	}
	return n, err
}

// Flush lets the reverse proxy stream through the wrapper.
func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack keeps protocol upgrades working through the proxy.
func (sw *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := sw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errNoHijack
	}
	return h.Hijack()
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (sw *statusWriter) Unwrap() http.ResponseWriter { return sw.ResponseWriter }

// WithLogger derives a request-scoped logger from base and stores it in the
// context. Must run after RequestID and ClientIP.
func WithLogger(base log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			reqID := RequestIDFromContext(ctx)

			peer := r.RemoteAddr
			if host, _, err := net.SplitHostPort(peer); err == nil {
				peer = host
			}
			client := ClientIPFromContext(ctx)
			if client == "" {
				client = peer
			}
			scheme := schemeFromRequest(r)

			if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
				span.SetAttributes(
					attribute.String("request_id", reqID),
					attribute.String("server.address", r.Host),
					attribute.String("client.address", client),
					attribute.String("network.peer.address", peer),
					attribute.String("url.scheme", scheme),
				)
			}

			l := base.With(
				"request_id", reqID,
				"client.address", client,
				"network.peer.address", peer,
				"server.address", r.Host,
				"http.request.method", r.Method,
				"url.path", r.URL.Path,
				"url.scheme", scheme,
			)
			next.ServeHTTP(w, r.WithContext(log.WithContext(ctx, l)))
		})
	}
}

// quietPaths are probe endpoints that would drown the access log.
var quietPaths = map[string]bool{
	"/-/healthy": true,
	"/-/ready":   true,
}

// AccessLog writes one line per request through the context logger once the
// handler returns. Rejected requests are ordinary 429 lines, not errors.
func AccessLog() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, ctx: r.Context(), start: start}

			next.ServeHTTP(sw, r)
			sw.closeSpan()

			if quietPaths[r.URL.Path] {
				return
			}

			ctx := r.Context()
			route := r.URL.Path
			if rc := chi.RouteContext(ctx); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			var reqSize int64
			if r.ContentLength > 0 {
				reqSize = r.ContentLength
			}

			log.FromContext(ctx).Info(ctx, "http request",
				"http.response.status_code", sw.code(),
				"http.server.request.duration", time.Since(start).Seconds(),
				"http.response.body.size", sw.bytes,
				"http.request.body.size", reqSize,
				"http.route", route,
			)
		})
	}
}

var validSchemes = map[string]bool{"http": true, "https": true}

// schemeFromRequest prefers X-Forwarded-Proto, which ClientIP already
// stripped when the peer is not a trusted proxy. Anything unexpected is
// reported as the scheme we can see ourselves.
func schemeFromRequest(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-Proto"); xf != "" {
		first, _, _ := strings.Cut(xf, ",")
		if s := strings.ToLower(strings.TrimSpace(first)); validSchemes[s] {
			return s
		}
	}
	if r.URL != nil && validSchemes[r.URL.Scheme] {
		return r.URL.Scheme
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// Scope tags the request logger and span with the name of the handler that
// serves it, for the gateway that is the operation name.
func Scope(handler string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			ctx = log.WithContext(ctx, log.FromContext(ctx).With("handler", handler))
			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(attribute.String("app.handler", handler))
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
