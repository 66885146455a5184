package ratelimit

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"slices"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-gate/internal/httpmw"
)

// capacityRetryAfter is sent (in seconds) when a client is turned away at
// capacity, there is no rule to derive a better value from
const capacityRetryAfter = 30

type rejection struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// Middleware guards the wrapped handler as operationID. rules override the
// limiter defaults when given; either way only the first rule set bound to
// operationID is enforced. Rejected requests get a 429 naming the violated rule
// and never reach the handler.
func (l *Limiter) Middleware(operationID string, rules ...Rule) func(http.Handler) http.Handler {
	override := slices.Clone(rules)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID := ClientID(r)
			err := l.CheckAndRecord(clientID, operationID, l.Resolve(override), l.now())

			if span := trace.SpanFromContext(r.Context()); span.IsRecording() {
				span.SetAttributes(
					attribute.String("ratelimit.operation", operationID),
					attribute.Bool("ratelimit.allowed", err == nil),
				)
				if exceeded, ok := IsExceeded(err); ok {
					span.AddEvent("ratelimit.rejected", trace.WithAttributes(
						attribute.String("ratelimit.rule", exceeded.Rule.String()),
					))
				}
			}

			if err == nil {
				next.ServeHTTP(w, r)
				return
			}

			if exceeded, ok := IsExceeded(err); ok {
				writeRejection(w, RetryAfterSeconds(exceeded.RetryAfter), exceeded.Error())
				return
			}
			if errors.Is(err, ErrCapacity) {
				// intentionally no detail, this is about the limiter not the client
				writeRejection(w, capacityRetryAfter, "")
				return
			}
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		})
	}
}

// ClientID identifies the caller by IP. Prefers the address resolved by
// httpmw.ClientIP, falls back to the connection's remote address without port.
func ClientID(r *http.Request) string {
	if ip := httpmw.ClientIPFromContext(r.Context()); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// RetryAfterSeconds converts d to a Retry-After value: whole seconds plus one,
// since a request landing exactly on the window edge is still counted.
func RetryAfterSeconds(d time.Duration) int {
	return int(d/time.Second) + 1
}

func writeRejection(w http.ResponseWriter, retryAfter int, detail string) {
	body, _ := json.Marshal(rejection{Error: "too many requests", Detail: detail})
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	w.WriteHeader(http.StatusTooManyRequests)
	_, _ = w.Write(body)
}
