package httpmw

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// PolicyInfo describes the admission policy currently loaded.
type PolicyInfo interface {
	PolicyVersion() string
	PolicyHash() string
}

// PolicyHeaders stamps every response with the policy version and a short
// hash of the policy document, so a 429 can be traced back to the rules
// that produced it.
func PolicyHeaders(info PolicyInfo) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if info == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			v, h := info.PolicyVersion(), info.PolicyHash()
			if v != "" {
				w.Header().Set("X-Ratelimit-Policy", v)
			}
			if h != "" {
				short := h
				if len(short) > 12 {
					short = short[:12]
				}
				w.Header().Set("X-Ratelimit-Policy-Hash", short)
			}
			if span := trace.SpanFromContext(r.Context()); span.IsRecording() {
				span.SetAttributes(
					attribute.String("ratelimit.policy.version", v),
					attribute.String("ratelimit.policy.hash", h),
				)
			}
			next.ServeHTTP(w, r)
		})
	}
}
