package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestMiddleware_LabelsByRoutePattern(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/events/{kind}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	r.Get("/boom", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	for _, p := range []string{"/events/hourly", "/events/daily", "/boom", "/nope"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}

	if v := counterValue(t, m, "http_requests_total", map[string]string{"route": "/events/{kind}", "status": "429"}); v != 2 {
		t.Errorf("events = %v", v)
	}
	if v := counterValue(t, m, "http_errors_total", map[string]string{"route": "/boom"}); v != 1 {
		t.Errorf("errors = %v", v)
	}
	if v := counterValue(t, m, "http_requests_total", map[string]string{"route": unmatchedRoute, "status": "404"}); v != 1 {
		t.Errorf("unmatched = %v", v)
	}
}

func TestMiddleware_OutsideRouter(t *testing.T) {
	m := New()
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("hello"))
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/raw/path/123", nil))

	if v := counterValue(t, m, "http_requests_total", map[string]string{"route": unmatchedRoute, "status": "200"}); v != 1 {
		t.Fatalf("count = %v", v)
	}
	if find(t, m, "http_requests_total", map[string]string{"route": "/raw/path/123"}) != nil {
		t.Fatal("raw path leaked into labels")
	}
}
