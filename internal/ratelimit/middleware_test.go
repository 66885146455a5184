package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"
	"time"

	"github.com/keithlinneman/linnemanlabs-gate/internal/httpmw"
)

func okHandler(calls *int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		w.WriteHeader(http.StatusOK)
	})
}

func doRequest(h http.Handler, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/events/hourly", nil)
	req.RemoteAddr = remoteAddr
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status = %d, want %d (body %q)", rec.Code, want, rec.Body.String())
	}
}

func decodeRejection(t *testing.T, rec *httptest.ResponseRecorder) rejection {
	t.Helper()
	var body rejection
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode rejection body %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestMiddleware_PassesUnderLimit(t *testing.T) {
	l, _ := newTestLimiter(t)
	calls := 0
	h := l.Middleware("events", MustRule(2, "minute"))(okHandler(&calls))

	for range 2 {
		expectStatus(t, doRequest(h, "192.0.2.10:51000"), http.StatusOK)
	}
	if calls != 2 {
		t.Fatalf("handler ran %d times, want 2", calls)
	}
}

func TestMiddleware_RejectsOverLimit(t *testing.T) {
	l, _ := newTestLimiter(t)
	calls := 0
	h := l.Middleware("events", MustRule(1, "minute"))(okHandler(&calls))

	expectStatus(t, doRequest(h, "192.0.2.10:51000"), http.StatusOK)
	rec := doRequest(h, "192.0.2.10:51001")

	expectStatus(t, rec, http.StatusTooManyRequests)
	if calls != 1 {
		t.Fatalf("handler ran %d times, rejected requests must not reach it", calls)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Fatalf("Content-Type = %q", ct)
	}
	// the fake clock does not move, the first entry ages out in exactly one minute
	if ra := rec.Header().Get("Retry-After"); ra != "61" {
		t.Fatalf("Retry-After = %q, want 61", ra)
	}

	body := decodeRejection(t, rec)
	if body.Error != "too many requests" {
		t.Fatalf("error = %q", body.Error)
	}
	if body.Detail != "too many requests were sent (more than 1 requests per minute)" {
		t.Fatalf("detail = %q", body.Detail)
	}
}

func TestMiddleware_UsesDefaultsWithoutOverride(t *testing.T) {
	l, _ := newTestLimiter(t, WithDefaultRules(MustRule(1, "hour")))
	calls := 0
	h := l.Middleware("hourly")(okHandler(&calls))

	expectStatus(t, doRequest(h, "192.0.2.10:1"), http.StatusOK)
	expectStatus(t, doRequest(h, "192.0.2.10:1"), http.StatusTooManyRequests)

	bound, ok := l.BoundRules("hourly")
	if !ok || !slices.Equal(bound, []Rule{MustRule(1, "hour")}) {
		t.Fatalf("BoundRules = %v, %v", bound, ok)
	}
}

func TestMiddleware_OverrideBeatsDefaults(t *testing.T) {
	l, _ := newTestLimiter(t, WithDefaultRules(MustRule(1, "hour")))
	calls := 0
	h := l.Middleware("home", MustRule(20, "hour"))(okHandler(&calls))

	for range 20 {
		expectStatus(t, doRequest(h, "192.0.2.10:1"), http.StatusOK)
	}
	expectStatus(t, doRequest(h, "192.0.2.10:1"), http.StatusTooManyRequests)
}

func TestMiddleware_SharedOperationKeepsFirstRules(t *testing.T) {
	l, _ := newTestLimiter(t)
	calls := 0
	first := l.Middleware("shared", MustRule(1, "minute"))(okHandler(&calls))
	second := l.Middleware("shared", MustRule(50, "minute"))(okHandler(&calls))

	expectStatus(t, doRequest(first, "192.0.2.10:1"), http.StatusOK)
	expectStatus(t, doRequest(second, "192.0.2.10:1"), http.StatusTooManyRequests)
}

func TestMiddleware_RoutesShareClientCount(t *testing.T) {
	l, _ := newTestLimiter(t)
	calls := 0
	home := l.Middleware("home", MustRule(2, "minute"))(okHandler(&calls))
	events := l.Middleware("events", MustRule(2, "minute"))(okHandler(&calls))

	expectStatus(t, doRequest(home, "192.0.2.10:1"), http.StatusOK)
	expectStatus(t, doRequest(events, "192.0.2.10:2"), http.StatusOK)
	expectStatus(t, doRequest(home, "192.0.2.10:3"), http.StatusTooManyRequests)
	expectStatus(t, doRequest(events, "192.0.2.10:4"), http.StatusTooManyRequests)
	if calls != 2 {
		t.Fatalf("handler ran %d times, want 2", calls)
	}
}

func TestMiddleware_NoRulesPassesEverything(t *testing.T) {
	l, _ := newTestLimiter(t)
	calls := 0
	h := l.Middleware("open")(okHandler(&calls))

	for range 50 {
		expectStatus(t, doRequest(h, "192.0.2.10:1"), http.StatusOK)
	}
	if calls != 50 {
		t.Fatalf("handler ran %d times, want 50", calls)
	}
}

func TestMiddleware_ClientsByAddress(t *testing.T) {
	l, _ := newTestLimiter(t)
	calls := 0
	h := l.Middleware("events", MustRule(1, "minute"))(okHandler(&calls))

	expectStatus(t, doRequest(h, "192.0.2.10:1"), http.StatusOK)
	expectStatus(t, doRequest(h, "192.0.2.11:1"), http.StatusOK)
	expectStatus(t, doRequest(h, "192.0.2.10:2"), http.StatusTooManyRequests)
}

func TestMiddleware_CapacityRejection(t *testing.T) {
	l, _ := newTestLimiter(t, WithMaxClients(1))
	calls := 0
	h := l.Middleware("events", MustRule(5, "minute"))(okHandler(&calls))

	expectStatus(t, doRequest(h, "192.0.2.10:1"), http.StatusOK)
	rec := doRequest(h, "192.0.2.99:1")

	expectStatus(t, rec, http.StatusTooManyRequests)
	if ra := rec.Header().Get("Retry-After"); ra != "30" {
		t.Fatalf("Retry-After = %q, want 30", ra)
	}
	if calls != 1 {
		t.Fatalf("handler ran %d times, want 1", calls)
	}
	if body := decodeRejection(t, rec); body.Detail != "" {
		t.Fatalf("capacity rejection names a rule: %q", body.Detail)
	}
}

func TestClientID_FromContext(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:4444"
	req = req.WithContext(httpmw.WithClientIP(req.Context(), "203.0.113.7"))

	if got := ClientID(req); got != "203.0.113.7" {
		t.Fatalf("ClientID = %q, want the resolved client ip", got)
	}
}

func TestClientID_FromRemoteAddr(t *testing.T) {
	tests := []struct {
		remote, want string
	}{
		{"10.0.0.1:4444", "10.0.0.1"},
		{"[2001:db8::1]:443", "2001:db8::1"},
		{"unix-socket", "unix-socket"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tt.remote
		if got := ClientID(req); got != tt.want {
			t.Errorf("ClientID(%q) = %q, want %q", tt.remote, got, tt.want)
		}
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want int
	}{
		{0, 1},
		{900 * time.Millisecond, 1},
		{time.Second, 2},
		{time.Minute, 61},
	}
	for _, tt := range tests {
		if got := RetryAfterSeconds(tt.d); got != tt.want {
			t.Errorf("RetryAfterSeconds(%v) = %d, want %d", tt.d, got, tt.want)
		}
	}
}
