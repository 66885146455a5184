package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func serve(h http.Handler) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/-/ready", nil))
	return rec
}

func TestHandlers_Passing(t *testing.T) {
	if rec := serve(HealthzHandler(nil)); rec.Code != http.StatusOK || rec.Body.String() != "ok\n" {
		t.Fatalf("healthz = %d %q", rec.Code, rec.Body.String())
	}
	if rec := serve(ReadyzHandler(Fixed(true, ""))); rec.Code != http.StatusOK || rec.Body.String() != "ready\n" {
		t.Fatalf("readyz = %d %q", rec.Code, rec.Body.String())
	}
}

func TestHandlers_FailingShowsReason(t *testing.T) {
	rec := serve(ReadyzHandler(Named("policy", Fixed(false, "not loaded"))))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "policy: not loaded") {
		t.Fatalf("body = %q", rec.Body.String())
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Fatal("probe responses must not be cached")
	}
}

func TestHandlers_GateFlipsReadiness(t *testing.T) {
	var g ShutdownGate
	h := ReadyzHandler(All(Fixed(true, ""), g.Probe()))

	if rec := serve(h); rec.Code != http.StatusOK {
		t.Fatalf("before drain = %d", rec.Code)
	}
	g.Set("shutting down")
	if rec := serve(h); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("during drain = %d", rec.Code)
	}
}

func TestHandlers_PassRequestContext(t *testing.T) {
	type key struct{}
	var got any
	h := HealthzHandler(CheckFunc(func(ctx context.Context) error {
		got = ctx.Value(key{})
		return nil
	}))
	req := httptest.NewRequest(http.MethodGet, "/-/healthy", nil)
	req = req.WithContext(context.WithValue(req.Context(), key{}, "v"))
	h.ServeHTTP(httptest.NewRecorder(), req)
	if got != "v" {
		t.Fatal("request context not passed to probe")
	}
}
