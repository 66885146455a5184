package httpmw

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"
)

func TestAnnotateHTTPRoute_UsesChiPattern(t *testing.T) {
	ctx, sr := recordingSpan(t)

	r := chi.NewRouter()
	r.Use(AnnotateHTTPRoute)
	r.Get("/events/{kind}", func(w http.ResponseWriter, r *http.Request) {})
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/events/hourly", nil).WithContext(ctx))

	trace.SpanFromContext(ctx).End()
	ended := sr.Ended()
	if len(ended) != 1 {
		t.Fatalf("ended spans = %d", len(ended))
	}
	if got := ended[0].Name(); got != "GET /events/{kind}" {
		t.Fatalf("span name = %q", got)
	}
}

func TestAnnotateHTTPRoute_NoSpan(t *testing.T) {
	called := false
	AnnotateHTTPRoute(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })).
		ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !called {
		t.Fatal("handler not called")
	}
}
