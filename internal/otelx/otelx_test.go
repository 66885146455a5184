package otelx

import (
	"context"
	"net/http"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestInit_DisabledInstallsNonSamplingProvider(t *testing.T) {
	shutdown, err := Init(context.Background(), Options{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}

	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Fatalf("provider = %T, want *sdktrace.TracerProvider", otel.GetTracerProvider())
	}
	_, span := otel.Tracer("test").Start(context.Background(), "admission")
	defer span.End()
	if span.SpanContext().IsSampled() {
		t.Fatal("disabled tracing must not sample")
	}
}

func TestInit_PropagatesTraceparentAndBaggage(t *testing.T) {
	if _, err := Init(context.Background(), Options{}); err != nil {
		t.Fatalf("Init: %v", err)
	}

	fields := map[string]bool{}
	for _, f := range otel.GetTextMapPropagator().Fields() {
		fields[f] = true
	}
	for _, want := range []string{"traceparent", "baggage"} {
		if !fields[want] {
			t.Errorf("propagator missing %s", want)
		}
	}

	in := http.Header{}
	in.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	ctx := otel.GetTextMapPropagator().Extract(context.Background(), propagation.HeaderCarrier(in))
	out := http.Header{}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(out))
	if out.Get("traceparent") == "" {
		t.Fatal("incoming trace context was not carried through")
	}
}

func TestInit_EnabledRequiresEndpoint(t *testing.T) {
	if _, err := Init(context.Background(), Options{Enabled: true}); err == nil {
		t.Fatal("expected error for empty endpoint")
	}
}

func TestInit_EnabledReturnsPromptly(t *testing.T) {
	start := time.Now()
	shutdown, err := Init(context.Background(), Options{
		Enabled:   true,
		Endpoint:  "localhost:1",
		Insecure:  true,
		Sample:    1,
		Service:   "linnemanlabs",
		Component: "gate",
		Version:   "v0.0.0-test",
	})
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("Init took %v", elapsed)
	}
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = shutdown(ctx)
}

func TestServiceName(t *testing.T) {
	tests := []struct{ svc, comp, want string }{
		{"linnemanlabs", "gate", "linnemanlabs.gate"},
		{"", "gate", "gate"},
		{"linnemanlabs", "", "linnemanlabs"},
	}
	for _, tt := range tests {
		if got := serviceName(Options{Service: tt.svc, Component: tt.comp}); got != tt.want {
			t.Errorf("serviceName(%q, %q) = %q, want %q", tt.svc, tt.comp, got, tt.want)
		}
	}
}

func TestClampSample(t *testing.T) {
	for in, want := range map[float64]float64{-1: 0, 0.25: 0.25, 7: 1} {
		if got := clampSample(in); got != want {
			t.Errorf("clampSample(%v) = %v, want %v", in, got, want)
		}
	}
	// restore a provider other tests can rely on
	_, _ = Init(context.Background(), Options{})
}
