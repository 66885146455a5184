package httpmw

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRecover_PassThrough(t *testing.T) {
	l := &memLogger{}
	h := Recover(l, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(l.byLevel("error")) != 0 {
		t.Fatal("error logged without a panic")
	}
}

func TestRecover_Panics(t *testing.T) {
	boom := errors.New("upstream transport exploded")
	for name, val := range map[string]any{"string": "boom", "error": boom} {
		t.Run(name, func(t *testing.T) {
			l := &memLogger{}
			panics := 0
			h := Recover(l, func() { panics++ })(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				panic(val)
			}))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events/hourly", nil))

			if rec.Code != http.StatusInternalServerError {
				t.Fatalf("status = %d, want 500", rec.Code)
			}
			if panics != 1 {
				t.Fatalf("onPanic called %d times", panics)
			}
			errs := l.byLevel("error")
			if len(errs) != 1 || errs[0].msg != "panic recovered" || errs[0].err == nil {
				t.Fatalf("unexpected error logs: %+v", errs)
			}
			if name == "error" && !errors.Is(errs[0].err, boom) {
				t.Fatal("logged error does not wrap the panic value")
			}
			if v, _ := l.withField("url.path"); v != "/events/hourly" {
				t.Fatalf("url.path = %v", v)
			}
		})
	}
}

func TestRecover_AbortHandlerPropagates(t *testing.T) {
	h := Recover(nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))
	defer func() {
		if rec := recover(); rec != http.ErrAbortHandler {
			t.Fatalf("recovered %v, want http.ErrAbortHandler", rec)
		}
	}()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}
