package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keithlinneman/linnemanlabs-gate/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-gate/internal/policy"
	"github.com/keithlinneman/linnemanlabs-gate/internal/ratelimit"
)

const testPolicy = `
version: test
defaults: ["3/second", "5/minute"]
operations:
  - name: index
    path: /
    rules: ["2/hour"]
  - name: event
    path: /events/{id}
  - name: submit
    method: POST
    path: /events
    unlimited: true
`

type seen struct {
	path, host, xff, realIP string
}

func newUpstream(t *testing.T, hits *atomic.Int64, last *atomic.Pointer[seen]) *url.URL {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		last.Store(&seen{
			path:   r.URL.Path,
			host:   r.Host,
			xff:    r.Header.Get("X-Forwarded-For"),
			realIP: r.Header.Get("X-Real-Ip"),
		})
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return u
}

func newGateway(t *testing.T, upstream *url.URL) (http.Handler, *ratelimit.Limiter) {
	t.Helper()
	p, err := policy.Parse([]byte(testPolicy))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	l := ratelimit.New(ctx)
	p.Apply(l)

	g, err := New(Options{Upstream: upstream, Limiter: l, Policy: p})
	require.NoError(t, err)

	r := chi.NewRouter()
	g.Routes(r)
	r.NotFound(g.NotFound().ServeHTTP)
	return httpmw.ClientIP(r), l
}

func send(h http.Handler, method, path, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGateway_ProxiesAdmittedRequests(t *testing.T) {
	var hits atomic.Int64
	var last atomic.Pointer[seen]
	h, _ := newGateway(t, newUpstream(t, &hits, &last))

	rec := send(h, http.MethodGet, "/events/42", "198.51.100.9:4000")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())

	got := last.Load()
	require.NotNil(t, got)
	assert.Equal(t, "/events/42", got.path)
	assert.Equal(t, "example.com", got.host, "inbound Host is preserved")
	assert.Equal(t, "198.51.100.9", got.xff)
	assert.Equal(t, "198.51.100.9", got.realIP)
}

func TestGateway_RejectsWithoutReachingUpstream(t *testing.T) {
	var hits atomic.Int64
	var last atomic.Pointer[seen]
	h, _ := newGateway(t, newUpstream(t, &hits, &last))

	for range 2 {
		require.Equal(t, http.StatusOK, send(h, http.MethodGet, "/", "198.51.100.9:4000").Code)
	}
	rec := send(h, http.MethodGet, "/", "198.51.100.9:4001")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, int64(2), hits.Load())

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "too many requests were sent (more than 2 requests per hour)", body["detail"])

	// a different client has its own history
	assert.Equal(t, http.StatusOK, send(h, http.MethodGet, "/", "198.51.100.10:4000").Code)
}

func TestGateway_DefaultsAndUnlimited(t *testing.T) {
	var hits atomic.Int64
	var last atomic.Pointer[seen]
	h, l := newGateway(t, newUpstream(t, &hits, &last))

	codes := make([]int, 0, 4)
	for range 4 {
		codes = append(codes, send(h, http.MethodGet, "/events/1", "203.0.113.5:1").Code)
	}
	assert.Equal(t, []int{200, 200, 200, 429}, codes, "event uses the 3/second default")

	for range 20 {
		require.Equal(t, http.StatusOK, send(h, http.MethodPost, "/events", "203.0.113.5:1").Code)
	}
	bound, ok := l.BoundRules("submit")
	require.True(t, ok)
	assert.Empty(t, bound)
}

func TestGateway_RoutesShareClientHistory(t *testing.T) {
	var hits atomic.Int64
	var last atomic.Pointer[seen]
	h, _ := newGateway(t, newUpstream(t, &hits, &last))

	for range 2 {
		require.Equal(t, http.StatusOK, send(h, http.MethodGet, "/events/1", "198.51.100.20:1").Code)
	}
	// index allows 2/hour and the two event requests already count
	rec := send(h, http.MethodGet, "/", "198.51.100.20:2")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, int64(2), hits.Load())

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "too many requests were sent (more than 2 requests per hour)", body["detail"])

	assert.Equal(t, http.StatusOK, send(h, http.MethodGet, "/", "198.51.100.21:1").Code)
}

func TestGateway_UnknownPathsNotProxied(t *testing.T) {
	var hits atomic.Int64
	var last atomic.Pointer[seen]
	h, _ := newGateway(t, newUpstream(t, &hits, &last))

	rec := send(h, http.MethodGet, "/admin", "203.0.113.5:1")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"no such operation"}`, rec.Body.String())
	assert.Zero(t, hits.Load())
}

func TestGateway_UpstreamDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	u, _ := url.Parse(srv.URL)
	srv.Close()

	h, _ := newGateway(t, u)
	rec := send(h, http.MethodGet, "/events/1", "203.0.113.5:1")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.JSONEq(t, `{"error":"upstream unavailable"}`, rec.Body.String())
}

func TestGateway_StreamsUpstreamBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "chunk-1\n")
		w.(http.Flusher).Flush()
		time.Sleep(10 * time.Millisecond)
		_, _ = io.WriteString(w, "chunk-2\n")
	}))
	defer srv.Close()
	u, _ := url.Parse(srv.URL)

	h, _ := newGateway(t, u)
	rec := send(h, http.MethodGet, "/events/stream", "203.0.113.5:1")
	assert.Equal(t, "chunk-1\nchunk-2\n", rec.Body.String())
}

func TestNew_Validation(t *testing.T) {
	p, err := policy.Parse([]byte(testPolicy))
	require.NoError(t, err)
	l := ratelimit.New(t.Context())
	u, _ := url.Parse("http://upstream.internal:8080")

	_, err = New(Options{Upstream: u, Policy: p})
	assert.Error(t, err)
	_, err = New(Options{Upstream: u, Limiter: l})
	assert.Error(t, err)
	_, err = New(Options{Upstream: &url.URL{Path: "relative"}, Limiter: l, Policy: p})
	assert.Error(t, err)
	_, err = New(Options{Upstream: u, Limiter: l, Policy: p})
	assert.NoError(t, err)
}
