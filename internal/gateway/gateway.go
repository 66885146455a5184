// Package gateway routes each guarded operation through admission control
// and proxies admitted requests to the upstream.
package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/linnemanlabs-gate/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-gate/internal/log"
	"github.com/keithlinneman/linnemanlabs-gate/internal/policy"
	"github.com/keithlinneman/linnemanlabs-gate/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-gate/internal/xerrors"
)

type Options struct {
	Upstream *url.URL
	Limiter  *ratelimit.Limiter
	Policy   *policy.Policy
	// Transport defaults to a pooled transport with otel propagation.
	Transport http.RoundTripper
}

type Gateway struct {
	limiter *ratelimit.Limiter
	policy  *policy.Policy
	proxy   *httputil.ReverseProxy
}

func New(opts Options) (*Gateway, error) {
	if opts.Limiter == nil {
		return nil, xerrors.New("gateway needs a limiter")
	}
	if opts.Policy == nil {
		return nil, xerrors.New("gateway needs a policy")
	}
	if opts.Upstream == nil || opts.Upstream.Scheme == "" || opts.Upstream.Host == "" {
		return nil, xerrors.Newf("upstream %v must be an absolute URL", opts.Upstream)
	}
	transport := opts.Transport
	if transport == nil {
		transport = otelhttp.NewTransport(newTransport())
	}
	return &Gateway{
		limiter: opts.Limiter,
		policy:  opts.Policy,
		proxy:   newProxy(opts.Upstream, transport),
	}, nil
}

func newTransport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConnsPerHost = 64
	t.ResponseHeaderTimeout = 30 * time.Second
	return t
}

func newProxy(target *url.URL, transport http.RoundTripper) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.Host = pr.In.Host
			// forwarded headers were already vetted by the client ip middleware
			if xff := pr.In.Header.Values("X-Forwarded-For"); len(xff) > 0 {
				pr.Out.Header["X-Forwarded-For"] = xff
			}
			pr.SetXForwarded()
			if ip := httpmw.ClientIPFromContext(pr.In.Context()); ip != "" {
				pr.Out.Header.Set("X-Real-Ip", ip)
			}
		},
		Transport:     transport,
		FlushInterval: -1,
		ErrorHandler:  upstreamError,
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(errorBody{Error: msg})
}

func upstreamError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	if errors.Is(err, ctx.Err()) {
		// client went away, nobody is reading the response
		log.FromContext(ctx).Debug(ctx, "client cancelled proxied request", "error", err)
		return
	}
	log.FromContext(ctx).Error(ctx, xerrors.Wrap(err, "proxy to upstream"), "upstream request failed")
	writeJSON(w, http.StatusBadGateway, "upstream unavailable")
}

// Routes mounts one route per policy operation. Each is scoped to the
// operation name and guarded by the limiter before reaching the proxy.
func (g *Gateway) Routes(r chi.Router) {
	for _, op := range g.policy.Operations {
		r.With(
			httpmw.Scope(op.Name),
			g.limiter.Middleware(op.Name, op.Rules...),
		).Method(op.Method, op.Path, g.proxy)
	}
}

// NotFound answers requests for paths no operation claims. They are never
// proxied.
func (g *Gateway) NotFound() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, "no such operation")
	})
}
