package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-gate/internal/health"
	"github.com/keithlinneman/linnemanlabs-gate/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-gate/internal/log"
)

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler
	Health       health.Probe
	Readiness    health.Probe

	// Policy feeds the X-Ratelimit-Policy headers.
	Policy       httpmw.PolicyInfo
	ClientIPOpts httpmw.ClientIPOptions
	// MaxBodyBytes caps request bodies forwarded upstream, 0 disables.
	MaxBodyBytes int64

	// Routes mounts the guarded operations.
	Routes func(chi.Router)
	// NotFound handles anything Routes did not claim.
	NotFound http.Handler
}
