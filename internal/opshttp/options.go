package opshttp

import (
	"net/http"

	"github.com/keithlinneman/linnemanlabs-gate/internal/health"
)

type Options struct {
	Port    int
	Metrics http.Handler
	// Policy serves the active admission policy summary at /-/policy.
	Policy      http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe

	UseRecoverMW bool
	// OnPanic runs after a recovered panic is logged.
	OnPanic func()
}
