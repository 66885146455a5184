// Package health holds the liveness and readiness probes the ops listener
// serves.
//
// Probes compose with [All] and [Any]. [ShutdownGate] fails readiness as
// soon as a drain starts so the load balancer stops routing to the gateway
// before the listeners close.
package health
