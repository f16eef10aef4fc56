// Package ops serves the operations endpoints: /healthz, /metrics, /status
// and optionally net/http/pprof under /debug/pprof/.
//
// The server binds to loopback by default. A non-loopback address needs a
// bearer token or an explicit allow_insecure.
package ops
