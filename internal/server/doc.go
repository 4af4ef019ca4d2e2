// Package server hosts the Fiber HTTP service for the symbol proxy: the
// request-ID middleware chain, the two symbol GET routes (plain and the
// historical /download/symbols prefix), the paginated /symbols listing and
// the `/-/` diagnostics surface (healthz, Prometheus metrics). Handlers stay
// thin and delegate hit/miss decisions to the coordinator package; keep
// exports narrow and accept explicit dependencies.
package server
