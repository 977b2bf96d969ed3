// Package api hosts the ops HTTP server that runs alongside a crawl.
// Routes:
//   - GET /healthz and /readyz for liveness and store readiness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/run for a JSON snapshot of the current run's counters.
package api
