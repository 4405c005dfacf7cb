// Package api hosts the operations HTTP server. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes; readyz fails once the
//     upstream circuit breaker has tripped.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/stats and /v1/queue for frontier and queue inspection.
//   - POST /v1/seeds to submit entities found by a direct search.
package api
