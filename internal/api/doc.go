// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/fetch to queue a page fetch, GET /v1/tasks/{id} to follow it.
//   - POST /v1/maintenance/{kind} to rotate profiles or run maintenance.
//   - GET /v1/stats for scheduler and driver counts.
package api
