// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/recommendations and /v1/discover for queries.
//   - /v1/cache/... and /v1/jobs/... for cache inspection and the cron
//     driven job processor.
package api
