// Package api hosts the HTTP server, middleware, and REST handlers for tenants
// and operators. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/analyze to submit a URL for analysis.
//   - GET /v1/reports and /v1/reports/{report_id} for the caller's reports.
//   - GET /v1/jobs/{job_id} to poll a crawl job.
//   - POST /v1/worker/run to run one scheduler pass on demand.
package api
