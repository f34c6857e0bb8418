// Package api hosts the HTTP control server for the crawl engine. Notable
// routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/crawls to start a crawl, answering 409 while one is running.
//   - GET /v1/crawls/current and POST /v1/crawls/current/stop for the active run.
//   - GET /v1/crawls/last and /v1/crawls/last/pages for the finished run.
//   - GET /v1/runs for run history via the RunLister interface.
package api
