// Package api hosts the operator HTTP interface of the harvester. Notable
// routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - /v1/sources for registering, editing, listing and deleting sources.
//   - /v1/urgent for one-off pull and push harvests.
//   - /v1/schedule for upcoming harvest urgency.
//   - /v1/harvests/{id}/messages for harvest diagnostics.
package api
