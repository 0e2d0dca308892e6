// Package api hosts the HTTP server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /healthz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET/POST /v1/operations to list and start simulated transfers.
//   - GET /v1/operations/{operation_id}/progress for the latest cell value.
//   - GET /v1/operations/{operation_id}/events for a server-sent event stream.
//   - GET /v1/history for finished operations via the OperationRepository.
package api
