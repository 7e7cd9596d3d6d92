// Package api hosts the health and metrics HTTP surface. Routes:
//   - GET /health: composite Redis, store and application health (200 or 503).
//   - GET /metrics: Prometheus exposition with queue gauges refreshed per scrape.
//   - GET /stats: queue and store statistics.
//   - GET /workers: heartbeat records plus in-process worker statistics.
//   - POST /shutdown: bearer-authenticated drain trigger.
package api
