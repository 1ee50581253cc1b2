// Package api hosts the optional status server that runs alongside a stage.
// Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/progress for live per-run counters.
//   - GET /v1/runs and /v1/runs/{run_id} for run history via inat.RunReader.
package api
