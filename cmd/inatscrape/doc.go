// Package main hosts the inatscrape entrypoint.
//
// Architecture overview:
//   - Stages: export downloads one observation archive per taxon through a
//     logged-in web session; scrape ingests the archives into the metadata
//     store and downloads each pending image; annotate fetches the API
//     document of each stored observation and records its annotation labels.
//   - Pipeline: scrape and annotate share internal/pipeline.Runner. A producer
//     streams the store's pending set into a bounded queue, a fixed worker pool
//     fetches through the colly fetcher and an optional per-host token bucket,
//     and a single writer goroutine serializes store upserts. Transient failures
//     are re-queued with jittered exponential backoff.
//   - Persistence: observations, taxa and run history live in SQLite (gorm) or
//     Postgres (pgx); images go to a local directory or a GCS bucket.
//   - Observability: zap logs (plus a per-stage log file under logging.dir),
//     Prometheus collectors and progress events fanned out by the progress hub.
//     --status-addr serves /healthz, /readyz, /metrics, /v1/progress and
//     /v1/runs while a stage runs.
//
// Operational notes:
//   - Every stage is resumable: SIGINT or SIGTERM stops the workers, finishes
//     pending store writes and exits; the next run only fetches what is still
//     pending.
//   - Configure with a YAML file (--config) or INAT_* environment variables,
//     e.g. INAT_STORE_DRIVER=postgres, INAT_STORE_DSN, INAT_IMAGES_BACKEND=gcs,
//     INAT_IMAGES_GCS_BUCKET, INAT_HTTP_PROXY, INAT_HTTP_RATE_LIMIT_RPS.
package main
