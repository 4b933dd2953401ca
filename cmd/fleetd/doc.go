// Package main hosts the browser fleet service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, fetch submission, task status, and maintenance
//     triggers. Every submission becomes a scheduler task.
//   - Scheduler: internal/scheduler runs fetches as Normal tasks, up to config.Scheduler.MaxConcurrency at once.
//     Rotation and maintenance are Management tasks; submitting one cancels running fetches, waits for them to
//     stop, and holds new fetches back until it finishes.
//   - Profiles: internal/profile hands each browser a cx.<n> directory from a per-group ring under
//     <root>/context/groups, guarded by context.lock files. Temporary profiles live under <root>/context/tmp and
//     are swept once expired and no longer listening.
//   - Browsers: internal/browser starts Chrome on a profile via chromedp, writes launcher.pid and port next to the
//     user data dir, and drives the page through internal/cdp over two websocket channels.
//   - Persistence: rendered HTML lands in config.Fetch.OutputDir as <host>/<sha256>.html.
//
// Operational notes:
//   - Per-host navigation pacing uses token buckets (config.Fetch.RatePerHost, Burst).
//   - A maintenance task runs every config.Maintenance.Interval, closing idle or dead browsers and sweeping
//     expired temporary profiles.
//   - SIGINT/SIGTERM stop the HTTP server, cancel running tasks, then close every browser.
//
// Quick checklist:
//   - Configure env vars: FLEET_SERVER_PORT, FLEET_PROFILE_ROOT, FLEET_PROFILE_MAX_SLOTS, FLEET_BROWSER_EXEC_PATH,
//     FLEET_FETCH_OUTPUT_DIR, FLEET_SCHEDULER_MAX_CONCURRENCY.
//   - Run locally: go run ./cmd/fleetd -config config.yaml (or rely solely on env overrides).
package main
