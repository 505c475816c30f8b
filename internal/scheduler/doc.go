// Package scheduler runs named background jobs on a cron clock.
//
// Jobs are registered under a stable name ("tasks.digest", "storage.compact")
// and are upserted by that name, so a config reload can re-register them
// without duplicates. Registration while stopped is allowed: definitions are
// kept and armed on the next Start.
//
// # Schedule formats
//
//   - Cron expressions: 5-field or 6-field with optional seconds, plus
//     descriptors like "@daily" or "@every 6h".
//   - Interval durations: Go duration strings like "55m".
//   - Interval HH:MM: "02:30" means every 2 hours 30 minutes.
//
// A "cron:", "interval:" or "every:" prefix forces the interpretation.
//
// Jobs run on a small worker pool with a per-run timeout and retry backoff.
// A job whose previous run is still executing is skipped.
package scheduler
