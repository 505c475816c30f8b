// Package notifier delivers short, best-effort notifications (reminder
// fired, daily digest) to one or more sinks.
//
// # Pipeline
//
// Notify never blocks: it dedups, enqueues and returns. A small worker pool
// drains the queue through a shared rate limiter and retries each sink with
// jittered backoff. A full queue drops the notification.
//
// # Permission
//
// Every Sink reports whether it may show notifications. The first ask runs
// asynchronously per sink and is shared by concurrent callers; the answer is
// cached. Denied sinks are skipped silently.
//
// # History
//
// For operator visibility the service keeps a small in-memory history of
// recently delivered notifications.
package notifier
