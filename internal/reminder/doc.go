// Package reminder is the reminder scheduling and alert engine.
//
// # Overview
//
// A Service watches a task snapshot on a fixed tick and keeps at most one
// entry per task whose reminder is due. An entry moves through
//
//	(absent) -> pending -> alerting -> (removed)
//
// Pending is recorded before the alert channel is asked to start, so
// repeated ticks never start a second alert for the same occurrence. The
// alert handle is owned by the entry and released from exactly one place
// (retireLocked) whatever the exit: dismissal, completion, deletion,
// clearing, re-arming, expiry or shutdown.
//
// # Timing
//
// A reminder fires on the first tick where 0 <= now-reminder <= FireWindow.
// Entries older than ExpiryWindow are swept even without user action. A
// failed start removes the entry; with the default windows this makes a
// failed alert effectively fire-once.
//
// # Concurrency
//
// Tick, Dismiss and the resolution of asynchronous starts are serialized by
// one mutex. A start that resolves after its entry was retired is stopped
// immediately; a failed start whose entry is gone is ignored.
package reminder
